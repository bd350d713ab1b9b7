// Package api holds the one REST call the streaming core depends on:
// fetching the stream ticket that carries the session identity, the
// short-lived access token and the ICE server list. Everything else the
// backend offers (courses, payments, uploads) is outside this client.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"courselive/mobile/internal/domain"
)

const ticketPath = "/api/v1/sessions/ticket"

type ticketRequest struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

type ticketResponse struct {
	Result int                 `json:"result"`
	Msg    string              `json:"msg"`
	Data   domain.StreamTicket `json:"data"`
}

// Client talks to the course marketplace backend.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchStreamTicket obtains signaling credentials and ICE servers for
// one session entry. The token is the user's REST bearer token; the
// ticket carries the session-scoped access token used on the channel.
func (c *Client) FetchStreamTicket(token, sessionID string) (*domain.StreamTicket, error) {
	body, err := json.Marshal(ticketRequest{
		SessionID: sessionID,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ticket request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+ticketPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var ticketResp ticketResponse
	if err := json.Unmarshal(respBody, &ticketResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if ticketResp.Result != 0 {
		return nil, fmt.Errorf("api error (result=%d): %s", ticketResp.Result, ticketResp.Msg)
	}

	return &ticketResp.Data, nil
}
