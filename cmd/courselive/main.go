package main

import (
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"courselive/mobile/internal/api"
	"courselive/mobile/internal/channel"
	"courselive/mobile/internal/config"
	"courselive/mobile/internal/domain"
	"courselive/mobile/internal/media"
	"courselive/mobile/internal/runloop"
	"courselive/mobile/internal/session"
)

const helpText = `courselive - join a course live session from the terminal

Fetches a stream ticket from the marketplace API, connects to the
signaling relay and negotiates the media session for the configured
role. Intended for protocol debugging; the mobile apps embed the same
internal packages.

Environment Variables (required):
  COURSELIVE_TOKEN    REST bearer token from the marketplace login
  COURSELIVE_SESSION  Course session id to enter

Optional:
  COURSELIVE_ROLE     broadcaster or viewer (default viewer)

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	apiClient := api.NewClient(cfg.APIBaseURL)
	log.Info().Str("session_id", cfg.SessionID).Msg("fetching stream ticket")
	ticket, err := apiClient.FetchStreamTicket(cfg.Token, cfg.SessionID)
	if err != nil {
		log.Fatal().Err(err).Msg("fetch stream ticket")
	}
	if ticket.Role == "" {
		ticket.Role = cfg.Role
	}
	log.Info().Str("user_id", ticket.UserID).Str("role", ticket.Role).
		Str("signal_url", ticket.SignalURL).Msg("ticket obtained")

	loop := runloop.New()
	go loop.Run()
	defer loop.Close()

	ch := channel.New(channel.Config{
		URL:            ticket.SignalURL,
		PingInterval:   cfg.PingInterval,
		RequestTimeout: cfg.RequestTimeout,
		ReconnectMin:   cfg.ReconnectMin,
		ReconnectMax:   cfg.ReconnectMax,
	}, loop)

	eng := media.NewEngine(loop, media.NewSampleSource())

	done := make(chan struct{})
	coord := session.New(loop, ch, eng, &cliDelegate{done: done}, session.Config{
		RequestTimeout: cfg.RequestTimeout,
		RestartDelay:   cfg.RestartDelay,
	})

	coord.EnterSession(ticket.Session(), ticket.ICEServers)

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-done:
		log.Info().Msg("session over")
	}

	coord.ExitSession()
	// Give the leave event and teardown a moment to drain.
	time.Sleep(200 * time.Millisecond)
}

// cliDelegate renders coordinator events to the log. The mobile apps
// implement the same interface with real views.
type cliDelegate struct {
	done chan struct{}
}

func (d *cliDelegate) OnLifecycleChange(s domain.LifecycleState) {
	log.Info().Str("lifecycle", s.String()).Msg("session state")
}

func (d *cliDelegate) OnChannelState(s domain.ChannelState) {
	log.Info().Str("channel", s.String()).Msg("channel state")
}

func (d *cliDelegate) OnMediaConnectionState(connected bool) {
	log.Info().Bool("connected", connected).Msg("media connectivity")
}

func (d *cliDelegate) OnRemoteTrack(track domain.RemoteTrack) {
	log.Info().Str("kind", string(track.Kind())).Str("id", track.ID()).Msg("remote track attached")
}

func (d *cliDelegate) OnRemoteMediaState(state domain.MediaTrackState) {
	log.Info().Bool("video", state.VideoEnabled).Bool("audio", state.AudioEnabled).
		Msg("remote media state")
}

func (d *cliDelegate) OnWaitingForBroadcaster() {
	log.Info().Msg("waiting for broadcaster")
}

func (d *cliDelegate) OnChat(msg domain.ChatMessage) {
	log.Info().Str("from", msg.UserID).Str("text", msg.Text).Msg("chat")
}

func (d *cliDelegate) OnSessionFinished() {
	log.Info().Msg("session finished")
	close(d.done)
}

func (d *cliDelegate) OnForcedLogout(reason string) {
	log.Warn().Str("reason", reason).Msg("forced logout")
	close(d.done)
}

func (d *cliDelegate) OnSessionError(err error) {
	log.Error().Err(err).Msg("session error")
}
