package media

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courselive/mobile/internal/domain"
)

func sample() media.Sample {
	return media.Sample{Data: []byte{0, 0, 0, 1}, Duration: 33 * time.Millisecond}
}

func TestSampleSourceLifecycle(t *testing.T) {
	src := NewSampleSource()

	assert.ErrorIs(t, src.WriteVideoSample(sample()), ErrNotCapturing)

	require.NoError(t, src.Open())
	assert.Error(t, src.Open(), "capture is exclusive")
	assert.NotNil(t, src.AudioTrack())
	assert.NotNil(t, src.VideoTrack())

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.ErrorIs(t, src.WriteAudioSample(sample()), ErrNotCapturing)
}

func TestSampleSourceDisabledTrackDropsWrites(t *testing.T) {
	src := NewSampleSource()
	require.NoError(t, src.Open())
	defer src.Close()

	require.NoError(t, src.SetEnabled(domain.TrackVideo, false))
	// Dropped silently: the flag flip never renegotiates or errors.
	assert.NoError(t, src.WriteVideoSample(sample()))

	require.NoError(t, src.SetEnabled(domain.TrackVideo, true))
	assert.NoError(t, src.WriteVideoSample(sample()))

	assert.Error(t, src.SetEnabled(domain.TrackKind("screen"), true))
}
