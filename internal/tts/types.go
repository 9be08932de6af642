package tts

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when no narration credentials are set
var ErrNotConfigured = errors.New("narration is not configured")

// Audio is a synthesized clip ready to be served
type Audio struct {
	Data        []byte // WAV file bytes
	ContentType string // always audio/wav
	SampleRate  int    // Sample rate in Hz
	Channels    int    // 1 for mono
	Duration    float64
}

// Synthesizer turns text into playable audio
type Synthesizer interface {
	// Synthesize converts text to a complete audio clip
	Synthesize(ctx context.Context, text string) (*Audio, error)

	// Enabled reports whether the synthesizer can be used
	Enabled() bool
}
