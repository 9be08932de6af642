package capture

import "context"

// Acquirer hands out exclusive access to an audio input device.
type Acquirer interface {
	RequestAudioInput(ctx context.Context) (Device, error)
}

// Device is a granted audio input. It must be released on every exit path.
type Device interface {
	// Supports reports whether the device can encode the given content type.
	Supports(contentType string) bool

	// StartEncoder begins producing encoded chunks. An empty content type
	// lets the device pick its default.
	StartEncoder(contentType string) (Encoder, error)

	// Release stops all underlying tracks. It is safe to call more than once.
	Release() error
}

// Encoder produces encoded audio chunks from a device.
type Encoder interface {
	// ContentType is the type actually produced, which may differ from the one requested.
	ContentType() string

	// Chunks delivers encoded audio. It is closed after Stop once the final chunk is flushed.
	Chunks() <-chan []byte

	// Errors reports failures while encoding.
	Errors() <-chan error

	// Stop asks the encoder to flush and finish.
	Stop() error
}
