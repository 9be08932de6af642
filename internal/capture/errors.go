package capture

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a device could not be acquired
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission-denied"
	KindNoDevice         ErrorKind = "no-device"
	KindDeviceInUse      ErrorKind = "device-in-use"
	KindUnknown          ErrorKind = "unknown"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no microphone found")
	ErrDeviceInUse      = errors.New("microphone in use")

	// ErrEncoderEnded is reported when the encoder stops producing audio on its own
	ErrEncoderEnded = errors.New("audio encoder ended unexpectedly")
)

// DeviceError is a named failure reported by the capturing client,
// e.g. "NotAllowedError" from a browser.
type DeviceError struct {
	Name    string
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("device error: %s", e.Name)
	}
	return fmt.Sprintf("device error: %s: %s", e.Name, e.Message)
}

// Unwrap maps the reported name onto the package sentinels.
func (e *DeviceError) Unwrap() error {
	switch ClassifyName(e.Name) {
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindNoDevice:
		return ErrNoDevice
	case KindDeviceInUse:
		return ErrDeviceInUse
	}
	return nil
}

// ClassifyName maps a client error name to a kind.
func ClassifyName(name string) ErrorKind {
	switch name {
	case "NotAllowedError", "PermissionDeniedError":
		return KindPermissionDenied
	case "NotFoundError", "DevicesNotFoundError":
		return KindNoDevice
	case "NotReadableError", "TrackStartError":
		return KindDeviceInUse
	default:
		return KindUnknown
	}
}

// Classify maps an acquisition failure to a kind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrNoDevice):
		return KindNoDevice
	case errors.Is(err, ErrDeviceInUse):
		return KindDeviceInUse
	default:
		return KindUnknown
	}
}

// RemediationText is the user facing help for a failed acquisition
type RemediationText struct {
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	Instructions []string `json:"instructions"`
}

// Remediation returns the help text for kind.
func Remediation(kind ErrorKind) RemediationText {
	switch kind {
	case KindPermissionDenied:
		return RemediationText{
			Title:   "Microphone Access Denied",
			Message: "We need microphone permission to record your answer.",
			Instructions: []string{
				"1. Click the lock icon in your browser's address bar",
				"2. Allow microphone access for this site",
				"3. On Mac: Also check System Settings > Privacy & Security > Microphone",
				"4. Make sure your browser (Chrome/Safari/etc.) is enabled",
			},
		}
	case KindNoDevice:
		return RemediationText{
			Title:   "No Microphone Found",
			Message: "We couldn't find a microphone connected to your device.",
			Instructions: []string{
				"1. Check that a microphone is connected",
				"2. Make sure it's not being used by another app",
				"3. Try refreshing the page",
			},
		}
	case KindDeviceInUse:
		return RemediationText{
			Title:   "Microphone In Use",
			Message: "Your microphone is being used by another application.",
			Instructions: []string{
				"1. Close other apps using the microphone",
				"2. Try refreshing the page",
				"3. Restart your browser if the issue persists",
			},
		}
	default:
		return RemediationText{
			Title:   "Recording Error",
			Message: "Something went wrong accessing your microphone.",
			Instructions: []string{
				"1. Check browser permissions",
				"2. Make sure you're using HTTPS or localhost",
				"3. Try refreshing the page",
			},
		}
	}
}
