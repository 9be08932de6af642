package audio

import (
	"bytes"
	"io"
	"strings"
)

// DefaultContentType is used when the encoder does not report the type it produced.
const DefaultContentType = "audio/webm"

// PreferredContentTypes lists recorder encodings in order of preference.
var PreferredContentTypes = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/mp4",
	"audio/ogg;codecs=opus",
	"audio/ogg",
}

// SelectContentType returns the first preferred type the device supports,
// or "" to let the device choose.
func SelectContentType(supports func(string) bool) string {
	if supports == nil {
		return ""
	}
	for _, ct := range PreferredContentTypes {
		if supports(ct) {
			return ct
		}
	}
	return ""
}

// ExtensionFor derives a file extension from a content type.
func ExtensionFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "ogg"):
		return "ogg"
	case strings.Contains(ct, "mp4"):
		return "mp4"
	default:
		return "webm"
	}
}

// Artifact is a finished recording. It is immutable; accessors hand out copies.
type Artifact struct {
	data        []byte
	contentType string
}

// NewArtifact joins the recorded chunks in order.
func NewArtifact(chunks [][]byte, contentType string) Artifact {
	if contentType == "" {
		contentType = DefaultContentType
	}
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}
	return Artifact{data: data, contentType: contentType}
}

// Bytes returns a copy of the recorded audio.
func (a Artifact) Bytes() []byte {
	return bytes.Clone(a.data)
}

// Reader streams the recorded audio without copying it.
func (a Artifact) Reader() io.Reader {
	return bytes.NewReader(a.data)
}

// Size is the length of the recording in bytes.
func (a Artifact) Size() int {
	return len(a.data)
}

// IsEmpty reports whether nothing was recorded.
func (a Artifact) IsEmpty() bool {
	return len(a.data) == 0
}

func (a Artifact) ContentType() string {
	return a.contentType
}

func (a Artifact) Extension() string {
	return ExtensionFor(a.contentType)
}

// Filename is the synthetic upload name, e.g. "recording.webm".
func (a Artifact) Filename() string {
	return "recording." + a.Extension()
}
