package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/lexiqai/practice-gateway/internal/audio"
	"github.com/lexiqai/practice-gateway/internal/capture"
)

// ErrDisconnected is returned when the browser goes away mid request
var ErrDisconnected = errors.New("client disconnected")

const encoderBuffer = 256

// deviceReply is the browser's answer to a request_device message
type deviceReply struct {
	supported   []string
	contentType string
	err         error
}

// remoteAcquirer asks the connected browser for its microphone
type remoteAcquirer struct {
	c *client

	mu      sync.Mutex
	pending chan deviceReply
}

func newRemoteAcquirer(c *client) *remoteAcquirer {
	return &remoteAcquirer{c: c}
}

// RequestAudioInput sends request_device and waits for the browser's reply
func (a *remoteAcquirer) RequestAudioInput(ctx context.Context) (capture.Device, error) {
	reply := make(chan deviceReply, 1)
	a.mu.Lock()
	a.pending = reply
	a.mu.Unlock()

	if !a.c.send(simpleMessage{Type: "request_device"}) {
		return nil, ErrDisconnected
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return newRemoteDevice(a.c, r), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.c.done:
		return nil, ErrDisconnected
	}
}

// deliver hands a device reply to the waiting request, if any
func (a *remoteAcquirer) deliver(r deviceReply) bool {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	if pending == nil {
		return false
	}
	pending <- r
	return true
}

type remoteDevice struct {
	c           *client
	supported   map[string]bool
	contentType string
	encoder     *remoteEncoder

	releaseOnce sync.Once
}

func newRemoteDevice(c *client, r deviceReply) *remoteDevice {
	supported := make(map[string]bool, len(r.supported))
	for _, ct := range r.supported {
		supported[ct] = true
	}
	ct := r.contentType
	if ct == "" {
		ct = audio.DefaultContentType
	}
	return &remoteDevice{c: c, supported: supported, contentType: ct}
}

func (d *remoteDevice) Supports(contentType string) bool {
	return d.supported[contentType]
}

// StartEncoder tells the browser which encoding to record with and routes
// subsequent binary frames to the returned encoder
func (d *remoteDevice) StartEncoder(contentType string) (capture.Encoder, error) {
	if contentType == "" {
		contentType = d.contentType
	}
	enc := newRemoteEncoder(d.c, contentType)
	d.encoder = enc
	d.c.setEncoder(enc)
	if !d.c.send(encoderMessage{Type: "encoder", ContentType: contentType}) {
		return nil, ErrDisconnected
	}
	return enc, nil
}

func (d *remoteDevice) Release() error {
	d.releaseOnce.Do(func() {
		if d.encoder != nil {
			d.c.clearEncoder(d.encoder)
		}
		d.c.send(simpleMessage{Type: "release"})
	})
	return nil
}

// remoteEncoder buffers chunks arriving as binary frames
type remoteEncoder struct {
	c           *client
	contentType string
	chunks      chan []byte
	errs        chan error
	gone        chan struct{}

	mu         sync.Mutex
	finished   bool
	stopOnce   sync.Once
	detachOnce sync.Once
}

func newRemoteEncoder(c *client, contentType string) *remoteEncoder {
	return &remoteEncoder{
		c:           c,
		contentType: contentType,
		chunks:      make(chan []byte, encoderBuffer),
		errs:        make(chan error, 1),
		gone:        make(chan struct{}),
	}
}

func (e *remoteEncoder) ContentType() string   { return e.contentType }
func (e *remoteEncoder) Chunks() <-chan []byte { return e.chunks }
func (e *remoteEncoder) Errors() <-chan error  { return e.errs }

// Stop asks the browser to flush; the stream closes on encoder_done
func (e *remoteEncoder) Stop() error {
	e.stopOnce.Do(func() {
		e.c.send(simpleMessage{Type: "encoder_stop"})
	})
	return nil
}

// deliver queues a chunk, waiting while the session catches up
func (e *remoteEncoder) deliver(chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	select {
	case e.chunks <- chunk:
	case <-e.gone:
	case <-e.c.done:
	}
}

// finish closes the chunk stream after the browser's last chunk
func (e *remoteEncoder) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.finished = true
	close(e.chunks)
}

// detach stops routing frames to an encoder the session no longer reads
func (e *remoteEncoder) detach() {
	e.detachOnce.Do(func() { close(e.gone) })
}

func (e *remoteEncoder) fail(err error) {
	select {
	case e.errs <- err:
	default:
	}
}
