package sse

import (
	"io"
	"sync"
)

// Tap wraps a byte stream in a pass-through that invokes OnChunk for every
// read chunk and OnComplete exactly once when the stream terminates --
// whether by natural EOF, a read error, or the consumer closing early
// (client cancellation). It is how stream usage traces are finalized.
type Tap struct {
	rc         io.ReadCloser
	onChunk    func([]byte)
	onComplete func(reason string)
	once       sync.Once
	sawEOF     bool
}

// Completion reasons passed to the OnComplete callback.
const (
	TapCompleted = "completed"
	TapCanceled  = "client_disconnect"
	TapErrored   = "error"
)

// NewTap wraps rc. Both callbacks may be nil.
func NewTap(rc io.ReadCloser, onChunk func([]byte), onComplete func(reason string)) *Tap {
	return &Tap{rc: rc, onChunk: onChunk, onComplete: onComplete}
}

// Read forwards to the wrapped stream, copying each chunk to the side
// channel. EOF fires completion with TapCompleted; other errors with
// TapErrored.
func (t *Tap) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 && t.onChunk != nil {
		t.onChunk(p[:n])
	}
	switch err {
	case nil:
	case io.EOF:
		t.sawEOF = true
		t.complete(TapCompleted)
	default:
		t.complete(TapErrored)
	}
	return n, err
}

// Close closes the wrapped stream. Closing before EOF counts as client
// cancellation.
func (t *Tap) Close() error {
	err := t.rc.Close()
	if t.sawEOF {
		t.complete(TapCompleted)
	} else {
		t.complete(TapCanceled)
	}
	return err
}

func (t *Tap) complete(reason string) {
	t.once.Do(func() {
		if t.onComplete != nil {
			t.onComplete(reason)
		}
	})
}
