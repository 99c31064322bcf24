// Package stt drives streaming speech recognition sockets against an
// external cloud STT service, translating its wire protocol into a
// small, provider-agnostic event stream.
package stt

import (
	"context"
	"time"
)

// EventKind identifies the kind of TranscriptEvent.
type EventKind int

const (
	EventInterim EventKind = iota
	EventFinal
	EventUtteranceEnd
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TranscriptEvent is one item in the lazy, finite sequence a Stream
// produces. Consumed once by the owning session.
type TranscriptEvent struct {
	Kind    EventKind
	Text    string
	Channel int
	EndTS   time.Duration // end timestamp as reported by the service, before any offset correction
	Err     error         // set when Kind == EventError
}

// Options configures a streaming recognition session. The zero value
// is not valid: Model and Language must be set.
type Options struct {
	Model          string
	Language       string
	SampleRate     int    // Hz; only meaningful when Encoding is a raw PCM format
	Encoding       string // "" for containerized audio (the service sniffs it); "linear16" etc for raw PCM
	InterimResults bool
	UtteranceEndMS int
	EndpointingMS  int
	VADEvents      bool
}

// Validate reports ErrConfig-wrapped errors for missing required fields.
func (o Options) Validate() error {
	if o.Model == "" || o.Language == "" {
		return ErrConfig
	}
	if o.UtteranceEndMS < 0 || o.EndpointingMS < 0 {
		return ErrConfig
	}
	return nil
}

// Stream is one open recognition session. A Conversation opens one
// Stream per Utterance; a Broadcast keeps one Stream open across many
// utterance-end segments until it fails or is reconnected.
type Stream interface {
	// Send enqueues an audio frame for upstream delivery. Non-blocking;
	// returns ErrBackpressured if the write buffer is over its
	// high-water mark, ErrClosed if the stream already ended.
	Send(frame []byte) error

	// Finalize asks the service to flush any pending transcript and
	// continues delivering events until the service signals completion.
	Finalize() error

	// Close tears the stream down, sending the service's close
	// message first if the stream is still open. Idempotent.
	Close() error

	// Events returns the lazy, finite, non-restartable event sequence.
	Events() <-chan TranscriptEvent
}

// Client opens Stream sessions against a configured STT backend.
type Client interface {
	Open(ctx context.Context, opts Options) (Stream, error)
}

// keepaliveInterval is how long a stream may go without an outbound
// audio frame before the client proactively sends a keepalive control
// message, per the service's 10s idle-close window.
const keepaliveInterval = 3 * time.Second

// idleCloseWindow is the service's own idle-close threshold; used only
// to distinguish a true IdleTimeout close from an ordinary teardown.
const idleCloseWindow = 10 * time.Second
