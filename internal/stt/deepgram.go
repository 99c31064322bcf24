package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DeepgramEndpoint is the default streaming recognition endpoint.
const DeepgramEndpoint = "wss://api.deepgram.com/v1/listen"

// DeepgramClient opens streaming recognition sockets against a
// Deepgram-shaped streaming STT service.
type DeepgramClient struct {
	endpoint string
	apiKey   string

	// sendBufferHighWater bounds the outbound frame queue per stream;
	// Send returns ErrBackpressured once it is exceeded.
	sendBufferHighWater int
}

// NewDeepgramClient builds a Client against apiKey. endpoint may be
// empty to use DeepgramEndpoint.
func NewDeepgramClient(apiKey, endpoint string) *DeepgramClient {
	if endpoint == "" {
		endpoint = DeepgramEndpoint
	}
	return &DeepgramClient{endpoint: endpoint, apiKey: apiKey, sendBufferHighWater: 64}
}

func (c *DeepgramClient) Open(ctx context.Context, opts Options) (Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	q := u.Query()
	q.Set("model", opts.Model)
	q.Set("language", opts.Language)
	q.Set("interim_results", strconv.FormatBool(opts.InterimResults))
	q.Set("utterance_end_ms", strconv.Itoa(opts.UtteranceEndMS))
	q.Set("endpointing", strconv.Itoa(opts.EndpointingMS))
	q.Set("vad_events", strconv.FormatBool(opts.VADEvents))
	if opts.Encoding != "" {
		q.Set("encoding", opts.Encoding)
		q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+c.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	s := &deepgramStream{
		conn:        conn,
		events:      make(chan TranscriptEvent, 64),
		sendCh:      make(chan []byte, c.sendBufferHighWater),
		closeDone:   make(chan struct{}),
		lastAudioAt: time.Now(),
	}
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

type deepgramStream struct {
	conn   *websocket.Conn
	events chan TranscriptEvent
	sendCh chan []byte

	mu          sync.Mutex
	closed      bool
	closeDone   chan struct{}
	lastAudioAt time.Time
}

// deepgram wire types.

type dgControlMessage struct {
	Type string `json:"type"`
}

type dgResponse struct {
	Type         string `json:"type"` // "Results", "SpeechStarted", "UtteranceEnd", "Metadata"
	ChannelIndex []int  `json:"channel_index"`
	IsFinal      bool   `json:"is_final"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	LastWordEnd float64 `json:"last_word_end"`
}

func (s *deepgramStream) Send(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	select {
	case s.sendCh <- frame:
		s.mu.Lock()
		s.lastAudioAt = time.Now()
		s.mu.Unlock()
		return nil
	default:
		return ErrBackpressured
	}
}

func (s *deepgramStream) Finalize() error {
	return s.sendControl(dgControlMessage{Type: "Finalize"})
}

func (s *deepgramStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.sendControl(dgControlMessage{Type: "CloseStream"})
	close(s.closeDone)
	return s.conn.Close()
}

func (s *deepgramStream) Events() <-chan TranscriptEvent {
	return s.events
}

func (s *deepgramStream) sendControl(msg dgControlMessage) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// writeLoop serializes all writes onto the single websocket connection
// (gorilla/websocket forbids concurrent writers) and emits a keepalive
// control frame whenever audio has been idle past keepaliveInterval.
func (s *deepgramStream) writeLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeDone:
			return
		case frame, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastAudioAt)
			s.mu.Unlock()
			if idle >= keepaliveInterval {
				_ = s.sendControl(dgControlMessage{Type: "KeepAlive"})
			}
		}
	}
}

func (s *deepgramStream) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				s.handleClose(ce)
				return
			}
			s.emit(TranscriptEvent{Kind: EventError, Err: err})
			return
		}

		var resp dgResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("stt: malformed frame", "err", err)
			continue
		}

		switch resp.Type {
		case "Results":
			text := ""
			if len(resp.Channel.Alternatives) > 0 {
				text = resp.Channel.Alternatives[0].Transcript
			}
			if text == "" {
				continue
			}
			kind := EventInterim
			if resp.IsFinal {
				kind = EventFinal
			}
			channel := 0
			if len(resp.ChannelIndex) > 0 {
				channel = resp.ChannelIndex[0]
			}
			s.emit(TranscriptEvent{
				Kind:    kind,
				Text:    text,
				Channel: channel,
				EndTS:   time.Duration(resp.LastWordEnd * float64(time.Second)),
			})
		case "UtteranceEnd":
			s.emit(TranscriptEvent{Kind: EventUtteranceEnd, EndTS: time.Duration(resp.LastWordEnd * float64(time.Second))})
		case "Metadata":
			// Final bookkeeping frame after Close/Finalize; no event of interest.
		}
	}
}

func (s *deepgramStream) handleClose(ce *websocket.CloseError) {
	upstreamID := ce.Text
	if err := protocolKindFor(ce.Code, upstreamID); err != nil {
		s.mu.Lock()
		idle := time.Since(s.lastAudioAt)
		s.mu.Unlock()
		if idle >= idleCloseWindow {
			err = fmt.Errorf("%w: %v", ErrIdleTimeout, err)
		}
		s.emit(TranscriptEvent{Kind: EventError, Err: err})
		return
	}
	s.emit(TranscriptEvent{Kind: EventClosed})
}

func (s *deepgramStream) emit(ev TranscriptEvent) {
	select {
	case s.events <- ev:
	case <-s.closeDone:
	}
}
