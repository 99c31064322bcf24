package session

import (
	"context"
	"sync"
	"time"

	"github.com/christian-lee/voicegate/internal/stt"
	"github.com/christian-lee/voicegate/internal/tts"
)

// fakeSocket is an in-memory ClientSocket driven by tests via inbound
// and read back via outbound.
type fakeSocket struct {
	mu       sync.Mutex
	inbound  []fakeFrame
	inIdx    int
	outbound []fakeFrame
	closed   bool
	readCh   chan struct{}
}

type fakeFrame struct {
	kind FrameKind
	data []byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{readCh: make(chan struct{}, 64)}
}

func (s *fakeSocket) push(kind FrameKind, data []byte) {
	s.mu.Lock()
	s.inbound = append(s.inbound, fakeFrame{kind, data})
	s.mu.Unlock()
	s.readCh <- struct{}{}
}

func (s *fakeSocket) ReadFrame() (FrameKind, []byte, error) {
	for {
		s.mu.Lock()
		if s.inIdx < len(s.inbound) {
			f := s.inbound[s.inIdx]
			s.inIdx++
			s.mu.Unlock()
			return f.kind, f.data, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return FrameClose, nil, nil
		}
		<-s.readCh
	}
}

func (s *fakeSocket) WriteText(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(s.outbound, fakeFrame{FrameText, append([]byte(nil), data...)})
	return nil
}

func (s *fakeSocket) WriteBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(s.outbound, fakeFrame{FrameBinary, append([]byte(nil), data...)})
	return nil
}

func (s *fakeSocket) SetWriteDeadline(t time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		select {
		case s.readCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *fakeSocket) snapshot() []fakeFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fakeFrame(nil), s.outbound...)
}

// fakeSTTClient/fakeSTTStream let a test script an exact event sequence.
type fakeSTTClient struct {
	mu      sync.Mutex
	streams []*fakeSTTStream
	nextIdx int
}

func (c *fakeSTTClient) Open(ctx context.Context, opts stt.Options) (stt.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextIdx >= len(c.streams) {
		return &fakeSTTStream{events: make(chan stt.TranscriptEvent)}, nil
	}
	s := c.streams[c.nextIdx]
	c.nextIdx++
	return s, nil
}

type fakeSTTStream struct {
	mu        sync.Mutex
	sent      [][]byte
	events    chan stt.TranscriptEvent
	finalized bool
	closed    bool
}

func newFakeSTTStream(buffer int) *fakeSTTStream {
	return &fakeSTTStream{events: make(chan stt.TranscriptEvent, buffer)}
}

func (s *fakeSTTStream) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, frame)
	return nil
}

func (s *fakeSTTStream) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return nil
}

func (s *fakeSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSTTStream) Events() <-chan stt.TranscriptEvent {
	return s.events
}

// fakeTranslator returns a fixed translation or error.
type fakeTranslator struct {
	result string
	err    error
}

func (t *fakeTranslator) Translate(ctx context.Context, text, sourceLang, targetLang, promptTemplate string) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	if t.result != "" {
		return t.result, nil
	}
	return "translated:" + text, nil
}

// fakeSynth returns fixed audio bytes or an error.
type fakeSynth struct {
	audio []byte
	err   error
}

func (s *fakeSynth) Synthesize(ctx context.Context, text, languageCode, voiceID string) (tts.Result, error) {
	if s.err != nil {
		return tts.Result{}, s.err
	}
	audio := s.audio
	if audio == nil {
		audio = []byte("audio:" + text)
	}
	return tts.Result{Audio: audio, ContentType: "audio/mpeg"}, nil
}
