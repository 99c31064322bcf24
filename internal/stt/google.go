package stt

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
)

// GoogleClient is the alternate streaming backend, selected via
// STT_PROVIDER=google. Google's API has no native UtteranceEnd event,
// so one is synthesized from a gap timer measured against UtteranceEndMS.
type GoogleClient struct {
	newClient func(ctx context.Context) (*speech.Client, error)
}

// NewGoogleClient builds a Client that authenticates using whatever
// Application Default Credentials are available in the environment,
// matching the Google Cloud text-to-speech client.
func NewGoogleClient() *GoogleClient {
	return &GoogleClient{newClient: speech.NewClient}
}

func (c *GoogleClient) Open(ctx context.Context, opts Options) (Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	client, err := c.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	grpcStream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	encoding := speechpb.RecognitionConfig_LINEAR16
	sampleRate := int32(16000)
	if opts.SampleRate > 0 {
		sampleRate = int32(opts.SampleRate)
	}

	cfg := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        encoding,
					SampleRateHertz: sampleRate,
					LanguageCode:    opts.Language,
					Model:           opts.Model,
				},
				InterimResults: opts.InterimResults,
			},
		},
	}
	if err := grpcStream.Send(cfg); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	gapWindow := time.Duration(opts.UtteranceEndMS) * time.Millisecond
	if gapWindow <= 0 {
		gapWindow = 1000 * time.Millisecond
	}

	s := &googleStream{
		client:     client,
		grpcStream: grpcStream,
		cancel:     cancel,
		events:     make(chan TranscriptEvent, 64),
		closeDone:  make(chan struct{}),
		gapWindow:  gapWindow,
	}
	go s.readLoop()
	return s, nil
}

type googleStream struct {
	client     *speech.Client
	grpcStream speechpb.Speech_StreamingRecognizeClient
	cancel     context.CancelFunc
	events     chan TranscriptEvent

	mu        sync.Mutex
	closed    bool
	closeDone chan struct{}

	gapWindow time.Duration
	lastFinal time.Time
}

func (s *googleStream) Send(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	err := s.grpcStream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: frame,
		},
	})
	if err != nil {
		if err == io.EOF {
			return ErrClosed
		}
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}

// Finalize has no discrete counterpart in the gRPC streaming API; the
// service finalizes automatically once it detects trailing silence, so
// this is a no-op kept only to satisfy the Stream interface.
func (s *googleStream) Finalize() error {
	return nil
}

func (s *googleStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeDone)
	s.cancel()
	return s.client.Close()
}

func (s *googleStream) Events() <-chan TranscriptEvent {
	return s.events
}

func (s *googleStream) readLoop() {
	defer close(s.events)

	for {
		resp, err := s.grpcStream.Recv()
		if err != nil {
			if err == io.EOF {
				s.emit(TranscriptEvent{Kind: EventClosed})
				return
			}
			s.emit(TranscriptEvent{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)})
			return
		}

		if resp.Error != nil {
			s.emit(TranscriptEvent{Kind: EventError, Err: fmt.Errorf("%w: %s", ErrUpstreamUnavailable, resp.Error.GetMessage())})
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			text := result.Alternatives[0].Transcript
			if text == "" {
				continue
			}
			endTS := result.ResultEndTime.AsDuration()

			if result.IsFinal {
				s.mu.Lock()
				now := time.Now()
				s.lastFinal = now
				s.mu.Unlock()
				s.emit(TranscriptEvent{Kind: EventFinal, Text: text, EndTS: endTS})
				s.scheduleUtteranceEnd(now, endTS)
			} else {
				s.emit(TranscriptEvent{Kind: EventInterim, Text: text, EndTS: endTS})
			}
		}
	}
}

// scheduleUtteranceEnd synthesizes an EventUtteranceEnd after gapWindow
// has elapsed with no further finals, mirroring the native event the
// websocket-shaped backend receives directly from its upstream.
func (s *googleStream) scheduleUtteranceEnd(deadline time.Time, endTS time.Duration) {
	go func() {
		timer := time.NewTimer(s.gapWindow)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.mu.Lock()
			stillCurrent := s.lastFinal.Equal(deadline) && !s.closed
			s.mu.Unlock()
			if stillCurrent {
				s.emit(TranscriptEvent{Kind: EventUtteranceEnd, EndTS: endTS})
			}
		case <-s.closeDone:
		}
	}()
}

func (s *googleStream) emit(ev TranscriptEvent) {
	select {
	case s.events <- ev:
	case <-s.closeDone:
	}
}
