package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/christian-lee/voicegate/internal/config"
	"github.com/christian-lee/voicegate/internal/fanout"
	"github.com/christian-lee/voicegate/internal/stt"
)

type fakeTextSink struct {
	mu   sync.Mutex
	msgs []broadcastMessage
}

func (s *fakeTextSink) BroadcastText(data []byte) error {
	var msg broadcastMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeTextSink) snapshot() []broadcastMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broadcastMessage(nil), s.msgs...)
}

func TestBroadcastMultiSubscriberDelivery(t *testing.T) {
	hub := fanout.NewHub()
	subA, err := hub.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	subB, err := hub.Subscribe()
	if err != nil {
		t.Fatal(err)
	}

	sttStream := newFakeSTTStream(8)
	client := &fakeSTTClient{streams: []*fakeSTTStream{sttStream}}
	translator := &fakeTranslator{result: "good morning"}
	synth := &fakeSynth{audio: []byte("clip")}
	sink := &fakeTextSink{}
	voices := config.NewHotVoices("")

	b := NewBroadcast(hub, sink, client, translator, synth, voices, BroadcastConfig{
		SourceLang: "Chinese", TargetLang: "English", STTLanguage: "cmn-Hans-CN",
		VoiceDirection: "cn-en", UtteranceEndMS: 1000, EndpointingMS: 300,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	b.PublisherAudio([]byte{0x01, 0x02})
	sttStream.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "早上好"}
	sttStream.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := sink.snapshot()
	if len(msgs) != 1 || msgs[0].Translation != "good morning" {
		t.Fatalf("unexpected broadcast messages: %+v", msgs)
	}

	for _, sub := range []*fanout.Subscriber{subA, subB} {
		select {
		case frame := <-sub.Frames():
			if string(frame) != "clip" {
				t.Errorf("unexpected audio frame: %q", frame)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber never received audio frame")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBroadcastReconnectsOnFatalSTTError(t *testing.T) {
	first := newFakeSTTStream(4)
	second := newFakeSTTStream(4)
	client := &fakeSTTClient{streams: []*fakeSTTStream{first, second}}
	translator := &fakeTranslator{}
	synth := &fakeSynth{}
	sink := &fakeTextSink{}
	voices := config.NewHotVoices("")

	b := NewBroadcast(fanout.NewHub(), sink, client, translator, synth, voices, BroadcastConfig{
		SourceLang: "Chinese", TargetLang: "English", STTLanguage: "cmn-Hans-CN",
		UtteranceEndMS: 1000, EndpointingMS: 300,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	first.events <- stt.TranscriptEvent{Kind: stt.EventError, Err: errTestSTTFatal}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		idx := client.nextIdx
		client.mu.Unlock()
		if idx >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	client.mu.Lock()
	idx := client.nextIdx
	client.mu.Unlock()
	if idx < 2 {
		t.Fatalf("expected reconnect to open a second stream, got nextIdx=%d", idx)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

var errTestSTTFatal = &stt.ProtocolError{Code: 1011, UpstreamID: "NET-0000"}
