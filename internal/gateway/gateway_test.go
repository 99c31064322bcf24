package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/christian-lee/voicegate/internal/config"
	"github.com/christian-lee/voicegate/internal/stt"
	"github.com/christian-lee/voicegate/internal/tts"
)

type fakeSTTClient struct {
	stream *fakeSTTStream
}

func (c *fakeSTTClient) Open(ctx context.Context, opts stt.Options) (stt.Stream, error) {
	return c.stream, nil
}

type fakeSTTStream struct {
	events chan stt.TranscriptEvent
}

func (s *fakeSTTStream) Send(frame []byte) error { return nil }
func (s *fakeSTTStream) Finalize() error         { return nil }
func (s *fakeSTTStream) Close() error            { return nil }
func (s *fakeSTTStream) Events() <-chan stt.TranscriptEvent {
	return s.events
}

type fakeTranslator struct{}

func (fakeTranslator) Translate(ctx context.Context, text, sourceLang, targetLang, promptTemplate string) (string, error) {
	return "translated:" + text, nil
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, text, languageCode, voiceID string) (tts.Result, error) {
	return tts.Result{Audio: []byte("clip:" + text), ContentType: "audio/mpeg"}, nil
}

func newTestGateway(t *testing.T) (*Gateway, *fakeSTTStream) {
	t.Helper()
	cfg := &config.Config{
		Port:            0,
		UtteranceEndMS:  1000,
		EndpointingMS:   300,
		SubscriberQueue: 4,
		MaxSessions:     4,
	}
	sttStream := &fakeSTTStream{events: make(chan stt.TranscriptEvent, 8)}
	g := New(cfg, &fakeSTTClient{stream: sttStream}, fakeTranslator{}, fakeSynth{}, config.NewHotVoices(""), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go g.Run(ctx)
	return g, sttStream
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBrowserPublisherRoundTrip(t *testing.T) {
	g, sttStream := newTestGateway(t)

	browserSrv := httptest.NewServer(http.HandlerFunc(g.handleBrowser))
	defer browserSrv.Close()
	pubSrv := httptest.NewServer(http.HandlerFunc(g.handlePublisher))
	defer pubSrv.Close()

	browser := dialWS(t, browserSrv)
	publisher := dialWS(t, pubSrv)

	time.Sleep(50 * time.Millisecond) // let both upgrades settle and subscribe

	if err := publisher.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("publisher write: %v", err)
	}

	sttStream.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "hola"}
	sttStream.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}

	_ = browser.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, data, err := browser.ReadMessage()
	if err != nil {
		t.Fatalf("browser read text: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text frame first, got kind %d", kind)
	}
	var msg struct {
		Type        string `json:"type"`
		Translation string `json:"translation"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Translation != "translated:hola" {
		t.Errorf("translation = %q, want translated:hola", msg.Translation)
	}

	_ = browser.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, data, err = browser.ReadMessage()
	if err != nil {
		t.Fatalf("browser read audio: %v", err)
	}
	if kind != websocket.BinaryMessage || string(data) != "clip:translated:hola" {
		t.Errorf("unexpected audio frame: kind=%d data=%q", kind, data)
	}
}

func TestConversationModeValidation(t *testing.T) {
	g, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(g.handleConversation))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?mode=bogus")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown mode", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	g, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(g.handleHealthz))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
