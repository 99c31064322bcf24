// Package gateway exposes the public websocket surface: the Broadcast
// Session's publisher and subscriber paths, and the per-client
// Conversation Session path, plus /metrics and /healthz.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/christian-lee/voicegate/internal/config"
	"github.com/christian-lee/voicegate/internal/fanout"
	"github.com/christian-lee/voicegate/internal/metrics"
	"github.com/christian-lee/voicegate/internal/session"
	"github.com/christian-lee/voicegate/internal/stt"
	"github.com/christian-lee/voicegate/internal/translate"
	"github.com/christian-lee/voicegate/internal/tts"
)

// upgrader accepts any origin: the gateway sits behind a reverse proxy
// and has no per-user auth surface to check against.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway owns the process-lifetime Fan-out Hub and Broadcast Session,
// and the shared STT/translate/TTS clients every Conversation Session
// is built from on upgrade.
type Gateway struct {
	cfg        *config.Config
	hub        *fanout.Hub
	broadcast  *session.Broadcast
	sttClient  stt.Client
	translator translate.Translator
	synth      tts.Synthesizer
	voices     *config.HotVoices
	metrics    *metrics.Recorder

	subscribers *textSubscriberSet
	activeConv  atomic.Int64

	srv        *http.Server
	metricsSrv *http.Server
}

// New wires a Gateway from already-constructed dependencies. The
// caller owns startup ordering: sttClient/translator/synth must be
// ready before Start is called.
func New(cfg *config.Config, sttClient stt.Client, translator translate.Translator, synth tts.Synthesizer, voices *config.HotVoices, rec *metrics.Recorder) *Gateway {
	var dropCallback, reconnectCallback func()
	if rec != nil {
		dropCallback = rec.FramesDropped.Inc
		reconnectCallback = rec.STTReconnects.Inc
	}

	hub := fanout.NewHub(
		fanout.WithQueueDepth(cfg.SubscriberQueue),
		fanout.WithMaxSubscribers(cfg.MaxSubscribers),
		fanout.WithDropCallback(dropCallback),
	)
	subs := newTextSubscriberSet()

	broadcastCfg := session.BroadcastConfig{
		SourceLang:     "Chinese",
		TargetLang:     "English",
		STTLanguage:    "cmn-Hans-CN",
		VoiceDirection: "cn-en",
		UtteranceEndMS: cfg.UtteranceEndMS,
		EndpointingMS:  cfg.EndpointingMS,
	}
	bc := session.NewBroadcast(hub, subs, sttClient, translator, synth, voices, broadcastCfg, session.WithReconnectCallback(reconnectCallback))

	return &Gateway{
		cfg:         cfg,
		hub:         hub,
		broadcast:   bc,
		sttClient:   sttClient,
		translator:  translator,
		synth:       synth,
		voices:      voices,
		metrics:     rec,
		subscribers: subs,
	}
}

// Run starts the Broadcast Session's STT loop and blocks until ctx is
// canceled. Call it from its own goroutine.
func (g *Gateway) Run(ctx context.Context) error {
	return g.broadcast.Run(ctx)
}

// Start builds the ServeMux and begins listening. It returns
// immediately; call Shutdown to stop.
func (g *Gateway) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/browser", g.handleBrowser)
	mux.HandleFunc("/ws/publisher", g.handlePublisher)
	mux.HandleFunc("/ws/conversation", g.handleConversation)

	// METRICS_ADDR splits /metrics and /healthz onto their own listener
	// so a scraper doesn't share a port with the websocket paths.
	if g.cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsMux.HandleFunc("/healthz", g.handleHealthz)
		g.metricsSrv = &http.Server{Addr: g.cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := g.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
	} else {
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", g.handleHealthz)
	}

	addr := fmt.Sprintf(":%d", g.cfg.Port)
	g.srv = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway listening", "addr", addr, "tls", g.cfg.TLSEnabled())
	go func() {
		var err error
		if g.cfg.TLSEnabled() {
			err = g.srv.ListenAndServeTLS(g.cfg.TLSCert, g.cfg.TLSKey)
		} else {
			err = g.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway server error", "err", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP listener(s).
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.metricsSrv != nil {
		_ = g.metricsSrv.Shutdown(ctx)
	}
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown(ctx)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleBrowser upgrades a subscriber connection: it receives the
// Broadcast's translation text events and TTS audio clips, and may
// send a "stop" control message to interrupt in-flight synthesis.
func (g *Gateway) handleBrowser(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: browser upgrade failed", "err", err)
		return
	}

	sub, err := g.hub.Subscribe()
	if err != nil {
		slog.Warn("gateway: browser subscribe rejected", "err", err)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many subscribers"))
		_ = conn.Close()
		return
	}
	textCh := g.subscribers.add()
	if g.metrics != nil {
		g.metrics.ActiveSubscribers.Inc()
	}

	id := newConnID()
	defer func() {
		g.hub.Unsubscribe(sub)
		g.subscribers.remove(textCh)
		_ = conn.Close()
		if g.metrics != nil {
			g.metrics.ActiveSubscribers.Dec()
		}
		slog.Debug("gateway: browser disconnected", "id", id)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Pong liveness: a pong resets missedPongs; subscriberWriteLoop
	// increments it on every ping tick and disconnects once it exceeds
	// SubscriberPongLimit. SetPongHandler's callback only fires while
	// something is reading the connection, which the loop below does.
	var missedPongs atomic.Int32
	conn.SetPongHandler(func(string) error {
		missedPongs.Store(0)
		return nil
	})

	// Pump audio/text to the client; control messages from the client
	// (the only one honored today is "stop") are read on this goroutine.
	go subscriberWriteLoop(ctx, conn, sub, textCh, &missedPongs)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := decodeClientMessage(data)
		if err != nil {
			continue
		}
		if msg.Type == "stop" {
			g.broadcast.StopSignal()
		}
	}
}

// handlePublisher upgrades the single Broadcast audio source. Only one
// publisher is meaningful at a time; a second connection simply feeds
// the same Broadcast audio channel, which is a harmless no-op in
// practice since the operator controls who connects.
func (g *Gateway) handlePublisher(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: publisher upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		g.broadcast.PublisherAudio(data)
	}
}

// handleConversation upgrades one push-to-talk session. mode selects
// the language direction; each connection gets its own Conversation.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	mode, err := session.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		http.Error(w, "unknown mode", http.StatusBadRequest)
		return
	}

	if g.activeConv.Load() >= int64(g.cfg.MaxSessions) {
		http.Error(w, "too many active sessions", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: conversation upgrade failed", "err", err)
		return
	}

	id := newConnID()
	sock := newWSClientSocket(conn)
	conv := session.NewConversation(id, mode, sock, g.sttClient, g.translator, g.synth, g.voices, session.ConversationConfig{
		UtteranceEndMS: g.cfg.UtteranceEndMS,
		EndpointingMS:  g.cfg.EndpointingMS,
		HardCeilingMS:  g.cfg.HardCeilingMS,
	})

	g.activeConv.Add(1)
	if g.metrics != nil {
		g.metrics.ActiveConversations.Inc()
	}
	defer func() {
		g.activeConv.Add(-1)
		if g.metrics != nil {
			g.metrics.ActiveConversations.Dec()
		}
	}()

	if err := conv.Run(r.Context()); err != nil {
		var se *session.SessionError
		if errors.As(err, &se) {
			if g.metrics != nil {
				g.metrics.SessionErrors.WithLabelValues(string(se.Kind)).Inc()
			}
			slog.Warn("conversation session ended with error", "id", id, "kind", se.Kind, "fatal", se.Fatal, "err", se.Err)
			return
		}
		slog.Warn("conversation session ended with error", "id", id, "err", err)
	}
}

func newConnID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	return "conn-" + hex.EncodeToString(b)
}
