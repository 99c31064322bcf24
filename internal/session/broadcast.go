package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/christian-lee/voicegate/internal/config"
	"github.com/christian-lee/voicegate/internal/fanout"
	"github.com/christian-lee/voicegate/internal/stt"
	"github.com/christian-lee/voicegate/internal/translate"
	"github.com/christian-lee/voicegate/internal/tts"
)

// BroadcastConfig carries the tunables a Broadcast needs.
type BroadcastConfig struct {
	SourceLang     string
	TargetLang     string
	STTLanguage    string
	VoiceDirection string // key into the voices overlay, e.g. "cn-en"
	UtteranceEndMS int
	EndpointingMS  int
}

// broadcastMessage is the wire shape pushed to every subscriber via the
// TextSink; encoded and delivered as a text frame ahead of any TTS
// binary frames the Hub carries for the same utterance.
type broadcastMessage struct {
	Type        string `json:"type"`
	Original    string `json:"original,omitempty"`
	Translation string `json:"translation,omitempty"`
	Message     string `json:"message,omitempty"`
	EndTSMillis int64  `json:"end_ts_ms,omitempty"` // offset-corrected against the current stream's wall-clock start
}

// TextSink delivers an encoded text frame to every current subscriber;
// the Gateway supplies this bound to its browser-path subscriber set
// (a different fan-out than the Hub's audio-only Subscribe/Publish,
// since subscribers also need the preceding text event).
type TextSink interface {
	BroadcastText(data []byte) error
}

// Broadcast drives one continuous STT stream bound to the Fan-out
// Hub's publisher slot. Utterance segmentation comes from the STT
// service's utterance-end event; each segment's translation text goes
// to the TextSink and its TTS audio is published to the Hub, for every
// current Subscriber.
type Broadcast struct {
	hub        *fanout.Hub
	sink       TextSink
	sttClient  stt.Client
	translator translate.Translator
	synth      tts.Synthesizer
	voices     *config.HotVoices
	cfg        BroadcastConfig

	mu          sync.Mutex
	audioCh     chan []byte
	cancelUtter context.CancelFunc
	cancelEpoch uint64
	nextEpoch   uint64

	onReconnect func()
}

// BroadcastOption configures a Broadcast at construction time.
type BroadcastOption func(*Broadcast)

// WithReconnectCallback registers a callback invoked once per STT
// reconnect attempt, ahead of the backoff sleep. The Gateway uses this
// to drive the stt_reconnects_total metric without the session package
// importing the metrics package directly.
func WithReconnectCallback(fn func()) BroadcastOption {
	return func(b *Broadcast) { b.onReconnect = fn }
}

// NewBroadcast builds a Broadcast bound to hub and sink. The Gateway
// owns both for the lifetime of the process.
func NewBroadcast(hub *fanout.Hub, sink TextSink, sttClient stt.Client, translator translate.Translator, synth tts.Synthesizer, voices *config.HotVoices, cfg BroadcastConfig, opts ...BroadcastOption) *Broadcast {
	b := &Broadcast{hub: hub, sink: sink, sttClient: sttClient, translator: translator, synth: synth, voices: voices, cfg: cfg}
	for _, o := range opts {
		o(b)
	}
	return b
}

// PublisherAudio accepts one raw audio frame from the publisher socket.
// Call from the Gateway's publisher-path ingress loop.
func (b *Broadcast) PublisherAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	b.mu.Lock()
	ch := b.audioCh
	b.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- frame:
	default:
		// The STT egress task is the bottleneck if this ever fills;
		// dropping here is preferable to blocking the publisher socket.
	}
}

// StopSignal is a subscriber-authoritative control signal: it cancels
// any in-flight Translating/Synthesizing for the current utterance.
// Audio frames already queued in subscribers' send queues are not
// discarded; they are still delivered.
func (b *Broadcast) StopSignal() {
	b.mu.Lock()
	cancel := b.cancelUtter
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the Broadcast for the life of ctx, reconnecting the STT
// stream with exponential backoff on any fatal STT error. It never
// returns except via ctx cancellation (Gateway shutdown).
func (b *Broadcast) Run(ctx context.Context) error {
	backoff := BroadcastReconnectBaseDelay

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := b.runStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Warn("broadcast: stt stream ended, reconnecting", "err", err, "backoff", backoff)
		if b.onReconnect != nil {
			b.onReconnect()
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, BroadcastReconnectMaxDelay)
	}
}

// runStream drives exactly one STT stream lifetime: open, forward
// publisher audio, segment utterances on utterance-end, translate and
// synthesize each one, broadcast to the Hub. Returns when the stream
// ends (fatal error or ctx cancellation). word timestamps restart at
// zero on every fresh stream; streamStart is added back in before the
// offset-corrected timestamp would ever be surfaced downstream.
func (b *Broadcast) runStream(ctx context.Context) error {
	audioCh := make(chan []byte, 64)
	b.mu.Lock()
	b.audioCh = audioCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.audioCh = nil
		b.mu.Unlock()
	}()

	stream, err := b.sttClient.Open(ctx, stt.Options{
		Model:          "nova-2",
		Language:       b.cfg.STTLanguage,
		InterimResults: false,
		UtteranceEndMS: b.cfg.UtteranceEndMS,
		EndpointingMS:  b.cfg.EndpointingMS,
		VADEvents:      true,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	streamStart := time.Now()
	var finalized strings.Builder
	ordinal := 0

	for {
		select {
		case frame, ok := <-audioCh:
			if !ok {
				return nil
			}
			if err := stream.Send(frame); err != nil && !errors.Is(err, stt.ErrBackpressured) {
				return err
			}

		case ev, ok := <-stream.Events():
			if !ok {
				return errors.New("broadcast: stt event stream closed")
			}
			switch ev.Kind {
			case stt.EventFinal:
				finalized.WriteString(ev.Text)
			case stt.EventUtteranceEnd:
				text := strings.TrimSpace(finalized.String())
				finalized.Reset()
				if text == "" {
					continue
				}
				ordinal++
				correctedAt := streamStart.Add(ev.EndTS)
				slog.Debug("broadcast: utterance finalized", "ordinal", ordinal, "text", text)
				// Translate/synthesize run off this loop so a slow
				// translator or TTS call never stalls audioCh forwarding
				// or the next utterance's segmentation.
				go b.translateAndBroadcast(ctx, text, correctedAt)
			case stt.EventError:
				return ev.Err
			case stt.EventClosed:
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// translateAndBroadcast runs independently per utterance; since
// utterances can now overlap in flight (the caller spawns this on its
// own goroutine), cancelUtter/cancelEpoch track only the most recently
// started utterance, so StopSignal always interrupts the current one
// and an earlier call's completion can never clobber a later call's
// cancel func.
func (b *Broadcast) translateAndBroadcast(parent context.Context, text string, correctedAt time.Time) {
	ctx, cancel := context.WithCancel(parent)
	b.mu.Lock()
	b.nextEpoch++
	myEpoch := b.nextEpoch
	b.cancelUtter = cancel
	b.cancelEpoch = myEpoch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.cancelEpoch == myEpoch {
			b.cancelUtter = nil
		}
		b.mu.Unlock()
		cancel()
	}()

	result, err := b.translator.Translate(ctx, text, b.cfg.SourceLang, b.cfg.TargetLang, b.voices.Get().PromptTemplate())
	if err != nil {
		b.broadcastText(broadcastMessage{Type: OutStatus, Message: classify(err).userMessage()})
		return
	}
	b.broadcastText(broadcastMessage{Type: OutTranslation, Original: text, Translation: result, EndTSMillis: correctedAt.UnixMilli()})

	voiceID := b.voices.Get().VoiceFor(b.cfg.VoiceDirection)
	audio, err := b.synth.Synthesize(ctx, result, b.cfg.TargetLang, voiceID)
	if err != nil {
		b.broadcastText(broadcastMessage{Type: OutStatus, Message: classify(err).userMessage()})
		return
	}
	b.hub.Publish(audio.Audio)
}

func (b *Broadcast) broadcastText(msg broadcastMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := b.sink.BroadcastText(data); err != nil {
		slog.Warn("broadcast: text delivery failed", "err", err)
	}
}
