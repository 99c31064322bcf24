package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/christian-lee/voicegate/internal/config"
	"github.com/christian-lee/voicegate/internal/stt"
	"github.com/christian-lee/voicegate/internal/translate"
	"github.com/christian-lee/voicegate/internal/tts"
)

// ConversationConfig carries the tunables a Conversation needs that are
// otherwise sourced from config.Config and config.HotVoices.
type ConversationConfig struct {
	UtteranceEndMS int
	EndpointingMS  int
	HardCeilingMS  int // 0 uses HardCeilingProcessing
}

func (cc ConversationConfig) hardCeilingProcessing() time.Duration {
	if cc.HardCeilingMS <= 0 {
		return HardCeilingProcessing
	}
	return time.Duration(cc.HardCeilingMS) * time.Millisecond
}

// Conversation is the per-browser, push-to-talk state machine described
// in the language-direction-selecting /ws/conversation path. One
// Conversation is created per client upgrade and discarded on disconnect.
type Conversation struct {
	id   string
	mode Mode

	sock       ClientSocket
	sttClient  stt.Client
	translator translate.Translator
	synth      tts.Synthesizer
	voices     *config.HotVoices
	cfg        ConversationConfig

	egressCh chan outboundFrame
}

type outboundFrame struct {
	text   []byte
	binary []byte
}

// NewConversation builds a Conversation bound to one client socket.
func NewConversation(id string, mode Mode, sock ClientSocket, sttClient stt.Client, translator translate.Translator, synth tts.Synthesizer, voices *config.HotVoices, cfg ConversationConfig) *Conversation {
	return &Conversation{
		id:         id,
		mode:       mode,
		sock:       sock,
		sttClient:  sttClient,
		translator: translator,
		synth:      synth,
		voices:     voices,
		cfg:        cfg,
		egressCh:   make(chan outboundFrame, 8),
	}
}

// Run drives the session to completion: client disconnect or a fatal
// error. It blocks until every child task has exited.
func (c *Conversation) Run(ctx context.Context) error {
	grp, gctx := errgroup.WithContext(ctx)

	// Closing the socket is what unblocks ingressLoop's ReadFrame once
	// the session context ends.
	context.AfterFunc(gctx, func() { _ = c.sock.Close() })

	audioCh := make(chan []byte, 16)
	controlCh := make(chan ClientMessage, 4)

	grp.Go(func() error {
		return c.ingressLoop(gctx, audioCh, controlCh)
	})
	grp.Go(func() error {
		return c.egressLoop(gctx)
	})
	grp.Go(func() error {
		defer close(c.egressCh)
		return c.driverLoop(gctx, audioCh, controlCh)
	})

	err := grp.Wait()
	_ = c.sock.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ingressLoop reads client frames and classifies them onto audioCh
// (binary, non-empty) or controlCh (text control messages).
func (c *Conversation) ingressLoop(ctx context.Context, audioCh chan<- []byte, controlCh chan<- ClientMessage) error {
	defer close(audioCh)
	defer close(controlCh)

	for {
		kind, data, err := c.sock.ReadFrame()
		if err != nil {
			return err
		}
		switch kind {
		case FrameClose:
			return nil
		case FrameBinary:
			if len(data) == 0 {
				continue // zero-length frames are dropped silently, never forwarded
			}
			select {
			case audioCh <- data:
			case <-ctx.Done():
				return ctx.Err()
			}
		case FrameText:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("session: malformed control message", "session", c.id, "err", err)
				continue
			}
			select {
			case controlCh <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// egressLoop serializes writes to the client socket and enforces the
// ClientSlow backpressure rule: a write blocked past ClientSlowThreshold
// aborts the session.
func (c *Conversation) egressLoop(ctx context.Context) error {
	for {
		select {
		case frame, ok := <-c.egressCh:
			if !ok {
				return nil
			}
			if err := c.sock.SetWriteDeadline(time.Now().Add(ClientSlowThreshold)); err != nil {
				return err
			}
			var err error
			if frame.text != nil {
				err = c.sock.WriteText(frame.text)
			} else {
				err = c.sock.WriteBinary(frame.binary)
			}
			if err != nil {
				return &SessionError{Kind: KindClientSlow, Err: err, Fatal: true}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conversation) sendText(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.egressCh <- outboundFrame{text: data}:
	default:
	}
}

func (c *Conversation) sendBinary(data []byte) {
	select {
	case c.egressCh <- outboundFrame{binary: data}:
	default:
	}
}

type transcriptUpdateMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type translationMsg struct {
	Type        string `json:"type"`
	Original    string `json:"original"`
	Translation string `json:"translation"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// driverLoop is the state machine: Idle -> Recording -> Finalizing ->
// Translating -> Synthesizing -> Idle. It owns the single open STT
// stream for the active Utterance (never more than one at a time).
func (c *Conversation) driverLoop(ctx context.Context, audioCh <-chan []byte, controlCh <-chan ClientMessage) error {
	sttLang, sourceLang, targetLang := c.mode.Languages()
	if sttLang == "" {
		return &SessionError{Kind: KindConfig, Err: ErrUnknownMode, Fatal: true}
	}

	var (
		stream        stt.Stream
		sttEvents     <-chan stt.TranscriptEvent
		utterance     *Utterance
		ordinal       int
		finalized     strings.Builder
		graceTimer    *time.Timer
		hardCeiling   *time.Timer
		procCeiling   *time.Timer
		procCancel    context.CancelFunc
		procDone      chan struct{}
		procWG        sync.WaitGroup
		finalizing    bool
		unavailableAt time.Time
	)
	defer func() {
		stopTimer(graceTimer)
		stopTimer(hardCeiling)
		stopTimer(procCeiling)
		if procCancel != nil {
			procCancel()
		}
		procWG.Wait()
		if stream != nil {
			_ = stream.Close()
		}
	}()

	graceC := func() <-chan time.Time {
		if graceTimer == nil {
			return nil
		}
		return graceTimer.C
	}
	hardC := func() <-chan time.Time {
		if hardCeiling == nil {
			return nil
		}
		return hardCeiling.C
	}
	procC := func() <-chan time.Time {
		if procCeiling == nil {
			return nil
		}
		return procCeiling.C
	}

	closeStream := func() {
		stopTimer(graceTimer)
		stopTimer(hardCeiling)
		graceTimer, hardCeiling = nil, nil
		if stream != nil {
			_ = stream.Close()
		}
		stream, sttEvents = nil, nil
	}

	// resetToIdle ends the current utterance's lifecycle entirely,
	// including any in-flight Translating/Synthesizing work: it cancels
	// procCancel so a hard-ceiling firing (or an early error) actually
	// aborts the translate/TTS call rather than leaving it running
	// unobserved. Call it only once the utterance is fully done with —
	// not right after kicking off the async translate/TTS goroutine.
	resetToIdle := func() {
		closeStream()
		stopTimer(procCeiling)
		procCeiling = nil
		if procCancel != nil {
			procCancel()
			procCancel = nil
		}
		procDone = nil
		utterance = nil
		finalizing = false
		finalized.Reset()
	}

	openUtterance := func(firstFrame []byte) error {
		s, err := c.sttClient.Open(ctx, stt.Options{
			Model:          "nova-2",
			Language:       sttLang,
			InterimResults: true,
			UtteranceEndMS: c.cfg.UtteranceEndMS,
			EndpointingMS:  c.cfg.EndpointingMS,
		})
		if err != nil {
			return newUpstreamError(KindUpstreamUnavail, err)
		}
		ordinal++
		utterance = &Utterance{SessionID: c.id, Ordinal: ordinal, State: StateOpen, StartedAt: time.Now(), LastAudioAt: time.Now()}
		stream = s
		sttEvents = s.Events()
		hardCeiling = time.NewTimer(HardCeilingAudio)
		if err := stream.Send(firstFrame); err != nil && !errors.Is(err, stt.ErrBackpressured) {
			return newUpstreamError(KindUpstreamUnavail, err)
		}
		return nil
	}

	handleStop := func() {
		if utterance == nil {
			// stop with no audio: nothing to translate, session stays Idle
			c.sendText(errorMsg{Type: OutError, Message: string(KindTranslationRefused)})
			return
		}
		if finalizing {
			return // single utterance per push: ignore if already Finalizing
		}
		if graceTimer == nil {
			graceTimer = time.NewTimer(LateAudioGrace)
			procCeiling = time.NewTimer(c.cfg.hardCeilingProcessing())
		}
	}

	finalizeNow := func() {
		finalizing = true
		utterance.State = StateFinalizing
		if procCeiling == nil {
			procCeiling = time.NewTimer(c.cfg.hardCeilingProcessing())
		}
		if stream != nil {
			if err := stream.Finalize(); err != nil {
				slog.Warn("session: finalize failed", "session", c.id, "err", err)
			}
		}
	}

	// startProcessing runs the Translating/Synthesizing phases for text
	// on their own goroutine and signals completion on procDone, so the
	// driver loop can keep servicing audio/control/STT events for the
	// next utterance while this one is still in flight. procCtx is
	// cancelled by resetToIdle (hard ceiling, STT error) or by the driver
	// loop exiting, which aborts the translate/TTS call in progress; a
	// client "stop" during processing does not cancel it.
	startProcessing := func(text string) {
		if procCeiling == nil {
			procCeiling = time.NewTimer(c.cfg.hardCeilingProcessing())
		}
		utterance.State = StateTranslating
		procCtx, cancel := context.WithCancel(ctx)
		procCancel = cancel
		done := make(chan struct{})
		procDone = done
		procWG.Add(1)
		go func() {
			defer procWG.Done()
			defer close(done)
			result, err := c.translator.Translate(procCtx, text, sourceLang, targetLang, c.voices.Get().PromptTemplate())
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.sendText(errorMsg{Type: OutError, Message: classify(err).userMessage()})
				}
				return
			}
			c.sendText(translationMsg{Type: OutTranslation, Original: text, Translation: result})

			voiceID := c.voices.Get().VoiceFor(string(c.mode))
			audio, err := c.synth.Synthesize(procCtx, result, ttsLanguageFor(c.mode), voiceID)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.sendText(errorMsg{Type: OutError, Message: classify(err).userMessage()})
				}
				return
			}
			c.sendBinary(audio.Audio)
		}()
	}

	for {
		select {
		case frame, ok := <-audioCh:
			if !ok {
				return nil
			}
			if finalizing {
				continue // late audio after the grace window closed is discarded
			}
			if utterance == nil {
				if err := openUtterance(frame); err != nil {
					var se *SessionError
					if errors.As(err, &se) {
						c.sendText(errorMsg{Type: OutError, Message: string(se.Kind)})
					}
					continue
				}
			} else {
				utterance.LastAudioAt = time.Now()
				if err := stream.Send(frame); err != nil && !errors.Is(err, stt.ErrBackpressured) {
					c.sendText(errorMsg{Type: OutError, Message: string(KindUpstreamUnavail)})
					resetToIdle()
				}
			}

		case msg, ok := <-controlCh:
			if !ok {
				return nil
			}
			if msg.Type == "stop" {
				handleStop()
			}

		case <-graceC():
			finalizeNow()

		case ev, ok := <-sttEvents:
			if !ok {
				sttEvents = nil
				continue
			}
			switch ev.Kind {
			case stt.EventInterim:
				c.sendText(transcriptUpdateMsg{Type: OutTranscriptionUpdate, Text: ev.Text})
			case stt.EventFinal:
				finalized.WriteString(ev.Text)
				utterance.Transcript = finalized.String()
				c.sendText(transcriptUpdateMsg{Type: OutTranscriptionUpdate, Text: ev.Text})
			case stt.EventUtteranceEnd, stt.EventClosed:
				if finalizing {
					text := finalized.String()
					closeStream()
					if text == "" {
						c.sendText(errorMsg{Type: OutError, Message: string(KindTranslationRefused)})
						resetToIdle()
						continue
					}
					startProcessing(text)
				}
			case stt.EventError:
				if errors.Is(ev.Err, stt.ErrIdleTimeout) {
					text := finalized.String()
					closeStream()
					if text == "" {
						c.sendText(errorMsg{Type: OutError, Message: string(KindTranslationRefused)})
						resetToIdle()
					} else {
						startProcessing(text)
					}
					continue
				}
				now := time.Now()
				fatal := !unavailableAt.IsZero() && now.Sub(unavailableAt) < DoubleUnavailableWindow
				unavailableAt = now
				c.sendText(errorMsg{Type: OutError, Message: string(KindUpstreamUnavail)})
				resetToIdle()
				if fatal {
					return &SessionError{Kind: KindUpstreamUnavail, Err: ev.Err, Fatal: true}
				}
			}

		case <-hardC():
			c.sendText(errorMsg{Type: OutError, Message: string(KindTimeout)})
			resetToIdle()

		case <-procC():
			c.sendText(errorMsg{Type: OutError, Message: string(KindTimeout)})
			resetToIdle()

		case <-procDone:
			resetToIdle()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func ttsLanguageFor(m Mode) string {
	switch m {
	case ModeCNtoEN:
		return "en-US"
	case ModeENtoCN:
		return "cmn-CN"
	default:
		return ""
	}
}

type classifiedError struct {
	kind ErrorKind
}

func (c classifiedError) userMessage() string { return string(c.kind) }

func classify(err error) classifiedError {
	switch {
	case errors.Is(err, translate.ErrTimeout), errors.Is(err, tts.ErrTimeout):
		return classifiedError{KindTimeout}
	case errors.Is(err, translate.ErrTranslationRefused):
		return classifiedError{KindTranslationRefused}
	case errors.Is(err, translate.ErrTranslationFailed):
		return classifiedError{KindTranslationFailed}
	case errors.Is(err, tts.ErrSynthesisEmpty):
		return classifiedError{KindSynthesisEmpty}
	case errors.Is(err, tts.ErrSynthesisFailed):
		return classifiedError{KindSynthesisFailed}
	default:
		return classifiedError{KindTranslationFailed}
	}
}

func newUpstreamError(kind ErrorKind, err error) error {
	return &SessionError{Kind: kind, Err: err}
}
