package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/christian-lee/voicegate/internal/config"
	"github.com/christian-lee/voicegate/internal/stt"
)

func runConversation(t *testing.T, sock *fakeSocket, sttStream *fakeSTTStream, translator *fakeTranslator, synth *fakeSynth) (context.CancelFunc, chan error) {
	t.Helper()
	client := &fakeSTTClient{streams: []*fakeSTTStream{sttStream}}
	voices := config.NewHotVoices("")
	conv := NewConversation("sess-1", ModeCNtoEN, sock, client, translator, synth, voices, ConversationConfig{UtteranceEndMS: 1000, EndpointingMS: 300})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conv.Run(ctx) }()
	return cancel, done
}

func waitForFrameCount(t *testing.T, sock *fakeSocket, n int, timeout time.Duration) []fakeFrame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frames := sock.snapshot()
		if len(frames) >= n {
			return frames
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d outbound frames, got %d", n, len(sock.snapshot()))
	return nil
}

func TestConversationHappyPath(t *testing.T) {
	sock := newFakeSocket()
	sttStream := newFakeSTTStream(8)
	translator := &fakeTranslator{result: "hello"}
	synth := &fakeSynth{audio: []byte("clip")}

	cancel, done := runConversation(t, sock, sttStream, translator, synth)
	defer cancel()

	sock.push(FrameBinary, []byte{0x01, 0x02})
	stopMsg, _ := json.Marshal(ClientMessage{Type: "stop"})
	sock.push(FrameText, stopMsg)

	// Grace window elapses, driver calls Finalize and waits on events.
	time.Sleep(LateAudioGrace + 200*time.Millisecond)
	sttStream.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "你好"}
	sttStream.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}

	// The final transcript is echoed as a transcription_update, then the
	// translation text, then the TTS audio.
	frames := waitForFrameCount(t, sock, 3, 3*time.Second)
	var update transcriptUpdateMsg
	if err := json.Unmarshal(frames[0].data, &update); err != nil {
		t.Fatalf("unmarshal transcription update: %v", err)
	}
	if update.Type != OutTranscriptionUpdate || update.Text != "你好" {
		t.Errorf("unexpected transcription update frame: %+v", update)
	}
	var translation translationMsg
	if err := json.Unmarshal(frames[1].data, &translation); err != nil {
		t.Fatalf("unmarshal translation: %v", err)
	}
	if translation.Type != OutTranslation || translation.Translation != "hello" {
		t.Errorf("unexpected translation frame: %+v", translation)
	}
	if frames[2].kind != FrameBinary || string(frames[2].data) != "clip" {
		t.Errorf("unexpected audio frame: %+v", frames[2])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConversationZeroAudioThenStopYieldsRefused(t *testing.T) {
	sock := newFakeSocket()
	sttStream := newFakeSTTStream(8)
	translator := &fakeTranslator{}
	synth := &fakeSynth{}

	cancel, done := runConversation(t, sock, sttStream, translator, synth)
	defer cancel()

	// stop with no prior audio: there is nothing to finalize, so the only
	// outbound frame is a TranslationRefused error and no translation.
	stopMsg, _ := json.Marshal(ClientMessage{Type: "stop"})
	sock.push(FrameText, stopMsg)

	time.Sleep(300 * time.Millisecond)
	frames := sock.snapshot()
	if len(frames) != 1 {
		t.Fatalf("expected exactly one outbound frame, got %d", len(frames))
	}
	var errFrame errorMsg
	if err := json.Unmarshal(frames[0].data, &errFrame); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if errFrame.Type != OutError || errFrame.Message != string(KindTranslationRefused) {
		t.Errorf("unexpected error frame: %+v", errFrame)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConversationDropsZeroLengthAudioFrame(t *testing.T) {
	sock := newFakeSocket()
	sttStream := newFakeSTTStream(8)
	translator := &fakeTranslator{}
	synth := &fakeSynth{}

	cancel, done := runConversation(t, sock, sttStream, translator, synth)
	defer cancel()

	sock.push(FrameBinary, []byte{})
	time.Sleep(200 * time.Millisecond)

	sttStream.mu.Lock()
	sent := len(sttStream.sent)
	sttStream.mu.Unlock()
	if sent != 0 {
		t.Errorf("expected zero-length frame never forwarded to STT, got %d sends", sent)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConversationSecondStopWhileFinalizingIsIgnored(t *testing.T) {
	sock := newFakeSocket()
	sttStream := newFakeSTTStream(8)
	translator := &fakeTranslator{result: "hi"}
	synth := &fakeSynth{audio: []byte("clip")}

	cancel, done := runConversation(t, sock, sttStream, translator, synth)
	defer cancel()

	sock.push(FrameBinary, []byte{0x01})
	stopMsg, _ := json.Marshal(ClientMessage{Type: "stop"})
	sock.push(FrameText, stopMsg)

	time.Sleep(LateAudioGrace + 200*time.Millisecond) // grace window elapses, now Finalizing
	sock.push(FrameText, stopMsg)                     // second stop while Finalizing: must be ignored

	sttStream.events <- stt.TranscriptEvent{Kind: stt.EventFinal, Text: "hola"}
	sttStream.events <- stt.TranscriptEvent{Kind: stt.EventUtteranceEnd}

	waitForFrameCount(t, sock, 2, 3*time.Second)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
