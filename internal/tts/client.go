// Package tts synthesizes one translated utterance into audio using a
// hosted text-to-speech service, returning an MP3-in-memory clip per call.
package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	texttospeechpb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
)

// Result is one synthesized clip.
type Result struct {
	Audio       []byte // audio/mpeg container
	ContentType string
}

// Synthesizer is the interface the session orchestrator depends on.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, languageCode, voiceID string) (Result, error)
}

// GoogleSynthesizer synthesizes speech using Google Cloud Text-to-Speech,
// sharing the Application Default Credentials transport used for STT's
// Google backend.
type GoogleSynthesizer struct {
	client  *texttospeech.Client
	timeout time.Duration
}

// NewGoogleSynthesizer builds a Synthesizer, applying timeout per call
// via context.WithTimeout.
func NewGoogleSynthesizer(ctx context.Context, timeout time.Duration) (*GoogleSynthesizer, error) {
	client, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create texttospeech client: %w", err)
	}
	return &GoogleSynthesizer{client: client, timeout: timeout}, nil
}

func (s *GoogleSynthesizer) Synthesize(ctx context.Context, text, languageCode, voiceID string) (Result, error) {
	if voiceID == "" {
		return Result{}, ErrVoiceNotConfigured
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req := &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: languageCode,
			Name:         voiceID,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
		},
	}

	resp, err := s.client.SynthesizeSpeech(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, ErrTimeout
		}
		return Result{}, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	if len(resp.AudioContent) == 0 {
		return Result{}, ErrSynthesisEmpty
	}

	return Result{Audio: resp.AudioContent, ContentType: "audio/mpeg"}, nil
}

func (s *GoogleSynthesizer) Close() error {
	return s.client.Close()
}
