// Package translate turns one finalized utterance transcript into
// target-language text using a hosted chat-completion model, with an
// automatic degrade-to-fallback-model path for upstream rate limiting.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/genai"
)

// Translator is the interface the session orchestrator depends on.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang, promptTemplate string) (string, error)
}

// GeminiTranslator translates text using the Gemini API. It falls back
// to fallbackModel for 30s after a 429/503 response, then auto-recovers.
type GeminiTranslator struct {
	client        *genai.Client
	model         string
	fallbackModel string
	timeout       time.Duration
	degraded      atomic.Bool
	recoverAt     atomic.Int64 // unix millis
}

// NewGeminiTranslator builds a translator against model, with timeout
// applied per Translate call via context.WithTimeout.
func NewGeminiTranslator(ctx context.Context, apiKey, model string, timeout time.Duration, opts ...TranslatorOption) (*GeminiTranslator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	t := &GeminiTranslator{
		client:        client,
		model:         model,
		fallbackModel: "gemini-2.0-flash",
		timeout:       timeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// TranslatorOption configures a GeminiTranslator.
type TranslatorOption func(*GeminiTranslator)

// WithFallbackModel sets the fallback model used during a rate-limit degrade.
func WithFallbackModel(model string) TranslatorOption {
	return func(t *GeminiTranslator) {
		t.fallbackModel = model
	}
}

// Translate translates text from sourceLang to targetLang using
// promptTemplate, a "%s text to %s" format string sourced from the
// hot-reloadable voices overlay.
func (t *GeminiTranslator) Translate(ctx context.Context, text, sourceLang, targetLang, promptTemplate string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	prompt := fmt.Sprintf(promptTemplate, sourceLang, targetLang) + "\n\n" + text

	model := t.activeModel()
	resp, err := t.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		if isRateLimited(err) {
			if !t.degraded.Load() {
				slog.Warn("translate: rate limited, degrading to fallback", "from", model, "to", t.fallbackModel, "duration", "30s")
			}
			t.degraded.Store(true)
			t.recoverAt.Store(time.Now().Add(30 * time.Second).UnixMilli())

			resp, err = t.client.Models.GenerateContent(ctx, t.fallbackModel, genai.Text(prompt), nil)
			if err != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return "", ErrTimeout
				}
				return "", fmt.Errorf("%w: %v", ErrTranslationFailed, err)
			}
		} else {
			return "", fmt.Errorf("%w: %v", ErrTranslationFailed, err)
		}
	}

	result := strings.TrimSpace(resp.Text())
	if result == "" {
		return "", ErrTranslationRefused
	}

	if model != t.fallbackModel && looksLikeSource(result, sourceLang, targetLang) {
		slog.Warn("translate: result looks untranslated, retrying with fallback",
			"model", model, "source", text, "result", result)
		resp2, err2 := t.client.Models.GenerateContent(ctx, t.fallbackModel, genai.Text(prompt), nil)
		if err2 == nil {
			fallbackResult := strings.TrimSpace(resp2.Text())
			if fallbackResult != "" && !looksLikeSource(fallbackResult, sourceLang, targetLang) {
				return fallbackResult, nil
			}
		}
		return "", ErrTranslationRefused
	}

	slog.Debug("translate: translated", "from", text, "to", result, "target", targetLang, "model", model)
	return result, nil
}

func isRateLimited(err error) bool {
	s := err.Error()
	return strings.Contains(s, "429") || strings.Contains(s, "503") ||
		strings.Contains(s, "RESOURCE_EXHAUSTED") || strings.Contains(s, "UNAVAILABLE")
}

// looksLikeSource reports whether text still looks like it's written in
// sourceLang rather than targetLang, using character-range ratios as a
// cheap stand-in for language detection.
func looksLikeSource(text, sourceLang, targetLang string) bool {
	if text == "" {
		return false
	}
	srcShort := strings.SplitN(strings.ToLower(sourceLang), "-", 2)[0]
	tgtShort := strings.SplitN(strings.ToLower(targetLang), "-", 2)[0]
	if srcShort == tgtShort {
		return false
	}

	var jaCount, latinCount, cjkCount, total int
	for _, r := range text {
		if r < 0x20 || r == ' ' {
			continue
		}
		total++
		switch {
		case (r >= 0x3040 && r <= 0x309F) || (r >= 0x30A0 && r <= 0x30FF):
			jaCount++
		case (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z'):
			latinCount++
		case r >= 0x4E00 && r <= 0x9FFF:
			cjkCount++
		}
	}
	if total == 0 {
		return false
	}

	jaRatio := float64(jaCount) / float64(total)
	latinRatio := float64(latinCount) / float64(total)
	cjkRatio := float64(cjkCount) / float64(total)

	if srcShort == "ja" && tgtShort == "zh" && jaRatio > 0.3 {
		return true
	}
	if (tgtShort == "zh" || tgtShort == "ja" || tgtShort == "ko") && latinRatio > 0.5 {
		return true
	}
	if (tgtShort == "en" || tgtShort == "fr" || tgtShort == "de" || tgtShort == "es") && cjkRatio > 0.3 {
		return true
	}
	return false
}

// activeModel returns the current model, auto-recovering from a degrade
// once the 30s window has elapsed.
func (t *GeminiTranslator) activeModel() string {
	if t.degraded.Load() {
		if time.Now().UnixMilli() >= t.recoverAt.Load() {
			t.degraded.Store(false)
			slog.Info("translate: recovered from rate limit", "model", t.model)
			return t.model
		}
		return t.fallbackModel
	}
	return t.model
}

func (t *GeminiTranslator) Close() {
	// genai client has no explicit teardown.
}
