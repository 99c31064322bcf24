package tts

import "errors"

var (
	// ErrSynthesisFailed wraps an unrecoverable upstream synthesis error.
	ErrSynthesisFailed = errors.New("tts: synthesis failed")

	// ErrSynthesisEmpty is returned when the upstream call succeeds but
	// returns zero audio bytes.
	ErrSynthesisEmpty = errors.New("tts: empty audio returned")

	// ErrTimeout is returned when a request exceeds its configured deadline.
	ErrTimeout = errors.New("tts: timeout")

	// ErrVoiceNotConfigured is returned when no voice id is configured
	// for a requested direction.
	ErrVoiceNotConfigured = errors.New("tts: no voice configured for direction")
)
