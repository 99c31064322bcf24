package translate

import "errors"

var (
	// ErrTranslationFailed wraps an unrecoverable upstream error. For a
	// rate-limit error it is returned only after the fallback model has
	// also failed; other errors are returned without trying the fallback.
	ErrTranslationFailed = errors.New("translate: translation failed")

	// ErrTranslationRefused is returned when the model declines to
	// produce output at all (e.g. safety filtering with no text parts).
	ErrTranslationRefused = errors.New("translate: translation refused")

	// ErrTimeout is returned when a request exceeds its configured deadline.
	ErrTimeout = errors.New("translate: timeout")
)
