package stt

import "fmt"

// NewClient selects a backend Client by provider name ("deepgram" or
// "google"), matching config.Config.STTProvider.
func NewClient(provider, apiKey, endpoint string) (Client, error) {
	switch provider {
	case "", "deepgram":
		return NewDeepgramClient(apiKey, endpoint), nil
	case "google":
		return NewGoogleClient(), nil
	default:
		return nil, fmt.Errorf("%w: unknown stt provider %q", ErrConfig, provider)
	}
}
