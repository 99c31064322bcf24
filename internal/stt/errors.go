package stt

import "errors"

// Sentinel error kinds. Callers should use errors.Is against these;
// UpstreamProtocol additionally carries the upstream close code via
// ProtocolError.
var (
	// ErrConfig is returned by Open when the requested options are invalid.
	ErrConfig = errors.New("stt: invalid configuration")

	// ErrUpstreamUnavailable is returned by Open when the upstream socket
	// could not be established.
	ErrUpstreamUnavailable = errors.New("stt: upstream unavailable")

	// ErrBackpressured is returned by Send when the upstream write buffer
	// is full beyond the configured high-water mark.
	ErrBackpressured = errors.New("stt: backpressured")

	// ErrClosed is returned by Send (and by the websocket backend's
	// Finalize) on an already-closed stream; Close itself is idempotent
	// and returns nil on a closed stream.
	ErrClosed = errors.New("stt: stream closed")

	// ErrIdleTimeout is emitted as a terminal error event when the upstream
	// closes the socket after a silence window with no keepalive sent.
	ErrIdleTimeout = errors.New("stt: idle timeout")
)

// ProtocolError wraps a non-normal upstream close, carrying the
// upstream's own payload code (e.g. "DATA-0000", "NET-0000", "NET-0001").
type ProtocolError struct {
	Code       int    // websocket close status code
	UpstreamID string // upstream payload code string
}

func (e *ProtocolError) Error() string {
	return "stt: upstream protocol error " + e.UpstreamID
}

// protocolKindFor maps a websocket close code + upstream payload code to
// a ProtocolError. Codes 1000 and 1001 return nil (a normal close); every
// other code yields a ProtocolError.
func protocolKindFor(code int, upstreamID string) error {
	switch {
	case code == 1008 && upstreamID == "DATA-0000":
		return &ProtocolError{Code: code, UpstreamID: upstreamID}
	case code == 1011 && (upstreamID == "NET-0000" || upstreamID == "NET-0001"):
		return &ProtocolError{Code: code, UpstreamID: upstreamID}
	case code != 1000 && code != 1001:
		return &ProtocolError{Code: code, UpstreamID: upstreamID}
	default:
		return nil
	}
}
