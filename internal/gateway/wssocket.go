package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/christian-lee/voicegate/internal/fanout"
	"github.com/christian-lee/voicegate/internal/session"
)

// wsClientSocket adapts a gorilla/websocket connection to
// session.ClientSocket. gorilla forbids concurrent writers, but
// Conversation's egressLoop is the only writer, so no extra locking
// is needed here.
type wsClientSocket struct {
	conn *websocket.Conn
}

func newWSClientSocket(conn *websocket.Conn) *wsClientSocket {
	return &wsClientSocket{conn: conn}
}

func (w *wsClientSocket) ReadFrame() (session.FrameKind, []byte, error) {
	kind, data, err := w.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return session.FrameClose, nil, nil
		}
		return 0, nil, err
	}
	switch kind {
	case websocket.TextMessage:
		return session.FrameText, data, nil
	case websocket.BinaryMessage:
		return session.FrameBinary, data, nil
	default:
		return session.FrameText, data, nil
	}
}

func (w *wsClientSocket) WriteText(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsClientSocket) WriteBinary(data []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsClientSocket) SetWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}

func (w *wsClientSocket) Close() error {
	return w.conn.Close()
}

func decodeClientMessage(data []byte) (session.ClientMessage, error) {
	var msg session.ClientMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// subscriberWriteLoop serializes writes to one browser connection:
// audio frames from the Hub and text frames from the text-sink
// channel, both non-blocking upstream so this loop is the only thing
// that can stall on a slow client. It is also the sole liveness check
// for the connection: a ping is sent every SubscriberPingInterval, and
// missing SubscriberPongLimit of them in a row closes the connection.
// Any exit from the loop closes the connection, which ends the reader
// in handleBrowser and unsubscribes the browser.
func subscriberWriteLoop(ctx context.Context, conn *websocket.Conn, audio *fanout.Subscriber, text <-chan []byte, missedPongs *atomic.Int32) {
	ticker := time.NewTicker(session.SubscriberPingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case frame, ok := <-audio.Frames():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(session.ClientSlowThreshold))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case data, ok := <-text:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(session.ClientSlowThreshold))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if missedPongs.Add(1) > int32(session.SubscriberPongLimit) {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(session.ClientSlowThreshold)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
