package gateway

import "sync"

// textSubscriberSet fans out Broadcast's text events (translation and
// status messages) to every connected browser. It is a separate,
// text-only counterpart to fanout.Hub's audio-only Subscribe/Publish:
// each browser connection registers once and gets both an audio
// Subscriber from the Hub and a text channel from here.
type textSubscriberSet struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newTextSubscriberSet() *textSubscriberSet {
	return &textSubscriberSet{subs: make(map[chan []byte]struct{})}
}

func (t *textSubscriberSet) add() chan []byte {
	ch := make(chan []byte, 8)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

func (t *textSubscriberSet) remove(ch chan []byte) {
	t.mu.Lock()
	if _, ok := t.subs[ch]; ok {
		delete(t.subs, ch)
		close(ch)
	}
	t.mu.Unlock()
}

// BroadcastText implements session.TextSink by delivering data to
// every registered channel, dropping it for any subscriber whose
// queue is currently full rather than blocking the Broadcast driver.
func (t *textSubscriberSet) BroadcastText(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subs {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}
