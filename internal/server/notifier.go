package server

import (
	"sync"
	"time"
)

// RunEvent summarizes a finished check run.
type RunEvent struct {
	RunID    string    `json:"runId,omitempty"`
	Origin   string    `json:"origin"`
	Total    int       `json:"total"`
	Passed   int       `json:"passed"`
	Failed   int       `json:"failed"`
	Errored  int       `json:"errored"`
	OK       bool      `json:"ok"`
	Finished time.Time `json:"finished"`
}

// Notifier broadcasts run events to every subscribed listener.
// A slow listener only ever sees the most recent event.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[chan RunEvent]struct{}
}

// NewNotifier creates a Notifier with no listeners.
func NewNotifier() *Notifier {
	return &Notifier{
		listeners: make(map[chan RunEvent]struct{}),
	}
}

// Subscribe returns a channel that receives run events.
// The caller must call Unsubscribe when done.
func (n *Notifier) Subscribe() chan RunEvent {
	ch := make(chan RunEvent, 1)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener channel and closes it.
func (n *Notifier) Unsubscribe(ch chan RunEvent) {
	n.mu.Lock()
	delete(n.listeners, ch)
	n.mu.Unlock()
	close(ch)
}

// Broadcast sends ev to all listeners without blocking. A listener whose
// buffer is full has its pending event replaced.
func (n *Notifier) Broadcast(ev RunEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.listeners {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Listeners returns the number of subscribed listeners.
func (n *Notifier) Listeners() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}
