package fakes

import (
	"context"
	"sync"

	"jobmarket/notify"
)

// Notifier records every message and optionally fails delivery.
type Notifier struct {
	mu   sync.Mutex
	Err  error
	Sent []notify.Message
}

func (n *Notifier) Notify(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, msg)
	return n.Err
}

// Kinds lists the kinds delivered so far, in order.
func (n *Notifier) Kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, 0, len(n.Sent))
	for _, m := range n.Sent {
		out = append(out, m.Kind)
	}
	return out
}

// Has reports whether a message of kind was delivered.
func (n *Notifier) Has(kind notify.Kind) bool {
	for _, k := range n.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}
