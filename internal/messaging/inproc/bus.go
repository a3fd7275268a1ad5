package inproc

import (
	"errors"
	"sync"

	"oneshot_market/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
	ErrNoRecipient        = errors.New("envelope has no recipient")
)

// Bus routes offer envelopes between agents inside one process. Each
// registered agent owns a bounded inbox channel.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.OfferEnvelope
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.OfferEnvelope),
		buffer: buffer,
	}
}

func (b *Bus) Register(agentID string) <-chan domain.OfferEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[agentID]; ok {
		return ch
	}
	ch := make(chan domain.OfferEnvelope, b.buffer)
	b.subs[agentID] = ch
	return ch
}

func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[agentID]
	if !ok {
		return
	}
	delete(b.subs, agentID)
	close(ch)
}

func (b *Bus) Publish(msg domain.OfferEnvelope) error {
	if msg.ToAgent == "" {
		return ErrNoRecipient
	}
	b.mu.RLock()
	ch, ok := b.subs[msg.ToAgent]
	b.mu.RUnlock()
	if !ok {
		return ErrAgentNotRegistered
	}

	select {
	case ch <- msg:
		return nil
	default:
		return ErrAgentQueueFull
	}
}
