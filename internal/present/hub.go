package present

import (
	"context"
	"sync"

	"github.com/kalambet/qrpanel/internal/delivery"
)

// AllOrigins subscribes to payloads for every origin.
const AllOrigins = "*"

// DefaultBuffer is how many payloads a slow subscriber may fall behind
// before newer ones are dropped for it.
const DefaultBuffer = 4

// Hub fans payloads out to in-process subscribers, one per open panel.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// Subscription receives payloads for one origin until it is closed.
type Subscription struct {
	Origin string
	C      <-chan delivery.Payload

	ch   chan delivery.Payload
	hub  *Hub
	once sync.Once
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe opens a surface for origin. Use AllOrigins to receive
// everything.
func (h *Hub) Subscribe(origin string) *Subscription {
	ch := make(chan delivery.Payload, h.buffer)
	sub := &Subscription{Origin: origin, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[origin]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[origin] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Close removes the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		s.hub.remove(s)
		close(s.ch)
	})
}

// remove must be called with h.mu held.
func (h *Hub) remove(s *Subscription) {
	set := h.subs[s.Origin]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.Origin)
	}
}

// Present hands p to every subscriber of p.Origin and of AllOrigins. It
// returns delivery.ErrNoSurface when no subscriber accepted it.
func (h *Hub) Present(_ context.Context, p delivery.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	accepted := 0
	for _, origin := range []string{p.Origin, AllOrigins} {
		for sub := range h.subs[origin] {
			select {
			case sub.ch <- p:
				accepted++
			default:
			}
		}
		if p.Origin == AllOrigins {
			break
		}
	}
	if accepted == 0 {
		return delivery.ErrNoSurface
	}
	return nil
}

// CloseOrigin closes every subscription for origin and reports how many
// there were.
func (h *Hub) CloseOrigin(origin string) int {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs[origin]))
	for sub := range h.subs[origin] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return len(subs)
}

// Subscribers reports how many subscriptions are open for origin.
func (h *Hub) Subscribers(origin string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[origin])
}
