// Package notify delivers decision activity to live listeners: an
// in-process hub feeding SSE subscribers, and a webhook dispatcher
// tailing the event log. Delivery is at-most-once; a slow consumer
// loses messages rather than blocking a publisher.
package notify

import (
	"sync"

	"signoff/internal/domain"
)

// Message is the payload pushed to plan subscribers.
type Message struct {
	Kind     string                 `json:"kind"`
	PlanID   string                 `json:"plan_id"`
	Actor    string                 `json:"actor,omitempty"`
	Decision domain.DecisionRequest `json:"decision"`
	TS       string                 `json:"ts"`
}

// Hub fans messages out to subscribers keyed by plan id.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Message]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan Message]struct{}{}}
}

// Subscribe registers a listener for one plan. The returned channel is
// buffered; callers must drain it and call the cancel func when done.
func (h *Hub) Subscribe(planID string) (<-chan Message, func()) {
	ch := make(chan Message, 16)
	h.mu.Lock()
	set, ok := h.subs[planID]
	if !ok {
		set = map[chan Message]struct{}{}
		h.subs[planID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[planID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, planID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers msg to every current subscriber of the plan. A
// subscriber whose buffer is full is skipped.
func (h *Hub) Publish(planID string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[planID] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// SubscriberCount reports the current listener count for a plan.
func (h *Hub) SubscriberCount(planID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[planID])
}
