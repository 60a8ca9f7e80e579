package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the control servers and the engine.
const (
	EventPolicyRefreshed = "policy_refreshed"
	EventCallStatus      = "call_status"
	EventConversation    = "conversation_updated"
	EventEscalation      = "conversation_escalated"
	EventDecision        = "decision_completed"
	EventRequestCreated  = "return_request_created"
)

type Event struct {
	Type       string          `json:"type"`
	BusinessID string          `json:"businessId,omitempty"`
	At         string          `json:"at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, businessID string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	return Event{Type: eventType, BusinessID: businessID, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub fans events out to subscribers. Slow subscribers drop events rather
// than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]string
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]string{}}
}

// Subscribe registers a channel receiving events for businessID, or every
// event when businessID is empty.
func (h *Hub) Subscribe(buffer int, businessID string) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = businessID
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, ok := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, business := range h.subs {
		if business != "" && evt.BusinessID != "" && business != evt.BusinessID {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
