package statebus

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one record read from the bus. Commit must be called once the
// record has been handled; uncommitted records are redelivered.
type Message struct {
	Key       string
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Time      time.Time
}

type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// ReturnEvent is the payload of a return-request event on the inbound topic.
type ReturnEvent struct {
	EventID    string          `json:"eventId"`
	BusinessID string          `json:"businessId"`
	AgentID    string          `json:"agentId"`
	UserRole   string          `json:"userRole"`
	SessionID  string          `json:"sessionId,omitempty"`
	CallID     string          `json:"callSessionId,omitempty"`
	Data       json.RawMessage `json:"data"`
}
