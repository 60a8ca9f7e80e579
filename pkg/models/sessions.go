package models

import (
	"encoding/json"
	"time"
)

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

type CallStatus string

const (
	CallInitiated  CallStatus = "initiated"
	CallConnecting CallStatus = "connecting"
	CallActive     CallStatus = "active"
	CallEnded      CallStatus = "ended"
)

type CallEvent struct {
	Type        string          `json:"type"`
	Participant string          `json:"participant,omitempty"`
	At          time.Time       `json:"at"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type TranscriptLine struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// CallSession lives in the registry of the process that created it.
type CallSession struct {
	CallSessionID     string           `json:"callSessionId"`
	BusinessID        string           `json:"businessId"`
	CallType          CallType         `json:"callType"`
	Provider          string           `json:"provider"`
	StreamingEnabled  bool             `json:"streamingEnabled"`
	Recording         bool             `json:"recording"`
	ParticipantCount  int              `json:"participantCount"`
	Participants      []string         `json:"participants"`
	MutedParticipants []string         `json:"mutedParticipants,omitempty"`
	CallStatus        CallStatus       `json:"callStatus"`
	ConversationID    string           `json:"conversationId,omitempty"`
	StartedAt         time.Time        `json:"startedAt"`
	EndedAt           *time.Time       `json:"endedAt,omitempty"`
	LastActivity      time.Time        `json:"lastActivity"`
	Events            []CallEvent      `json:"events,omitempty"`
	Transcript        []TranscriptLine `json:"transcript,omitempty"`
}

// Duration is the elapsed call time, measured to now for calls still running.
func (c CallSession) Duration(now time.Time) time.Duration {
	if c.StartedAt.IsZero() {
		return 0
	}
	end := now
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	if end.Before(c.StartedAt) {
		return 0
	}
	return end.Sub(c.StartedAt)
}

type Channel string

const (
	ChannelChat   Channel = "chat"
	ChannelVoice  Channel = "voice"
	ChannelVideo  Channel = "video"
	ChannelHybrid Channel = "hybrid"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelChat, ChannelVoice, ChannelVideo, ChannelHybrid:
		return true
	}
	return false
}

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

type Message struct {
	ID             string    `json:"id"`
	Sender         string    `json:"sender"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Intent         string    `json:"intent"`
	Sentiment      string    `json:"sentiment"`
	SentimentScore float64   `json:"sentimentScore"`
	Timestamp      time.Time `json:"timestamp"`
}

type ConversationSession struct {
	SessionID           string             `json:"sessionId"`
	BusinessID          string             `json:"businessId"`
	Channel             Channel            `json:"channel"`
	Participants        []string           `json:"participants"`
	ConversationHistory []Message          `json:"conversationHistory"`
	CurrentIntent       string             `json:"currentIntent"`
	EscalationLevel     int                `json:"escalationLevel"`
	AIAgentType         string             `json:"aiAgentType"`
	Status              ConversationStatus `json:"status"`
	MergedInto          string             `json:"mergedInto,omitempty"`
	CreatedAt           time.Time          `json:"createdAt"`
	LastActivity        time.Time          `json:"lastActivity"`
}
