package models

import (
	"encoding/json"
	"time"
)

// Action names one operation in a control server's allow-list.
type Action string

// Request is the envelope every control server consumes. One envelope is one
// logical operation; handlers receive it by value.
type Request struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	AgentID    string          `json:"agentId"`
	BusinessID string          `json:"businessId"`
	Action     Action          `json:"action"`
	Data       json.RawMessage `json:"data,omitempty"`
	Context    RequestContext  `json:"context"`
}

type RequestContext struct {
	SessionID         string   `json:"sessionId,omitempty"`
	RequestID         string   `json:"requestId,omitempty"`
	UserRole          string   `json:"userRole"`
	CallSessionID     string   `json:"callSessionId,omitempty"`
	CallType          CallType `json:"callType,omitempty"`
	Provider          string   `json:"provider,omitempty"`
	IsCallInteraction bool     `json:"isCallInteraction,omitempty"`
	StreamingEnabled  bool     `json:"streamingEnabled,omitempty"`
}

// Response is produced exactly once per Request, success or failure.
type Response struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  Kind            `json:"errorCode,omitempty"`
	AuditTrail AuditTrail      `json:"auditTrail"`
}

type AuditTrail struct {
	RequestID     string   `json:"requestId"`
	AgentID       string   `json:"agentId"`
	BusinessID    string   `json:"businessId"`
	Action        Action   `json:"action"`
	Duration      int64    `json:"duration"`
	SecurityFlags []string `json:"securityFlags"`
	CallSessionID string   `json:"callSessionId,omitempty"`
	CallType      CallType `json:"callType,omitempty"`
	Provider      string   `json:"provider,omitempty"`
}

// NewRequest builds an envelope with the given payload marshalled into Data.
func NewRequest(id, agentID, businessID string, action Action, data interface{}, rc RequestContext) (Request, error) {
	req := Request{
		ID:         id,
		Timestamp:  time.Now().UTC(),
		AgentID:    agentID,
		BusinessID: businessID,
		Action:     action,
		Context:    rc,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Request{}, err
		}
		req.Data = raw
	}
	return req, nil
}

// Decode unmarshals the response payload into v. A failed response is
// returned as its error kind.
func (r Response) Decode(v interface{}) error {
	if !r.Success {
		return ResponseError(r)
	}
	if len(r.Data) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ResponseError rebuilds a typed error from a failed envelope.
func ResponseError(r Response) error {
	if r.Success {
		return nil
	}
	kind := r.ErrorCode
	if kind == "" {
		kind = KindInternal
	}
	return &Error{Kind: kind, Msg: r.Error, wire: true}
}
