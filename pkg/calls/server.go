// Package calls is the Call control server: voice and video session
// lifecycle plus permission checks against the active policy.
package calls

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"returnflow/pkg/callfsm"
	"returnflow/pkg/compliance"
	"returnflow/pkg/controlserver"
	"returnflow/pkg/models"
	"returnflow/pkg/sessions"
	"returnflow/pkg/stream"
)

const (
	Name            = "call"
	DefaultProvider = "webrtc"
)

// PolicySource yields the active policy of a business.
type PolicySource interface {
	ActivePolicy(ctx context.Context, businessID string) (models.Policy, error)
}

type Server struct {
	*controlserver.Server
	sessions *sessions.Store
	policies PolicySource
	hub      *stream.Hub
	now      func() time.Time
}

func New(opts controlserver.Options, sess *sessions.Store, policies PolicySource, hub *stream.Hub) *Server {
	if opts.Name == "" {
		opts.Name = Name
	}
	opts.Security = controlserver.SecurityElevated
	s := &Server{sessions: sess, policies: policies, hub: hub, now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}
	s.Server = controlserver.New(opts, map[models.Action]controlserver.Handler{
		models.ActionInitiateCall:         s.initiate,
		models.ActionJoinCall:             s.join,
		models.ActionLeaveCall:            s.leave,
		models.ActionEndCall:              s.end,
		models.ActionMuteParticipant:      s.mute,
		models.ActionStartRecording:       s.toggle(func(c *models.CallSession) { c.Recording = true }),
		models.ActionStopRecording:        s.toggle(func(c *models.CallSession) { c.Recording = false }),
		models.ActionStartStreaming:       s.toggle(func(c *models.CallSession) { c.StreamingEnabled = true }),
		models.ActionStopStreaming:        s.toggle(func(c *models.CallSession) { c.StreamingEnabled = false }),
		models.ActionGetCallStatus:        s.status,
		models.ActionGetActiveCalls:       s.active,
		models.ActionRecordCallEvent:      s.recordEvent,
		models.ActionCheckCallPermissions: s.checkPermissions,
	})
	return s
}

type callInput struct {
	CallSessionID string          `json:"callSessionId"`
	Participant   string          `json:"participant,omitempty"`
	Muted         *bool           `json:"muted,omitempty"`
	Type          string          `json:"type,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

func decodeCall(req models.Request) (callInput, error) {
	in, err := controlserver.Decode[callInput](req)
	if err != nil {
		return in, err
	}
	if in.CallSessionID == "" {
		in.CallSessionID = req.Context.CallSessionID
	}
	if in.CallSessionID == "" {
		return in, models.Errorf(models.KindInvalidRequest, "callSessionId is required")
	}
	return in, nil
}

func (s *Server) mutate(req models.Request, id string, fn func(*models.CallSession) error) (models.CallSession, error) {
	return s.sessions.Calls.Update(id, func(c *models.CallSession) error {
		if c.BusinessID != req.BusinessID {
			return models.Errorf(models.KindSessionNotFound, "call session %s", id)
		}
		return fn(c)
	})
}

func (s *Server) publish(c models.CallSession) {
	s.hub.Publish(stream.NewEvent(stream.EventCallStatus, c.BusinessID, map[string]interface{}{
		"callSessionId":    c.CallSessionID,
		"callStatus":       c.CallStatus,
		"participantCount": c.ParticipantCount,
		"recording":        c.Recording,
		"streamingEnabled": c.StreamingEnabled,
	}))
}

func (s *Server) permission(ctx context.Context, businessID string, callType models.CallType) (compliance.CallPermission, error) {
	p, err := s.policies.ActivePolicy(ctx, businessID)
	if err != nil {
		return compliance.CallPermission{}, err
	}
	return compliance.CheckCallPermission(p.Rules, callType, s.now()), nil
}

func (s *Server) initiate(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		CallSessionID    string          `json:"callSessionId"`
		CallType         models.CallType `json:"callType"`
		Provider         string          `json:"provider"`
		Participants     []string        `json:"participants"`
		ConversationID   string          `json:"conversationId"`
		StreamingEnabled bool            `json:"streamingEnabled"`
	}](req)
	if err != nil {
		return nil, err
	}
	if in.CallType == "" {
		in.CallType = req.Context.CallType
	}
	if in.CallType != models.CallVoice && in.CallType != models.CallVideo {
		return nil, models.Errorf(models.KindInvalidRequest, "callType must be voice or video")
	}
	perm, err := s.permission(ctx, req.BusinessID, in.CallType)
	if err != nil {
		return nil, err
	}
	if !perm.Allowed {
		return nil, models.Errorf(models.KindInvalidRequest, "call not permitted: %s", perm.Reason)
	}
	if in.CallSessionID == "" {
		in.CallSessionID = uuid.NewString()
	}
	if _, err := s.sessions.Calls.Get(in.CallSessionID); err == nil {
		return nil, models.Errorf(models.KindInvalidRequest, "call session %s already exists", in.CallSessionID)
	}
	if in.Provider == "" {
		in.Provider = firstNonEmpty(req.Context.Provider, DefaultProvider)
	}
	participants := []string{}
	for _, p := range in.Participants {
		if p = strings.TrimSpace(p); p != "" && !slices.Contains(participants, p) {
			participants = append(participants, p)
		}
	}
	now := s.now().UTC()
	c := s.sessions.Calls.Put(in.CallSessionID, models.CallSession{
		CallSessionID:    in.CallSessionID,
		BusinessID:       req.BusinessID,
		CallType:         in.CallType,
		Provider:         in.Provider,
		StreamingEnabled: in.StreamingEnabled || req.Context.StreamingEnabled,
		ParticipantCount: len(participants),
		Participants:     participants,
		CallStatus:       models.CallInitiated,
		ConversationID:   in.ConversationID,
		StartedAt:        now,
		Events:           []models.CallEvent{{Type: "initiated", Participant: req.AgentID, At: now}},
	})
	s.publish(c)
	return c, nil
}

func (s *Server) join(_ context.Context, req models.Request) (interface{}, error) {
	in, err := decodeCall(req)
	if err != nil {
		return nil, err
	}
	if in.Participant == "" {
		return nil, models.Errorf(models.KindInvalidRequest, "participant is required")
	}
	c, err := s.mutate(req, in.CallSessionID, func(c *models.CallSession) error {
		next, err := callfsm.Next(c.CallStatus, callfsm.EventJoin)
		if err != nil {
			return err
		}
		c.CallStatus = next
		if !slices.Contains(c.Participants, in.Participant) {
			c.Participants = append(c.Participants, in.Participant)
		}
		c.ParticipantCount = len(c.Participants)
		c.Events = append(c.Events, models.CallEvent{Type: "joined", Participant: in.Participant, At: s.now().UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(c)
	return c, nil
}

// leave removes a participant; the last one leaving ends the call.
func (s *Server) leave(_ context.Context, req models.Request) (interface{}, error) {
	in, err := decodeCall(req)
	if err != nil {
		return nil, err
	}
	c, err := s.mutate(req, in.CallSessionID, func(c *models.CallSession) error {
		if callfsm.IsTerminal(c.CallStatus) {
			return models.Errorf(models.KindInvalidRequest, "call %s has ended", c.CallSessionID)
		}
		i := slices.Index(c.Participants, in.Participant)
		if i < 0 {
			return models.Errorf(models.KindInvalidRequest, "%q is not on call %s", in.Participant, c.CallSessionID)
		}
		now := s.now().UTC()
		c.Participants = slices.Delete(c.Participants, i, i+1)
		c.MutedParticipants = slices.DeleteFunc(c.MutedParticipants, func(p string) bool { return p == in.Participant })
		c.ParticipantCount = len(c.Participants)
		c.Events = append(c.Events, models.CallEvent{Type: "left", Participant: in.Participant, At: now})
		if c.ParticipantCount == 0 {
			hangup(c, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(c)
	return c, nil
}

func hangup(c *models.CallSession, now time.Time) {
	c.CallStatus = models.CallEnded
	c.EndedAt = &now
	c.Recording = false
	c.StreamingEnabled = false
	c.Events = append(c.Events, models.CallEvent{Type: "ended", At: now})
}

func (s *Server) end(_ context.Context, req models.Request) (interface{}, error) {
	in, err := decodeCall(req)
	if err != nil {
		return nil, err
	}
	c, err := s.mutate(req, in.CallSessionID, func(c *models.CallSession) error {
		if _, err := callfsm.Next(c.CallStatus, callfsm.EventHangup); err != nil {
			return err
		}
		hangup(c, s.now().UTC())
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(c)
	return c, nil
}

func (s *Server) mute(_ context.Context, req models.Request) (interface{}, error) {
	in, err := decodeCall(req)
	if err != nil {
		return nil, err
	}
	muted := in.Muted == nil || *in.Muted
	event := "muted"
	if !muted {
		event = "unmuted"
	}
	c, err := s.mutate(req, in.CallSessionID, func(c *models.CallSession) error {
		if callfsm.IsTerminal(c.CallStatus) {
			return models.Errorf(models.KindInvalidRequest, "call %s has ended", c.CallSessionID)
		}
		if !slices.Contains(c.Participants, in.Participant) {
			return models.Errorf(models.KindInvalidRequest, "%q is not on call %s", in.Participant, c.CallSessionID)
		}
		i := slices.Index(c.MutedParticipants, in.Participant)
		switch {
		case muted && i < 0:
			c.MutedParticipants = append(c.MutedParticipants, in.Participant)
		case !muted && i >= 0:
			c.MutedParticipants = slices.Delete(c.MutedParticipants, i, i+1)
		}
		c.Events = append(c.Events, models.CallEvent{Type: event, Participant: in.Participant, At: s.now().UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(c)
	return c, nil
}

func (s *Server) toggle(apply func(*models.CallSession)) controlserver.Handler {
	return func(_ context.Context, req models.Request) (interface{}, error) {
		in, err := decodeCall(req)
		if err != nil {
			return nil, err
		}
		c, err := s.mutate(req, in.CallSessionID, func(c *models.CallSession) error {
			if callfsm.IsTerminal(c.CallStatus) {
				return models.Errorf(models.KindInvalidRequest, "call %s has ended", c.CallSessionID)
			}
			apply(c)
			c.Events = append(c.Events, models.CallEvent{Type: string(req.Action), Participant: req.AgentID, At: s.now().UTC()})
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.publish(c)
		return c, nil
	}
}

// Status is a call session with its elapsed duration in seconds.
type Status struct {
	models.CallSession
	Duration float64 `json:"duration"`
}

func (s *Server) status(_ context.Context, req models.Request) (interface{}, error) {
	in, err := decodeCall(req)
	if err != nil {
		return nil, err
	}
	c, err := s.sessions.Calls.Get(in.CallSessionID)
	if err != nil {
		return nil, err
	}
	if c.BusinessID != req.BusinessID {
		return nil, models.Errorf(models.KindSessionNotFound, "call session %s", in.CallSessionID)
	}
	return Status{CallSession: c, Duration: c.Duration(s.now()).Seconds()}, nil
}

type ActiveList struct {
	Calls []models.CallSession `json:"calls"`
	Total int                  `json:"total"`
}

func (s *Server) active(_ context.Context, req models.Request) (interface{}, error) {
	list := s.sessions.ActiveCalls(req.BusinessID)
	if list == nil {
		list = []models.CallSession{}
	}
	return ActiveList{Calls: list, Total: len(list)}, nil
}

var statusEvents = map[string]callfsm.Event{
	"connecting": callfsm.EventConnect,
	"ringing":    callfsm.EventConnect,
	"answered":   callfsm.EventAnswer,
	"connected":  callfsm.EventAnswer,
}

// recordEvent appends a provider event. Status-bearing events drive the call
// state machine; transcript events also extend the transcript.
func (s *Server) recordEvent(_ context.Context, req models.Request) (interface{}, error) {
	in, err := decodeCall(req)
	if err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, models.Errorf(models.KindInvalidRequest, "event type is required")
	}
	var line models.TranscriptLine
	if in.Type == "transcript" {
		if err := json.Unmarshal(in.Data, &line); err != nil || strings.TrimSpace(line.Text) == "" {
			return nil, models.Errorf(models.KindInvalidRequest, "transcript events need data.speaker and data.text")
		}
	}
	statusChanged := false
	c, err := s.mutate(req, in.CallSessionID, func(c *models.CallSession) error {
		if callfsm.IsTerminal(c.CallStatus) {
			return models.Errorf(models.KindInvalidRequest, "call %s has ended", c.CallSessionID)
		}
		now := s.now().UTC()
		if ev, ok := statusEvents[in.Type]; ok {
			next, err := callfsm.Next(c.CallStatus, ev)
			if err != nil {
				return err
			}
			statusChanged = next != c.CallStatus
			c.CallStatus = next
		}
		if in.Type == "transcript" {
			if line.At.IsZero() {
				line.At = now
			}
			c.Transcript = append(c.Transcript, line)
		}
		c.Events = append(c.Events, models.CallEvent{Type: in.Type, Participant: in.Participant, At: now, Data: in.Data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if statusChanged {
		s.publish(c)
	}
	return c, nil
}

func (s *Server) checkPermissions(ctx context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		CallType models.CallType `json:"callType"`
	}](req)
	if err != nil {
		return nil, err
	}
	if in.CallType == "" {
		in.CallType = req.Context.CallType
	}
	return s.permission(ctx, req.BusinessID, in.CallType)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
