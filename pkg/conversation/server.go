// Package conversation is the Conversation control server. Every message is
// tagged with intent and sentiment; strongly negative messages escalate the
// session automatically.
package conversation

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"returnflow/pkg/controlserver"
	"returnflow/pkg/intent"
	"returnflow/pkg/models"
	"returnflow/pkg/sessions"
	"returnflow/pkg/stream"
)

const (
	Name = "conversation"
	// AutoEscalationScore is the sentiment at or below which a message
	// escalates a session that has not been escalated yet.
	AutoEscalationScore = -0.6
	DefaultAgentType    = "returns_assistant"
)

type Server struct {
	*controlserver.Server
	sessions *sessions.Store
	hub      *stream.Hub
	now      func() time.Time
}

func New(opts controlserver.Options, sess *sessions.Store, hub *stream.Hub) *Server {
	if opts.Name == "" {
		opts.Name = Name
	}
	opts.Security = controlserver.SecurityStandard
	s := &Server{sessions: sess, hub: hub, now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}
	s.Server = controlserver.New(opts, map[models.Action]controlserver.Handler{
		models.ActionCreateConversation:     s.create,
		models.ActionJoinConversation:       s.join,
		models.ActionLeaveConversation:      s.leave,
		models.ActionSendMessage:            s.sendMessage,
		models.ActionGetConversation:        s.get,
		models.ActionGetConversationHistory: s.history,
		models.ActionEscalateConversation:   s.escalate,
		models.ActionAssignAgent:            s.assignAgent,
		models.ActionMergeConversations:     s.merge,
		models.ActionArchiveConversation:    s.archive,
		models.ActionGetActiveConversations: s.active,
	})
	return s
}

type sessionInput struct {
	SessionID   string `json:"sessionId"`
	Participant string `json:"participant,omitempty"`
}

func decodeSession(req models.Request) (sessionInput, error) {
	in, err := controlserver.Decode[sessionInput](req)
	if err != nil {
		return in, err
	}
	if in.SessionID == "" {
		in.SessionID = req.Context.SessionID
	}
	if in.SessionID == "" {
		return in, models.Errorf(models.KindInvalidRequest, "sessionId is required")
	}
	return in, nil
}

func (s *Server) lookup(req models.Request, id string) (models.ConversationSession, error) {
	c, err := s.sessions.Conversations.Get(id)
	if err != nil {
		return c, err
	}
	if c.BusinessID != req.BusinessID {
		return models.ConversationSession{}, models.Errorf(models.KindSessionNotFound, "conversation %s", id)
	}
	return c, nil
}

// mutate applies fn to an active session of the request's business.
func (s *Server) mutate(req models.Request, id string, fn func(*models.ConversationSession) error) (models.ConversationSession, error) {
	return s.sessions.Conversations.Update(id, func(c *models.ConversationSession) error {
		if c.BusinessID != req.BusinessID {
			return models.Errorf(models.KindSessionNotFound, "conversation %s", id)
		}
		if c.Status == models.ConversationArchived {
			return models.Errorf(models.KindInvalidRequest, "conversation %s is archived", id)
		}
		return fn(c)
	})
}

func (s *Server) publish(eventType string, c models.ConversationSession) {
	s.hub.Publish(stream.NewEvent(eventType, c.BusinessID, map[string]interface{}{
		"sessionId":       c.SessionID,
		"currentIntent":   c.CurrentIntent,
		"escalationLevel": c.EscalationLevel,
		"status":          c.Status,
	}))
}

func (s *Server) create(_ context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		SessionID    string         `json:"sessionId"`
		Channel      models.Channel `json:"channel"`
		Participants []string       `json:"participants"`
		AIAgentType  string         `json:"aiAgentType"`
	}](req)
	if err != nil {
		return nil, err
	}
	if in.Channel == "" {
		in.Channel = models.ChannelChat
	}
	if !in.Channel.Valid() {
		return nil, models.Errorf(models.KindInvalidRequest, "unsupported channel %q", in.Channel)
	}
	if in.SessionID == "" {
		in.SessionID = uuid.NewString()
	}
	if _, err := s.sessions.Conversations.Get(in.SessionID); err == nil {
		return nil, models.Errorf(models.KindInvalidRequest, "conversation %s already exists", in.SessionID)
	}
	if in.AIAgentType == "" {
		in.AIAgentType = DefaultAgentType
	}
	participants := []string{}
	for _, p := range in.Participants {
		if p = strings.TrimSpace(p); p != "" && !slices.Contains(participants, p) {
			participants = append(participants, p)
		}
	}
	now := s.now().UTC()
	c := s.sessions.Conversations.Put(in.SessionID, models.ConversationSession{
		SessionID:           in.SessionID,
		BusinessID:          req.BusinessID,
		Channel:             in.Channel,
		Participants:        participants,
		ConversationHistory: []models.Message{},
		AIAgentType:         in.AIAgentType,
		Status:              models.ConversationActive,
		CreatedAt:           now,
	})
	s.publish(stream.EventConversation, c)
	return c, nil
}

func (s *Server) join(_ context.Context, req models.Request) (interface{}, error) {
	in, err := decodeSession(req)
	if err != nil {
		return nil, err
	}
	if in.Participant == "" {
		return nil, models.Errorf(models.KindInvalidRequest, "participant is required")
	}
	return s.mutate(req, in.SessionID, func(c *models.ConversationSession) error {
		if !slices.Contains(c.Participants, in.Participant) {
			c.Participants = append(c.Participants, in.Participant)
		}
		return nil
	})
}

func (s *Server) leave(_ context.Context, req models.Request) (interface{}, error) {
	in, err := decodeSession(req)
	if err != nil {
		return nil, err
	}
	return s.mutate(req, in.SessionID, func(c *models.ConversationSession) error {
		i := slices.Index(c.Participants, in.Participant)
		if i < 0 {
			return models.Errorf(models.KindInvalidRequest, "%q is not in conversation %s", in.Participant, c.SessionID)
		}
		c.Participants = slices.Delete(c.Participants, i, i+1)
		return nil
	})
}

type SendResult struct {
	Message         models.Message `json:"message"`
	CurrentIntent   string         `json:"currentIntent"`
	EscalationLevel int            `json:"escalationLevel"`
	AutoEscalated   bool           `json:"autoEscalated"`
}

func (s *Server) sendMessage(_ context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		SessionID string `json:"sessionId"`
		Sender    string `json:"sender"`
		Role      string `json:"role"`
		Content   string `json:"content"`
	}](req)
	if err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		in.SessionID = req.Context.SessionID
	}
	if in.SessionID == "" || strings.TrimSpace(in.Content) == "" {
		return nil, models.Errorf(models.KindInvalidRequest, "sessionId and content are required")
	}
	if in.Sender == "" {
		in.Sender = req.AgentID
	}
	if in.Role == "" {
		in.Role = "customer"
	}
	cls := intent.Classify(in.Content)
	msg := models.Message{
		ID:             uuid.NewString(),
		Sender:         in.Sender,
		Role:           in.Role,
		Content:        in.Content,
		Intent:         cls.Intent,
		Sentiment:      cls.Sentiment,
		SentimentScore: cls.SentimentScore,
		Timestamp:      s.now().UTC(),
	}
	escalated := false
	c, err := s.mutate(req, in.SessionID, func(c *models.ConversationSession) error {
		c.ConversationHistory = append(c.ConversationHistory, msg)
		c.CurrentIntent = cls.Intent
		if c.EscalationLevel == 0 && cls.SentimentScore <= AutoEscalationScore {
			c.EscalationLevel = 1
			escalated = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if escalated {
		s.publish(stream.EventEscalation, c)
	} else {
		s.publish(stream.EventConversation, c)
	}
	return SendResult{Message: msg, CurrentIntent: c.CurrentIntent, EscalationLevel: c.EscalationLevel, AutoEscalated: escalated}, nil
}

func (s *Server) get(_ context.Context, req models.Request) (interface{}, error) {
	in, err := decodeSession(req)
	if err != nil {
		return nil, err
	}
	return s.lookup(req, in.SessionID)
}

type History struct {
	SessionID string           `json:"sessionId"`
	Messages  []models.Message `json:"messages"`
	Total     int              `json:"total"`
}

func (s *Server) history(_ context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		SessionID string `json:"sessionId"`
		Limit     int    `json:"limit"`
	}](req)
	if err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		in.SessionID = req.Context.SessionID
	}
	c, err := s.lookup(req, in.SessionID)
	if err != nil {
		return nil, err
	}
	msgs := c.ConversationHistory
	if in.Limit > 0 && len(msgs) > in.Limit {
		msgs = msgs[len(msgs)-in.Limit:]
	}
	return History{SessionID: c.SessionID, Messages: msgs, Total: len(c.ConversationHistory)}, nil
}

func (s *Server) escalate(_ context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		SessionID string `json:"sessionId"`
		Level     int    `json:"level"`
		Reason    string `json:"reason"`
	}](req)
	if err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		in.SessionID = req.Context.SessionID
	}
	c, err := s.mutate(req, in.SessionID, func(c *models.ConversationSession) error {
		c.EscalationLevel = max(c.EscalationLevel+1, in.Level)
		if in.Reason != "" {
			c.ConversationHistory = append(c.ConversationHistory, models.Message{
				ID: uuid.NewString(), Sender: req.AgentID, Role: "system", Content: "escalated: " + in.Reason,
				Intent: intent.HumanAgent, Sentiment: "neutral", Timestamp: s.now().UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(stream.EventEscalation, c)
	return c, nil
}

func (s *Server) assignAgent(_ context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		SessionID   string `json:"sessionId"`
		AIAgentType string `json:"aiAgentType"`
		AgentID     string `json:"agentId"`
	}](req)
	if err != nil {
		return nil, err
	}
	if in.AIAgentType == "" && in.AgentID == "" {
		return nil, models.Errorf(models.KindInvalidRequest, "aiAgentType or agentId is required")
	}
	return s.mutate(req, in.SessionID, func(c *models.ConversationSession) error {
		if in.AIAgentType != "" {
			c.AIAgentType = in.AIAgentType
		}
		if in.AgentID != "" && !slices.Contains(c.Participants, in.AgentID) {
			c.Participants = append(c.Participants, in.AgentID)
		}
		return nil
	})
}

type MergeResult struct {
	Target models.ConversationSession `json:"target"`
	Source models.ConversationSession `json:"source"`
}

// merge moves the source history into the target in timestamp order, unions
// participants, keeps the higher escalation level and archives the source.
func (s *Server) merge(_ context.Context, req models.Request) (interface{}, error) {
	in, err := controlserver.Decode[struct {
		SourceSessionID string `json:"sourceSessionId"`
		TargetSessionID string `json:"targetSessionId"`
	}](req)
	if err != nil {
		return nil, err
	}
	if in.SourceSessionID == "" || in.TargetSessionID == "" || in.SourceSessionID == in.TargetSessionID {
		return nil, models.Errorf(models.KindInvalidRequest, "two distinct session ids are required")
	}
	src, err := s.lookup(req, in.SourceSessionID)
	if err != nil {
		return nil, err
	}
	if src.Status == models.ConversationArchived {
		return nil, models.Errorf(models.KindInvalidRequest, "conversation %s is archived", src.SessionID)
	}
	target, err := s.mutate(req, in.TargetSessionID, func(c *models.ConversationSession) error {
		c.ConversationHistory = append(c.ConversationHistory, src.ConversationHistory...)
		sort.SliceStable(c.ConversationHistory, func(i, j int) bool {
			return c.ConversationHistory[i].Timestamp.Before(c.ConversationHistory[j].Timestamp)
		})
		for _, p := range src.Participants {
			if !slices.Contains(c.Participants, p) {
				c.Participants = append(c.Participants, p)
			}
		}
		c.EscalationLevel = max(c.EscalationLevel, src.EscalationLevel)
		if n := len(c.ConversationHistory); n > 0 {
			c.CurrentIntent = c.ConversationHistory[n-1].Intent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	source, err := s.mutate(req, in.SourceSessionID, func(c *models.ConversationSession) error {
		c.Status = models.ConversationArchived
		c.MergedInto = target.SessionID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(stream.EventConversation, target)
	return MergeResult{Target: target, Source: source}, nil
}

func (s *Server) archive(_ context.Context, req models.Request) (interface{}, error) {
	in, err := decodeSession(req)
	if err != nil {
		return nil, err
	}
	c, err := s.mutate(req, in.SessionID, func(c *models.ConversationSession) error {
		c.Status = models.ConversationArchived
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(stream.EventConversation, c)
	return c, nil
}

type ActiveList struct {
	Conversations []models.ConversationSession `json:"conversations"`
	Total         int                          `json:"total"`
}

func (s *Server) active(_ context.Context, req models.Request) (interface{}, error) {
	list := s.sessions.ActiveConversations(req.BusinessID)
	if list == nil {
		list = []models.ConversationSession{}
	}
	return ActiveList{Conversations: list, Total: len(list)}, nil
}
