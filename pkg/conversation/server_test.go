package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"returnflow/pkg/controlserver"
	"returnflow/pkg/models"
	"returnflow/pkg/sessions"
	"returnflow/pkg/stream"
)

type fixture struct {
	srv  *Server
	sess *sessions.Store
	hub  *stream.Hub
	now  time.Time
}

func newFixture() *fixture {
	f := &fixture{sess: sessions.NewStore(), hub: stream.NewHub(), now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.sess.Conversations.WithClock(clock)
	f.srv = New(controlserver.Options{Now: clock}, f.sess, f.hub)
	return f
}

func (f *fixture) call(t *testing.T, action models.Action, data interface{}, out interface{}) error {
	t.Helper()
	return controlserver.Call(context.Background(), f.srv, controlserver.Identity{AgentID: "agent-1", UserRole: "support"}, "b1", action, data, models.RequestContext{}, out)
}

func (f *fixture) create(t *testing.T, id string) models.ConversationSession {
	t.Helper()
	var c models.ConversationSession
	if err := f.call(t, models.ActionCreateConversation, map[string]interface{}{"sessionId": id, "channel": "chat", "participants": []string{"cust-1"}}, &c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCreateConversation(t *testing.T) {
	f := newFixture()
	c := f.create(t, "s1")
	if c.Status != models.ConversationActive || c.AIAgentType != DefaultAgentType || c.EscalationLevel != 0 || !c.LastActivity.Equal(f.now) {
		t.Fatalf("unexpected session %+v", c)
	}
	if err := f.call(t, models.ActionCreateConversation, map[string]string{"sessionId": "s1"}, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("duplicate ids must be rejected, got %v", err)
	}
	if err := f.call(t, models.ActionCreateConversation, map[string]string{"channel": "fax"}, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("unknown channels must be rejected, got %v", err)
	}
	if f.srv.Security() != controlserver.SecurityStandard || len(f.srv.Actions()) != 11 {
		t.Fatal("unexpected server declaration")
	}
}

func TestSendMessageClassifiesAndAutoEscalates(t *testing.T) {
	f := newFixture()
	f.create(t, "s1")
	events := f.hub.Subscribe(8, "b1")

	var res SendResult
	if err := f.call(t, models.ActionSendMessage, map[string]string{"sessionId": "s1", "content": "Hi, I want to return my shoes"}, &res); err != nil {
		t.Fatal(err)
	}
	if res.CurrentIntent != "return_request" || res.AutoEscalated || res.Message.Sender != "agent-1" {
		t.Fatalf("unexpected result %+v", res)
	}

	f.now = f.now.Add(time.Minute)
	if err := f.call(t, models.ActionSendMessage, map[string]string{"sessionId": "s1", "content": "This is the worst, a total scam!!"}, &res); err != nil {
		t.Fatal(err)
	}
	if !res.AutoEscalated || res.EscalationLevel != 1 || res.Message.SentimentScore > AutoEscalationScore {
		t.Fatalf("expected auto escalation, got %+v", res)
	}

	if err := f.call(t, models.ActionSendMessage, map[string]string{"sessionId": "s1", "content": "Terrible, awful, I hate this"}, &res); err != nil {
		t.Fatal(err)
	}
	if res.AutoEscalated || res.EscalationLevel != 1 {
		t.Fatalf("auto escalation only fires from level 0, got %+v", res)
	}

	var got models.ConversationSession
	_ = f.call(t, models.ActionGetConversation, map[string]string{"sessionId": "s1"}, &got)
	if len(got.ConversationHistory) != 3 || !got.LastActivity.Equal(f.now) {
		t.Fatalf("unexpected session %+v", got)
	}

	types := map[string]int{}
	for len(events) > 0 {
		types[(<-events).Type]++
	}
	if types[stream.EventEscalation] != 1 || types[stream.EventConversation] != 2 {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestParticipantsAndAgents(t *testing.T) {
	f := newFixture()
	f.create(t, "s1")
	var c models.ConversationSession
	_ = f.call(t, models.ActionJoinConversation, map[string]string{"sessionId": "s1", "participant": "agent-7"}, &c)
	_ = f.call(t, models.ActionJoinConversation, map[string]string{"sessionId": "s1", "participant": "agent-7"}, &c)
	if len(c.Participants) != 2 {
		t.Fatalf("join must be idempotent: %v", c.Participants)
	}
	if err := f.call(t, models.ActionLeaveConversation, map[string]string{"sessionId": "s1", "participant": "ghost"}, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	_ = f.call(t, models.ActionLeaveConversation, map[string]string{"sessionId": "s1", "participant": "cust-1"}, &c)
	if len(c.Participants) != 1 || c.Participants[0] != "agent-7" {
		t.Fatalf("unexpected participants %v", c.Participants)
	}
	_ = f.call(t, models.ActionAssignAgent, map[string]string{"sessionId": "s1", "aiAgentType": "escalation_specialist", "agentId": "sup-1"}, &c)
	if c.AIAgentType != "escalation_specialist" || len(c.Participants) != 2 {
		t.Fatalf("unexpected assignment %+v", c)
	}
	_ = f.call(t, models.ActionEscalateConversation, map[string]interface{}{"sessionId": "s1", "level": 3, "reason": "legal threat"}, &c)
	if c.EscalationLevel != 3 || len(c.ConversationHistory) != 1 {
		t.Fatalf("unexpected escalation %+v", c)
	}
	_ = f.call(t, models.ActionEscalateConversation, map[string]string{"sessionId": "s1"}, &c)
	if c.EscalationLevel != 4 {
		t.Fatalf("escalation without level increments, got %d", c.EscalationLevel)
	}
}

func TestArchivedIsTerminal(t *testing.T) {
	f := newFixture()
	f.create(t, "s1")
	if err := f.call(t, models.ActionArchiveConversation, map[string]string{"sessionId": "s1"}, nil); err != nil {
		t.Fatal(err)
	}
	for _, action := range []models.Action{models.ActionSendMessage, models.ActionJoinConversation, models.ActionArchiveConversation, models.ActionEscalateConversation} {
		err := f.call(t, action, map[string]string{"sessionId": "s1", "content": "hello", "participant": "x"}, nil)
		if !errors.Is(err, models.ErrInvalidRequest) {
			t.Fatalf("%s on archived session: expected invalid request, got %v", action, err)
		}
	}
	var c models.ConversationSession
	if err := f.call(t, models.ActionGetConversation, map[string]string{"sessionId": "s1"}, &c); err != nil || c.Status != models.ConversationArchived {
		t.Fatalf("archived sessions stay readable: %+v %v", c, err)
	}
	var list ActiveList
	_ = f.call(t, models.ActionGetActiveConversations, nil, &list)
	if list.Total != 0 {
		t.Fatalf("archived sessions are not active: %+v", list)
	}
}

func TestMergeConversations(t *testing.T) {
	f := newFixture()
	f.create(t, "target")
	f.create(t, "source")
	_ = f.call(t, models.ActionJoinConversation, map[string]string{"sessionId": "source", "participant": "cust-2"}, nil)

	_ = f.call(t, models.ActionSendMessage, map[string]string{"sessionId": "target", "content": "first"}, nil)
	f.now = f.now.Add(time.Minute)
	_ = f.call(t, models.ActionSendMessage, map[string]string{"sessionId": "source", "content": "second, where is my refund"}, nil)
	f.now = f.now.Add(time.Minute)
	_ = f.call(t, models.ActionSendMessage, map[string]string{"sessionId": "target", "content": "third"}, nil)

	var res MergeResult
	if err := f.call(t, models.ActionMergeConversations, map[string]string{"sourceSessionId": "source", "targetSessionId": "target"}, &res); err != nil {
		t.Fatal(err)
	}
	h := res.Target.ConversationHistory
	if len(h) != 3 || h[0].Content != "first" || h[1].Content != "second, where is my refund" || h[2].Content != "third" {
		t.Fatalf("history not chronological: %+v", h)
	}
	if len(res.Target.Participants) != 2 {
		t.Fatalf("participants not unioned: %v", res.Target.Participants)
	}
	if res.Source.Status != models.ConversationArchived || res.Source.MergedInto != "target" {
		t.Fatalf("source not archived: %+v", res.Source)
	}
	if err := f.call(t, models.ActionMergeConversations, map[string]string{"sourceSessionId": "source", "targetSessionId": "target"}, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("archived source cannot merge again, got %v", err)
	}
	var hist History
	_ = f.call(t, models.ActionGetConversationHistory, map[string]interface{}{"sessionId": "target", "limit": 2}, &hist)
	if hist.Total != 3 || len(hist.Messages) != 2 || hist.Messages[1].Content != "third" {
		t.Fatalf("unexpected history page %+v", hist)
	}
}

func TestOtherBusinessCannotSeeSession(t *testing.T) {
	f := newFixture()
	f.create(t, "s1")
	err := controlserver.Call(context.Background(), f.srv, controlserver.Identity{AgentID: "x", UserRole: "support"}, "b2",
		models.ActionGetConversation, map[string]string{"sessionId": "s1"}, models.RequestContext{}, nil)
	if !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}
