package calls

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"returnflow/pkg/compliance"
	"returnflow/pkg/controlserver"
	"returnflow/pkg/models"
	"returnflow/pkg/sessions"
	"returnflow/pkg/stream"
)

type staticPolicies map[string]models.Policy

func (p staticPolicies) ActivePolicy(_ context.Context, businessID string) (models.Policy, error) {
	pol, ok := p[businessID]
	if !ok {
		return models.Policy{}, models.Errorf(models.KindPolicyNotFound, "business %s", businessID)
	}
	return pol, nil
}

type fixture struct {
	srv  *Server
	sess *sessions.Store
	hub  *stream.Hub
	now  time.Time
}

func newFixture() *fixture {
	f := &fixture{sess: sessions.NewStore(), hub: stream.NewHub(), now: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.sess.Calls.WithClock(clock)
	policies := staticPolicies{
		"b1": {ID: "p1", BusinessID: "b1", Active: true, Rules: models.PolicyRules{
			AllowVoiceCalls: true,
			BusinessHours:   &models.BusinessHours{StartHour: 9, EndHour: 17, Timezone: "UTC"},
		}},
	}
	f.srv = New(controlserver.Options{Now: clock}, f.sess, policies, f.hub)
	return f
}

func (f *fixture) call(t *testing.T, business string, action models.Action, data interface{}, out interface{}) error {
	t.Helper()
	return controlserver.Call(context.Background(), f.srv, controlserver.Identity{AgentID: "agent-1", UserRole: "support"}, business, action, data, models.RequestContext{}, out)
}

func (f *fixture) initiate(t *testing.T, id string) models.CallSession {
	t.Helper()
	var c models.CallSession
	err := f.call(t, "b1", models.ActionInitiateCall, map[string]interface{}{
		"callSessionId": id, "callType": "voice", "participants": []string{"cust-1", "cust-1", " "},
	}, &c)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCallLifecycle(t *testing.T) {
	f := newFixture()
	events := f.hub.Subscribe(16, "b1")

	c := f.initiate(t, "call-1")
	if c.CallStatus != models.CallInitiated || c.ParticipantCount != 1 || c.Provider != DefaultProvider || !c.StartedAt.Equal(f.now) {
		t.Fatalf("unexpected call %+v", c)
	}
	if f.srv.Security() != controlserver.SecurityElevated || len(f.srv.Actions()) != 13 {
		t.Fatal("unexpected server declaration")
	}

	if err := f.call(t, "b1", models.ActionRecordCallEvent, map[string]string{"callSessionId": "call-1", "type": "ringing"}, &c); err != nil {
		t.Fatal(err)
	}
	if c.CallStatus != models.CallConnecting {
		t.Fatalf("expected connecting, got %s", c.CallStatus)
	}
	if err := f.call(t, "b1", models.ActionJoinCall, map[string]string{"callSessionId": "call-1", "participant": "agent-7"}, &c); err != nil {
		t.Fatal(err)
	}
	if c.CallStatus != models.CallActive || c.ParticipantCount != 2 {
		t.Fatalf("expected active call with two participants, got %+v", c)
	}

	f.now = f.now.Add(90 * time.Second)
	var st Status
	if err := f.call(t, "b1", models.ActionGetCallStatus, map[string]string{"callSessionId": "call-1"}, &st); err != nil {
		t.Fatal(err)
	}
	if st.Duration != 90 || st.CallStatus != models.CallActive {
		t.Fatalf("unexpected status %+v", st)
	}

	var active ActiveList
	if err := f.call(t, "b1", models.ActionGetActiveCalls, nil, &active); err != nil || active.Total != 1 {
		t.Fatalf("expected one active call, got %+v err=%v", active, err)
	}

	if err := f.call(t, "b1", models.ActionEndCall, map[string]string{"callSessionId": "call-1"}, &c); err != nil {
		t.Fatal(err)
	}
	if c.CallStatus != models.CallEnded || c.EndedAt == nil || !c.EndedAt.Equal(f.now) {
		t.Fatalf("unexpected ended call %+v", c)
	}
	if err := f.call(t, "b1", models.ActionGetActiveCalls, nil, &active); err != nil || active.Total != 0 || active.Calls == nil {
		t.Fatalf("ended calls must leave the active list, got %+v err=%v", active, err)
	}
	if err := f.call(t, "b1", models.ActionGetCallStatus, map[string]string{"callSessionId": "call-1"}, &st); err != nil || st.CallStatus != models.CallEnded {
		t.Fatalf("ended calls stay readable, got %+v err=%v", st, err)
	}
	if err := f.call(t, "b1", models.ActionEndCall, map[string]string{"callSessionId": "call-1"}, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("ending twice must fail, got %v", err)
	}
	if err := f.call(t, "b1", models.ActionStartRecording, map[string]string{"callSessionId": "call-1"}, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("ended calls reject mutation, got %v", err)
	}

	want := []string{"initiated", "connecting", "active", "ended"}
	for _, status := range want {
		select {
		case ev := <-events:
			var data struct {
				CallStatus string `json:"callStatus"`
			}
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				t.Fatal(err)
			}
			if ev.Type != stream.EventCallStatus || data.CallStatus != status {
				t.Fatalf("expected %s event, got %+v", status, ev)
			}
		default:
			t.Fatalf("missing %s event", status)
		}
	}
}

func TestInitiateCallChecksPolicy(t *testing.T) {
	f := newFixture()
	err := f.call(t, "b1", models.ActionInitiateCall, map[string]string{"callType": "video"}, nil)
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("video is not allowed, got %v", err)
	}
	f.now = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	if err := f.call(t, "b1", models.ActionInitiateCall, map[string]string{"callType": "voice"}, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("outside business hours must fail, got %v", err)
	}
	if err := f.call(t, "b2", models.ActionInitiateCall, map[string]string{"callType": "voice"}, nil); !errors.Is(err, models.ErrPolicyNotFound) {
		t.Fatalf("missing policy must surface, got %v", err)
	}
	if err := f.call(t, "b1", models.ActionInitiateCall, map[string]string{"callType": "fax"}, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("unknown call types must fail, got %v", err)
	}
}

func TestCheckCallPermissions(t *testing.T) {
	f := newFixture()
	var perm compliance.CallPermission
	if err := f.call(t, "b1", models.ActionCheckCallPermissions, map[string]string{"callType": "voice"}, &perm); err != nil || !perm.Allowed {
		t.Fatalf("expected voice allowed, got %+v err=%v", perm, err)
	}
	if err := f.call(t, "b1", models.ActionCheckCallPermissions, map[string]string{"callType": "video"}, &perm); err != nil || perm.Allowed || perm.Reason == "" {
		t.Fatalf("expected video refused with reason, got %+v err=%v", perm, err)
	}
}

func TestLastParticipantLeavingEndsCall(t *testing.T) {
	f := newFixture()
	f.initiate(t, "call-1")
	var c models.CallSession
	if err := f.call(t, "b1", models.ActionLeaveCall, map[string]string{"callSessionId": "call-1", "participant": "nobody"}, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("unknown participant must fail, got %v", err)
	}
	if err := f.call(t, "b1", models.ActionLeaveCall, map[string]string{"callSessionId": "call-1", "participant": "cust-1"}, &c); err != nil {
		t.Fatal(err)
	}
	if c.CallStatus != models.CallEnded || c.ParticipantCount != 0 {
		t.Fatalf("expected call ended, got %+v", c)
	}
}

func TestMuteRecordingAndTranscript(t *testing.T) {
	f := newFixture()
	f.initiate(t, "call-1")
	events := f.hub.Subscribe(8, "b1")
	var c models.CallSession
	if err := f.call(t, "b1", models.ActionMuteParticipant, map[string]string{"callSessionId": "call-1", "participant": "cust-1"}, &c); err != nil {
		t.Fatal(err)
	}
	if len(c.MutedParticipants) != 1 {
		t.Fatalf("expected muted participant, got %+v", c.MutedParticipants)
	}
	last := c.Events[len(c.Events)-1]
	if last.Type != "muted" || last.Participant != "cust-1" {
		t.Fatalf("expected mute event, got %+v", last)
	}
	// An empty mute list is omitted from the JSON, so decode into a fresh value.
	var unmuted models.CallSession
	if err := f.call(t, "b1", models.ActionMuteParticipant, map[string]interface{}{"callSessionId": "call-1", "participant": "cust-1", "muted": false}, &unmuted); err != nil || len(unmuted.MutedParticipants) != 0 {
		t.Fatalf("expected unmute, got %+v err=%v", unmuted.MutedParticipants, err)
	}
	if got := unmuted.Events[len(unmuted.Events)-1].Type; got != "unmuted" {
		t.Fatalf("expected unmute event, got %q", got)
	}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-events:
			if evt.Type != stream.EventCallStatus {
				t.Fatalf("unexpected event %+v", evt)
			}
		default:
			t.Fatalf("mute change %d was not published", i+1)
		}
	}
	f.hub.Unsubscribe(events)
	if err := f.call(t, "b1", models.ActionStartRecording, map[string]string{"callSessionId": "call-1"}, &c); err != nil || !c.Recording {
		t.Fatalf("expected recording, got %+v err=%v", c, err)
	}
	if err := f.call(t, "b1", models.ActionStartStreaming, map[string]string{"callSessionId": "call-1"}, &c); err != nil || !c.StreamingEnabled {
		t.Fatalf("expected streaming, got %+v err=%v", c, err)
	}
	err := f.call(t, "b1", models.ActionRecordCallEvent, map[string]interface{}{
		"callSessionId": "call-1", "type": "transcript", "data": map[string]string{"speaker": "cust-1", "text": "my order arrived broken"},
	}, &c)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Transcript) != 1 || c.Transcript[0].Text != "my order arrived broken" || !c.Transcript[0].At.Equal(f.now) {
		t.Fatalf("unexpected transcript %+v", c.Transcript)
	}
	if err := f.call(t, "b1", models.ActionRecordCallEvent, map[string]string{"callSessionId": "call-1", "type": "transcript"}, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("empty transcript must fail, got %v", err)
	}
	if err := f.call(t, "b1", models.ActionEndCall, map[string]string{"callSessionId": "call-1"}, &c); err != nil {
		t.Fatal(err)
	}
	if c.Recording || c.StreamingEnabled {
		t.Fatalf("ending a call stops recording and streaming, got %+v", c)
	}
}

func TestCallsAreScopedToBusiness(t *testing.T) {
	f := newFixture()
	f.initiate(t, "call-1")
	if err := f.call(t, "b2", models.ActionGetCallStatus, map[string]string{"callSessionId": "call-1"}, nil); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
	if err := f.call(t, "b2", models.ActionEndCall, map[string]string{"callSessionId": "call-1"}, nil); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
	if err := f.call(t, "b1", models.ActionGetCallStatus, nil, nil); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("missing id must fail, got %v", err)
	}
}
