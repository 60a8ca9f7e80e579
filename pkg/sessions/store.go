package sessions

import (
	"time"

	"returnflow/pkg/models"
)

// Store holds the session registries shared by the control servers of one
// process. Sessions are not visible to other instances and do not survive a
// restart.
type Store struct {
	Calls         *Registry[models.CallSession]
	Conversations *Registry[models.ConversationSession]
}

func NewStore() *Store {
	return &Store{
		Calls:         NewRegistry("call session", touchCall, cloneCall),
		Conversations: NewRegistry("conversation", touchConversation, cloneConversation),
	}
}

// ActiveCalls returns calls that have not ended.
func (s *Store) ActiveCalls(businessID string) []models.CallSession {
	return s.Calls.List(func(c models.CallSession) bool {
		if c.CallStatus == models.CallEnded {
			return false
		}
		return businessID == "" || c.BusinessID == businessID
	})
}

func (s *Store) ActiveConversations(businessID string) []models.ConversationSession {
	return s.Conversations.List(func(c models.ConversationSession) bool {
		if c.Status != models.ConversationActive {
			return false
		}
		return businessID == "" || c.BusinessID == businessID
	})
}

func touchCall(c *models.CallSession, now time.Time) { c.LastActivity = now }

func touchConversation(c *models.ConversationSession, now time.Time) { c.LastActivity = now }

func cloneCall(c models.CallSession) models.CallSession {
	c.Participants = append([]string(nil), c.Participants...)
	c.MutedParticipants = append([]string(nil), c.MutedParticipants...)
	c.Events = append([]models.CallEvent(nil), c.Events...)
	c.Transcript = append([]models.TranscriptLine(nil), c.Transcript...)
	if c.EndedAt != nil {
		t := *c.EndedAt
		c.EndedAt = &t
	}
	return c
}

func cloneConversation(c models.ConversationSession) models.ConversationSession {
	c.Participants = append([]string(nil), c.Participants...)
	c.ConversationHistory = append([]models.Message(nil), c.ConversationHistory...)
	return c
}
