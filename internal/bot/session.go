package bot

import (
	"sync"

	"github.com/xaenox/somm-bot/internal/admission"
	"github.com/xaenox/somm-bot/internal/models"
)

// session tracks what one Telegram chat is doing: the conversation it is
// continuing and photos waiting to be analyzed. A detached session has been
// told to start over and must not fall back to an earlier conversation.
type session struct {
	conversationID string
	pending        []models.Image
	detached       bool
}

type sessions struct {
	mu   sync.Mutex
	byID map[int64]*session
}

func newSessions() *sessions {
	return &sessions{byID: make(map[int64]*session)}
}

func (s *sessions) get(chatID int64) *session {
	sess, ok := s.byID[chatID]
	if !ok {
		sess = &session{}
		s.byID[chatID] = sess
	}
	return sess
}

// addImage queues a photo and reports whether the pair is complete.
func (s *sessions) addImage(chatID int64, img models.Image) (count int, full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.get(chatID)
	if len(sess.pending) >= admission.MaxImages {
		sess.pending = sess.pending[1:]
	}
	sess.pending = append(sess.pending, img)
	return len(sess.pending), len(sess.pending) == admission.MaxImages
}

// takeImages removes and returns the queued photos.
func (s *sessions) takeImages(chatID int64) []models.Image {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.get(chatID)
	imgs := sess.pending
	sess.pending = nil
	return imgs
}

func (s *sessions) conversation(chatID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.get(chatID).conversationID
}

func (s *sessions) setConversation(chatID int64, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.get(chatID)
	sess.conversationID = id
	sess.detached = false
}

// isDetached reports whether the chat asked to start over and has not
// started a new conversation since.
func (s *sessions) isDetached(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[chatID]
	return ok && sess.detached
}

// reset drops queued photos and detaches the chat from its conversation.
func (s *sessions) reset(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[chatID] = &session{detached: true}
}
