package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"quiz-session-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionStore, used in
// tests and in no-postgres demo mode. It mirrors the relational semantics:
// code uniqueness among live sessions, participant uniqueness per
// (session, user) and (session, client token), conditional answer appends.
type SessionStore struct {
	mu           sync.RWMutex
	sessions     map[string]*domain.QuizSession
	participants map[string]*domain.SessionParticipant
	joinOrder    map[string][]string // session id -> participant ids in join order
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:     make(map[string]*domain.QuizSession),
		participants: make(map[string]*domain.SessionParticipant),
		joinOrder:    make(map[string][]string),
	}
}

func (s *SessionStore) InsertSession(_ context.Context, session *domain.QuizSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.SessionCode == session.SessionCode && existing.Status != domain.StatusCompleted {
			return domain.ErrDuplicateCode
		}
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, id string) (*domain.QuizSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *session
	return &cp, nil
}

func (s *SessionStore) GetSessionByCode(_ context.Context, normalized string) (*domain.QuizSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Prefer the live session; completed ones stay findable until swept.
	var match *domain.QuizSession
	for _, session := range s.sessions {
		if session.SessionCode != normalized {
			continue
		}
		if match == nil {
			match = session
			continue
		}
		if match.Status == domain.StatusCompleted && session.Status != domain.StatusCompleted {
			match = session
		} else if (match.Status == domain.StatusCompleted) == (session.Status == domain.StatusCompleted) &&
			session.CreatedAt.After(match.CreatedAt) {
			match = session
		}
	}
	if match == nil {
		return nil, nil
	}
	cp := *match
	return &cp, nil
}

func (s *SessionStore) UpdateSessionStatus(_ context.Context, id string, status domain.SessionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	session.Status = status
	switch status {
	case domain.StatusActive:
		t := at
		session.StartedAt = &t
	case domain.StatusCompleted:
		t := at
		session.CompletedAt = &t
	}
	return nil
}

func (s *SessionStore) DeleteSessionsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if !session.CreatedAt.Before(cutoff) {
			continue
		}
		for _, pid := range s.joinOrder[id] {
			delete(s.participants, pid)
		}
		delete(s.joinOrder, id)
		delete(s.sessions, id)
		removed++
	}
	return removed, nil
}

func (s *SessionStore) InsertParticipant(_ context.Context, p *domain.SessionParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range s.joinOrder[p.SessionID] {
		existing := s.participants[pid]
		if p.UserID != nil && existing.UserID != nil && *existing.UserID == *p.UserID {
			return domain.ErrDuplicateParticipant
		}
		if p.ClientToken != "" && existing.ClientToken == p.ClientToken {
			return domain.ErrDuplicateParticipant
		}
	}
	cp := *p
	cp.Answers = append([]domain.AnswerRecord(nil), p.Answers...)
	s.participants[p.ID] = &cp
	s.joinOrder[p.SessionID] = append(s.joinOrder[p.SessionID], p.ID)
	return nil
}

func (s *SessionStore) GetParticipant(_ context.Context, id string) (*domain.SessionParticipant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, nil
	}
	return copyParticipant(p), nil
}

func (s *SessionStore) FindParticipant(_ context.Context, sessionID string, userID *string, clientToken, username string) (*domain.SessionParticipant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Later joins win on the username fallback, matching a wholesale-refresh
	// client that remembers only the display name.
	ids := s.joinOrder[sessionID]
	for i := len(ids) - 1; i >= 0; i-- {
		p := s.participants[ids[i]]
		switch {
		case userID != nil:
			if p.UserID != nil && *p.UserID == *userID {
				return copyParticipant(p), nil
			}
		case clientToken != "":
			if p.ClientToken == clientToken {
				return copyParticipant(p), nil
			}
		default:
			if p.Username == username {
				return copyParticipant(p), nil
			}
		}
	}
	return nil, nil
}

func (s *SessionStore) ListParticipants(_ context.Context, sessionID string) ([]domain.SessionParticipant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.joinOrder[sessionID]
	list := make([]domain.SessionParticipant, 0, len(ids))
	for _, pid := range ids {
		list = append(list, *copyParticipant(s.participants[pid]))
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (s *SessionStore) AppendAnswer(_ context.Context, participantID string, rec domain.AnswerRecord, newScore int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return false, domain.ErrParticipantNotFound
	}
	if p.HasAnswered(rec.QuestionIndex) {
		return false, nil
	}
	p.Answers = append(p.Answers, rec)
	p.Score = newScore
	return true, nil
}

func (s *SessionStore) SetParticipantCompleted(_ context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	p.Completed = true
	return nil
}

func copyParticipant(p *domain.SessionParticipant) *domain.SessionParticipant {
	cp := *p
	cp.Answers = append([]domain.AnswerRecord(nil), p.Answers...)
	return &cp
}
