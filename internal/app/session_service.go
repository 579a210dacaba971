package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quiz-session-service/internal/code"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/feed"
)

// SessionStore abstracts the persisted session/participant records
// (postgres in production, in-memory for tests).
//
// Absent rows are reported as (nil, nil), not as errors. Uniqueness
// violations surface as domain.ErrDuplicateCode / domain.ErrDuplicateParticipant.
type SessionStore interface {
	InsertSession(ctx context.Context, s *domain.QuizSession) error
	GetSession(ctx context.Context, id string) (*domain.QuizSession, error)
	GetSessionByCode(ctx context.Context, normalized string) (*domain.QuizSession, error)
	UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, at time.Time) error
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)

	InsertParticipant(ctx context.Context, p *domain.SessionParticipant) error
	GetParticipant(ctx context.Context, id string) (*domain.SessionParticipant, error)
	// FindParticipant resolves an existing row by the strongest key available:
	// (sessionID, userID) when userID is non-nil, else (sessionID, clientToken)
	// when the token is non-empty, else (sessionID, username).
	FindParticipant(ctx context.Context, sessionID string, userID *string, clientToken, username string) (*domain.SessionParticipant, error)
	// ListParticipants returns the session's participants ordered by score
	// descending, ties broken by join time then id.
	ListParticipants(ctx context.Context, sessionID string) ([]domain.SessionParticipant, error)
	// AppendAnswer atomically appends rec and sets the new cumulative score,
	// only when no answer for rec.QuestionIndex exists yet. It reports false
	// when the index was already recorded.
	AppendAnswer(ctx context.Context, participantID string, rec domain.AnswerRecord, newScore int) (bool, error)
	SetParticipantCompleted(ctx context.Context, participantID string) error
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// codeInsertAttempts bounds regeneration on a session-code collision.
const codeInsertAttempts = 3

// SessionService owns the session/participant state machine rules and is the
// only writer of the session store. Store failures are logged here; callers
// receive sentinel errors they can match with errors.Is.
type SessionService struct {
	store      SessionStore
	quizzes    QuizRepository
	pub        feed.Publisher
	log        zerolog.Logger
	codeLength int
	now        func() time.Time
}

func NewSessionService(store SessionStore, quizzes QuizRepository, pub feed.Publisher, log zerolog.Logger) *SessionService {
	return &SessionService{
		store:      store,
		quizzes:    quizzes,
		pub:        pub,
		log:        log,
		codeLength: code.DefaultLength,
		now:        time.Now,
	}
}

// WithClock overrides the service clock. Test-only.
func (s *SessionService) WithClock(now func() time.Time) *SessionService {
	s.now = now
	return s
}

// WithCodeLength overrides the generated session code length. Values below 1
// keep the default.
func (s *SessionService) WithCodeLength(length int) *SessionService {
	if length > 0 {
		s.codeLength = length
	}
	return s
}

// CreateSession validates the quiz, generates a code and inserts a waiting
// session. When creatorID is non-nil the creator is auto-joined as "Host";
// that step is best-effort and never fails the creation.
func (s *SessionService) CreateSession(ctx context.Context, quizID string, creatorID *string, settings domain.SessionSettings) (*domain.QuizSession, error) {
	if _, err := s.quizzes.GetQuiz(ctx, quizID); err != nil {
		if errors.Is(err, domain.ErrQuizNotFound) {
			return nil, domain.ErrQuizNotFound
		}
		s.log.Error().Err(err).Str("quiz_id", quizID).Msg("quiz lookup failed")
		return nil, fmt.Errorf("create session: %w", err)
	}

	session := &domain.QuizSession{
		ID:        uuid.NewString(),
		CreatorID: creatorID,
		QuizID:    quizID,
		Status:    domain.StatusWaiting,
		CreatedAt: s.now(),
		Settings:  settings,
	}

	var insertErr error
	for attempt := 0; attempt < codeInsertAttempts; attempt++ {
		session.SessionCode = code.Normalize(code.Generate(s.codeLength))
		insertErr = s.store.InsertSession(ctx, session)
		if insertErr == nil {
			break
		}
		if !errors.Is(insertErr, domain.ErrDuplicateCode) {
			s.log.Error().Err(insertErr).Str("quiz_id", quizID).Msg("session insert failed")
			return nil, fmt.Errorf("create session: %w", insertErr)
		}
		s.log.Warn().Str("session_code", session.SessionCode).Msg("session code collision, regenerating")
	}
	if insertErr != nil {
		return nil, fmt.Errorf("create session: %w", insertErr)
	}

	if creatorID != nil {
		if _, err := s.EnsureHostParticipant(ctx, session.ID, *creatorID); err != nil {
			s.log.Warn().Err(err).Str("session_id", session.ID).
				Msg("host auto-join failed, continuing without host participant")
		}
	}

	s.publishSession(ctx, session)
	return session, nil
}

// EnsureHostParticipant inserts a participant row for the session creator with
// username "Host", unless one already exists for that (session, user) pair.
// Reported independently of CreateSession so callers can retry it on its own.
func (s *SessionService) EnsureHostParticipant(ctx context.Context, sessionID, creatorID string) (*domain.SessionParticipant, error) {
	existing, err := s.store.FindParticipant(ctx, sessionID, &creatorID, "", "")
	if err != nil {
		return nil, fmt.Errorf("host participant lookup: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	host := &domain.SessionParticipant{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    &creatorID,
		Username:  "Host",
		Answers:   []domain.AnswerRecord{},
		JoinedAt:  s.now(),
	}
	if err := s.store.InsertParticipant(ctx, host); err != nil {
		if errors.Is(err, domain.ErrDuplicateParticipant) {
			return s.store.FindParticipant(ctx, sessionID, &creatorID, "", "")
		}
		return nil, fmt.Errorf("host participant insert: %w", err)
	}
	s.publishParticipants(ctx, sessionID)
	return host, nil
}

// GetQuiz exposes the (cached) quiz content so controllers can grade answers
// against the question set.
func (s *SessionService) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	return s.quizzes.GetQuiz(ctx, quizID)
}

// GetSessionByCode normalizes the code and looks the session up by exact
// match. Absence is (nil, nil), not an error.
func (s *SessionService) GetSessionByCode(ctx context.Context, raw string) (*domain.QuizSession, error) {
	session, err := s.store.GetSessionByCode(ctx, code.Normalize(raw))
	if err != nil {
		s.log.Error().Err(err).Str("session_code", code.Normalize(raw)).Msg("session lookup failed")
		return nil, fmt.Errorf("get session by code: %w", err)
	}
	return session, nil
}

// GetSession fetches a session by id. Absence is (nil, nil).
func (s *SessionService) GetSession(ctx context.Context, id string) (*domain.QuizSession, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("session fetch failed")
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// JoinSession resolves the session by code and inserts a participant row.
// It fails with ErrSessionNotFound / ErrSessionNotJoinable when the session is
// absent or no longer waiting. A duplicate-join race (page refresh,
// double-click) falls back to returning the existing participant.
func (s *SessionService) JoinSession(ctx context.Context, rawCode, username string, userID *string, clientToken string) (*domain.QuizSession, *domain.SessionParticipant, error) {
	session, err := s.GetSessionByCode(ctx, rawCode)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, domain.ErrSessionNotFound
	}
	if session.Status != domain.StatusWaiting {
		return nil, nil, domain.ErrSessionNotJoinable
	}

	participant := &domain.SessionParticipant{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		UserID:      userID,
		ClientToken: clientToken,
		Username:    username,
		Answers:     []domain.AnswerRecord{},
		JoinedAt:    s.now(),
	}
	if err := s.store.InsertParticipant(ctx, participant); err != nil {
		if errors.Is(err, domain.ErrDuplicateParticipant) {
			existing, ferr := s.store.FindParticipant(ctx, session.ID, userID, clientToken, username)
			if ferr != nil || existing == nil {
				s.log.Error().Err(ferr).Str("session_id", session.ID).
					Msg("duplicate join fallback lookup failed")
				return nil, nil, domain.ErrDuplicateParticipant
			}
			return session, existing, nil
		}
		s.log.Error().Err(err).Str("session_id", session.ID).Msg("participant insert failed")
		return nil, nil, fmt.Errorf("join session: %w", err)
	}

	s.publishParticipants(ctx, session.ID)
	return session, participant, nil
}

// GetParticipants returns the session's participants as a stable snapshot:
// score descending, ties broken by join time then id.
func (s *SessionService) GetParticipants(ctx context.Context, sessionID string) ([]domain.SessionParticipant, error) {
	list, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("participant list failed")
		return nil, fmt.Errorf("get participants: %w", err)
	}
	return list, nil
}

// StartSession transitions the session waiting -> active and stamps StartedAt.
// The ">= 1 participant" business rule stays with the caller.
func (s *SessionService) StartSession(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, domain.StatusActive)
}

// CompleteSession transitions the session active -> completed and stamps
// CompletedAt.
func (s *SessionService) CompleteSession(ctx context.Context, sessionID string) error {
	return s.transition(ctx, sessionID, domain.StatusCompleted)
}

// transition enforces the forward-only status table centrally: any call that
// would move backward or skip a state is rejected before touching the store.
func (s *SessionService) transition(ctx context.Context, sessionID string, next domain.SessionStatus) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return domain.ErrSessionNotFound
	}
	if !session.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, session.Status, next)
	}

	at := s.now()
	if err := s.store.UpdateSessionStatus(ctx, sessionID, next, at); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Str("status", string(next)).
			Msg("session status update failed")
		return fmt.Errorf("update session status: %w", err)
	}

	session.Status = next
	switch next {
	case domain.StatusActive:
		session.StartedAt = &at
	case domain.StatusCompleted:
		session.CompletedAt = &at
	}
	s.publishSession(ctx, session)
	return nil
}

// UpdateParticipantProgress appends one answer record and persists the new
// cumulative score. The append is conditional on the question index not being
// recorded yet; a duplicate submission is logged and treated as already
// recorded, not as an error.
func (s *SessionService) UpdateParticipantProgress(ctx context.Context, participantID string, rec domain.AnswerRecord, newScore int) error {
	appended, err := s.store.AppendAnswer(ctx, participantID, rec, newScore)
	if err != nil {
		if errors.Is(err, domain.ErrParticipantNotFound) {
			return domain.ErrParticipantNotFound
		}
		s.log.Error().Err(err).Str("participant_id", participantID).Msg("progress update failed")
		return fmt.Errorf("update progress: %w", err)
	}
	if !appended {
		s.log.Warn().Str("participant_id", participantID).Int("question_index", rec.QuestionIndex).
			Msg("answer for question index already recorded, skipping")
		return nil
	}

	if p, err := s.store.GetParticipant(ctx, participantID); err == nil && p != nil {
		s.publishParticipants(ctx, p.SessionID)
	}
	return nil
}

// MarkParticipantCompleted sets the participant's completed flag and, when
// every participant of the session has finished, completes the session. The
// session completes on the last finisher, not when the host finishes.
func (s *SessionService) MarkParticipantCompleted(ctx context.Context, participantID string) error {
	participant, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		s.log.Error().Err(err).Str("participant_id", participantID).Msg("participant fetch failed")
		return fmt.Errorf("mark completed: %w", err)
	}
	if participant == nil {
		return domain.ErrParticipantNotFound
	}

	if err := s.store.SetParticipantCompleted(ctx, participantID); err != nil {
		s.log.Error().Err(err).Str("participant_id", participantID).Msg("completion update failed")
		return fmt.Errorf("mark completed: %w", err)
	}
	s.publishParticipants(ctx, participant.SessionID)

	list, err := s.store.ListParticipants(ctx, participant.SessionID)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", participant.SessionID).
			Msg("skipping session completion check")
		return nil
	}
	allDone := len(list) > 0
	for _, p := range list {
		if !p.Completed {
			allDone = false
			break
		}
	}
	if allDone {
		if err := s.CompleteSession(ctx, participant.SessionID); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			s.log.Warn().Err(err).Str("session_id", participant.SessionID).
				Msg("session completion failed")
		}
	}
	return nil
}

// SweepExpiredSessions removes sessions older than the retention window
// regardless of status, together with their participants.
func (s *SessionService) SweepExpiredSessions(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.now().Add(-retention)
	n, err := s.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Time("cutoff", cutoff).Msg("session sweep failed")
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	if n > 0 {
		s.log.Info().Int("removed", n).Time("cutoff", cutoff).Msg("expired sessions removed")
	}
	return n, nil
}

func (s *SessionService) publishSession(ctx context.Context, session *domain.QuizSession) {
	if s.pub == nil {
		return
	}
	payload, err := json.Marshal(feed.Event{
		Table:     feed.TableSessions,
		SessionID: session.ID,
		Session:   session,
	})
	if err != nil {
		return
	}
	if err := s.pub.Publish(ctx, feed.SessionTopic(session.ID), payload); err != nil {
		s.log.Warn().Err(err).Str("session_id", session.ID).Msg("session event publish failed")
	}
}

func (s *SessionService) publishParticipants(ctx context.Context, sessionID string) {
	if s.pub == nil {
		return
	}
	payload, _ := json.Marshal(feed.Event{
		Table:     feed.TableParticipants,
		SessionID: sessionID,
	})
	if err := s.pub.Publish(ctx, feed.ParticipantTopic(sessionID), payload); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("participant event publish failed")
	}
}
