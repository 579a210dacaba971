package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-session-service/internal/domain"
)

// SessionStore is the pgx-backed implementation of app.SessionStore.
// Concurrency-sensitive guarantees live in the SQL: a partial unique index
// keeps codes unique among live sessions, partial unique indexes catch
// duplicate joins, and answer appends are a single conditional UPDATE so two
// racing submissions can never record the same question index twice.
type SessionStore struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionColumns = `id, creator_id, quiz_id, session_code, status, created_at, started_at, completed_at, settings`

func (s *SessionStore) InsertSession(ctx context.Context, session *domain.QuizSession) error {
	settings, err := json.Marshal(session.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO quiz_sessions (id, creator_id, quiz_id, session_code, status, created_at, settings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.CreatorID, session.QuizID, session.SessionCode,
		session.Status, session.CreatedAt, settings,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateCode
	}
	return err
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*domain.QuizSession, error) {
	return s.scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM quiz_sessions WHERE id = $1`, id))
}

func (s *SessionStore) GetSessionByCode(ctx context.Context, normalized string) (*domain.QuizSession, error) {
	// Live session wins; a completed one with the same code stays findable
	// until the sweep removes it.
	return s.scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM quiz_sessions
		 WHERE session_code = $1
		 ORDER BY (status = 'completed'), created_at DESC
		 LIMIT 1`, normalized))
}

func (s *SessionStore) scanSession(row pgx.Row) (*domain.QuizSession, error) {
	session := &domain.QuizSession{}
	var settings []byte
	err := row.Scan(&session.ID, &session.CreatorID, &session.QuizID, &session.SessionCode,
		&session.Status, &session.CreatedAt, &session.StartedAt, &session.CompletedAt, &settings)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &session.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	return session, nil
}

func (s *SessionStore) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, at time.Time) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE quiz_sessions
		 SET status = $2,
		     started_at = CASE WHEN $2 = 'active' THEN $3 ELSE started_at END,
		     completed_at = CASE WHEN $2 = 'completed' THEN $3 ELSE completed_at END
		 WHERE id = $1`,
		id, status, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *SessionStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM quiz_sessions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *SessionStore) InsertParticipant(ctx context.Context, p *domain.SessionParticipant) error {
	answers, err := json.Marshal(p.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_participants
		   (id, session_id, user_id, client_token, username, score, completed, answers, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.SessionID, p.UserID, p.ClientToken, p.Username, p.Score, p.Completed, answers, p.JoinedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateParticipant
	}
	return err
}

const participantColumns = `id, session_id, user_id, client_token, username, score, completed, answers, joined_at`

func (s *SessionStore) GetParticipant(ctx context.Context, id string) (*domain.SessionParticipant, error) {
	return s.scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM session_participants WHERE id = $1`, id))
}

func (s *SessionStore) FindParticipant(ctx context.Context, sessionID string, userID *string, clientToken, username string) (*domain.SessionParticipant, error) {
	var row pgx.Row
	switch {
	case userID != nil:
		row = s.pool.QueryRow(ctx,
			`SELECT `+participantColumns+` FROM session_participants
			 WHERE session_id = $1 AND user_id = $2
			 ORDER BY joined_at DESC LIMIT 1`, sessionID, *userID)
	case clientToken != "":
		row = s.pool.QueryRow(ctx,
			`SELECT `+participantColumns+` FROM session_participants
			 WHERE session_id = $1 AND client_token = $2
			 ORDER BY joined_at DESC LIMIT 1`, sessionID, clientToken)
	default:
		row = s.pool.QueryRow(ctx,
			`SELECT `+participantColumns+` FROM session_participants
			 WHERE session_id = $1 AND username = $2
			 ORDER BY joined_at DESC LIMIT 1`, sessionID, username)
	}
	return s.scanParticipant(row)
}

func (s *SessionStore) scanParticipant(row pgx.Row) (*domain.SessionParticipant, error) {
	p := &domain.SessionParticipant{}
	var answers []byte
	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.ClientToken, &p.Username,
		&p.Score, &p.Completed, &answers, &p.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(answers, &p.Answers); err != nil {
		return nil, fmt.Errorf("unmarshal answers: %w", err)
	}
	return p, nil
}

func (s *SessionStore) ListParticipants(ctx context.Context, sessionID string) ([]domain.SessionParticipant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM session_participants
		 WHERE session_id = $1
		 ORDER BY score DESC, joined_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]domain.SessionParticipant, 0)
	for rows.Next() {
		var p domain.SessionParticipant
		var answers []byte
		if err := rows.Scan(&p.ID, &p.SessionID, &p.UserID, &p.ClientToken, &p.Username,
			&p.Score, &p.Completed, &answers, &p.JoinedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(answers, &p.Answers); err != nil {
			return nil, fmt.Errorf("unmarshal answers: %w", err)
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// AppendAnswer appends one answer record and sets the cumulative score in a
// single conditional UPDATE: the write only happens when the question index is
// not yet present in the answers array.
func (s *SessionStore) AppendAnswer(ctx context.Context, participantID string, rec domain.AnswerRecord, newScore int) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal answer: %w", err)
	}
	ct, err := s.pool.Exec(ctx,
		`UPDATE session_participants
		 SET answers = answers || $2::jsonb, score = $3
		 WHERE id = $1
		   AND NOT EXISTS (
		     SELECT 1 FROM jsonb_array_elements(answers) elem
		     WHERE (elem->>'questionIndex')::int = $4
		   )`,
		participantID, payload, newScore, rec.QuestionIndex)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() > 0 {
		return true, nil
	}

	// No row updated: either the index is already recorded or the
	// participant is gone.
	existing, err := s.GetParticipant(ctx, participantID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, domain.ErrParticipantNotFound
	}
	return false, nil
}

func (s *SessionStore) SetParticipantCompleted(ctx context.Context, participantID string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE session_participants SET completed = TRUE WHERE id = $1`, participantID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrParticipantNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
