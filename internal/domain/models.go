package domain

import "time"

// SessionStatus is the lifecycle state of a quiz session. Transitions are
// forward-only: waiting -> active -> completed.
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// CanTransition reports whether moving from s to next is a legal forward step.
// Reverse moves and skips are rejected; expired sessions are deleted by the
// retention sweep, not transitioned.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusWaiting:
		return next == StatusActive
	case StatusActive:
		return next == StatusCompleted
	default:
		return false
	}
}

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusCompleted:
		return true
	}
	return false
}

// SessionSettings holds optional per-session tuning values.
type SessionSettings struct {
	MaxParticipants  int  `json:"maxParticipants,omitempty"`
	WaitForAll       bool `json:"waitForAll,omitempty"`
	TimeLimitSeconds int  `json:"timeLimitSeconds,omitempty"`
}

// QuizSession is one multiplayer run of a quiz, identified by a short code.
type QuizSession struct {
	ID          string          `json:"id"`
	CreatorID   *string         `json:"creatorId"`
	QuizID      string          `json:"quizId"`
	SessionCode string          `json:"sessionCode"`
	Status      SessionStatus   `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Settings    SessionSettings `json:"settings"`
}

// AnswerRecord is one submitted answer. A participant holds at most one record
// per question index; the list is append-only and ordered by submission.
type AnswerRecord struct {
	QuestionIndex int    `json:"questionIndex"`
	Answer        string `json:"answer"`
	IsCorrect     bool   `json:"isCorrect"`
}

// SessionParticipant is one player (or the host) within a session.
type SessionParticipant struct {
	ID        string  `json:"id"`
	SessionID string  `json:"sessionId"`
	UserID    *string `json:"userId"`
	// ClientToken is a client-generated stable token used to re-identify
	// anonymous participants across list refreshes. Empty for legacy clients.
	ClientToken string         `json:"clientToken,omitempty"`
	Username    string         `json:"username"`
	Score       int            `json:"score"`
	Completed   bool           `json:"completed"`
	Answers     []AnswerRecord `json:"answers"`
	JoinedAt    time.Time      `json:"joinedAt"`
}

// HasAnswered reports whether an answer for the given question index is
// already recorded.
func (p *SessionParticipant) HasAnswered(questionIndex int) bool {
	for _, a := range p.Answers {
		if a.QuestionIndex == questionIndex {
			return true
		}
	}
	return false
}

// QuestionType distinguishes choice questions (auto-graded) from open-ended
// ones (grading deferred).
type QuestionType string

const (
	QuestionChoice QuestionType = "choice"
	QuestionOpen   QuestionType = "open"
)

// DefaultQuestionPoints is the base score for a question that does not set
// its own point value.
const DefaultQuestionPoints = 10

// Question is one entry of an immutable quiz question set.
type Question struct {
	Prompt       string       `json:"prompt"`
	Type         QuestionType `json:"type"`
	Options      []string     `json:"options,omitempty"`
	CorrectIndex int          `json:"correctIndex"`
	Points       int          `json:"points"` // defaults to DefaultQuestionPoints if zero
}

// BasePoints returns the question's point value, applying the default.
func (q Question) BasePoints() int {
	if q.Points <= 0 {
		return DefaultQuestionPoints
	}
	return q.Points
}

// Quiz is an immutable question set, read-only from this subsystem.
type Quiz struct {
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
}
