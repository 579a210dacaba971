// Package client implements the per-device session controller: the
// moment-to-moment state machine each host and player runs locally, reacting
// to change-feed pushes and driving the per-question timer and scoring.
package client

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quiz-session-service/internal/domain"
)

// State is the controller's local lifecycle position.
type State string

const (
	StateResolving State = "resolving"
	StateLobby     State = "lobby"
	StateInQuiz    State = "in_quiz"
	StateResults   State = "results"
	StateFailed    State = "failed"
)

var (
	// ErrNotAcceptingAnswers is returned for submissions outside the in-quiz state.
	ErrNotAcceptingAnswers = errors.New("controller is not accepting answers")
	// ErrNotHost is returned when a non-host controller tries to start the session.
	ErrNotHost = errors.New("only the host can start the session")
)

// SessionAPI is the slice of the session service the controller drives.
type SessionAPI interface {
	CreateSession(ctx context.Context, quizID string, creatorID *string, settings domain.SessionSettings) (*domain.QuizSession, error)
	GetSessionByCode(ctx context.Context, code string) (*domain.QuizSession, error)
	JoinSession(ctx context.Context, code, username string, userID *string, clientToken string) (*domain.QuizSession, *domain.SessionParticipant, error)
	GetParticipants(ctx context.Context, sessionID string) ([]domain.SessionParticipant, error)
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
	StartSession(ctx context.Context, sessionID string) error
	UpdateParticipantProgress(ctx context.Context, participantID string, rec domain.AnswerRecord, newScore int) error
	MarkParticipantCompleted(ctx context.Context, participantID string) error
}

// Subscriber is the change-feed surface the controller listens on.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string,
		onParticipants func([]domain.SessionParticipant),
		onSession func(*domain.QuizSession)) (func(), error)
}

type TimerHandle interface {
	Stop() bool
}

// Options tune a controller. Zero values get sensible defaults.
type Options struct {
	Username string
	UserID   *string
	// ClientToken re-identifies this device across list refreshes. Generated
	// and kept for the controller's lifetime when empty; a real client
	// persists it in local storage.
	ClientToken string
	// QuestionTime is the per-question countdown budget (default 30s).
	QuestionTime time.Duration
	// ResultsDelay is the pause between finishing the last question and
	// showing results (default 2s; tests stub AfterFunc and fire it by hand).
	ResultsDelay time.Duration
	Clock        func() time.Time
	// AfterFunc schedules the countdown; swapped out in tests.
	AfterFunc func(d time.Duration, fn func()) TimerHandle
	Log       zerolog.Logger
}

// Controller owns one device's view of a session. All exported methods are
// safe for concurrent use with incoming feed callbacks.
type Controller struct {
	svc  SessionAPI
	feed Subscriber
	opts Options

	mu            sync.Mutex
	state         State
	isHost        bool
	session       *domain.QuizSession
	quiz          domain.Quiz
	participants  []domain.SessionParticipant
	selfID        string
	score         int
	answers       []domain.AnswerRecord
	questionIndex int
	deadline      time.Time
	pending       string
	timer         TimerHandle
	unsubscribe   func()
	lastErr       error
}

func New(svc SessionAPI, feed Subscriber, opts Options) *Controller {
	if opts.QuestionTime <= 0 {
		opts.QuestionTime = 30 * time.Second
	}
	if opts.ResultsDelay < 0 {
		opts.ResultsDelay = 0
	} else if opts.ResultsDelay == 0 {
		opts.ResultsDelay = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, fn func()) TimerHandle {
			return time.AfterFunc(d, fn)
		}
	}
	if opts.ClientToken == "" {
		opts.ClientToken = uuid.NewString()
	}
	return &Controller{svc: svc, feed: feed, opts: opts, state: StateResolving}
}

// Host creates a session and enters the lobby as its host. The creator is
// auto-joined server-side when creatorID is non-nil.
func (c *Controller) Host(ctx context.Context, quizID string, creatorID *string, settings domain.SessionSettings) error {
	session, err := c.svc.CreateSession(ctx, quizID, creatorID, settings)
	if err != nil {
		c.fail(err)
		return err
	}
	quiz, err := c.svc.GetQuiz(ctx, quizID)
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.isHost = true
	c.session = session
	c.quiz = quiz
	c.state = StateLobby
	c.mu.Unlock()

	if err := c.subscribe(ctx, session.ID); err != nil {
		c.fail(err)
		return err
	}
	c.refreshParticipants(ctx, session.ID)
	return nil
}

// Join resolves the code and joins the session as a player. Depending on what
// it finds it lands in the lobby, jumps straight into the quiz (session
// already active), or fails (absent or completed session).
func (c *Controller) Join(ctx context.Context, code string) error {
	session, err := c.svc.GetSessionByCode(ctx, code)
	if err != nil {
		c.fail(err)
		return err
	}
	if session == nil {
		c.fail(domain.ErrSessionNotFound)
		return domain.ErrSessionNotFound
	}

	switch session.Status {
	case domain.StatusCompleted:
		c.fail(domain.ErrSessionNotJoinable)
		return domain.ErrSessionNotJoinable
	case domain.StatusActive:
		// Mid-session rejoin: no new participant row, re-identify from the
		// refreshed list and resume.
		quiz, err := c.svc.GetQuiz(ctx, session.QuizID)
		if err != nil {
			c.fail(err)
			return err
		}
		c.mu.Lock()
		c.session = session
		c.quiz = quiz
		c.mu.Unlock()
		if err := c.subscribe(ctx, session.ID); err != nil {
			c.fail(err)
			return err
		}
		c.refreshParticipants(ctx, session.ID)
		c.enterQuiz()
		return nil
	}

	session, participant, err := c.svc.JoinSession(ctx, code, c.opts.Username, c.opts.UserID, c.opts.ClientToken)
	if err != nil {
		c.fail(err)
		return err
	}
	quiz, err := c.svc.GetQuiz(ctx, session.QuizID)
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.session = session
	c.quiz = quiz
	c.selfID = participant.ID
	c.score = participant.Score
	c.answers = append([]domain.AnswerRecord(nil), participant.Answers...)
	c.state = StateLobby
	c.mu.Unlock()

	if err := c.subscribe(ctx, session.ID); err != nil {
		c.fail(err)
		return err
	}
	c.refreshParticipants(ctx, session.ID)
	return nil
}

// Start moves the session to active. The at-least-one-participant rule is
// enforced here, before the repository is ever called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	isHost := c.isHost
	sessionID := ""
	if c.session != nil {
		sessionID = c.session.ID
	}
	count := len(c.participants)
	c.mu.Unlock()

	if !isHost {
		return ErrNotHost
	}
	if sessionID == "" {
		return domain.ErrSessionNotFound
	}
	if count == 0 {
		// The lobby view may be stale; re-check before rejecting.
		list, err := c.svc.GetParticipants(ctx, sessionID)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return domain.ErrNoParticipants
		}
	}
	return c.svc.StartSession(ctx, sessionID)
}

// SetPendingAnswer records the currently selected option or free text; the
// countdown auto-submits whatever is pending when it expires.
func (c *Controller) SetPendingAnswer(answer string) {
	c.mu.Lock()
	c.pending = answer
	c.mu.Unlock()
}

// SubmitAnswer grades and persists an answer for the current question, then
// advances. A store failure is logged and the local state still advances; the
// score may silently fail to persist.
func (c *Controller) SubmitAnswer(ctx context.Context, answer string) error {
	c.mu.Lock()
	if c.state != StateInQuiz || c.selfID == "" {
		c.mu.Unlock()
		return ErrNotAcceptingAnswers
	}
	idx := c.questionIndex
	if idx >= len(c.quiz.Questions) {
		c.mu.Unlock()
		return ErrNotAcceptingAnswers
	}
	q := c.quiz.Questions[idx]

	correct := false
	if q.Type == domain.QuestionChoice && answer != "" {
		correct = answer == strconv.Itoa(q.CorrectIndex)
	}
	remaining := c.deadline.Sub(c.opts.Clock())
	points := 0
	if q.Type == domain.QuestionChoice {
		points = Points(q.BasePoints(), remaining, c.opts.QuestionTime, correct)
	}

	rec := domain.AnswerRecord{QuestionIndex: idx, Answer: answer, IsCorrect: correct}
	c.answers = append(c.answers, rec)
	c.score += points
	c.pending = ""
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	selfID := c.selfID
	score := c.score
	last := idx == len(c.quiz.Questions)-1
	c.mu.Unlock()

	if err := c.svc.UpdateParticipantProgress(ctx, selfID, rec, score); err != nil {
		c.opts.Log.Warn().Err(err).Str("participant_id", selfID).Int("question_index", idx).
			Msg("progress persist failed, advancing locally")
	}

	if last {
		if err := c.svc.MarkParticipantCompleted(ctx, selfID); err != nil {
			c.opts.Log.Warn().Err(err).Str("participant_id", selfID).
				Msg("completion persist failed")
		}
		c.opts.AfterFunc(c.opts.ResultsDelay, func() {
			c.mu.Lock()
			if c.state == StateInQuiz {
				c.state = StateResults
			}
			c.mu.Unlock()
		})
		return nil
	}

	c.mu.Lock()
	c.questionIndex = idx + 1
	c.armTimerLocked()
	c.mu.Unlock()
	return nil
}

// ExpireQuestion force-submits the pending answer state, as the countdown
// does on reaching zero.
func (c *Controller) ExpireQuestion(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	return c.SubmitAnswer(ctx, pending)
}

func (c *Controller) enterQuiz() {
	c.mu.Lock()
	if c.state == StateInQuiz || c.state == StateResults || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = StateInQuiz
	if len(c.answers) == 0 && c.selfID != "" {
		// Mid-session rejoin: resume from the persisted answer log.
		for _, p := range c.participants {
			if p.ID == c.selfID {
				c.answers = append([]domain.AnswerRecord(nil), p.Answers...)
				c.score = p.Score
				break
			}
		}
	}
	c.questionIndex = len(c.answers)
	if c.questionIndex >= len(c.quiz.Questions) && len(c.quiz.Questions) > 0 {
		c.state = StateResults
		c.mu.Unlock()
		return
	}
	c.armTimerLocked()
	c.mu.Unlock()
}

func (c *Controller) armTimerLocked() {
	c.deadline = c.opts.Clock().Add(c.opts.QuestionTime)
	c.timer = c.opts.AfterFunc(c.opts.QuestionTime, func() {
		_ = c.ExpireQuestion(context.Background())
	})
}

func (c *Controller) subscribe(ctx context.Context, sessionID string) error {
	cancel, err := c.feed.Subscribe(ctx, sessionID, c.onParticipants, c.onSession)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.unsubscribe = cancel
	c.mu.Unlock()
	return nil
}

func (c *Controller) refreshParticipants(ctx context.Context, sessionID string) {
	list, err := c.svc.GetParticipants(ctx, sessionID)
	if err != nil {
		c.opts.Log.Warn().Err(err).Str("session_id", sessionID).Msg("participant refresh failed")
		return
	}
	c.onParticipants(list)
}

// onParticipants stores the refreshed snapshot and re-resolves which
// participant this device is. The remembered id wins when still present; then
// the client token, then the authenticated user id, and only then the
// most-recently-joined heuristic.
func (c *Controller) onParticipants(list []domain.SessionParticipant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants = list

	if c.selfID != "" {
		for _, p := range list {
			if p.ID == c.selfID {
				return
			}
		}
	}
	for _, p := range list {
		if c.opts.ClientToken != "" && p.ClientToken == c.opts.ClientToken {
			c.selfID = p.ID
			return
		}
	}
	if c.opts.UserID != nil {
		for _, p := range list {
			if p.UserID != nil && *p.UserID == *c.opts.UserID {
				c.selfID = p.ID
				return
			}
		}
	}
	var latest *domain.SessionParticipant
	for i := range list {
		if latest == nil || list[i].JoinedAt.After(latest.JoinedAt) {
			latest = &list[i]
		}
	}
	if latest != nil && c.selfID == "" {
		c.selfID = latest.ID
	}
}

func (c *Controller) onSession(session *domain.QuizSession) {
	c.mu.Lock()
	c.session = session
	state := c.state
	c.mu.Unlock()

	switch session.Status {
	case domain.StatusActive:
		if state == StateLobby {
			c.enterQuiz()
		}
	case domain.StatusCompleted:
		c.mu.Lock()
		if c.state != StateFailed {
			c.state = StateResults
		}
		c.mu.Unlock()
	}
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err
	c.mu.Unlock()
}

// Close releases the feed subscription and stops any running countdown.
func (c *Controller) Close() {
	c.mu.Lock()
	unsub := c.unsubscribe
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// State returns the controller's current lifecycle position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the controller to StateFailed, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Session returns the latest known session snapshot.
func (c *Controller) Session() *domain.QuizSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Participants returns the latest leaderboard snapshot (score descending).
func (c *Controller) Participants() []domain.SessionParticipant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SessionParticipant(nil), c.participants...)
}

// SelfID returns the participant id this device currently resolves to.
func (c *Controller) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Score returns the locally accumulated score.
func (c *Controller) Score() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.score
}

// Answers returns the local answer log.
func (c *Controller) Answers() []domain.AnswerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.AnswerRecord(nil), c.answers...)
}

// CurrentQuestion returns the active question and its index; ok is false
// outside the in-quiz state.
func (c *Controller) CurrentQuestion() (domain.Question, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInQuiz || c.questionIndex >= len(c.quiz.Questions) {
		return domain.Question{}, 0, false
	}
	return c.quiz.Questions[c.questionIndex], c.questionIndex, true
}

// Rank locates this device's participant in the sorted snapshot (1-based);
// 0 when unresolved.
func (c *Controller) Rank() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.participants {
		if p.ID == c.selfID {
			return i + 1
		}
	}
	return 0
}
