package app_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
)

func TestCreateSessionWithHostParticipant(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	creator := "U1"
	session, err := service.CreateSession(ctx, "quiz-1", &creator, domain.SessionSettings{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Status != domain.StatusWaiting {
		t.Fatalf("expected waiting status, got %s", session.Status)
	}
	if !regexp.MustCompile(`^[A-Z0-9]{6}$`).MatchString(session.SessionCode) {
		t.Fatalf("unexpected session code %q", session.SessionCode)
	}

	list, err := service.GetParticipants(ctx, session.ID)
	if err != nil {
		t.Fatalf("get participants: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected host participant, got %d rows", len(list))
	}
	host := list[0]
	if host.Username != "Host" || host.Score != 0 || host.UserID == nil || *host.UserID != "U1" {
		t.Fatalf("unexpected host participant: %+v", host)
	}
}

func TestCreateSessionConfiguredCodeLength(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()
	service.WithCodeLength(8)

	session, err := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !regexp.MustCompile(`^[A-Z0-9]{8}$`).MatchString(session.SessionCode) {
		t.Fatalf("unexpected session code %q", session.SessionCode)
	}

	// Non-positive overrides keep the default.
	service.WithCodeLength(0)
	session, err = service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !regexp.MustCompile(`^[A-Z0-9]{8}$`).MatchString(session.SessionCode) {
		t.Fatalf("unexpected session code %q", session.SessionCode)
	}
}

func TestCreateSessionAnonymousHasNoParticipants(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	session, err := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	list, _ := service.GetParticipants(ctx, session.ID)
	if len(list) != 0 {
		t.Fatalf("expected empty lobby, got %d rows", len(list))
	}
}

func TestCreateSessionUnknownQuiz(t *testing.T) {
	service, _ := newTestService()
	_, err := service.CreateSession(context.Background(), "quiz-nope", nil, domain.SessionSettings{})
	if !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected quiz not found, got %v", err)
	}
}

func TestGetSessionByCodeAbsentIsNil(t *testing.T) {
	service, _ := newTestService()
	session, err := service.GetSessionByCode(context.Background(), "ZZZZZZ")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if session != nil {
		t.Fatalf("expected nil for absent session, got %+v", session)
	}
}

func TestJoinSessionNormalizesCode(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	created, err := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	sloppy := " " + strings.ToLower(created.SessionCode[:3]) + " " + strings.ToLower(created.SessionCode[3:]) + " "
	session, participant, err := service.JoinSession(ctx, sloppy, "Alice", nil, "tok-alice")
	if err != nil {
		t.Fatalf("join with sloppy code: %v", err)
	}
	if session.ID != created.ID {
		t.Fatalf("joined wrong session")
	}
	if participant.Username != "Alice" {
		t.Fatalf("expected Alice, got %q", participant.Username)
	}
}

func TestJoinRejectedOnceStarted(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	session, _ := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	if _, _, err := service.JoinSession(ctx, session.SessionCode, "Alice", nil, "tok-a"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := service.StartSession(ctx, session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, _, err := service.JoinSession(ctx, session.SessionCode, "Bob", nil, "tok-b"); !errors.Is(err, domain.ErrSessionNotJoinable) {
		t.Fatalf("expected not joinable on active session, got %v", err)
	}

	if err := service.CompleteSession(ctx, session.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, _, err := service.JoinSession(ctx, session.SessionCode, "Bob", nil, "tok-b"); err == nil {
		t.Fatalf("expected join rejection on completed session")
	}
}

func TestJoinUnknownCode(t *testing.T) {
	service, _ := newTestService()
	_, _, err := service.JoinSession(context.Background(), "NOPE42", "Alice", nil, "")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestDuplicateJoinReturnsExisting(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	session, _ := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	uid := "U7"
	_, first, err := service.JoinSession(ctx, session.SessionCode, "Alice", &uid, "tok-7")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	_, second, err := service.JoinSession(ctx, session.SessionCode, "Alice", &uid, "tok-7")
	if err != nil {
		t.Fatalf("re-join: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing participant on re-join, got %s vs %s", second.ID, first.ID)
	}
	list, _ := service.GetParticipants(ctx, session.ID)
	if len(list) != 1 {
		t.Fatalf("expected one participant row, got %d", len(list))
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	session, _ := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	_, a, _ := service.JoinSession(ctx, session.SessionCode, "A", nil, "tok-a")
	_, b, _ := service.JoinSession(ctx, session.SessionCode, "B", nil, "tok-b")
	_, c, _ := service.JoinSession(ctx, session.SessionCode, "C", nil, "tok-c")

	rec := domain.AnswerRecord{QuestionIndex: 0, Answer: "1", IsCorrect: true}
	if err := service.UpdateParticipantProgress(ctx, a.ID, rec, 10); err != nil {
		t.Fatalf("progress a: %v", err)
	}
	if err := service.UpdateParticipantProgress(ctx, b.ID, rec, 30); err != nil {
		t.Fatalf("progress b: %v", err)
	}
	if err := service.UpdateParticipantProgress(ctx, c.ID, rec, 20); err != nil {
		t.Fatalf("progress c: %v", err)
	}

	list, err := service.GetParticipants(ctx, session.ID)
	if err != nil {
		t.Fatalf("get participants: %v", err)
	}
	scores := []int{list[0].Score, list[1].Score, list[2].Score}
	if scores[0] != 30 || scores[1] != 20 || scores[2] != 10 {
		t.Fatalf("expected [30 20 10], got %v", scores)
	}
}

func TestProgressIdempotentPerIndex(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	session, _ := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	_, p, _ := service.JoinSession(ctx, session.SessionCode, "Alice", nil, "tok-a")

	rec := domain.AnswerRecord{QuestionIndex: 2, Answer: "1", IsCorrect: true}
	if err := service.UpdateParticipantProgress(ctx, p.ID, rec, 8); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// A double-click or timer race replays the same index; it must be a no-op.
	dup := domain.AnswerRecord{QuestionIndex: 2, Answer: "0", IsCorrect: false}
	if err := service.UpdateParticipantProgress(ctx, p.ID, dup, 16); err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}

	list, _ := service.GetParticipants(ctx, session.ID)
	got := list[0]
	count := 0
	for _, a := range got.Answers {
		if a.QuestionIndex == 2 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one answer for index 2, got %d", count)
	}
	if got.Score != 8 {
		t.Fatalf("expected score 8 preserved, got %d", got.Score)
	}
	if got.Answers[0].Answer != "1" || !got.Answers[0].IsCorrect {
		t.Fatalf("expected first record kept, got %+v", got.Answers[0])
	}
}

func TestProgressUnknownParticipant(t *testing.T) {
	service, _ := newTestService()
	err := service.UpdateParticipantProgress(context.Background(), "missing",
		domain.AnswerRecord{QuestionIndex: 0}, 0)
	if !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected participant not found, got %v", err)
	}
}

func TestCompletedAtIffCompleted(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	session, _ := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	if session.StartedAt != nil || session.CompletedAt != nil {
		t.Fatalf("fresh session must not carry timestamps: %+v", session)
	}
	_, _, _ = service.JoinSession(ctx, session.SessionCode, "Alice", nil, "tok-a")

	if err := service.StartSession(ctx, session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, _ := service.GetSession(ctx, session.ID)
	if got.StartedAt == nil || got.CompletedAt != nil {
		t.Fatalf("active session timestamps wrong: %+v", got)
	}

	if err := service.CompleteSession(ctx, session.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = service.GetSession(ctx, session.ID)
	if got.Status != domain.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("completed session timestamps wrong: %+v", got)
	}
}

func TestForwardOnlyTransitions(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	session, _ := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})

	// Completing a session that never started skips a state.
	if err := service.CompleteSession(ctx, session.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := service.StartSession(ctx, session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Starting twice would re-enter active.
	if err := service.StartSession(ctx, session.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on double start, got %v", err)
	}
	if err := service.CompleteSession(ctx, session.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := service.StartSession(ctx, session.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on restart, got %v", err)
	}
}

func TestSessionCompletesWhenAllParticipantsFinish(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	session, _ := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	_, host, _ := service.JoinSession(ctx, session.SessionCode, "Host", nil, "tok-h")
	_, player, _ := service.JoinSession(ctx, session.SessionCode, "Alice", nil, "tok-p")
	if err := service.StartSession(ctx, session.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The host finishing first must not end the session for everyone.
	if err := service.MarkParticipantCompleted(ctx, host.ID); err != nil {
		t.Fatalf("host complete: %v", err)
	}
	got, _ := service.GetSession(ctx, session.ID)
	if got.Status != domain.StatusActive {
		t.Fatalf("session completed early: %s", got.Status)
	}

	if err := service.MarkParticipantCompleted(ctx, player.ID); err != nil {
		t.Fatalf("player complete: %v", err)
	}
	got, _ = service.GetSession(ctx, session.ID)
	if got.Status != domain.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed session after last finisher, got %+v", got)
	}
}

func TestCodeCollisionRetries(t *testing.T) {
	ctx := context.Background()
	store := &collidingStore{SessionStore: memory.NewSessionStore(), collisions: 2}
	service := app.NewSessionService(store, newQuizRepo(), nil, zerolog.Nop())

	session, err := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	if err != nil {
		t.Fatalf("create with collisions: %v", err)
	}
	if session == nil || session.SessionCode == "" {
		t.Fatalf("expected session after retries")
	}
	if store.attempts != 3 {
		t.Fatalf("expected 3 insert attempts, got %d", store.attempts)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	now := time.Now()
	service.WithClock(func() time.Time { return now.Add(-3 * time.Hour) })
	old, err := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	if err != nil {
		t.Fatalf("create old: %v", err)
	}

	service.WithClock(func() time.Time { return now })
	fresh, err := service.CreateSession(ctx, "quiz-1", nil, domain.SessionSettings{})
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	removed, err := service.SweepExpiredSessions(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if s, _ := service.GetSession(ctx, old.ID); s != nil {
		t.Fatalf("expected old session gone")
	}
	if s, _ := service.GetSession(ctx, fresh.ID); s == nil {
		t.Fatalf("expected fresh session kept")
	}
}

type collidingStore struct {
	app.SessionStore
	collisions int
	attempts   int
}

func (s *collidingStore) InsertSession(ctx context.Context, session *domain.QuizSession) error {
	s.attempts++
	if s.attempts <= s.collisions {
		return domain.ErrDuplicateCode
	}
	return s.SessionStore.InsertSession(ctx, session)
}

func newTestService() (*app.SessionService, *memory.SessionStore) {
	store := memory.NewSessionStore()
	return app.NewSessionService(store, newQuizRepo(), nil, zerolog.Nop()), store
}

func newQuizRepo() app.QuizRepository {
	return memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{
					Prompt:       "What is 2 + 2?",
					Type:         domain.QuestionChoice,
					Options:      []string{"3", "4", "5"},
					CorrectIndex: 1,
					Points:       10,
				},
				{
					Prompt:       "Pick the prime.",
					Type:         domain.QuestionChoice,
					Options:      []string{"4", "7", "9"},
					CorrectIndex: 1,
					Points:       10,
				},
				{
					Prompt: "Explain your reasoning.",
					Type:   domain.QuestionOpen,
				},
			},
		},
	}), 5*time.Minute)
}
