package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-session-service/internal/domain"
)

func TestSessionCodeUniqueAmongLive(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore()

	first := &domain.QuizSession{ID: "s1", QuizID: "q", SessionCode: "AB12CD",
		Status: domain.StatusWaiting, CreatedAt: time.Now()}
	if err := store.InsertSession(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := &domain.QuizSession{ID: "s2", QuizID: "q", SessionCode: "AB12CD",
		Status: domain.StatusWaiting, CreatedAt: time.Now()}
	if err := store.InsertSession(ctx, dup); !errors.Is(err, domain.ErrDuplicateCode) {
		t.Fatalf("expected duplicate code error, got %v", err)
	}

	// Once the first session completes the code is reusable.
	if err := store.UpdateSessionStatus(ctx, "s1", domain.StatusActive, time.Now()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := store.UpdateSessionStatus(ctx, "s1", domain.StatusCompleted, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.InsertSession(ctx, dup); err != nil {
		t.Fatalf("expected reuse after completion, got %v", err)
	}

	// The live session wins the code lookup over the completed one.
	got, err := store.GetSessionByCode(ctx, "AB12CD")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil || got.ID != "s2" {
		t.Fatalf("expected live session s2, got %+v", got)
	}
}

func TestDuplicateParticipantKeys(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore()
	uid := "U1"

	p := &domain.SessionParticipant{ID: "p1", SessionID: "s1", UserID: &uid, Username: "Alice", JoinedAt: time.Now()}
	if err := store.InsertParticipant(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Same user in the same session.
	again := &domain.SessionParticipant{ID: "p2", SessionID: "s1", UserID: &uid, Username: "Alice2", JoinedAt: time.Now()}
	if err := store.InsertParticipant(ctx, again); !errors.Is(err, domain.ErrDuplicateParticipant) {
		t.Fatalf("expected duplicate participant, got %v", err)
	}
	// Same client token in the same session.
	tok := &domain.SessionParticipant{ID: "p3", SessionID: "s1", ClientToken: "tok-1", Username: "Bob", JoinedAt: time.Now()}
	if err := store.InsertParticipant(ctx, tok); err != nil {
		t.Fatalf("insert token participant: %v", err)
	}
	tokAgain := &domain.SessionParticipant{ID: "p4", SessionID: "s1", ClientToken: "tok-1", Username: "Bob", JoinedAt: time.Now()}
	if err := store.InsertParticipant(ctx, tokAgain); !errors.Is(err, domain.ErrDuplicateParticipant) {
		t.Fatalf("expected duplicate token, got %v", err)
	}
	// Anonymous tokenless participants may repeat usernames freely.
	anon1 := &domain.SessionParticipant{ID: "p5", SessionID: "s1", Username: "Guest", JoinedAt: time.Now()}
	anon2 := &domain.SessionParticipant{ID: "p6", SessionID: "s1", Username: "Guest", JoinedAt: time.Now()}
	if err := store.InsertParticipant(ctx, anon1); err != nil {
		t.Fatalf("anon1: %v", err)
	}
	if err := store.InsertParticipant(ctx, anon2); err != nil {
		t.Fatalf("anon2: %v", err)
	}
}

func TestFindParticipantKeyPreference(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore()
	uid := "U1"

	base := time.Now()
	_ = store.InsertParticipant(ctx, &domain.SessionParticipant{
		ID: "p1", SessionID: "s1", UserID: &uid, ClientToken: "tok-1", Username: "Alice", JoinedAt: base})
	_ = store.InsertParticipant(ctx, &domain.SessionParticipant{
		ID: "p2", SessionID: "s1", ClientToken: "tok-2", Username: "Alice", JoinedAt: base.Add(time.Second)})

	byUser, _ := store.FindParticipant(ctx, "s1", &uid, "", "")
	if byUser == nil || byUser.ID != "p1" {
		t.Fatalf("expected p1 by user id, got %+v", byUser)
	}
	byToken, _ := store.FindParticipant(ctx, "s1", nil, "tok-2", "")
	if byToken == nil || byToken.ID != "p2" {
		t.Fatalf("expected p2 by token, got %+v", byToken)
	}
	// Username fallback picks the most recent join.
	byName, _ := store.FindParticipant(ctx, "s1", nil, "", "Alice")
	if byName == nil || byName.ID != "p2" {
		t.Fatalf("expected latest Alice, got %+v", byName)
	}
	missing, _ := store.FindParticipant(ctx, "s1", nil, "", "Nobody")
	if missing != nil {
		t.Fatalf("expected nil for unknown username")
	}
}

func TestAppendAnswerConditional(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore()
	_ = store.InsertParticipant(ctx, &domain.SessionParticipant{ID: "p1", SessionID: "s1", Username: "A", JoinedAt: time.Now()})

	rec := domain.AnswerRecord{QuestionIndex: 0, Answer: "1", IsCorrect: true}
	appended, err := store.AppendAnswer(ctx, "p1", rec, 10)
	if err != nil || !appended {
		t.Fatalf("expected append, got appended=%v err=%v", appended, err)
	}
	appended, err = store.AppendAnswer(ctx, "p1", rec, 20)
	if err != nil || appended {
		t.Fatalf("expected no-op on duplicate index, got appended=%v err=%v", appended, err)
	}
	if _, err := store.AppendAnswer(ctx, "missing", rec, 10); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected participant not found, got %v", err)
	}

	p, _ := store.GetParticipant(ctx, "p1")
	if len(p.Answers) != 1 || p.Score != 10 {
		t.Fatalf("expected single answer and score 10, got %+v", p)
	}
}

func TestListParticipantsStableOrder(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore()
	base := time.Now()

	_ = store.InsertParticipant(ctx, &domain.SessionParticipant{ID: "a", SessionID: "s1", Username: "A", JoinedAt: base})
	_ = store.InsertParticipant(ctx, &domain.SessionParticipant{ID: "b", SessionID: "s1", Username: "B", JoinedAt: base.Add(time.Second)})
	_ = store.InsertParticipant(ctx, &domain.SessionParticipant{ID: "c", SessionID: "s1", Username: "C", JoinedAt: base.Add(2 * time.Second)})

	_, _ = store.AppendAnswer(ctx, "b", domain.AnswerRecord{QuestionIndex: 0}, 30)
	_, _ = store.AppendAnswer(ctx, "c", domain.AnswerRecord{QuestionIndex: 0}, 30)

	list, err := store.ListParticipants(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := []string{list[0].ID, list[1].ID, list[2].ID}
	// Equal scores order by join time; zero-score A goes last.
	if ids[0] != "b" || ids[1] != "c" || ids[2] != "a" {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestDeleteSessionsBeforeCascades(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore()
	old := time.Now().Add(-3 * time.Hour)

	_ = store.InsertSession(ctx, &domain.QuizSession{ID: "s1", QuizID: "q", SessionCode: "AAAAAA",
		Status: domain.StatusActive, CreatedAt: old})
	_ = store.InsertParticipant(ctx, &domain.SessionParticipant{ID: "p1", SessionID: "s1", Username: "A", JoinedAt: old})
	_ = store.InsertSession(ctx, &domain.QuizSession{ID: "s2", QuizID: "q", SessionCode: "BBBBBB",
		Status: domain.StatusWaiting, CreatedAt: time.Now()})

	removed, err := store.DeleteSessionsBefore(ctx, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if p, _ := store.GetParticipant(ctx, "p1"); p != nil {
		t.Fatalf("expected participant removed with session")
	}
	if s, _ := store.GetSession(ctx, "s2"); s == nil {
		t.Fatalf("expected recent session kept")
	}
}
