// Package feed delivers near-real-time notifications of session and
// participant row changes to subscribed clients.
package feed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"quiz-session-service/internal/domain"
)

// Event is the wire form of a change notification. Participant events carry no
// row data on purpose: subscribers re-fetch the full list rather than trusting
// a partial payload. Session events carry the fresh snapshot.
type Event struct {
	Table     string              `json:"table"`
	SessionID string              `json:"sessionId"`
	Session   *domain.QuizSession `json:"session,omitempty"`
}

const (
	// TableSessions identifies change events on the sessions table.
	TableSessions = "quiz_sessions"
	// TableParticipants identifies change events on the participants table.
	TableParticipants = "session_participants"
)

// SessionTopic returns the broker topic for session-row changes of one session.
func SessionTopic(sessionID string) string {
	return "sessions:" + sessionID
}

// ParticipantTopic returns the broker topic for participant-row changes of one session.
func ParticipantTopic(sessionID string) string {
	return "participants:" + sessionID
}

// Publisher pushes raw event payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Broker hands out per-topic subscriptions. The returned cancel must release
// the subscription and may be called more than once.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
}

// ParticipantSource is the re-fetch hook used on participant change events.
type ParticipantSource interface {
	GetParticipants(ctx context.Context, sessionID string) ([]domain.SessionParticipant, error)
}

// Feed wires broker subscriptions to the refresh-then-deliver contract.
type Feed struct {
	broker       Broker
	participants ParticipantSource
	log          zerolog.Logger
}

func New(broker Broker, participants ParticipantSource, log zerolog.Logger) *Feed {
	return &Feed{broker: broker, participants: participants, log: log}
}

// Subscribe registers the two callbacks for one session and returns an
// idempotent unsubscribe function releasing both underlying subscriptions.
//
// On any participant change the full participant list is re-fetched and the
// complete, freshly sorted snapshot is delivered. On a session change the new
// session row is delivered directly. Callbacks run on the feed's goroutine,
// one at a time. The unsubscribe function blocks until the delivery goroutine
// has stopped, so no callback runs after it returns; a callback that can block
// indefinitely must be released by the caller before unsubscribing.
func (f *Feed) Subscribe(
	ctx context.Context,
	sessionID string,
	onParticipants func([]domain.SessionParticipant),
	onSession func(*domain.QuizSession),
) (func(), error) {
	pCh, pCancel, err := f.broker.Subscribe(ctx, ParticipantTopic(sessionID))
	if err != nil {
		return nil, err
	}
	sCh, sCancel, err := f.broker.Subscribe(ctx, SessionTopic(sessionID))
	if err != nil {
		pCancel()
		return nil, err
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case _, ok := <-pCh:
				if !ok {
					return
				}
				list, err := f.participants.GetParticipants(ctx, sessionID)
				if err != nil {
					f.log.Warn().Err(err).Str("session_id", sessionID).
						Msg("participant refresh failed, skipping update")
					continue
				}
				if onParticipants != nil {
					onParticipants(list)
				}
			case payload, ok := <-sCh:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal(payload, &ev); err != nil || ev.Session == nil {
					f.log.Warn().Err(err).Str("session_id", sessionID).
						Msg("dropping malformed session event")
					continue
				}
				if onSession != nil {
					onSession(ev.Session)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pCancel()
			sCancel()
			<-stopped
		})
	}
	return cancel, nil
}
