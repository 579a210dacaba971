package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/client"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/feed"
)

// WSHandler is the host-app-facing realtime surface: one websocket per
// device, join-on-connect, change-feed pushes, and answer/start/complete
// messages driving the session service.
type WSHandler struct {
	service      *app.SessionService
	feed         *feed.Feed
	questionTime time.Duration
	log          zerolog.Logger
	upgrader     websocket.Upgrader
}

func NewWSHandler(service *app.SessionService, changeFeed *feed.Feed, questionTime time.Duration, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		service:      service,
		feed:         changeFeed,
		questionTime: questionTime,
		log:          log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionIndex    int    `json:"questionIndex"`
	Answer           string `json:"answer"`
	RemainingSeconds int    `json:"remainingSeconds"`
}

type answerResult struct {
	QuestionIndex int  `json:"questionIndex"`
	Correct       bool `json:"correct"`
	Awarded       int  `json:"awarded"`
	TotalScore    int  `json:"totalScore"`
}

type joinedPayload struct {
	Session     *domain.QuizSession        `json:"session"`
	Participant *domain.SessionParticipant `json:"participant"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request, joins the participant into the session named
// by the code, and pumps change-feed updates until the connection drops.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	rawCode := r.URL.Query().Get("code")
	name := r.URL.Query().Get("name")
	token := r.URL.Query().Get("token")
	var userID *string
	if v := r.URL.Query().Get("userId"); v != "" {
		userID = &v
	}
	if rawCode == "" || name == "" {
		http.Error(w, "missing code or name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	session, participant, err := h.service.JoinSession(r.Context(), rawCode, name, userID, token)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: userFacing(err)}})
		return
	}

	quiz, err := h.service.GetQuiz(r.Context(), session.QuizID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: userFacing(err)}})
		return
	}

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	cancel, err := h.feed.Subscribe(r.Context(), session.ID,
		func(list []domain.SessionParticipant) {
			select {
			case send <- outboundMessage[any]{Type: "participants", Payload: list}:
			case <-closeSignals:
			}
		},
		func(snapshot *domain.QuizSession) {
			select {
			case send <- outboundMessage[any]{Type: "session", Payload: snapshot}:
			case <-closeSignals:
			}
		})
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		close(send)
		<-writerDone
		return
	}
	defer cancel()

	send <- outboundMessage[any]{Type: "joined", Payload: joinedPayload{Session: session, Participant: participant}}
	if list, err := h.service.GetParticipants(r.Context(), session.ID); err == nil {
		send <- outboundMessage[any]{Type: "participants", Payload: list}
	}

	score := participant.Score
	answered := len(participant.Answers)

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}}
				continue
			}
			if payload.QuestionIndex < 0 || payload.QuestionIndex >= len(quiz.Questions) {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unknown question index"}}
				continue
			}
			q := quiz.Questions[payload.QuestionIndex]
			correct := q.Type == domain.QuestionChoice && payload.Answer != "" &&
				payload.Answer == strconv.Itoa(q.CorrectIndex)
			awarded := 0
			if q.Type == domain.QuestionChoice {
				awarded = client.Points(q.BasePoints(),
					time.Duration(payload.RemainingSeconds)*time.Second, h.questionTime, correct)
			}
			score += awarded
			rec := domain.AnswerRecord{QuestionIndex: payload.QuestionIndex, Answer: payload.Answer, IsCorrect: correct}
			if err := h.service.UpdateParticipantProgress(r.Context(), participant.ID, rec, score); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userFacing(err)}}
				continue
			}
			answered++
			send <- outboundMessage[any]{Type: "answerResult", Payload: answerResult{
				QuestionIndex: payload.QuestionIndex,
				Correct:       correct,
				Awarded:       awarded,
				TotalScore:    score,
			}}
			if answered >= len(quiz.Questions) {
				if err := h.service.MarkParticipantCompleted(r.Context(), participant.ID); err != nil {
					h.log.Warn().Err(err).Str("participant_id", participant.ID).Msg("completion failed")
				}
			}
		case "start":
			if err := h.start(r.Context(), session.ID); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userFacing(err)}}
			}
		case "complete":
			if err := h.service.MarkParticipantCompleted(r.Context(), participant.ID); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userFacing(err)}}
			}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	// Release any feed callback blocked on send and wait for the feed to
	// stop; send must not be closed while the feed can still write to it.
	close(closeSignals)
	cancel()
	close(send)
	<-writerDone
}

// start applies the caller-side business rule before touching the repository:
// an empty lobby cannot be started.
func (h *WSHandler) start(ctx context.Context, sessionID string) error {
	list, err := h.service.GetParticipants(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return domain.ErrNoParticipants
	}
	return h.service.StartSession(ctx, sessionID)
}

// userFacing maps sentinel errors to the messages the UI shows.
func userFacing(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, domain.ErrSessionNotJoinable):
		return "session already started or ended"
	case errors.Is(err, domain.ErrNoParticipants):
		return "waiting for at least one participant"
	case errors.Is(err, domain.ErrQuizNotFound):
		return "quiz not found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "session already started or ended"
	default:
		return "failed to process request, try again"
	}
}
