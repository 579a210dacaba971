package domain

import "errors"

var (
	// ErrSessionNotFound is returned when no live session matches a code or id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotJoinable is returned when a join is attempted on a session
	// that has already started or ended.
	ErrSessionNotJoinable = errors.New("session is not accepting participants")
	// ErrParticipantNotFound is returned when a participant id cannot be resolved.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrDuplicateParticipant signals a unique-constraint violation on join;
	// callers fall back to fetching the existing row.
	ErrDuplicateParticipant = errors.New("participant already joined")
	// ErrDuplicateCode signals a session-code collision at insert time.
	ErrDuplicateCode = errors.New("session code already in use")
	// ErrInvalidTransition is returned when a status change would move the
	// session backward or skip a state.
	ErrInvalidTransition = errors.New("invalid session status transition")
	// ErrNoParticipants is returned by the host controller when a start is
	// requested for an empty lobby.
	ErrNoParticipants = errors.New("session has no participants")
)
