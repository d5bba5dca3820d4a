// Package callsession stores the per-call parameters chosen when a call is
// placed, keyed by the carrier call id.
package callsession

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("call session not found")

// Session is the language, persona and voice bound to a call.
type Session struct {
	CallID             string    `json:"call_id"`
	StreamID           string    `json:"stream_id,omitempty"`
	Language           string    `json:"language"`
	PersonaType        string    `json:"persona_type,omitempty"`
	CustomInstructions string    `json:"custom_instructions,omitempty"`
	CustomVoice        string    `json:"custom_voice,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Store is a call-id keyed repository. Implementations must be safe for
// concurrent use by many relays.
type Store interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, callID string) (Session, error)
	// Take returns the session for callID and removes it in one step.
	Take(ctx context.Context, callID string) (Session, error)
	Delete(ctx context.Context, callID string) error
	Close() error
}

// Defaults returns a session for callID populated with fallback parameters.
func Defaults(callID, language, personaType string) Session {
	return Session{
		CallID:      callID,
		Language:    language,
		PersonaType: personaType,
		CreatedAt:   time.Now().UTC(),
	}
}

// Resolve takes the stored session for callID, or returns the defaults when
// none was registered. A session is consumed by the first stream that
// resolves it. The boolean reports whether a stored session was found.
func Resolve(ctx context.Context, store Store, callID string, fallback Session) (Session, bool, error) {
	s, err := store.Take(ctx, callID)
	if errors.Is(err, ErrNotFound) {
		fallback.CallID = callID
		return fallback, false, nil
	}
	if err != nil {
		return fallback, false, err
	}
	if s.Language == "" {
		s.Language = fallback.Language
	}
	if s.PersonaType == "" {
		s.PersonaType = fallback.PersonaType
	}
	return s, true, nil
}
