// Package session holds conversation sessions for the chat intake flow
// and their persistence.
package session

import (
	"time"

	"github.com/opsdesk-io/opsdesk/internal/classify"
	"github.com/opsdesk-io/opsdesk/pkg/protocol"
)

// State is the intake state machine position for a session.
type State string

const (
	// StateGathering: the oracle is still collecting information.
	StateGathering State = "GATHERING"
	// StateAwaitingConfirmation: a classification has been proposed and
	// the next user message decides its fate.
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
)

// Session is one user's current ticket-intake conversation. Messages is
// append-only; State and Pending are mutated only by the intake engine.
// A session accumulates a ticket ID per confirmed creation and keeps
// going — the transcript never resets.
type Session struct {
	ID           string                  `json:"session_id"`
	UserEmail    string                  `json:"user_email"`
	UserName     string                  `json:"user_name,omitempty"`
	CRMContactID string                  `json:"crm_contact_id,omitempty"`
	Team         string                  `json:"team,omitempty"`
	TeamID       string                  `json:"team_id,omitempty"`
	State        State                   `json:"state"`
	Messages     []protocol.ChatMessage  `json:"messages"`
	Pending      *classify.Classification `json:"classification,omitempty"`
	TicketIDs    []string                `json:"ticket_ids"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// Params carries the fields set at session creation.
type Params struct {
	UserEmail    string
	UserName     string
	CRMContactID string
	Team         string
	TeamID       string
}

// Update is a partial session mutation. Nil/zero fields are left
// untouched; Pending is only applied when SetPending is true so the
// stored classification can be cleared explicitly.
type Update struct {
	State       *State
	Messages    []protocol.ChatMessage
	Pending     *classify.Classification
	SetPending  bool
	AddTicketID string
}

// Store is the persistence interface for sessions. Lookups return
// (nil, nil) when no session matches; errors are reserved for storage
// failures.
type Store interface {
	// GetByID retrieves a session by its opaque ID.
	GetByID(id string) (*Session, error)
	// GetLatestByEmail returns the most recently created session for an
	// email, if any.
	GetLatestByEmail(email string) (*Session, error)
	// Create inserts a new session in state GATHERING with an empty
	// transcript.
	Create(p Params) (*Session, error)
	// Update applies a partial mutation atomically and returns the
	// updated session.
	Update(id string, u Update) (*Session, error)
	// Delete removes a session.
	Delete(id string) error
}
