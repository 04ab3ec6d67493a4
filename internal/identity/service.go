package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsdesk-io/opsdesk/internal/crm"
)

// ContactSource is the CRM lookup the service enriches users from.
type ContactSource interface {
	ContactByEmail(ctx context.Context, email string) (*crm.Contact, error)
}

// Service resolves reporter identities, pulling in CRM context where
// available.
type Service struct {
	store  *Store
	crm    ContactSource
	logger *slog.Logger
}

// NewService creates an identity service. crm may be nil, in which
// case users are stored with whatever the caller provided.
func NewService(store *Store, crm ContactSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, crm: crm, logger: logger}
}

// Identify returns the user for email, creating or updating the record
// as needed. The CRM lookup is best-effort: a CRM failure is logged
// and identification proceeds with the supplied fields. Only real
// email addresses are looked up; connector-scoped keys like
// "telegram:12345" skip the CRM.
func (s *Service) Identify(ctx context.Context, email, name, team string) (*User, error) {
	if email == "" {
		return nil, fmt.Errorf("identity: email required")
	}

	u := &User{Email: email, Name: name, Team: team}

	existing, err := s.store.Get(email)
	if err != nil {
		return nil, err
	}

	needsContact := existing == nil || existing.CRMContactID == ""
	if s.crm != nil && needsContact && strings.Contains(email, "@") {
		contact, err := s.crm.ContactByEmail(ctx, email)
		switch {
		case err != nil:
			s.logger.Warn("crm lookup failed", "email", email, "error", err)
		case contact != nil:
			u.CRMContactID = contact.ID
			if u.Name == "" {
				u.Name = contact.FullName()
			}
			if u.Team == "" {
				u.Team = contact.Company
			}
		}
	}

	return s.store.Upsert(u)
}
