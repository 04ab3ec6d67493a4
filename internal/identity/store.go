// Package identity tracks who is reporting issues. Users are keyed by
// email (or a connector-scoped key like "telegram:12345") and enriched
// from the CRM when a contact record exists.
package identity

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// User is a known reporter.
type User struct {
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	Team         string    `json:"team,omitempty"`
	TeamID       string    `json:"team_id,omitempty"`
	CRMContactID string    `json:"crm_contact_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists users in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the user database and runs migrations.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("identity: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: wal: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			email          TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			team           TEXT NOT NULL DEFAULT '',
			team_id        TEXT NOT NULL DEFAULT '',
			crm_contact_id TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("identity: migrate: %w", err)
	}
	return nil
}

// Get returns the user with the given email, or (nil, nil) if unknown.
func (s *Store) Get(email string) (*User, error) {
	row := s.db.QueryRow(`
		SELECT email, name, team, team_id, crm_contact_id, created_at, updated_at
		FROM users WHERE email = ?`, email)

	var u User
	var created, updated string
	err := row.Scan(&u.Email, &u.Name, &u.Team, &u.TeamID, &u.CRMContactID, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: get %q: %w", email, err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &u, nil
}

// Upsert inserts or updates a user. Empty fields on u do not clobber
// existing values.
func (s *Store) Upsert(u *User) (*User, error) {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO users (email, name, team, team_id, crm_contact_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			name           = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
			team           = CASE WHEN excluded.team != '' THEN excluded.team ELSE users.team END,
			team_id        = CASE WHEN excluded.team_id != '' THEN excluded.team_id ELSE users.team_id END,
			crm_contact_id = CASE WHEN excluded.crm_contact_id != '' THEN excluded.crm_contact_id ELSE users.crm_contact_id END,
			updated_at     = excluded.updated_at
	`, u.Email, u.Name, u.Team, u.TeamID, u.CRMContactID,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("identity: upsert %q: %w", u.Email, err)
	}
	return s.Get(u.Email)
}

// List returns all known users ordered by email.
func (s *Store) List() ([]*User, error) {
	rows, err := s.db.Query(`
		SELECT email, name, team, team_id, crm_contact_id, created_at, updated_at
		FROM users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("identity: list: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var created, updated string
		if err := rows.Scan(&u.Email, &u.Name, &u.Team, &u.TeamID, &u.CRMContactID, &created, &updated); err != nil {
			return nil, fmt.Errorf("identity: scan: %w", err)
		}
		u.CreatedAt, _ = time.Parse(time.RFC3339, created)
		u.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		users = append(users, &u)
	}
	return users, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
