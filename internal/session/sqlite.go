package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/opsdesk-io/opsdesk/internal/classify"
	"github.com/opsdesk-io/opsdesk/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			user_email     TEXT NOT NULL,
			user_name      TEXT NOT NULL DEFAULT '',
			crm_contact_id TEXT NOT NULL DEFAULT '',
			team           TEXT NOT NULL DEFAULT '',
			team_id        TEXT NOT NULL DEFAULT '',
			state          TEXT NOT NULL DEFAULT 'GATHERING',
			messages       TEXT NOT NULL DEFAULT '[]',
			classification TEXT,
			ticket_ids     TEXT NOT NULL DEFAULT '[]',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_email ON sessions(user_email, created_at);
	`)
	if err != nil {
		return fmt.Errorf("session store: migrate: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_email, user_name, crm_contact_id, team, team_id, state, messages, classification, ticket_ids, created_at, updated_at`

func (s *SQLiteStore) GetByID(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session store: get: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetLatestByEmail(email string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE user_email = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, email)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session store: get latest: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Create(p Params) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		UserEmail:    p.UserEmail,
		UserName:     p.UserName,
		CRMContactID: p.CRMContactID,
		Team:         p.Team,
		TeamID:       p.TeamID,
		State:        StateGathering,
		Messages:     []protocol.ChatMessage{},
		TicketIDs:    []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_email, user_name, crm_contact_id, team, team_id, state, messages, classification, ticket_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '[]', NULL, '[]', ?, ?)
	`, sess.ID, sess.UserEmail, sess.UserName, sess.CRMContactID, sess.Team, sess.TeamID,
		string(sess.State), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("session store: create: %w", err)
	}
	return sess, nil
}

// Update applies the partial mutation in a single transaction so a turn's
// transcript, state, and classification changes land together or not at
// all.
func (s *SQLiteStore) Update(id string, u Update) (*Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("session store: update: %w", err)
	}
	defer tx.Rollback()

	query := "UPDATE sessions SET updated_at = ?"
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if u.State != nil {
		query += ", state = ?"
		args = append(args, string(*u.State))
	}
	if u.Messages != nil {
		msgs, err := json.Marshal(u.Messages)
		if err != nil {
			return nil, fmt.Errorf("session store: marshal messages: %w", err)
		}
		query += ", messages = ?"
		args = append(args, string(msgs))
	}
	if u.SetPending {
		if u.Pending == nil {
			query += ", classification = NULL"
		} else {
			cls, err := json.Marshal(u.Pending)
			if err != nil {
				return nil, fmt.Errorf("session store: marshal classification: %w", err)
			}
			query += ", classification = ?"
			args = append(args, string(cls))
		}
	}
	if u.AddTicketID != "" {
		var ticketsJSON string
		if err := tx.QueryRow(`SELECT ticket_ids FROM sessions WHERE id = ?`, id).Scan(&ticketsJSON); err != nil {
			if err == sql.ErrNoRows {
				return nil, fmt.Errorf("session %q not found", id)
			}
			return nil, fmt.Errorf("session store: update: %w", err)
		}
		var tickets []string
		json.Unmarshal([]byte(ticketsJSON), &tickets)
		tickets = append(tickets, u.AddTicketID)
		merged, _ := json.Marshal(tickets)
		query += ", ticket_ids = ?"
		args = append(args, string(merged))
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := tx.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: update: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("session %q not found", id)
	}

	row := tx.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("session store: update readback: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("session store: update commit: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("session store: delete: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection (for sharing with other
// stores that live in the same file).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var state, messagesJSON, ticketsJSON, createdAt, updatedAt string
	var classificationJSON *string

	err := row.Scan(&sess.ID, &sess.UserEmail, &sess.UserName, &sess.CRMContactID,
		&sess.Team, &sess.TeamID, &state, &messagesJSON, &classificationJSON,
		&ticketsJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sess.State = State(state)
	json.Unmarshal([]byte(messagesJSON), &sess.Messages)
	json.Unmarshal([]byte(ticketsJSON), &sess.TicketIDs)
	if classificationJSON != nil {
		var c classify.Classification
		if err := json.Unmarshal([]byte(*classificationJSON), &c); err == nil {
			sess.Pending = &c
		}
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	if sess.Messages == nil {
		sess.Messages = []protocol.ChatMessage{}
	}
	if sess.TicketIDs == nil {
		sess.TicketIDs = []string{}
	}
	return &sess, nil
}
