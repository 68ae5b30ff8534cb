package session

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is the durable Store. Sessions live in chat_sessions and
// their logs in chat_messages; every mutation runs in one transaction that
// holds the session row lock (SELECT ... FOR UPDATE), which serializes
// concurrent appends to the same session and nothing else.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// OpenPostgres connects to dsn, verifies the connection, and applies any
// pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("session: open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: postgres connection failed: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

// Migrate applies the embedded schema migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("session: migrations source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("session: migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("session: migrations init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("session: migrate up: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*ChatSession, error) {
	cs, err := s.loadSession(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	cs.Messages, err = s.loadMessages(ctx, s.db, id, 0, time.Time{})
	if err != nil {
		return nil, err
	}
	return cs.ChatSession, nil
}

func (s *PostgresStore) Ensure(ctx context.Context, id string, identity Identity) (*ChatSession, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("session: ensure: empty session id")
	}
	var created bool
	var out *ChatSession
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = s.insertIfMissing(ctx, tx, id)
		if err != nil {
			return err
		}
		cs, err := s.loadSession(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if mergeIdentity(cs.ChatSession, identity) {
			if err := s.updateSession(ctx, tx, cs, cs.LastActivityAt); err != nil {
				return err
			}
		}
		if cs.Messages, err = s.loadMessages(ctx, tx, id, 0, time.Time{}); err != nil {
			return err
		}
		out = cs.ChatSession
		return nil
	})
	return out, created, err
}

func (s *PostgresStore) Escalate(ctx context.Context, id string, identity Identity, history []Message, notice Message) (*ChatSession, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("session: escalate: empty session id")
	}
	if err := validateEscalation(history, notice); err != nil {
		return nil, false, err
	}

	var changed bool
	var out *ChatSession
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.insertIfMissing(ctx, tx, id); err != nil {
			return err
		}
		cs, err := s.loadSession(ctx, tx, id, true)
		if err != nil {
			return err
		}
		ok, planErr := planEscalate(cs.Status)
		if planErr != nil {
			return planErr
		}
		identityChanged := mergeIdentity(cs.ChatSession, identity)
		now := s.now()

		if ok {
			if cs.nextSeq == 0 {
				for _, m := range history {
					if _, err := s.insertMessage(ctx, tx, cs, m, now); err != nil {
						return err
					}
				}
			}
			cs.Status = StatusPendingAdmin
			if _, err := s.insertMessage(ctx, tx, cs, notice, now); err != nil {
				return err
			}
			if err := s.updateSession(ctx, tx, cs, now); err != nil {
				return err
			}
		} else if identityChanged {
			if err := s.updateSession(ctx, tx, cs, cs.LastActivityAt); err != nil {
				return err
			}
		}

		if cs.Messages, err = s.loadMessages(ctx, tx, id, 0, time.Time{}); err != nil {
			return err
		}
		changed = ok
		out = cs.ChatSession
		return nil
	})
	if errors.Is(err, ErrSessionResolved) {
		cs, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, false, err
		}
		return cs, false, err
	}
	return out, changed, err
}

func (s *PostgresStore) Append(ctx context.Context, id string, msg Message, adminID string) (Message, *ChatSession, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, nil, fmt.Errorf("session: append: %w", err)
	}

	var stored Message
	var out *ChatSession
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cs, err := s.loadSession(ctx, tx, id, true)
		if err != nil {
			return err
		}
		out = cs.ChatSession

		if msg.ID != "" {
			existing, found, err := s.findMessage(ctx, tx, id, msg.ID)
			if err != nil {
				return err
			}
			if found {
				stored = existing
				cs.Messages, err = s.loadMessages(ctx, tx, id, 0, time.Time{})
				return err
			}
		}

		status, assignee, err := planAppend(cs.ChatSession, msg.Sender, adminID)
		if err != nil {
			return err
		}
		cs.Status = status
		cs.AssignedAdminID = assignee

		now := s.now()
		if stored, err = s.insertMessage(ctx, tx, cs, msg, now); err != nil {
			return err
		}
		if err := s.updateSession(ctx, tx, cs, now); err != nil {
			return err
		}
		cs.Messages, err = s.loadMessages(ctx, tx, id, 0, time.Time{})
		return err
	})
	if err != nil {
		return Message{}, out, err
	}
	return stored, out, nil
}

func (s *PostgresStore) Claim(ctx context.Context, id string, adminID string) (*ChatSession, bool, error) {
	if adminID == "" {
		return nil, false, fmt.Errorf("%w: admin id is required", ErrInvalidMessage)
	}
	return s.transition(ctx, id, func(cs *ChatSession) (bool, error) {
		status, assignee, changed, err := planClaim(cs, adminID)
		if err != nil || !changed {
			return false, err
		}
		cs.Status = status
		cs.AssignedAdminID = assignee
		return true, nil
	})
}

func (s *PostgresStore) Resolve(ctx context.Context, id string, adminID string) (*ChatSession, bool, error) {
	return s.transition(ctx, id, func(cs *ChatSession) (bool, error) {
		changed, err := planResolve(cs, adminID)
		if err != nil || !changed {
			return false, err
		}
		cs.Status = StatusResolved
		return true, nil
	})
}

func (s *PostgresStore) MessagesAfter(ctx context.Context, id string, afterSeq int64, since time.Time) ([]Message, error) {
	if _, err := s.loadSession(ctx, s.db, id, false); err != nil {
		return nil, err
	}
	return s.loadMessages(ctx, s.db, id, afterSeq, since)
}

func (s *PostgresStore) List(ctx context.Context, statuses ...Status) ([]Summary, error) {
	const query = `
		SELECT s.id, s.status, s.assigned_admin_id, s.user_email, s.next_seq, s.last_activity_at
		FROM chat_sessions s
		WHERE cardinality($1::text[]) = 0 OR s.status = ANY($1::text[])
		ORDER BY s.last_activity_at DESC, s.id ASC`

	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var (
			sum    Summary
			status string
			count  int64
		)
		if err := rows.Scan(&sum.ID, &status, &sum.AssignedAdminID, &sum.UserEmail, &count, &sum.LastActivity); err != nil {
			return nil, fmt.Errorf("session: list scan: %w", err)
		}
		sum.Status = Status(status)
		sum.MessageCount = int(count)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: list rows: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// pgSession carries the row's sequence counter alongside the model.
type pgSession struct {
	*ChatSession
	nextSeq int64
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	return nil
}

// transition runs a status-only state change under the row lock.
func (s *PostgresStore) transition(ctx context.Context, id string, apply func(cs *ChatSession) (bool, error)) (*ChatSession, bool, error) {
	var changed bool
	var out *ChatSession
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cs, err := s.loadSession(ctx, tx, id, true)
		if err != nil {
			return err
		}
		out = cs.ChatSession
		ok, applyErr := apply(cs.ChatSession)
		if applyErr == nil && ok {
			if err := s.updateSession(ctx, tx, cs, s.now()); err != nil {
				return err
			}
		}
		if cs.Messages, err = s.loadMessages(ctx, tx, id, 0, time.Time{}); err != nil {
			return err
		}
		changed = ok
		return applyErr
	})
	return out, changed, err
}

func (s *PostgresStore) insertIfMissing(ctx context.Context, q querier, id string) (bool, error) {
	const query = `
		INSERT INTO chat_sessions (id, status, created_at, last_activity_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO NOTHING`

	res, err := q.ExecContext(ctx, query, id, string(StatusBotHandled), s.now())
	if err != nil {
		return false, fmt.Errorf("session: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: insert rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) loadSession(ctx context.Context, q querier, id string, forUpdate bool) (*pgSession, error) {
	query := `
		SELECT id, user_id, user_email, status, assigned_admin_id, next_seq, created_at, last_activity_at
		FROM chat_sessions
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		cs     ChatSession
		status string
		next   int64
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&cs.ID, &cs.UserID, &cs.UserEmail, &status, &cs.AssignedAdminID, &next, &cs.CreatedAt, &cs.LastActivityAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	cs.Status = Status(status)
	cs.Messages = []Message{}
	return &pgSession{ChatSession: &cs, nextSeq: next}, nil
}

func (s *PostgresStore) updateSession(ctx context.Context, q querier, cs *pgSession, activity time.Time) error {
	const query = `
		UPDATE chat_sessions
		SET user_id = $2, user_email = $3, status = $4, assigned_admin_id = $5,
		    next_seq = $6, last_activity_at = $7
		WHERE id = $1`

	_, err := q.ExecContext(ctx, query,
		cs.ID, cs.UserID, cs.UserEmail, string(cs.Status), cs.AssignedAdminID, cs.nextSeq, activity,
	)
	if err != nil {
		return fmt.Errorf("session: update %s: %w", cs.ID, err)
	}
	cs.LastActivityAt = activity
	return nil
}

// insertMessage sequences m onto cs. The caller holds the row lock and
// persists cs.nextSeq with updateSession afterwards.
func (s *PostgresStore) insertMessage(ctx context.Context, q querier, cs *pgSession, m Message, now time.Time) (Message, error) {
	const query = `
		INSERT INTO chat_messages (session_id, seq, id, sender, kind, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if m.ID == "" {
		m.ID = NewMessageID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	m.SessionID = cs.ID
	m.Seq = cs.nextSeq + 1

	_, err := q.ExecContext(ctx, query, m.SessionID, m.Seq, m.ID, string(m.Sender), string(m.Kind), m.Text, m.Timestamp)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return Message{}, fmt.Errorf("%w: duplicate message id %s", ErrInvalidMessage, m.ID)
		}
		return Message{}, fmt.Errorf("session: insert message: %w", err)
	}
	cs.nextSeq = m.Seq
	return m, nil
}

func (s *PostgresStore) findMessage(ctx context.Context, q querier, sessionID, messageID string) (Message, bool, error) {
	const query = `
		SELECT id, session_id, seq, sender, kind, text, created_at
		FROM chat_messages
		WHERE session_id = $1 AND id = $2`

	m, err := scanMessage(q.QueryRowContext(ctx, query, sessionID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("session: find message: %w", err)
	}
	return m, true, nil
}

func (s *PostgresStore) loadMessages(ctx context.Context, q querier, id string, afterSeq int64, since time.Time) ([]Message, error) {
	const query = `
		SELECT id, session_id, seq, sender, kind, text, created_at
		FROM chat_messages
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC`

	rows, err := q.QueryContext(ctx, query, id, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("session: load messages: %w", err)
	}
	defer rows.Close()

	var all []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("session: scan message: %w", err)
		}
		all = append(all, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: message rows: %w", err)
	}
	return filterMessages(all, afterSeq, since), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var (
		m      Message
		sender string
		kind   string
	)
	if err := r.Scan(&m.ID, &m.SessionID, &m.Seq, &sender, &kind, &m.Text, &m.Timestamp); err != nil {
		return Message{}, err
	}
	m.Sender = Sender(sender)
	m.Kind = Kind(kind)
	m.Timestamp = m.Timestamp.UTC()
	return m, nil
}
