package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-listener/internal/config"
	_ "modernc.org/sqlite"
)

// Timeline event types.
const (
	TypeSessionStarted       = "session.started"
	TypeSessionStopped       = "session.stopped"
	TypeUtteranceCaptured    = "utterance.captured"
	TypeUtteranceTranscribed = "utterance.transcribed"
	TypeWakeDetected         = "wake.detected"
	TypeCommandExtracted     = "command.extracted"
	TypeTranscriptionFailed  = "transcription.failed"
)

// ErrEphemeral is returned by readers that need a database.
var ErrEphemeral = errors.New("event store is ephemeral")

// Session describes one capture session on one input device.
type Session struct {
	ID         string
	Device     string
	NativeRate int
	StartedAt  time.Time
	StoppedAt  time.Time
}

// Event represents a recorded timeline entry.
type Event struct {
	ID          int64
	SessionID   string
	UtteranceID string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
}

// Store wraps a SQLite-backed pipeline timeline. In ephemeral mode it keeps
// nothing and every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    device TEXT,
    native_rate INTEGER,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    utterance_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_utterance ON events(utterance_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Persistent reports whether writes reach disk.
func (s *Store) Persistent() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartSession records a capture session and its device.
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	if !s.Persistent() {
		return nil
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, device, native_rate, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET device=excluded.device, native_rate=excluded.native_rate`,
		sess.ID, sess.Device, sess.NativeRate, sess.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// StopSession stamps the session's stop time.
func (s *Store) StopSession(ctx context.Context, sessionID string) error {
	if !s.Persistent() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ? WHERE session_id = ?`,
		s.clock().UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if !s.Persistent() {
		return Session{}, ErrEphemeral
	}
	var (
		sess    Session
		started int64
		stopped sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, device, native_rate, started_at, stopped_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&sess.ID, &sess.Device, &sess.NativeRate, &started, &stopped)
	if err != nil {
		return Session{}, err
	}
	sess.StartedAt = time.Unix(0, started).UTC()
	if stopped.Valid {
		sess.StoppedAt = time.Unix(0, stopped.Int64).UTC()
	}
	return sess, nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Persistent() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, utterance_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.UtteranceID, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Persistent() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, utterance_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			utterance sql.NullString
			created   int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &utterance, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.UtteranceID = utterance.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Persistent() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Timeline binds the store to one session for callers that only append.
type Timeline struct {
	store     *Store
	sessionID string
}

func (s *Store) Timeline(sessionID string) *Timeline {
	return &Timeline{store: s, sessionID: sessionID}
}

// Record marshals payload as JSON and appends it under the bound session.
func (t *Timeline) Record(ctx context.Context, eventType, utteranceID string, payload any) error {
	if !t.store.Persistent() {
		return nil
	}
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
	}
	return t.store.AppendEvent(ctx, Event{
		SessionID:   t.sessionID,
		UtteranceID: utteranceID,
		Type:        eventType,
		Payload:     data,
	})
}
