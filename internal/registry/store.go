package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Errors callers branch on.
var (
	ErrNotFound  = errors.New("session not found")
	ErrDuplicate = errors.New("session already registered")
)

const busyTimeout = 5 * time.Second

// Store is the sqlite-backed session table.
//
// One writer connection serializes all writes; a small read-only pool serves
// lookups. WAL mode lets hook processes read the same file while the
// registry daemon writes.
type Store struct {
	db *sqlx.DB // writer, MaxOpenConns(1)
	ro *sqlx.DB // read-only pool
}

// OpenStore opens (creating if needed) the registry database.
func OpenStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// Writer: WAL for read concurrency, busy_timeout so concurrent hook
	// reads never surface transient "database is locked" errors.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		dbPath, int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d",
		dbPath, int(busyTimeout/time.Millisecond),
	)
	ro, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	ro.SetMaxOpenConns(4)

	s := &Store{db: db, ro: ro}
	if err := s.initSchema(); err != nil {
		db.Close()
		ro.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	if err := s.ro.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// initSchema creates tables and applies forward-compatible migrations.
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		project TEXT NOT NULL DEFAULT '',
		project_dir TEXT NOT NULL DEFAULT '',
		terminal TEXT NOT NULL DEFAULT '',
		socket_path TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT '',
		thread_ts TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		reply_to_ts TEXT NOT NULL DEFAULT '',
		buffer_file TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_thread_ts ON sessions(thread_ts);
	CREATE INDEX IF NOT EXISTS idx_sessions_project_dir ON sessions(project_dir);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS dm_subscriptions (
		user_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		dm_channel TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_preferences (
		user_id TEXT PRIMARY KEY,
		mode TEXT NOT NULL DEFAULT 'execute'
	);
	`)
	if err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations adds columns introduced after the initial schema. Older
// databases upgrade in place; the checks make re-runs no-ops.
func (s *Store) runMigrations() error {
	migrations := []struct {
		table, column, definition string
	}{
		{"sessions", "permissions_channel", "TEXT NOT NULL DEFAULT ''"},
		{"sessions", "todo_message_ts", "TEXT NOT NULL DEFAULT ''"},
		{"sessions", "permission_message_ts", "TEXT NOT NULL DEFAULT ''"},
		{"sessions", "custom_channel", "INTEGER NOT NULL DEFAULT 0"},
	}
	for _, m := range migrations {
		if err := s.ensureColumn(m.table, m.column, m.definition); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

// ensureColumn adds a column if the table does not already have it.
func (s *Store) ensureColumn(table, column, definition string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		if name == column {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

const sessionColumns = `session_id, project, project_dir, terminal, socket_path,
	channel, thread_ts, permissions_channel, user_id, reply_to_ts,
	todo_message_ts, permission_message_ts, buffer_file, custom_channel,
	status, created_at, last_activity`

// Create inserts a new session row. Returns ErrDuplicate when the id exists.
func (s *Store) Create(sess *Session) error {
	if sess.Status == "" {
		sess.Status = StatusActive
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.CreatedAt
	}

	_, err := s.db.NamedExec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (:session_id, :project, :project_dir, :terminal, :socket_path,
			:channel, :thread_ts, :permissions_channel, :user_id, :reply_to_ts,
			:todo_message_ts, :permission_message_ts, :buffer_file, :custom_channel,
			:status, :created_at, :last_activity)`, sess)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, sess.SessionID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get returns one session by id.
func (s *Store) Get(sessionID string) (*Session, error) {
	var sess Session
	err := s.ro.Get(&sess, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// List returns sessions, optionally filtered by status, newest first.
func (s *Store) List(status string) ([]Session, error) {
	var rows []Session
	var err error
	if status == "" {
		err = s.ro.Select(&rows, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	} else {
		err = s.ro.Select(&rows, `SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at DESC`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return rows, nil
}

// GetByThread returns every row sharing a thread id. Callers must apply
// PreferWrapper when they need the socket-owning row.
func (s *Store) GetByThread(threadTS string) ([]Session, error) {
	if threadTS == "" {
		return nil, nil
	}
	var rows []Session
	err := s.ro.Select(&rows, `SELECT `+sessionColumns+` FROM sessions WHERE thread_ts = ? ORDER BY created_at ASC`, threadTS)
	if err != nil {
		return nil, fmt.Errorf("get by thread: %w", err)
	}
	return rows, nil
}

// GetByProjectDir returns the most recently created row for a project
// directory, optionally filtered by status.
func (s *Store) GetByProjectDir(dir, status string) (*Session, error) {
	var sess Session
	var err error
	if status == "" {
		err = s.ro.Get(&sess, `SELECT `+sessionColumns+` FROM sessions WHERE project_dir = ?
			ORDER BY created_at DESC LIMIT 1`, dir)
	} else {
		err = s.ro.Get(&sess, `SELECT `+sessionColumns+` FROM sessions WHERE project_dir = ? AND status = ?
			ORDER BY created_at DESC LIMIT 1`, dir, status)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project dir %s", ErrNotFound, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("get by project dir: %w", err)
	}
	return &sess, nil
}

// GetByCustomChannel returns active custom-channel sessions posting to the
// given channel, newest first.
func (s *Store) GetByCustomChannel(channel string) ([]Session, error) {
	var rows []Session
	err := s.ro.Select(&rows, `SELECT `+sessionColumns+` FROM sessions
		WHERE channel = ? AND custom_channel = 1 AND status = ?
		ORDER BY created_at DESC`, channel, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("get by custom channel: %w", err)
	}
	return rows, nil
}

// updatableFields is the closed set of columns UPDATE may touch. Field names
// match the JSON names used on the RPC wire.
var updatableFields = map[string]string{
	"project":               "project",
	"project_dir":           "project_dir",
	"terminal":              "terminal",
	"socket_path":           "socket_path",
	"channel":               "channel",
	"thread_ts":             "thread_ts",
	"permissions_channel":   "permissions_channel",
	"user_id":               "user_id",
	"reply_to_ts":           "reply_to_ts",
	"todo_message_ts":       "todo_message_ts",
	"permission_message_ts": "permission_message_ts",
	"buffer_file":           "buffer_file",
	"custom_channel":        "custom_channel",
	"status":                "status",
}

// UpdateFields sets the given columns on one session row and refreshes
// last_activity. Unknown field names are rejected.
func (s *Store) UpdateFields(sessionID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	query := "UPDATE sessions SET last_activity = ?"
	args := []any{time.Now().UTC()}
	for name, value := range fields {
		column, ok := updatableFields[name]
		if !ok {
			return fmt.Errorf("unknown session field %q", name)
		}
		query += ", " + column + " = ?"
		args = append(args, value)
	}
	query += " WHERE session_id = ?"
	args = append(args, sessionID)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// Touch refreshes last_activity for a session.
func (s *Store) Touch(sessionID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID)
	return err
}

// Delete removes a session row and any DM subscriptions targeting it.
func (s *Store) Delete(sessionID string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM dm_subscriptions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return tx.Commit()
}

// CleanupOld deletes ended/crashed rows whose last activity is older than
// the threshold, returning the deleted rows so the caller can archive their
// chat threads.
func (s *Store) CleanupOld(olderThan time.Duration) ([]Session, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var stale []Session
	err := s.ro.Select(&stale, `SELECT `+sessionColumns+` FROM sessions
		WHERE status IN (?, ?) AND last_activity < ?`,
		StatusEnded, StatusCrashed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select stale sessions: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback()

	for _, sess := range stale {
		if _, err := tx.Exec(`DELETE FROM sessions WHERE session_id = ?`, sess.SessionID); err != nil {
			return nil, fmt.Errorf("cleanup delete: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM dm_subscriptions WHERE session_id = ?`, sess.SessionID); err != nil {
			return nil, fmt.Errorf("cleanup subscriptions: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stale, nil
}

// Attach creates or replaces the DM subscription for a user.
func (s *Store) Attach(sub *DMSubscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO dm_subscriptions (user_id, session_id, dm_channel, created_at)
		VALUES (:user_id, :session_id, :dm_channel, :created_at)
		ON CONFLICT(user_id) DO UPDATE SET
			session_id = excluded.session_id,
			dm_channel = excluded.dm_channel,
			created_at = excluded.created_at`, sub)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	return nil
}

// Detach removes a user's DM subscription. Missing subscriptions are not an
// error; /detach is idempotent.
func (s *Store) Detach(userID string) error {
	_, err := s.db.Exec(`DELETE FROM dm_subscriptions WHERE user_id = ?`, userID)
	return err
}

// GetSubscription returns a user's DM subscription, or nil when none exists.
func (s *Store) GetSubscription(userID string) (*DMSubscription, error) {
	var sub DMSubscription
	err := s.ro.Get(&sub, `SELECT user_id, session_id, dm_channel, created_at
		FROM dm_subscriptions WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// SetMode stores a user's interaction mode.
func (s *Store) SetMode(userID, mode string) error {
	valid := false
	for _, m := range ValidModes {
		if m == mode {
			valid = true
		}
	}
	if !valid {
		return fmt.Errorf("invalid mode %q", mode)
	}
	_, err := s.db.Exec(`
		INSERT INTO user_preferences (user_id, mode) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET mode = excluded.mode`, userID, mode)
	return err
}

// GetMode returns a user's interaction mode, defaulting to execute.
func (s *Store) GetMode(userID string) (string, error) {
	var mode string
	err := s.ro.Get(&mode, `SELECT mode FROM user_preferences WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return ModeExecute, nil
	}
	if err != nil {
		return "", fmt.Errorf("get mode: %w", err)
	}
	return mode, nil
}

// isUniqueViolation detects a primary-key conflict from the sqlite driver
// without depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint")
}
