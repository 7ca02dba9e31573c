package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ErrUnknownUser is returned when a user record does not exist.
var ErrUnknownUser = errors.New("unknown user")

// SQLiteStore is the canonical persistent store for users, their append-only
// memory logs, and the outbound message queue.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. Use one shared connection to avoid writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			score INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL DEFAULT 'stranger',
			type_override TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			interaction_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tags_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_entries_user_idx ON memory_entries(user_id, id DESC);`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			platform TEXT NOT NULL,
			target_id TEXT NOT NULL,
			content TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'post',
			created_at_ms INTEGER NOT NULL,
			sent INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox(platform, sent, created_at_ms);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeTags(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeTags(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

// GetOrCreateUser is idempotent and race-safe: concurrent first contacts from
// the same identity key produce exactly one user record. The returned bool is
// true when this call created the record.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, id string) (User, bool, error) {
	if strings.TrimSpace(id) == "" {
		return User{}, false, fmt.Errorf("get or create user: empty id")
	}
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO users(id, score, type, type_override, notes, interaction_count, created_at_ms, updated_at_ms)
VALUES(?, 0, ?, '', '', 0, ?, ?)
ON CONFLICT(id) DO NOTHING`, id, string(TypeStranger), now, now)
	if err != nil {
		return User{}, false, fmt.Errorf("create user: %w", err)
	}
	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}

	user, err := s.GetUser(ctx, id)
	if err != nil {
		return User{}, false, err
	}
	return user, created, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, score, type, type_override, notes, interaction_count, created_at_ms, updated_at_ms
FROM users WHERE id = ?`, id)
	var u User
	var typ, override string
	if err := row.Scan(&u.ID, &u.Score, &typ, &override, &u.Notes, &u.InteractionCount, &u.CreatedAtMS, &u.UpdatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUnknownUser
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	u.Type = RelationshipType(typ)
	u.TypeOverride = RelationshipType(override)
	return u, nil
}

// SaveUser persists the mutable relationship fields of an existing user.
// Callers serialize per-user; the store does not re-check invariants beyond
// the score bounds.
func (s *SQLiteStore) SaveUser(ctx context.Context, u User) error {
	if u.Score < 0 || u.Score > 100 {
		return fmt.Errorf("save user %s: score %d out of range", u.ID, u.Score)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE users
SET score = ?, type = ?, type_override = ?, notes = ?, interaction_count = ?, updated_at_ms = ?
WHERE id = ?`, u.Score, string(u.Type), string(u.TypeOverride), u.Notes, u.InteractionCount, nowMS(), u.ID)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownUser
	}
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, score, type, type_override, notes, interaction_count, created_at_ms, updated_at_ms
FROM users ORDER BY created_at_ms`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var typ, override string
		if err := rows.Scan(&u.ID, &u.Score, &typ, &override, &u.Notes, &u.InteractionCount, &u.CreatedAtMS, &u.UpdatedAtMS); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Type = RelationshipType(typ)
		u.TypeOverride = RelationshipType(override)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// AppendEntry writes one immutable log entry. The write is a single INSERT,
// so it succeeds or fails atomically.
func (s *SQLiteStore) AppendEntry(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("append entry: empty user_id")
	}
	if e.Role != RoleUser && e.Role != RoleAssistant {
		return fmt.Errorf("append entry: invalid role %q", e.Role)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.ID == "" {
		e.ID = ulid.MustNew(ulid.Timestamp(e.CreatedAt), ulid.DefaultEntropy()).String()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_entries(id, user_id, role, content, tags_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`, e.ID, e.UserID, e.Role, e.Content, encodeTags(e.Tags), e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// RecentEntries returns up to limit most recent entries for a user in
// chronological order. Unknown users get an empty slice, not an error.
func (s *SQLiteStore) RecentEntries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, role, content, tags_json, created_at_ms
FROM memory_entries
WHERE user_id = ?
ORDER BY id DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent entries: %w", err)
	}
	defer rows.Close()

	out, err := scanEntries(rows, limit)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SearchEntries is the administrative log search: substring match over
// content, newest first.
func (s *SQLiteStore) SearchEntries(ctx context.Context, userID, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, role, content, tags_json, created_at_ms
FROM memory_entries
WHERE user_id = ? AND content LIKE '%' || ? || '%'
ORDER BY id DESC
LIMIT ?`, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows, limit)
}

// ClearEntries is the administrative purge. It is the only path that deletes
// memory entries.
func (s *SQLiteStore) ClearEntries(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear entries rows: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows, capHint int) ([]Entry, error) {
	out := make([]Entry, 0, capHint)
	for rows.Next() {
		var e Entry
		var tagsRaw string
		var createdMS int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Role, &e.Content, &tagsRaw, &createdMS); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Tags = decodeTags(tagsRaw)
		e.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, m OutboxMessage) (int64, error) {
	if strings.TrimSpace(m.Platform) == "" || strings.TrimSpace(m.Content) == "" {
		return 0, fmt.Errorf("enqueue outbox: platform and content are required")
	}
	if m.Kind == "" {
		m.Kind = "post"
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO outbox(platform, target_id, content, kind, created_at_ms, sent)
VALUES(?, ?, ?, ?, ?, 0)`, m.Platform, m.TargetID, m.Content, m.Kind, nowMS())
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) PendingOutbox(ctx context.Context, platform string) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, platform, target_id, content, kind, created_at_ms, sent
FROM outbox
WHERE platform = ? AND sent = 0
ORDER BY created_at_ms`, platform)
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var sent int
		if err := rows.Scan(&m.ID, &m.Platform, &m.TargetID, &m.Content, &m.Kind, &m.CreatedAtMS, &sent); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		m.Sent = sent != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) MarkOutboxSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET sent = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}
