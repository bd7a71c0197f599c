// Package cache implements C1, the durable deduplicating event cache.
//
// The table is the source of truth; a small in-memory LRU of recently seen
// ids (seenCache) sits in front of Has to avoid a round trip to SQLite for
// the overwhelmingly common case of a reconnect replay burst re-delivering
// an id we accepted moments ago. The original implementation this bridge
// is modeled on carried exactly this front-cache as src/channels/seen_events.rs;
// it never replaces the table as the authority, it only shortcuts the
// common-case check.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/webitel/nostr-bridge/internal/domain/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS events(
  id TEXT PRIMARY KEY,
  pubkey TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  kind INTEGER NOT NULL,
  tags TEXT NOT NULL,
  content TEXT NOT NULL,
  sig TEXT NOT NULL,
  group_name TEXT,
  stored_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events(pubkey);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_group ON events(group_name);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
`

const seenCacheSize = 4096

// Store is C1. It owns the SQL file handle pool exclusively; no other
// component may open the database file.
type Store struct {
	db     *sql.DB
	log    *slog.Logger
	seen   *lru.Cache[string, struct{}]
}

// Open opens (creating if absent) the SQLite-backed event cache at path and
// applies the schema. Schema errors are fatal at startup, per §4.1.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	// A single SQLite file handle is shared; every operation, read or write,
	// goes through this one connection, so all of them are serialized (§5's
	// "short transactions, serialized writers" model).
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}

	seen, _ := lru.New[string, struct{}](seenCacheSize)
	return &Store{db: db, log: log, seen: seen}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Has reports whether id is already stored (§4.1 has).
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	if _, ok := s.seen.Get(id); ok {
		return true, nil
	}
	var x int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, id).Scan(&x)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("cache: has %s: %w", id, err)
	default:
		s.seen.Add(id, struct{}{})
		return true, nil
	}
}

// Put upserts ce; on id conflict every field except StoredAt is replaced by
// the incoming record, and StoredAt refreshes to now (§4.1 put).
func (s *Store) Put(ctx context.Context, ce model.CachedEvent) error {
	if ce.StoredAt.IsZero() {
		ce.StoredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events(id, pubkey, created_at, kind, tags, content, sig, group_name, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pubkey=excluded.pubkey,
			created_at=excluded.created_at,
			kind=excluded.kind,
			tags=excluded.tags,
			content=excluded.content,
			sig=excluded.sig,
			group_name=excluded.group_name,
			stored_at=excluded.stored_at
	`, ce.ID, ce.PubKey, ce.CreatedAt, ce.Kind, ce.TagsJSON, ce.Content, ce.Sig,
		nullableString(ce.GroupName), ce.StoredAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", ce.ID, err)
	}
	s.seen.Add(ce.ID, struct{}{})
	return nil
}

// Get returns the cached record for id, if present (§4.1 get).
func (s *Store) Get(ctx context.Context, id string) (model.CachedEvent, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pubkey, created_at, kind, tags, content, sig, group_name, stored_at
		FROM events WHERE id = ?`, id)
	ce, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return model.CachedEvent{}, false, nil
	}
	if err != nil {
		return model.CachedEvent{}, false, fmt.Errorf("cache: get %s: %w", id, err)
	}
	return ce, true, nil
}

// Query returns events matching q ordered by created_at descending
// (§4.1 query). q.Limit defaults to 50 when zero; the caller is
// responsible for enforcing an upper bound.
func (s *Store) Query(ctx context.Context, q model.Query) ([]model.CachedEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where := "WHERE 1=1"
	var args []any
	if q.Group != "" {
		where += " AND group_name = ?"
		args = append(args, q.Group)
	}
	if q.Author != "" {
		where += " AND pubkey = ?"
		args = append(args, q.Author)
	}
	if q.Since > 0 {
		where += " AND created_at >= ?"
		args = append(args, q.Since)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, pubkey, created_at, kind, tags, content, sig, group_name, stored_at
		FROM events %s ORDER BY created_at DESC LIMIT ?`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("cache: query: %w", err)
	}
	defer rows.Close()

	var out []model.CachedEvent
	for rows.Next() {
		ce, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("cache: query scan: %w", err)
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

// Prune deletes rows older than retentionDays and returns the count removed
// (§4.1 prune). retentionDays == 0 disables pruning.
func (s *Store) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("pruned cached events", "count", n, "retention_days", retentionDays)
	}
	return n, nil
}

// Stats summarizes the cache contents (§4.1 stats).
func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	st := model.Stats{ByKind: map[int]int{}, ByGroup: map[string]int{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.Total); err != nil {
		return st, fmt.Errorf("cache: stats total: %w", err)
	}

	kindRows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return st, fmt.Errorf("cache: stats by_kind: %w", err)
	}
	for kindRows.Next() {
		var k, c int
		if err := kindRows.Scan(&k, &c); err != nil {
			kindRows.Close()
			return st, err
		}
		st.ByKind[k] = c
	}
	kindRows.Close()

	groupRows, err := s.db.QueryContext(ctx, `
		SELECT group_name, COUNT(*) FROM events WHERE group_name IS NOT NULL GROUP BY group_name`)
	if err != nil {
		return st, fmt.Errorf("cache: stats by_group: %w", err)
	}
	for groupRows.Next() {
		var g string
		var c int
		if err := groupRows.Scan(&g, &c); err != nil {
			groupRows.Close()
			return st, err
		}
		st.ByGroup[g] = c
	}
	groupRows.Close()

	since := time.Now().Add(-24 * time.Hour).Unix()
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE created_at >= ?`, since).Scan(&st.Recent24h); err != nil {
		return st, fmt.Errorf("cache: stats recent_24h: %w", err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (model.CachedEvent, error) {
	var ce model.CachedEvent
	var groupName sql.NullString
	var storedAt string
	if err := row.Scan(&ce.ID, &ce.PubKey, &ce.CreatedAt, &ce.Kind, &ce.TagsJSON,
		&ce.Content, &ce.Sig, &groupName, &storedAt); err != nil {
		return ce, err
	}
	ce.GroupName = groupName.String
	if t, err := time.Parse(time.RFC3339, storedAt); err == nil {
		ce.StoredAt = t
	}
	return ce, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EncodeTags is a convenience used by callers building a CachedEvent from a
// wire event: tags are stored as a JSON-encoded sequence of sequences
// (§6 schema).
func EncodeTags(tags [][]string) string {
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}
