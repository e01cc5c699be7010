package compress

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/tarbsd/builder/pkg/clock"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/hasher"
	_ "modernc.org/sqlite"
)

// DefaultTTL is how long a compressed artifact stays valid.
const DefaultTTL = 90 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS compressed_artifacts (
    digest TEXT NOT NULL,
    backend TEXT NOT NULL,
    blob TEXT NOT NULL,
    size INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (digest, backend)
);

CREATE INDEX IF NOT EXISTS idx_compressed_artifacts_expires_at ON compressed_artifacts(expires_at);
`

// Store maps (content digest, backend) to a compressed blob.
type Store interface {
	// Get returns the path of a cached blob. Callers copy it, never move it.
	Get(ctx context.Context, digest hasher.Digest, backend string) (path string, ok bool, err error)
	// Put adds the blob at src. An existing entry is kept as is.
	Put(ctx context.Context, digest hasher.Digest, backend, src string) error
}

// Entry is one row of the cache index.
type Entry struct {
	Digest    string
	Backend   string
	Size      int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NullStore caches nothing.
type NullStore struct{}

func (NullStore) Get(context.Context, hasher.Digest, string) (string, bool, error) {
	return "", false, nil
}

func (NullStore) Put(context.Context, hasher.Digest, string, string) error { return nil }

// LocalStore keeps blobs under dir/blobs with a sqlite index next to them.
// Entries are immutable once written, so independent builds can share it.
type LocalStore struct {
	dir    string
	db     *sql.DB
	ttl    time.Duration
	clock  clock.Clock
	mirror Mirror
}

// StoreOption customizes a LocalStore.
type StoreOption func(*LocalStore)

// WithTTL sets the lifetime of new entries.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *LocalStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) StoreOption {
	return func(s *LocalStore) { s.clock = c }
}

// WithMirror shares entries through a remote mirror.
func WithMirror(m Mirror) StoreOption {
	return func(s *LocalStore) {
		if m != nil {
			s.mirror = m
		}
	}
}

// OpenLocalStore opens (and creates) the cache in dir.
func OpenLocalStore(dir string, opts ...StoreOption) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache directory")
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open cache index")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to configure cache index")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create cache index schema")
	}

	s := &LocalStore{
		dir:    dir,
		db:     db,
		ttl:    DefaultTTL,
		clock:  clock.Real(),
		mirror: NoMirror{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close closes the index.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

func (s *LocalStore) blobPath(digest hasher.Digest, backend string) string {
	d := digest.String()
	return filepath.Join(s.dir, "blobs", d[:2], d+"."+backend+".gz")
}

func (s *LocalStore) Get(ctx context.Context, digest hasher.Digest, backend string) (string, bool, error) {
	var blob string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT blob, expires_at FROM compressed_artifacts WHERE digest = ? AND backend = ?`,
		digest.String(), backend).Scan(&blob, &expiresAt)

	switch {
	case err == sql.ErrNoRows:
		return s.fetch(ctx, digest, backend)
	case err != nil:
		return "", false, errors.Wrap(err, "failed to query cache index")
	}

	if !s.clock.Now().Before(time.UnixMilli(expiresAt)) {
		slog.Debug("compress_cache_expired", "digest", digest.String(), "backend", backend)
		return "", false, s.evict(ctx, digest.String(), backend, blob)
	}
	if _, err := os.Stat(blob); err != nil {
		slog.Warn("compress_cache_blob_missing", "digest", digest.String(), "backend", backend, "blob", blob)
		return "", false, s.evict(ctx, digest.String(), backend, blob)
	}
	return blob, true, nil
}

// fetch tries the mirror on a local miss.
func (s *LocalStore) fetch(ctx context.Context, digest hasher.Digest, backend string) (string, bool, error) {
	blob := s.blobPath(digest, backend)
	if err := os.MkdirAll(filepath.Dir(blob), 0755); err != nil {
		return "", false, errors.Wrap(err, "failed to create blob directory")
	}

	ok, err := s.mirror.Fetch(ctx, mirrorKey(digest, backend), blob)
	if err != nil {
		slog.Warn("compress_mirror_fetch_failed", "digest", digest.String(), "backend", backend, "error", err)
		return "", false, nil
	}
	if !ok {
		return "", false, nil
	}
	if err := s.index(ctx, digest, backend, blob); err != nil {
		return "", false, err
	}
	slog.Info("compress_mirror_hit", "digest", digest.String(), "backend", backend)
	return blob, true, nil
}

func (s *LocalStore) Put(ctx context.Context, digest hasher.Digest, backend, src string) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM compressed_artifacts WHERE digest = ? AND backend = ?`,
		digest.String(), backend).Scan(&n)
	if err != nil {
		return errors.Wrap(err, "failed to query cache index")
	}
	if n > 0 {
		return nil
	}

	blob := s.blobPath(digest, backend)
	if err := os.MkdirAll(filepath.Dir(blob), 0755); err != nil {
		return errors.Wrap(err, "failed to create blob directory")
	}
	if err := copyFile(src, blob); err != nil {
		return errors.Wrap(err, "failed to store blob")
	}
	if err := s.index(ctx, digest, backend, blob); err != nil {
		return err
	}

	if err := s.mirror.Push(ctx, mirrorKey(digest, backend), blob); err != nil {
		slog.Warn("compress_mirror_push_failed", "digest", digest.String(), "backend", backend, "error", err)
	}
	return nil
}

func (s *LocalStore) index(ctx context.Context, digest hasher.Digest, backend, blob string) error {
	info, err := os.Stat(blob)
	if err != nil {
		return errors.Wrap(err, "failed to stat blob")
	}
	now := s.clock.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO compressed_artifacts (digest, backend, blob, size, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, digest.String(), backend, blob, info.Size(), now.UnixMilli(), now.Add(s.ttl).UnixMilli())
	if err != nil {
		return errors.Wrap(err, "failed to index blob")
	}
	return nil
}

func (s *LocalStore) evict(ctx context.Context, digest, backend, blob string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM compressed_artifacts WHERE digest = ? AND backend = ?`, digest, backend); err != nil {
		return errors.Wrap(err, "failed to evict cache entry")
	}
	if err := os.Remove(blob); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove blob")
	}
	return nil
}

// Prune removes every expired entry and returns how many went away.
func (s *LocalStore) Prune(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT digest, backend, blob FROM compressed_artifacts WHERE expires_at <= ?`,
		s.clock.Now().UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "failed to query expired entries")
	}

	type expired struct{ digest, backend, blob string }
	var victims []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.digest, &e.backend, &e.blob); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan row")
		}
		victims = append(victims, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "rows error")
	}

	for _, v := range victims {
		if err := s.evict(ctx, v.digest, v.backend, v.blob); err != nil {
			return 0, err
		}
	}
	slog.Info("compress_cache_pruned", "removed", len(victims))
	return len(victims), nil
}

// MaybePrune prunes with a probability of 1 in chance. roll returns a
// number in [0, n); nil uses math/rand.
func (s *LocalStore) MaybePrune(ctx context.Context, chance int, roll func(n int) int) (bool, error) {
	if chance <= 0 {
		return false, nil
	}
	if roll == nil {
		roll = rand.IntN
	}
	if roll(chance) != 0 {
		return false, nil
	}
	_, err := s.Prune(ctx)
	return true, err
}

// Entries lists the index, newest first.
func (s *LocalStore) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT digest, backend, size, created_at, expires_at
		FROM compressed_artifacts ORDER BY created_at DESC, digest
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cache entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created, expires int64
		if err := rows.Scan(&e.Digest, &e.Backend, &e.Size, &created, &expires); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		e.CreatedAt = time.UnixMilli(created)
		e.ExpiresAt = time.UnixMilli(expires)
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "rows error")
}

// copyFile writes src to dst through a temporary file so readers never see
// a partial blob.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
