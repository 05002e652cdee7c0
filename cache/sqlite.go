package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteProvider stores records in a single SQLite table keyed by
// (partition, key). Insertion order is kept in a per-partition sequence column.
type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// memoryDBs numbers the in-memory databases of this process.
var memoryDBs atomic.Uint64

// NewSQLiteProvider opens (or creates) the cache database with the given filename.
// If file name is empty, a new in-memory db is opened. Each in-memory db is
// private to its provider.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:fetchcache-%d?mode=memory&cache=shared", memoryDBs.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if strings.Contains(filename, ":memory:") || strings.Contains(filename, "mode=memory") {
		// shared-cache memory databases report SQLITE_LOCKED across connections
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			stored_at INTEGER NOT NULL,
			revision TEXT NOT NULL DEFAULT '',
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_seq_idx ON entries (partition, seq)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteProvider) Get(ctx context.Context, partition, key string) (Record, bool, error) {
	rec := Record{Key: key}
	var storedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT stored_at, revision, bytes FROM entries WHERE partition = ? AND key = ?",
		partition, key,
	).Scan(&storedAt, &rec.Revision, &rec.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec.StoredAt = time.Unix(0, storedAt)
	return rec, true, nil
}

func (s *SQLiteProvider) Put(ctx context.Context, partition string, rec Record) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(partition, key, seq, stored_at, revision, bytes)
		VALUES (?, ?, (SELECT IFNULL(MAX(seq), 0) + 1 FROM entries WHERE partition = ?), ?, ?, ?)`,
		partition, rec.Key, partition, rec.StoredAt.UnixNano(), rec.Revision, rec.Bytes)
	return err
}

func (s *SQLiteProvider) Delete(ctx context.Context, partition, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE partition = ? AND key = ?", partition, key)
	return err
}

func (s *SQLiteProvider) Has(ctx context.Context, partition, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM entries WHERE partition = ? AND key = ?)",
		partition, key,
	).Scan(&exists)
	return exists, err
}

func (s *SQLiteProvider) Index(ctx context.Context, partition string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, stored_at, revision FROM entries WHERE partition = ? ORDER BY seq ASC",
		partition,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var storedAt int64
		if err := rows.Scan(&rec.Key, &storedAt, &rec.Revision); err != nil {
			return records, err
		}
		rec.StoredAt = time.Unix(0, storedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteProvider) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT partition FROM entries ORDER BY partition")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteProvider) DropPartition(ctx context.Context, partition string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", partition)
	return err
}

func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}

var _ Provider = (*SQLiteProvider)(nil)
