package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQL dialects understood by SQLStore.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_counters (
	requester_id TEXT NOT NULL,
	resource     TEXT NOT NULL,
	day          TEXT NOT NULL,
	used         INTEGER NOT NULL DEFAULT 0,
	updated_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (requester_id, resource, day)
)`

// SQLConfig holds connection pool settings.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns default pool settings.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore persists counters in Postgres or SQLite. Queries are written with
// ? placeholders and rebound for Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewSQLStoreFromDSN opens the database, verifies the connection and creates
// the counters table if needed.
func NewSQLStoreFromDSN(dialect, dsn string, config *SQLConfig) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	if config == nil {
		config = DefaultSQLConfig()
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == DialectSQLite {
		// In-memory SQLite databases are per connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// Migrate creates the counters table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, usageSchema); err != nil {
		return fmt.Errorf("migrate usage_counters: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) IncrementIfBelow(ctx context.Context, requesterID, resource, date string, limit int) (int, bool, error) {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO usage_counters (requester_id, resource, day, used, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (requester_id, resource, day) DO NOTHING
	`), requesterID, resource, date, now)
	if err != nil {
		return 0, false, fmt.Errorf("ensure counter: %w", err)
	}

	var used int
	err = s.db.QueryRowContext(ctx, s.rebind(`
		UPDATE usage_counters
		SET used = used + 1, updated_at = ?
		WHERE requester_id = ? AND resource = ? AND day = ? AND used < ?
		RETURNING used
	`), now, requesterID, resource, date, limit).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return limit, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment counter: %w", err)
	}
	return used, true, nil
}

func (s *SQLStore) Decrement(ctx context.Context, requesterID, resource, date string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE usage_counters
		SET used = used - 1, updated_at = ?
		WHERE requester_id = ? AND resource = ? AND day = ? AND used > 0
	`), s.now().UTC(), requesterID, resource, date)
	if err != nil {
		return false, fmt.Errorf("decrement counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decrement counter: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) Counters(ctx context.Context, requesterID, date string) ([]Counter, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT resource, used FROM usage_counters
		WHERE requester_id = ? AND day = ?
		ORDER BY resource
	`), requesterID, date)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	defer rows.Close()

	var out []Counter
	for rows.Next() {
		c := Counter{RequesterID: requesterID, Date: date}
		if err := rows.Scan(&c.Resource, &c.Count); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	return out, nil
}

// PruneBefore deletes counters for days before date.
func (s *SQLStore) PruneBefore(ctx context.Context, date string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM usage_counters WHERE day < ?`), date)
	if err != nil {
		return 0, fmt.Errorf("prune counters: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
