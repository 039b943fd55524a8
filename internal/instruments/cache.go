package instruments

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/mohitkulkarni1999/StrikeIQ-sub001/pkg/quant"
)

// Cache persists the last good instrument master in SQLite so a
// restart inside market hours does not depend on the master endpoint
// being up.
type Cache struct {
	db *sql.DB
}

// NewCache opens (or creates) the cache database with WAL enabled.
func NewCache(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open instrument cache: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS instruments (
			token INTEGER PRIMARY KEY,
			symbol TEXT NOT NULL,
			expiry TEXT NOT NULL,
			strike_micros INTEGER NOT NULL,
			kind INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create cache schema: %w", err)
		}
	}

	return &Cache{db: db}, nil
}

// Save replaces the cached master in one transaction.
func (c *Cache) Save(ctx context.Context, list []Instrument) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM instruments"); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO instruments (token, symbol, expiry, strike_micros, kind) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare cache insert: %w", err)
	}
	defer stmt.Close()

	for _, ins := range list {
		if _, err := stmt.ExecContext(ctx, ins.Token, ins.Symbol, ins.ExpiryKey(), int64(ins.Strike), ins.Kind); err != nil {
			return fmt.Errorf("insert instrument %d: %w", ins.Token, err)
		}
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES ('refreshed_at', ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		fmt.Sprintf("%d", now), now); err != nil {
		return fmt.Errorf("update cache metadata: %w", err)
	}

	return tx.Commit()
}

// Load returns the cached master and when it was refreshed.
// An empty cache returns a nil list and a zero time, not an error.
func (c *Cache) Load(ctx context.Context) ([]Instrument, time.Time, error) {
	var refreshedAt time.Time
	var unix int64
	err := c.db.QueryRowContext(ctx, "SELECT updated_at FROM metadata WHERE key = 'refreshed_at'").Scan(&unix)
	switch {
	case err == sql.ErrNoRows:
		return nil, time.Time{}, nil
	case err != nil:
		return nil, time.Time{}, fmt.Errorf("read cache metadata: %w", err)
	}
	refreshedAt = time.Unix(unix, 0)

	rows, err := c.db.QueryContext(ctx, "SELECT token, symbol, expiry, strike_micros, kind FROM instruments")
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read cached instruments: %w", err)
	}
	defer rows.Close()

	var list []Instrument
	for rows.Next() {
		var ins Instrument
		var expiry string
		var strike int64
		if err := rows.Scan(&ins.Token, &ins.Symbol, &expiry, &strike, &ins.Kind); err != nil {
			return nil, time.Time{}, fmt.Errorf("scan cached instrument: %w", err)
		}
		if expiry != "" {
			t, err := time.Parse(expiryKeyLayout, expiry)
			if err != nil {
				continue
			}
			ins.Expiry = t
		}
		ins.Strike = quant.PriceMicros(strike)
		list = append(list, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("iterate cached instruments: %w", err)
	}

	return list, refreshedAt, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
