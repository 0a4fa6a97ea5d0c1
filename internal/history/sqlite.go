package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rasc_history (
	key TEXT PRIMARY KEY,
	st_history TEXT NOT NULL,
	ct_history TEXT NOT NULL
)`

// SQLiteBackend keeps one row per history key.
type SQLiteBackend struct {
	sqlDB *sql.DB
}

// OpenSQLite opens (and creates if needed) the history database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return &SQLiteBackend{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (b *SQLiteBackend) Close() error {
	if b == nil || b.sqlDB == nil {
		return nil
	}
	return b.sqlDB.Close()
}

func (b *SQLiteBackend) Load(ctx context.Context) (map[string]Record, error) {
	rows, err := b.sqlDB.QueryContext(ctx, `SELECT key, st_history, ct_history FROM rasc_history`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var key, st, ct string
		if err := rows.Scan(&key, &st, &ct); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(st), &rec.StartLatencies); err != nil {
			return nil, fmt.Errorf("decode st_history for %s: %w", key, err)
		}
		if err := json.Unmarshal([]byte(ct), &rec.CompleteLatencies); err != nil {
			return nil, fmt.Errorf("decode ct_history for %s: %w", key, err)
		}
		out[key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

// Save replaces every row in a single transaction.
func (b *SQLiteBackend) Save(ctx context.Context, data map[string]Record) error {
	tx, err := b.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rasc_history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	for key, rec := range data {
		st, err := json.Marshal(nonNil(rec.StartLatencies))
		if err != nil {
			return fmt.Errorf("encode st_history for %s: %w", key, err)
		}
		ct, err := json.Marshal(nonNil(rec.CompleteLatencies))
		if err != nil {
			return fmt.Errorf("encode ct_history for %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rasc_history (key, st_history, ct_history) VALUES (?, ?, ?)`,
			key, string(st), string(ct),
		); err != nil {
			return fmt.Errorf("insert history for %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history tx: %w", err)
	}
	return nil
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}
