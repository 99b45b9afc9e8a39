// Package records is the local on-device record store the sync engine
// reads from and the inbound applier writes to. Records are keyed by
// (category, id); inserts replace and deletes of absent ids are no-ops,
// which makes applying the same change twice harmless.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/alexjbarnes/health-sync/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const dbDirPerm = 0o700

// SQLiteStore keeps records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the record database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating record store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating record store: %w", err)
	}

	return s, nil
}

// DefaultPath returns ~/.health-sync/records.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".health-sync", "records.db"), nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS records (
		category TEXT NOT NULL,
		id TEXT NOT NULL,
		start_ms INTEGER NOT NULL,
		end_ms INTEGER NOT NULL,
		payload BLOB NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (category, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_category_start ON records(category, start_ms);
	`)

	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the store is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrLocalStore, err)
	}

	return nil
}

// Read returns the records of one category whose start time falls in
// [start, end], oldest first.
func (s *SQLiteStore) Read(ctx context.Context, category models.Category, start, end time.Time) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_ms, end_ms, payload FROM records
		WHERE category = ? AND start_ms >= ? AND start_ms <= ?
		ORDER BY start_ms, id`,
		string(category), start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", apperrors.ErrLocalStore, category, err)
	}
	defer rows.Close()

	var out []models.Record

	for rows.Next() {
		rec := models.Record{Category: category}

		var startMS, endMS int64
		if err := rows.Scan(&rec.ID, &startMS, &endMS, &rec.Payload); err != nil {
			return nil, fmt.Errorf("%w: scanning %s: %w", apperrors.ErrLocalStore, category, err)
		}

		rec.Start = time.UnixMilli(startMS).UTC()
		rec.End = time.UnixMilli(endMS).UTC()
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", apperrors.ErrLocalStore, category, err)
	}

	return out, nil
}

// ReadOne returns a single record with its full payload.
func (s *SQLiteStore) ReadOne(ctx context.Context, category models.Category, id string) (models.Record, error) {
	rec := models.Record{ID: id, Category: category}

	var startMS, endMS int64

	err := s.db.QueryRowContext(ctx, `
		SELECT start_ms, end_ms, payload FROM records
		WHERE category = ? AND id = ?`,
		string(category), id).Scan(&startMS, &endMS, &rec.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, fmt.Errorf("%s %s: %w", category, id, apperrors.ErrRecordNotFound)
	}

	if err != nil {
		return models.Record{}, fmt.Errorf("%w: reading %s %s: %w", apperrors.ErrLocalStore, category, id, err)
	}

	rec.Start = time.UnixMilli(startMS).UTC()
	rec.End = time.UnixMilli(endMS).UTC()

	return rec, nil
}

// Insert stores records, replacing any existing record with the same
// category and id. It returns the stored ids in input order.
func (s *SQLiteStore) Insert(ctx context.Context, recs []models.Record) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning insert: %w", apperrors.ErrLocalStore, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (category, id, start_ms, end_ms, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(category, id) DO UPDATE SET
			start_ms = excluded.start_ms,
			end_ms = excluded.end_ms,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return nil, fmt.Errorf("%w: preparing insert: %w", apperrors.ErrLocalStore, err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(recs))

	for _, r := range recs {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: %s record without id", apperrors.ErrLocalStore, r.Category)
		}

		if _, err := stmt.ExecContext(ctx, string(r.Category), r.ID, r.Start.UnixMilli(), r.End.UnixMilli(), []byte(r.Payload)); err != nil {
			return nil, fmt.Errorf("%w: inserting %s %s: %w", apperrors.ErrLocalStore, r.Category, r.ID, err)
		}

		ids = append(ids, r.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing insert: %w", apperrors.ErrLocalStore, err)
	}

	return ids, nil
}

// Delete removes records by id. Ids that do not exist are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, category models.Category, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning delete: %w", apperrors.ErrLocalStore, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM records WHERE category = ? AND id = ?`)
	if err != nil {
		return fmt.Errorf("%w: preparing delete: %w", apperrors.ErrLocalStore, err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, string(category), id); err != nil {
			return fmt.Errorf("%w: deleting %s %s: %w", apperrors.ErrLocalStore, category, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing delete: %w", apperrors.ErrLocalStore, err)
	}

	return nil
}

// Count returns the number of stored records per category.
func (s *SQLiteStore) Count(ctx context.Context) (map[models.Category]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM records GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("%w: counting records: %w", apperrors.ErrLocalStore, err)
	}
	defer rows.Close()

	out := make(map[models.Category]int)

	for rows.Next() {
		var (
			name string
			n    int
		)

		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("%w: counting records: %w", apperrors.ErrLocalStore, err)
		}

		out[models.Category(name)] = n
	}

	return out, rows.Err()
}
