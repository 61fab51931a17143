package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/example/bws-scheduler/internal/db"
)

//go:embed *.sql
var schemaFS embed.FS

// Postgres keeps the snapshot and the attempt log in the database.
type Postgres struct {
	db *db.DB
}

func NewPostgres(d *db.DB) *Postgres { return &Postgres{db: d} }

// Migrate applies the embedded schema files in name order, tracking them in
// schema_migrations.
func (s *Postgres) Migrate(ctx context.Context) error {
	entries, err := schemaFS.ReadDir(".")
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY);`); err != nil {
		return err
	}

	for _, f := range files {
		var applied bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, f).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		b, err := schemaFS.ReadFile(f)
		if err != nil {
			return err
		}
		if err := s.db.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}
		if err := s.db.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, f); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot replaces the stored membership with slotIDs. The delete and
// re-insert happen in one transaction; readers never see a partial replace.
func (s *Postgres) SaveSnapshot(ctx context.Context, slotIDs []int64) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM pool_snapshot`); err != nil {
			return err
		}
		for _, id := range slotIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO pool_snapshot(slot_id, saved_at) VALUES ($1, now())`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSnapshot returns the stored membership, or ErrStale when the snapshot
// is older than SnapshotMaxAge. An empty table yields an empty slice.
func (s *Postgres) LoadSnapshot(ctx context.Context) ([]int64, error) {
	var savedAt *time.Time
	if err := s.db.QueryRow(ctx, `SELECT min(saved_at) FROM pool_snapshot`).Scan(&savedAt); err != nil {
		return nil, db.WrapNotFound(err)
	}
	if savedAt == nil {
		return nil, nil
	}
	if time.Since(*savedAt) > SnapshotMaxAge {
		return nil, ErrStale
	}

	rows, err := s.db.Query(ctx, `SELECT slot_id FROM pool_snapshot ORDER BY slot_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordAttempt appends one transport attempt to the history table.
func (s *Postgres) RecordAttempt(ctx context.Context, slotID int64, code int, message string) error {
	return s.db.Exec(ctx,
		`INSERT INTO reservation_attempts(id, slot_id, code, message, attempted_at) VALUES ($1,$2,$3,$4,now())`,
		uuid.New(), slotID, code, message)
}

// Attempt is one row of the attempt history.
type Attempt struct {
	ID          uuid.UUID
	SlotID      int64
	Code        int
	Message     string
	AttemptedAt time.Time
}

// AttemptsForSlot lists the recorded attempts for one slot, newest first.
func (s *Postgres) AttemptsForSlot(ctx context.Context, slotID int64, limit int) ([]Attempt, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, slot_id, code, message, attempted_at
FROM reservation_attempts
WHERE slot_id=$1
ORDER BY attempted_at DESC
LIMIT $2`, slotID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.SlotID, &a.Code, &a.Message, &a.AttemptedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
