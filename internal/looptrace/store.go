package looptrace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store persists traces, family state, reviewer input, and the global
// bias tally in SQLite. All public methods are safe for concurrent use.
// Writes to a family are guarded by an optimistic version check, so two
// processes sharing a database cannot both advance the same family.
type Store struct {
	db *sql.DB
}

// NewStore creates a trace store using the given database. The schema
// is created automatically on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS loop_traces (
			loop_id     TEXT PRIMARY KEY,
			family_id   TEXT NOT NULL,
			rerun_of    TEXT,
			rerun_depth INTEGER NOT NULL,
			status      TEXT NOT NULL,
			data        TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_loop_traces_family
			ON loop_traces(family_id, rerun_depth);

		CREATE TABLE IF NOT EXISTS loop_families (
			family_id  TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			finalized  INTEGER NOT NULL,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS loop_reviews (
			loop_id      TEXT PRIMARY KEY,
			data         TEXT NOT NULL,
			submitted_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bias_global (
			tag        TEXT PRIMARY KEY,
			count      INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LoadTrace returns the trace for loopID, or [ErrNotFound].
func (s *Store) LoadTrace(ctx context.Context, loopID string) (*LoopTrace, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM loop_traces WHERE loop_id = ?`, loopID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trace %s: %w", loopID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load trace %s: %w", loopID, err)
	}
	return decodeTrace(data)
}

// SaveTrace upserts a trace.
func (s *Store) SaveTrace(ctx context.Context, t *LoopTrace) error {
	return saveTrace(ctx, s.db, t)
}

func saveTrace(ctx context.Context, q queryer, t *LoopTrace) error {
	t.Normalize()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trace %s: %w", t.LoopID, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO loop_traces (loop_id, family_id, rerun_of, rerun_depth, status, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (loop_id) DO UPDATE
		 SET family_id = excluded.family_id, rerun_of = excluded.rerun_of,
		     rerun_depth = excluded.rerun_depth, status = excluded.status,
		     data = excluded.data, updated_at = excluded.updated_at`,
		t.LoopID, t.FamilyID, t.RerunOf, t.RerunDepth, string(t.Status), string(data),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save trace %s: %w", t.LoopID, err)
	}
	return nil
}

// FamilyTraces returns every trace of a family ordered by rerun depth.
func (s *Store) FamilyTraces(ctx context.Context, familyID string) ([]*LoopTrace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM loop_traces WHERE family_id = ? ORDER BY rerun_depth ASC`,
		familyID,
	)
	if err != nil {
		return nil, fmt.Errorf("query family %s traces: %w", familyID, err)
	}
	defer rows.Close()

	var traces []*LoopTrace
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan family %s trace: %w", familyID, err)
		}
		t, err := decodeTrace(data)
		if err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// LoadFamily returns the family state for familyID, or [ErrNotFound].
func (s *Store) LoadFamily(ctx context.Context, familyID string) (*Family, error) {
	var (
		data    string
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM loop_families WHERE family_id = ?`, familyID,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("family %s: %w", familyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load family %s: %w", familyID, err)
	}

	var f Family
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("decode family %s: %w", familyID, err)
	}
	f.Version = version
	f.Normalize()
	return &f, nil
}

// SaveFamily writes family state guarded by its version. A family with
// Version zero is inserted; otherwise the stored version must still
// match. On success f.Version is advanced. A mismatch returns
// [ErrConflict] and leaves the stored record untouched.
func (s *Store) SaveFamily(ctx context.Context, f *Family) error {
	return saveFamily(ctx, s.db, f)
}

func saveFamily(ctx context.Context, q queryer, f *Family) error {
	f.Normalize()
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal family %s: %w", f.FamilyID, err)
	}

	var res sql.Result
	if f.Version == 0 {
		res, err = q.ExecContext(ctx,
			`INSERT INTO loop_families (family_id, version, finalized, data, updated_at)
			 VALUES (?, 1, ?, ?, ?)
			 ON CONFLICT (family_id) DO NOTHING`,
			f.FamilyID, f.Finalized, string(data), formatTime(f.UpdatedAt),
		)
	} else {
		res, err = q.ExecContext(ctx,
			`UPDATE loop_families
			 SET version = version + 1, finalized = ?, data = ?, updated_at = ?
			 WHERE family_id = ? AND version = ?`,
			f.Finalized, string(data), formatTime(f.UpdatedAt), f.FamilyID, f.Version,
		)
	}
	if err != nil {
		return fmt.Errorf("save family %s: %w", f.FamilyID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save family %s: %w", f.FamilyID, err)
	}
	if affected == 0 {
		return fmt.Errorf("save family %s at version %d: %w", f.FamilyID, f.Version, ErrConflict)
	}
	f.Version++
	return nil
}

// Commit atomically saves family state (with its version check) and
// the given traces. Either everything is written or nothing is.
func (s *Store) Commit(ctx context.Context, f *Family, traces ...*LoopTrace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit %s: %w", f.FamilyID, err)
	}
	defer tx.Rollback()

	version := f.Version
	if err := saveFamily(ctx, tx, f); err != nil {
		return err
	}
	for _, t := range traces {
		if err := saveTrace(ctx, tx, t); err != nil {
			f.Version = version
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		f.Version = version
		return fmt.Errorf("commit family %s: %w", f.FamilyID, err)
	}
	return nil
}

// BeginFamily starts a brand-new loop family with root as its first
// trace. If a finalized family with the same ID exists, its traces and
// reviews are discarded and the family starts over; an active family
// returns [ErrLoopExists].
func (s *Store) BeginFamily(ctx context.Context, f *Family, root *LoopTrace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin family %s: %w", f.FamilyID, err)
	}
	defer tx.Rollback()

	var finalized bool
	err = tx.QueryRowContext(ctx,
		`SELECT finalized FROM loop_families WHERE family_id = ?`, f.FamilyID,
	).Scan(&finalized)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM loop_traces WHERE family_id = ?`, f.FamilyID,
		).Scan(&n); err != nil {
			return fmt.Errorf("check family %s traces: %w", f.FamilyID, err)
		}
		if n > 0 {
			return fmt.Errorf("family %s: %w", f.FamilyID, ErrLoopExists)
		}
	case err != nil:
		return fmt.Errorf("check family %s: %w", f.FamilyID, err)
	case !finalized:
		return fmt.Errorf("family %s: %w", f.FamilyID, ErrLoopExists)
	default:
		for _, q := range []string{
			`DELETE FROM loop_reviews WHERE loop_id IN (SELECT loop_id FROM loop_traces WHERE family_id = ?)`,
			`DELETE FROM loop_traces WHERE family_id = ?`,
			`DELETE FROM loop_families WHERE family_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, f.FamilyID); err != nil {
				return fmt.Errorf("reset family %s: %w", f.FamilyID, err)
			}
		}
	}

	f.Version = 0
	if err := saveFamily(ctx, tx, f); err != nil {
		return err
	}
	if err := saveTrace(ctx, tx, root); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit family %s: %w", f.FamilyID, err)
	}
	return nil
}

// SaveReview stores reviewer output for a loop, replacing any earlier
// submission for the same loop.
func (s *Store) SaveReview(ctx context.Context, loopID string, r Review) error {
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal review %s: %w", loopID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO loop_reviews (loop_id, data, submitted_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (loop_id) DO UPDATE
		 SET data = excluded.data, submitted_at = excluded.submitted_at`,
		loopID, string(data), formatTime(r.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("save review %s: %w", loopID, err)
	}
	return nil
}

// LoadReview returns the stored reviewer output for a loop, or [ErrNotFound].
func (s *Store) LoadReview(ctx context.Context, loopID string) (*Review, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM loop_reviews WHERE loop_id = ?`, loopID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review %s: %w", loopID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load review %s: %w", loopID, err)
	}
	var r Review
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode review %s: %w", loopID, err)
	}
	return &r, nil
}

// IncrementGlobalBias adds one occurrence for each tag to the
// cross-family tally. The tally is for reporting only.
func (s *Store) IncrementGlobalBias(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin global bias update: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bias_global (tag, count, updated_at) VALUES (?, 1, ?)
			 ON CONFLICT (tag) DO UPDATE
			 SET count = count + 1, updated_at = excluded.updated_at`,
			tag, now,
		); err != nil {
			return fmt.Errorf("increment global bias %s: %w", tag, err)
		}
	}
	return tx.Commit()
}

// GlobalBias returns the cross-family tally of every bias tag seen.
// Returns an empty (non-nil) map when nothing has been recorded.
func (s *Store) GlobalBias(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag, count FROM bias_global ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("query global bias: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			tag string
			n   int
		)
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, fmt.Errorf("scan global bias: %w", err)
		}
		counts[tag] = n
	}
	return counts, rows.Err()
}

func decodeTrace(data string) (*LoopTrace, error) {
	var t LoopTrace
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	t.Normalize()
	return &t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
