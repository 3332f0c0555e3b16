package reasoning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/loopguard/internal/looptrace"
)

// Store is an append-only SQLite store of reasoning records. Records
// are never updated or deleted except when a finalized family is reset
// by a brand-new loop reusing its root ID. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a reasoning store using the given database. The
// schema is created automatically on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate reasoning schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reasoning_records (
		id            TEXT PRIMARY KEY,
		loop_id       TEXT NOT NULL,
		family_id     TEXT NOT NULL,
		decision      TEXT NOT NULL,
		triggers      TEXT NOT NULL,
		reason        TEXT NOT NULL,
		detail        TEXT,
		persona       TEXT,
		overridden_by TEXT,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reasoning_loop ON reasoning_records(loop_id);
	CREATE INDEX IF NOT EXISTS idx_reasoning_family ON reasoning_records(family_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append persists a record. If rec.ID is empty, a UUIDv7 is generated.
// If rec.CreatedAt is zero, the current time is used.
func (s *Store) Append(ctx context.Context, rec looptrace.ReasoningRecord) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate reasoning record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	triggers, err := json.Marshal(orEmpty(rec.Triggers))
	if err != nil {
		return fmt.Errorf("marshal reasoning triggers: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reasoning_records
			(id, loop_id, family_id, decision, triggers, reason, detail, persona, overridden_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.LoopID,
		rec.FamilyID,
		string(rec.Decision),
		string(triggers),
		rec.Reason,
		rec.Detail,
		rec.Persona,
		rec.OverriddenBy,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert reasoning record: %w", err)
	}
	return nil
}

// ForLoop returns every record written for loopID, oldest first.
func (s *Store) ForLoop(ctx context.Context, loopID string) ([]looptrace.ReasoningRecord, error) {
	return s.query(ctx,
		`SELECT id, loop_id, family_id, decision, triggers, reason, detail, persona, overridden_by, created_at
		 FROM reasoning_records WHERE loop_id = ? ORDER BY created_at ASC, id ASC`,
		loopID,
	)
}

// ForFamily returns every record written for any loop of a family,
// oldest first.
func (s *Store) ForFamily(ctx context.Context, familyID string) ([]looptrace.ReasoningRecord, error) {
	return s.query(ctx,
		`SELECT id, loop_id, family_id, decision, triggers, reason, detail, persona, overridden_by, created_at
		 FROM reasoning_records WHERE family_id = ? ORDER BY created_at ASC, id ASC`,
		familyID,
	)
}

// DeleteFamily removes the records of a family. It is used only when a
// finalized family is replaced by a brand-new loop with the same root.
func (s *Store) DeleteFamily(ctx context.Context, familyID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM reasoning_records WHERE family_id = ?`, familyID,
	); err != nil {
		return fmt.Errorf("delete family %s reasoning: %w", familyID, err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]looptrace.ReasoningRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reasoning records: %w", err)
	}
	defer rows.Close()

	records := []looptrace.ReasoningRecord{}
	for rows.Next() {
		var (
			rec                           looptrace.ReasoningRecord
			decision, triggers, createdAt string
			detail, persona, overriddenBy sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.LoopID, &rec.FamilyID, &decision, &triggers,
			&rec.Reason, &detail, &persona, &overriddenBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan reasoning record: %w", err)
		}
		rec.Decision = looptrace.Decision(decision)
		rec.Detail = detail.String
		rec.Persona = persona.String
		rec.OverriddenBy = overriddenBy.String
		if err := json.Unmarshal([]byte(triggers), &rec.Triggers); err != nil {
			return nil, fmt.Errorf("decode reasoning record %s triggers: %w", rec.ID, err)
		}
		rec.Triggers = orEmpty(rec.Triggers)
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse reasoning record %s time: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func orEmpty(ts []looptrace.Trigger) []looptrace.Trigger {
	if ts == nil {
		return []looptrace.Trigger{}
	}
	return ts
}
