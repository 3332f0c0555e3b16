// Package reasoning records why each guardrail decision was made.
//
// Every processed completion produces exactly one immutable
// [looptrace.ReasoningRecord]. The record is appended both to the
// trace it explains and to an append-only audit [Store]. Nothing in the
// decision path ever reads these records back.
package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/loopguard/internal/config"
	"github.com/nugget/loopguard/internal/looptrace"
)

// Entry is the content of one reasoning record before it is stamped.
type Entry struct {
	Decision     looptrace.Decision
	Triggers     []looptrace.Trigger
	Reason       string
	Detail       string
	Persona      string
	OverriddenBy string
}

// Logger writes reasoning records.
type Logger struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates a reasoning logger backed by store. A nil logger
// falls back to [slog.Default].
func NewLogger(store *Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: store, logger: logger, now: time.Now}
}

// Stamp turns e into an immutable record with a UUIDv7 and the current
// time and appends it to t.Reasoning. Nothing is persisted: the record
// reaches the trace store with t, and the audit store through
// [Logger.Persist].
func (l *Logger) Stamp(t *looptrace.LoopTrace, e Entry) (looptrace.ReasoningRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return looptrace.ReasoningRecord{}, fmt.Errorf("generate reasoning record ID: %w", err)
	}

	rec := looptrace.ReasoningRecord{
		ID:           id.String(),
		LoopID:       t.LoopID,
		FamilyID:     t.FamilyID,
		Decision:     e.Decision,
		Triggers:     orEmpty(slices.Clone(e.Triggers)),
		Reason:       e.Reason,
		Detail:       e.Detail,
		Persona:      e.Persona,
		OverriddenBy: e.OverriddenBy,
		CreatedAt:    l.now().UTC(),
	}
	t.Reasoning = append(t.Reasoning, rec)
	return rec, nil
}

// Persist appends a stamped record to the audit store.
func (l *Logger) Persist(ctx context.Context, rec looptrace.ReasoningRecord) error {
	if err := l.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("log reasoning for %s: %w", rec.LoopID, err)
	}
	l.logger.Log(ctx, config.LevelTrace, "reasoning recorded",
		"loop_id", rec.LoopID,
		"record_id", rec.ID,
		"decision", rec.Decision,
		"reason", rec.Reason,
	)
	return nil
}

// DeleteFamily discards the audit records of a family that is being
// replaced by a brand-new loop with the same root ID.
func (l *Logger) DeleteFamily(ctx context.Context, familyID string) error {
	return l.store.DeleteFamily(ctx, familyID)
}
