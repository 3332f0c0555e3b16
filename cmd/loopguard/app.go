package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/loopguard/internal/config"
	"github.com/nugget/loopguard/internal/events"
	"github.com/nugget/loopguard/internal/guardrails"
	"github.com/nugget/loopguard/internal/looptrace"
	"github.com/nugget/loopguard/internal/reasoning"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// dbFile is the database under the data directory holding traces,
// families, reviews, global bias counts, and the reasoning audit log.
const dbFile = "loopguard.db"

// app is the set of components shared by serve and the data commands.
type app struct {
	db     *sql.DB
	traces *looptrace.Store
	audit  *reasoning.Store
	guard  *guardrails.Orchestrator
}

// openApp opens the database under cfg.DataDir and wires the
// guardrails to it. bus may be nil.
func openApp(cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// Immediate transactions take the write lock up front, so two
	// processes committing the same family serialize on SQLite rather
	// than failing an upgrade from a read lock.
	dbPath := filepath.Join(cfg.DataDir, dbFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	traces, err := looptrace.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	audit, err := reasoning.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open reasoning store: %w", err)
	}
	logger.Debug("database opened", "path", dbPath)

	guard := guardrails.New(traces, reasoning.NewLogger(audit, logger),
		guardrails.ParseConfig(cfg.Guardrails), bus, logger)

	return &app{db: db, traces: traces, audit: audit, guard: guard}, nil
}

// Close releases the database.
func (a *app) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
