// Package history persists reconciliation runs and their per-record
// outcomes to Postgres so past runs can be audited.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dverity/rostersync/metrics"
	"dverity/rostersync/ops"
)

// Store writes run history through a pgx connection pool.
type Store struct {
	dsn    string
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(dsn string, logger *slog.Logger) *Store {
	return &Store{dsn: dsn, logger: logger}
}

// Connect opens the connection pool.
func (s *Store) Connect(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("connect to history store: %w", err)
	}
	s.pool = pool
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS Runs (
	run_id UUID PRIMARY KEY,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	roster_size INT NOT NULL,
	creates INT NOT NULL,
	updates INT NOT NULL,
	deletes INT NOT NULL,
	successful INT NOT NULL,
	failed INT NOT NULL,
	report JSONB
);

CREATE TABLE IF NOT EXISTS RunOperations (
	operation_id UUID PRIMARY KEY,
	run_id UUID NOT NULL REFERENCES Runs(run_id),
	kind VARCHAR(32) NOT NULL,
	target VARCHAR(255) NOT NULL,
	success BOOLEAN NOT NULL,
	message TEXT,
	details JSONB,
	timestamp TIMESTAMP NOT NULL
);
`

// InitSchema creates the history tables when they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create history tables: %w", err)
	}
	return nil
}

func rollbackOrCommit(ctx context.Context, tx pgx.Tx, err *error, logger *slog.Logger) {
	if *err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Error("transaction rollback failed", "rollback_error", rbErr, "cause", *err)
		}
		return
	}
	if cmErr := tx.Commit(ctx); cmErr != nil {
		*err = fmt.Errorf("commit failed: %w", cmErr)
	}
}

// Run summarizes one reconciliation invocation.
type Run struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	RosterSize int
	Creates    int
	Updates    int
	Deletes    int
	Successful int
	Failed     int
	Report     metrics.Report
	Operations []ops.OperationResult
}

// InsertRun writes a run and its operation results in one transaction.
func (s *Store) InsertRun(ctx context.Context, run Run) (err error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	reportJSON, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer rollbackOrCommit(ctx, tx, &err, s.logger)

	_, err = tx.Exec(ctx, `
		INSERT INTO Runs (run_id, started_at, finished_at, roster_size,
			creates, updates, deletes, successful, failed, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.StartedAt, run.FinishedAt, run.RosterSize,
		run.Creates, run.Updates, run.Deletes, run.Successful, run.Failed, reportJSON)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	const insertOpQuery = `
		INSERT INTO RunOperations (operation_id, run_id, kind, target, success, message, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, op := range run.Operations {
		detailsJSON, mErr := json.Marshal(op.Details)
		if mErr != nil {
			err = fmt.Errorf("marshal operation details for %s: %w", op.Target, mErr)
			return err
		}
		_, err = tx.Exec(ctx, insertOpQuery,
			uuid.New(), run.ID, op.Kind, op.Target, op.Success, op.Message, detailsJSON, op.Timestamp)
		if err != nil {
			err = fmt.Errorf("insert operation for %s: %w", op.Target, err)
			return err
		}
	}

	s.logger.Info("run recorded", "run_id", run.ID, "operations", len(run.Operations))
	return nil
}
