package database

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
)

// Postgres SQLSTATEs signalling that the target partition is missing:
// undefined_table when routing fails outright, check_violation when a
// stale default partition catches the row.
const (
	pgUndefinedTable = "42P01"
	pgCheckViolation = "23514"
)

// PostCommitHook observes events after their transaction commits.
type PostCommitHook func(ctx context.Context, events []*audit.Event)

// Writer persists sealed events into the partitioned audit_log table.
type Writer struct {
	client     *Client
	partitions *PartitionManager
	logger     *zap.Logger
	hooks      []PostCommitHook
}

// NewWriter wires the writer to its partition manager.
func NewWriter(client *Client, partitions *PartitionManager, logger *zap.Logger) *Writer {
	return &Writer{client: client, partitions: partitions, logger: logger}
}

// AddPostCommitHook registers an observer invoked after each committed
// batch. Hooks run synchronously; keep them fast.
func (w *Writer) AddPostCommitHook(hook PostCommitHook) {
	w.hooks = append(w.hooks, hook)
}

// WriteEvent persists a single event.
func (w *Writer) WriteEvent(ctx context.Context, e *audit.Event) error {
	return w.WriteBatch(ctx, []*audit.Event{e})
}

// WriteBatch persists events in one transaction. Duplicate hashes are
// dropped by the unique index. On a partition miss the covering
// partitions are created once and the batch retried; a second miss is
// surfaced as a retryable partition error.
func (w *Writer) WriteBatch(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	err := w.client.Monitor().Track(ctx, "events.insert", func(ctx context.Context) error {
		return w.insertBatch(ctx, events)
	})
	if err == nil {
		w.afterCommit(ctx, events)
		return nil
	}

	if !isPartitionMiss(err) {
		return errors.NewTransientStorageError("event batch insert failed").WithCause(err)
	}

	for _, e := range events {
		if perr := w.partitions.EnsureFor(ctx, e.Timestamp); perr != nil {
			return perr
		}
	}

	err = w.client.Monitor().Track(ctx, "events.insert_retry", func(ctx context.Context) error {
		return w.insertBatch(ctx, events)
	})
	if err != nil {
		return errors.NewPartitionError(audit.PartitionNameFor(events[0].Timestamp),
			"partition still unavailable after create").WithCause(err)
	}

	w.afterCommit(ctx, events)
	return nil
}

const insertEventSQL = `
	INSERT INTO audit_log (
		id, timestamp, action, status,
		principal_id, organization_id, session_context,
		target_resource_type, target_resource_id, outcome_description,
		data_classification, retention_policy, correlation_id,
		legal_basis, data_subject_id, source,
		hash, hash_algorithm, signature, algorithm, event_version,
		processing_latency, archived_at, details
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
	)
	ON CONFLICT (timestamp, hash) DO NOTHING`

func (w *Writer) insertBatch(ctx context.Context, events []*audit.Event) error {
	tx, err := w.client.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range events {
		var sessionJSON, detailsJSON []byte
		if e.SessionContext != nil {
			if sessionJSON, err = json.Marshal(e.SessionContext); err != nil {
				return errors.NewSerializationError("session context marshal failed").WithCause(err)
			}
		}
		if len(e.Details) > 0 {
			if detailsJSON, err = json.Marshal(e.Details); err != nil {
				return errors.NewSerializationError("details marshal failed").WithCause(err)
			}
		}

		batch.Queue(insertEventSQL,
			e.ID, e.Timestamp.UTC(), e.Action, string(e.Status),
			e.PrincipalID, e.OrganizationID, sessionJSON,
			e.TargetResourceType, e.TargetResourceID, e.OutcomeDescription,
			string(e.DataClassification), e.RetentionPolicy, e.CorrelationID,
			e.LegalBasis, e.DataSubjectID, e.Source,
			e.Hash, e.HashAlgorithm, e.Signature, string(e.Algorithm), e.EventVersion,
			e.ProcessingLatency, e.ArchivedAt, detailsJSON)
	}

	results := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return err
		}
	}
	if err := results.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (w *Writer) afterCommit(ctx context.Context, events []*audit.Event) {
	start := time.Now()
	for _, hook := range w.hooks {
		hook(ctx, events)
	}
	if len(w.hooks) > 0 {
		w.logger.Debug("post-commit hooks ran",
			zap.Int("events", len(events)),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func isPartitionMiss(err error) bool {
	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUndefinedTable || pgErr.Code == pgCheckViolation
}
