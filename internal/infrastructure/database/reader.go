package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/domain/values"
)

// EventFilter narrows a List query. Zero-valued fields are ignored.
type EventFilter struct {
	OrganizationID string
	PrincipalID    string
	Action         string
	CorrelationID  string
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// Reader serves the audit_log query surface with a read cache in front
// of point lookups.
type Reader struct {
	client *Client
	cache  *QueryCache
}

// NewReader wires the reader. cache may be nil.
func NewReader(client *Client, cache *QueryCache) *Reader {
	return &Reader{client: client, cache: cache}
}

const selectEventColumns = `
	id, timestamp, action, status,
	principal_id, organization_id, session_context,
	target_resource_type, target_resource_id, outcome_description,
	data_classification, retention_policy, correlation_id,
	legal_basis, data_subject_id, source,
	hash, hash_algorithm, signature, algorithm, event_version,
	processing_latency, archived_at, details`

// GetByID returns one event, or a not-found error.
func (r *Reader) GetByID(ctx context.Context, id uuid.UUID) (*audit.Event, error) {
	var cacheKey string
	if r.cache != nil {
		cacheKey = r.cache.Key("event_by_id", id.String())
		if raw, ok := r.cache.Get(ctx, cacheKey); ok {
			var e audit.Event
			if err := json.Unmarshal([]byte(raw), &e); err == nil {
				return &e, nil
			}
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_log WHERE id = $1`, selectEventColumns)

	var e *audit.Event
	err := r.client.Monitor().Track(ctx, "events.get_by_id", func(ctx context.Context) error {
		row := r.client.Pool().QueryRow(ctx, query, id)
		var scanErr error
		e, scanErr = scanEvent(row)
		return scanErr
	})
	if err == pgx.ErrNoRows {
		return nil, errors.NewNotFoundError("event " + id.String() + " not found")
	}
	if err != nil {
		return nil, errors.NewTransientStorageError("event lookup failed").WithCause(err)
	}

	if r.cache != nil {
		if raw, err := json.Marshal(e); err == nil {
			r.cache.Set(ctx, cacheKey, string(raw))
		}
	}
	return e, nil
}

// List returns events matching the filter, newest first.
func (r *Reader) List(ctx context.Context, filter EventFilter) ([]*audit.Event, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_log WHERE 1=1`, selectEventColumns)
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.OrganizationID != "" {
		query += ` AND organization_id = ` + arg(filter.OrganizationID)
	}
	if filter.PrincipalID != "" {
		query += ` AND principal_id = ` + arg(filter.PrincipalID)
	}
	if filter.Action != "" {
		query += ` AND action = ` + arg(filter.Action)
	}
	if filter.CorrelationID != "" {
		query += ` AND correlation_id = ` + arg(filter.CorrelationID)
	}
	if !filter.From.IsZero() {
		query += ` AND timestamp >= ` + arg(filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query += ` AND timestamp < ` + arg(filter.To.UTC())
	}
	query += ` ORDER BY timestamp DESC LIMIT ` + arg(filter.Limit) + ` OFFSET ` + arg(filter.Offset)

	var events []*audit.Event
	err := r.client.Monitor().Track(ctx, "events.list", func(ctx context.Context) error {
		rows, err := r.client.Pool().Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.NewTransientStorageError("event list query failed").WithCause(err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (*audit.Event, error) {
	var (
		e              audit.Event
		status         string
		classification string
		algorithm      string
		sessionJSON    []byte
		detailsJSON    []byte
	)

	err := row.Scan(
		&e.ID, &e.Timestamp, &e.Action, &status,
		&e.PrincipalID, &e.OrganizationID, &sessionJSON,
		&e.TargetResourceType, &e.TargetResourceID, &e.OutcomeDescription,
		&classification, &e.RetentionPolicy, &e.CorrelationID,
		&e.LegalBasis, &e.DataSubjectID, &e.Source,
		&e.Hash, &e.HashAlgorithm, &e.Signature, &algorithm, &e.EventVersion,
		&e.ProcessingLatency, &e.ArchivedAt, &detailsJSON)
	if err != nil {
		return nil, err
	}

	e.Status = audit.Status(status)
	e.DataClassification = values.DataClassification(classification)
	e.Algorithm = values.SigningAlgorithm(algorithm)

	if len(sessionJSON) > 0 {
		var sc audit.SessionContext
		if err := json.Unmarshal(sessionJSON, &sc); err == nil {
			e.SessionContext = &sc
		}
	}
	if len(detailsJSON) > 0 {
		json.Unmarshal(detailsJSON, &e.Details)
	}

	return &e, nil
}
