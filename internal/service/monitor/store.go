package monitor

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
)

// PostgresAlertStore persists alerts in the audit_alerts table.
type PostgresAlertStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAlertStore wraps a connection pool.
func NewPostgresAlertStore(pool *pgxpool.Pool) *PostgresAlertStore {
	return &PostgresAlertStore{pool: pool}
}

func (s *PostgresAlertStore) Insert(ctx context.Context, a *audit.Alert) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return errors.NewSerializationError("alert metadata marshal failed").WithCause(err)
	}

	const query = `
		INSERT INTO audit_alerts (
			id, severity, title, description, source, created_at,
			status, organization_id, dedupe_hash, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.pool.Exec(ctx, query,
		a.ID, string(a.Severity), a.Title, a.Description, a.Source, a.CreatedAt,
		string(a.Status), a.OrganizationID, a.DedupeHash, metadata)
	if err != nil {
		return errors.NewTransientStorageError("alert insert failed").WithCause(err)
	}
	return nil
}

func (s *PostgresAlertStore) Update(ctx context.Context, a *audit.Alert) error {
	resolution, err := json.Marshal(a.Resolution)
	if err != nil {
		return errors.NewSerializationError("alert resolution marshal failed").WithCause(err)
	}

	const query = `
		UPDATE audit_alerts SET
			status = $2,
			acknowledged_by = $3, acknowledged_at = $4,
			resolved_by = $5, resolved_at = $6, resolution = $7
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		a.ID, string(a.Status),
		a.AcknowledgedBy, a.AcknowledgedAt,
		a.ResolvedBy, a.ResolvedAt, resolution)
	if err != nil {
		return errors.NewTransientStorageError("alert update failed").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("alert " + a.ID.String() + " not found")
	}
	return nil
}

const selectAlertColumns = `
	id, severity, title, description, source, created_at,
	status, organization_id, dedupe_hash, metadata,
	acknowledged_by, acknowledged_at, resolved_by, resolved_at, resolution`

func (s *PostgresAlertStore) Get(ctx context.Context, id uuid.UUID) (*audit.Alert, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectAlertColumns+` FROM audit_alerts WHERE id = $1`, id)

	alert, err := scanAlert(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewTransientStorageError("alert lookup failed").WithCause(err)
	}
	return alert, nil
}

func (s *PostgresAlertStore) List(ctx context.Context, filter AlertFilter) ([]*audit.Alert, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	query := `SELECT ` + selectAlertColumns + ` FROM audit_alerts WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Severity != "" {
		query += ` AND severity = ` + arg(string(filter.Severity))
	}
	if filter.Source != "" {
		query += ` AND source = ` + arg(filter.Source)
	}
	if filter.OrganizationID != "" {
		query += ` AND organization_id = ` + arg(filter.OrganizationID)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(filter.Limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewTransientStorageError("alert list query failed").WithCause(err)
	}
	defer rows.Close()

	var alerts []*audit.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, errors.NewTransientStorageError("alert scan failed").WithCause(err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func (s *PostgresAlertStore) CountByStatus(ctx context.Context) (map[audit.AlertStatus]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM audit_alerts GROUP BY status`)
	if err != nil {
		return nil, errors.NewTransientStorageError("alert count query failed").WithCause(err)
	}
	defer rows.Close()

	counts := make(map[audit.AlertStatus]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.NewTransientStorageError("alert count scan failed").WithCause(err)
		}
		counts[audit.AlertStatus(status)] = count
	}
	return counts, rows.Err()
}

func scanAlert(row pgx.Row) (*audit.Alert, error) {
	var (
		a              audit.Alert
		severity       string
		status         string
		metadataJSON   []byte
		resolutionJSON []byte
	)

	err := row.Scan(
		&a.ID, &severity, &a.Title, &a.Description, &a.Source, &a.CreatedAt,
		&status, &a.OrganizationID, &a.DedupeHash, &metadataJSON,
		&a.AcknowledgedBy, &a.AcknowledgedAt, &a.ResolvedBy, &a.ResolvedAt, &resolutionJSON)
	if err != nil {
		return nil, err
	}

	a.Severity = audit.Severity(severity)
	a.Status = audit.AlertStatus(status)
	if len(metadataJSON) > 0 {
		json.Unmarshal(metadataJSON, &a.Metadata)
	}
	if len(resolutionJSON) > 0 {
		json.Unmarshal(resolutionJSON, &a.Resolution)
	}
	return &a, nil
}

// MemoryAlertStore keeps alerts in memory; used in tests and for
// single-process deployments without a database.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts map[uuid.UUID]*audit.Alert
	order  []uuid.UUID
}

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[uuid.UUID]*audit.Alert)}
}

func (s *MemoryAlertStore) Insert(_ context.Context, a *audit.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *a
	s.alerts[a.ID] = &clone
	s.order = append(s.order, a.ID)
	return nil
}

func (s *MemoryAlertStore) Update(_ context.Context, a *audit.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		return errors.NewNotFoundError("alert " + a.ID.String() + " not found")
	}
	clone := *a
	s.alerts[a.ID] = &clone
	return nil
}

func (s *MemoryAlertStore) Get(_ context.Context, id uuid.UUID) (*audit.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, nil
	}
	clone := *a
	return &clone, nil
}

func (s *MemoryAlertStore) List(_ context.Context, filter AlertFilter) ([]*audit.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Alert
	// Newest first.
	for i := len(s.order) - 1; i >= 0; i-- {
		a := s.alerts[s.order[i]]
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Source != "" && a.Source != filter.Source {
			continue
		}
		if filter.OrganizationID != "" && a.OrganizationID != filter.OrganizationID {
			continue
		}
		clone := *a
		out = append(out, &clone)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryAlertStore) CountByStatus(_ context.Context) (map[audit.AlertStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[audit.AlertStatus]int64)
	for _, a := range s.alerts {
		counts[a.Status]++
	}
	return counts, nil
}
