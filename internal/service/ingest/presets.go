package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/infrastructure/cache"
)

// PresetSource fetches the candidate presets for a name: the
// org-specific one and the installation default, org first.
type PresetSource interface {
	Fetch(ctx context.Context, name, organizationID string) ([]*audit.Preset, error)
}

// Resolver resolves presets with org-over-default precedence and a
// bounded LRU keyed by (name, organizationId).
type Resolver struct {
	source PresetSource
	cache  *cache.LocalCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewResolver builds a resolver; cacheSize bounds the LRU.
func NewResolver(source PresetSource, cacheSize int, ttl time.Duration, logger *zap.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		source: source,
		cache:  cache.NewLocalCache(cacheSize),
		ttl:    ttl,
		logger: logger,
	}
}

// Resolve returns the effective preset for (name, organizationId), or
// nil when neither an org-specific nor a default preset exists.
func (r *Resolver) Resolve(ctx context.Context, name, organizationID string) (*audit.Preset, error) {
	key := name + "\x00" + organizationID

	if raw, ok := r.cache.Get(key); ok {
		if raw == "" {
			return nil, nil
		}
		var p audit.Preset
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			return &p, nil
		}
		r.cache.Delete(key)
	}

	candidates, err := r.source.Fetch(ctx, name, organizationID)
	if err != nil {
		return nil, err
	}

	var org, def *audit.Preset
	for _, c := range candidates {
		if c.OrganizationID == organizationID && organizationID != "" {
			org = c
		} else if c.IsDefault() {
			def = c
		}
	}

	merged := audit.MergePresets(org, def)
	if merged == nil {
		// Negative entries are cached too; repeated lookups for unknown
		// presets would otherwise hit the store every time.
		r.cache.Set(key, "", r.ttl)
		return nil, nil
	}

	if raw, err := json.Marshal(merged); err == nil {
		r.cache.Set(key, string(raw), r.ttl)
	}
	return merged, nil
}

// Invalidate drops a cached entry after a preset mutation.
func (r *Resolver) Invalidate(name, organizationID string) {
	r.cache.Delete(name + "\x00" + organizationID)
}

// PostgresPresetSource loads presets from the audit_presets table with a
// single query returning the org-specific row first.
type PostgresPresetSource struct {
	pool *pgxpool.Pool
}

// NewPostgresPresetSource wraps a connection pool.
func NewPostgresPresetSource(pool *pgxpool.Pool) *PostgresPresetSource {
	return &PostgresPresetSource{pool: pool}
}

func (s *PostgresPresetSource) Fetch(ctx context.Context, name, organizationID string) ([]*audit.Preset, error) {
	// Org-specific ordered ahead of the default so the resolver can merge
	// in precedence order without a second round trip.
	const query = `
		SELECT name, organization_id, action, data_classification,
		       retention_policy, defaults, required_fields, max_string_len
		FROM audit_presets
		WHERE name = $1 AND organization_id IN ($2, '')
		ORDER BY organization_id DESC
		LIMIT 2`

	rows, err := s.pool.Query(ctx, query, name, organizationID)
	if err != nil {
		return nil, errors.NewTransientStorageError("preset query failed").WithCause(err)
	}
	defer rows.Close()

	var presets []*audit.Preset
	for rows.Next() {
		var (
			p              audit.Preset
			defaultsJSON   []byte
			requiredFields []string
		)
		if err := rows.Scan(&p.Name, &p.OrganizationID, &p.Action, &p.DataClassification,
			&p.RetentionPolicy, &defaultsJSON, &requiredFields, &p.MaxStringLen); err != nil {
			if err == pgx.ErrNoRows {
				break
			}
			return nil, errors.NewTransientStorageError("preset scan failed").WithCause(err)
		}
		if len(defaultsJSON) > 0 {
			if err := json.Unmarshal(defaultsJSON, &p.Defaults); err != nil {
				return nil, errors.NewSerializationError("preset defaults are not valid JSON").WithCause(err)
			}
		}
		p.RequiredFields = requiredFields
		presets = append(presets, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientStorageError("preset query failed").WithCause(err)
	}

	return presets, nil
}

// StaticPresetSource serves presets from memory; used in tests and for
// deployments that ship templates in configuration.
type StaticPresetSource struct {
	presets []*audit.Preset
}

// NewStaticPresetSource copies the given presets.
func NewStaticPresetSource(presets ...*audit.Preset) *StaticPresetSource {
	return &StaticPresetSource{presets: presets}
}

func (s *StaticPresetSource) Fetch(ctx context.Context, name, organizationID string) ([]*audit.Preset, error) {
	var out []*audit.Preset
	for _, p := range s.presets {
		if p.Name != name {
			continue
		}
		if p.OrganizationID == organizationID || p.IsDefault() {
			out = append(out, p)
		}
	}
	return out, nil
}
