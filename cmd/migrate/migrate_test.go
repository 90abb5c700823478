package main

import (
	"io/fs"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := make(map[string]bool)
	downs := make(map[string]bool)
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file %s", name)
		}
	}

	// Every up has a matching down.
	assert.Equal(t, ups, downs)
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	require.NoError(t, err)

	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.True(t, sort.StringsAreSorted(names))

	// The audit_log parent table must come first so ancillary tables can
	// reference it if needed.
	assert.True(t, strings.HasPrefix(names[0], "000001_audit_log"))
}

// The writer deduplicates with INSERT ... ON CONFLICT (timestamp, hash)
// against the parent table, so the parent itself must declare the
// unique partitioned index; per-leaf indexes are not arbiter candidates.
func TestAuditLogMigrationDeclaresDedupeArbiter(t *testing.T) {
	raw, err := fs.ReadFile(migrationFiles, "migrations/000001_audit_log.up.sql")
	require.NoError(t, err)

	sql := strings.ToLower(string(raw))
	assert.Contains(t, sql, "create unique index")
	assert.Contains(t, sql, "on audit_log (timestamp, hash)")
}
