package database

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/caretrail/auditcore/internal/domain/errors"
)

func TestIsPartitionMiss(t *testing.T) {
	assert.True(t, isPartitionMiss(&pgconn.PgError{Code: pgUndefinedTable}))
	assert.True(t, isPartitionMiss(&pgconn.PgError{Code: pgCheckViolation}))
	assert.False(t, isPartitionMiss(&pgconn.PgError{Code: "23505"}), "unique violation is not a partition miss")
	assert.False(t, isPartitionMiss(assert.AnError))
	assert.False(t, isPartitionMiss(errors.NewTransientStorageError("wrapped, no pg error")))
}
