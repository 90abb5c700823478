package audit

import (
	"fmt"
	"regexp"
	"time"

	"github.com/caretrail/auditcore/internal/domain/errors"
)

// PartitionMetadata describes one monthly partition of the audit_log
// table. Ranges are half-open: [RangeStart, RangeEnd).
type PartitionMetadata struct {
	PartitionName string    `json:"partitionName"`
	RangeStart    time.Time `json:"rangeStart"`
	RangeEnd      time.Time `json:"rangeEnd"`
	RowCount      int64     `json:"rowCount"`
	Bytes         int64     `json:"bytes"`
	CreatedAt     time.Time `json:"createdAt"`
}

var partitionNameRegex = regexp.MustCompile(`^audit_log_(\d{4})_(\d{2})$`)

// PartitionNameFor returns the partition name covering a timestamp.
// Range boundaries are evaluated in UTC.
func PartitionNameFor(t time.Time) string {
	utc := t.UTC()
	return fmt.Sprintf("audit_log_%04d_%02d", utc.Year(), int(utc.Month()))
}

// PartitionRangeFor returns the half-open UTC month range covering t.
func PartitionRangeFor(t time.Time) (start, end time.Time) {
	utc := t.UTC()
	start = time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}

// ParsePartitionName recovers the month range from a partition name.
func ParsePartitionName(name string) (PartitionMetadata, error) {
	m := partitionNameRegex.FindStringSubmatch(name)
	if m == nil {
		return PartitionMetadata{}, errors.NewValidationError("INVALID_PARTITION_NAME",
			fmt.Sprintf("partition name %q does not match audit_log_YYYY_MM", name))
	}

	var year, month int
	fmt.Sscanf(m[1], "%d", &year)
	fmt.Sscanf(m[2], "%d", &month)
	if month < 1 || month > 12 {
		return PartitionMetadata{}, errors.NewValidationError("INVALID_PARTITION_NAME",
			fmt.Sprintf("partition name %q has month out of range", name))
	}

	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return PartitionMetadata{
		PartitionName: name,
		RangeStart:    start,
		RangeEnd:      start.AddDate(0, 1, 0),
	}, nil
}

// Covers reports whether the partition's range contains t.
func (p PartitionMetadata) Covers(t time.Time) bool {
	utc := t.UTC()
	return !utc.Before(p.RangeStart) && utc.Before(p.RangeEnd)
}
