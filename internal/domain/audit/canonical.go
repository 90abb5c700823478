package audit

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Canonical serialization of the critical fields. The byte sequence
// produced here is the input to hashing and signing, so its format is a
// compatibility contract: keys sorted lexicographically, absent optional
// fields omitted entirely, `|` between fields, `=` between key and value.

// canonicalTimeLayout renders RFC3339 with exactly three millisecond
// digits, preserving the producer's zone offset (Z or ±HH:MM).
const canonicalTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// CriticalFields extracts the hash-protected fields of an event as a
// key/value map. Empty optional values are excluded, never encoded as
// empty strings.
func CriticalFields(e *Event) map[string]string {
	fields := map[string]string{
		"timestamp": FormatCanonicalTime(e.Timestamp),
		"action":    e.Action,
		"status":    string(e.Status),
	}

	optional := map[string]string{
		"principalId":        e.PrincipalID,
		"organizationId":     e.OrganizationID,
		"targetResourceType": e.TargetResourceType,
		"targetResourceId":   e.TargetResourceID,
		"outcomeDescription": e.OutcomeDescription,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}

	return fields
}

// CanonicalBytes produces the deterministic byte representation of the
// event's critical fields. Two events with identical critical fields
// yield identical bytes regardless of construction order.
func CanonicalBytes(e *Event) []byte {
	return EncodeCanonical(CriticalFields(e))
}

// EncodeCanonical renders a field map in canonical form.
func EncodeCanonical(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return []byte(b.String())
}

// FormatCanonicalTime renders a timestamp with millisecond precision,
// keeping the zone offset the producer supplied.
func FormatCanonicalTime(t time.Time) string {
	return t.Format(canonicalTimeLayout)
}

// CanonicalBool renders a boolean in canonical lower-case form.
func CanonicalBool(v bool) string { return strconv.FormatBool(v) }

// CanonicalNumber renders a float without trailing zeros.
func CanonicalNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
