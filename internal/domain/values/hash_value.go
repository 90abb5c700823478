package values

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/caretrail/auditcore/internal/domain/errors"
)

// HashValue represents a SHA-256 hash protecting an audit event's
// critical fields. Always hex-encoded, lowercase, 64 characters.
type HashValue struct {
	hash string
}

var sha256HexRegex = regexp.MustCompile(`^[a-f0-9]{64}$`)

// NewHashValue validates and normalizes a hex-encoded hash.
func NewHashValue(hash string) (HashValue, error) {
	if hash == "" {
		return HashValue{}, errors.NewValidationError("EMPTY_HASH",
			"hash value cannot be empty")
	}

	normalized := strings.ToLower(strings.TrimSpace(hash))
	if !sha256HexRegex.MatchString(normalized) {
		return HashValue{}, errors.NewValidationError("INVALID_HASH_FORMAT",
			"hash must be a 64-character hexadecimal string (SHA-256)")
	}

	return HashValue{hash: normalized}, nil
}

// NewHashValueFromBytes creates a HashValue from raw digest bytes.
func NewHashValueFromBytes(b []byte) (HashValue, error) {
	if len(b) != sha256.Size {
		return HashValue{}, errors.NewValidationError("INVALID_HASH_LENGTH",
			"hash must be 32 bytes (SHA-256)")
	}
	return HashValue{hash: hex.EncodeToString(b)}, nil
}

// ComputeHashValue computes the SHA-256 digest of data.
func ComputeHashValue(data []byte) (HashValue, error) {
	if len(data) == 0 {
		return HashValue{}, errors.NewValidationError("EMPTY_DATA",
			"data to hash cannot be empty")
	}
	sum := sha256.Sum256(data)
	return NewHashValueFromBytes(sum[:])
}

// MustNewHashValue panics on error; for constants and tests.
func MustNewHashValue(hash string) HashValue {
	h, err := NewHashValue(hash)
	if err != nil {
		panic(err)
	}
	return h
}

func (h HashValue) String() string { return h.hash }

func (h HashValue) Hex() string { return h.hash }

func (h HashValue) Bytes() ([]byte, error) { return hex.DecodeString(h.hash) }

func (h HashValue) IsEmpty() bool { return h.hash == "" }

// Equal compares in constant time; hashes guard integrity checks.
func (h HashValue) Equal(other HashValue) bool {
	return subtle.ConstantTimeCompare([]byte(h.hash), []byte(other.hash)) == 1
}
