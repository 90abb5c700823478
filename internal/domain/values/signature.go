package values

import (
	"crypto"
	"encoding/base64"

	"github.com/caretrail/auditcore/internal/domain/errors"
)

// SigningAlgorithm identifies how an event signature was produced.
type SigningAlgorithm string

const (
	AlgHMACSHA256 SigningAlgorithm = "HMAC-SHA256"

	AlgRSAPSSSHA256 SigningAlgorithm = "RSASSA_PSS_SHA_256"
	AlgRSAPSSSHA384 SigningAlgorithm = "RSASSA_PSS_SHA_384"
	AlgRSAPSSSHA512 SigningAlgorithm = "RSASSA_PSS_SHA_512"

	AlgRSAPKCS1SHA256 SigningAlgorithm = "RSASSA_PKCS1_V1_5_SHA_256"
	AlgRSAPKCS1SHA384 SigningAlgorithm = "RSASSA_PKCS1_V1_5_SHA_384"
	AlgRSAPKCS1SHA512 SigningAlgorithm = "RSASSA_PKCS1_V1_5_SHA_512"
)

// IsValid reports whether the algorithm is one of the supported set.
func (a SigningAlgorithm) IsValid() bool {
	switch a {
	case AlgHMACSHA256,
		AlgRSAPSSSHA256, AlgRSAPSSSHA384, AlgRSAPSSSHA512,
		AlgRSAPKCS1SHA256, AlgRSAPKCS1SHA384, AlgRSAPKCS1SHA512:
		return true
	}
	return false
}

// IsHMAC reports whether the algorithm signs with a local shared secret.
func (a SigningAlgorithm) IsHMAC() bool { return a == AlgHMACSHA256 }

// IsPSS reports whether the algorithm uses RSASSA-PSS padding.
func (a SigningAlgorithm) IsPSS() bool {
	switch a {
	case AlgRSAPSSSHA256, AlgRSAPSSSHA384, AlgRSAPSSSHA512:
		return true
	}
	return false
}

// Hash returns the digest function paired with the algorithm.
func (a SigningAlgorithm) Hash() crypto.Hash {
	switch a {
	case AlgRSAPSSSHA384, AlgRSAPKCS1SHA384:
		return crypto.SHA384
	case AlgRSAPSSSHA512, AlgRSAPKCS1SHA512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// Signature is a base64-encoded event signature. Minimum decoded length
// is 32 bytes (HMAC-SHA256); RSA signatures are longer.
type Signature struct {
	encoded string
}

// NewSignature validates a base64-encoded signature.
func NewSignature(encoded string) (Signature, error) {
	if encoded == "" {
		return Signature{}, errors.NewValidationError("EMPTY_SIGNATURE",
			"signature cannot be empty")
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Signature{}, errors.NewValidationError("INVALID_SIGNATURE_ENCODING",
			"signature must be valid base64").WithCause(err)
	}

	if len(decoded) < 32 {
		return Signature{}, errors.NewValidationError("INVALID_SIGNATURE_LENGTH",
			"signature must decode to at least 32 bytes")
	}

	return Signature{encoded: encoded}, nil
}

// NewSignatureFromBytes encodes raw signature bytes.
func NewSignatureFromBytes(b []byte) (Signature, error) {
	if len(b) < 32 {
		return Signature{}, errors.NewValidationError("INVALID_SIGNATURE_LENGTH",
			"signature must be at least 32 bytes")
	}
	return Signature{encoded: base64.StdEncoding.EncodeToString(b)}, nil
}

func (s Signature) String() string { return s.encoded }

func (s Signature) Base64() string { return s.encoded }

func (s Signature) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.encoded)
}

func (s Signature) IsEmpty() bool { return s.encoded == "" }
