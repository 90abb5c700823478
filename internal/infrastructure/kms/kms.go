// Package kms defines the external key-management collaborator used for
// asymmetric event signing and configuration encryption. The pipeline
// never holds private keys for the RSA algorithms; it forwards digests
// to this collaborator and stores the returned signature.
package kms

import (
	"context"
	"crypto/rsa"

	"github.com/caretrail/auditcore/internal/domain/values"
)

// Client is the capability set expected from a KMS implementation.
type Client interface {
	// SignDigest signs a pre-computed digest under the named key.
	SignDigest(ctx context.Context, keyID string, alg values.SigningAlgorithm, digest []byte) ([]byte, error)

	// PublicKey fetches the verification key for keyID.
	PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error)

	// Encrypt and Decrypt protect configuration secrets at rest when the
	// KMS strategy is selected instead of local AES-GCM.
	Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
}
