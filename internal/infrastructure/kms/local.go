package kms

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/domain/values"
)

// LocalClient is an in-process KMS holding generated RSA keys. It backs
// development environments and tests; production deployments plug in a
// remote collaborator behind the same interface.
type LocalClient struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PrivateKey
}

// NewLocalClient creates an empty local KMS.
func NewLocalClient() *LocalClient {
	return &LocalClient{keys: make(map[string]*rsa.PrivateKey)}
}

// GenerateKey creates and stores a new RSA key under keyID.
func (c *LocalClient) GenerateKey(keyID string, bits int) error {
	if bits < 2048 {
		bits = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generating rsa key: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[keyID] = key
	return nil
}

func (c *LocalClient) key(keyID string) (*rsa.PrivateKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key, ok := c.keys[keyID]
	if !ok {
		return nil, errors.NewKMSError(
			fmt.Sprintf("unknown signing key %q", keyID), errors.ClassConfiguration)
	}
	return key, nil
}

// SignDigest signs a digest with the padding scheme the algorithm names.
func (c *LocalClient) SignDigest(ctx context.Context, keyID string, alg values.SigningAlgorithm, digest []byte) ([]byte, error) {
	if alg.IsHMAC() {
		return nil, errors.NewKMSError("HMAC signing is local, not a KMS operation", errors.ClassConfiguration)
	}
	if !alg.IsValid() {
		return nil, errors.NewKMSError(fmt.Sprintf("unsupported algorithm %q", alg), errors.ClassConfiguration)
	}

	key, err := c.key(keyID)
	if err != nil {
		return nil, err
	}

	hash := alg.Hash()
	if len(digest) != hash.Size() {
		return nil, errors.NewKMSError("digest length does not match algorithm", errors.ClassValidation)
	}

	if alg.IsPSS() {
		return rsa.SignPSS(rand.Reader, key, hash, digest, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
		})
	}
	return rsa.SignPKCS1v15(rand.Reader, key, hash, digest)
}

// PublicKey returns the verification key for keyID.
func (c *LocalClient) PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	key, err := c.key(keyID)
	if err != nil {
		return nil, err
	}
	return &key.PublicKey, nil
}

// Encrypt seals a secret with RSA-OAEP under keyID.
func (c *LocalClient) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	key, err := c.key(keyID)
	if err != nil {
		return nil, err
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, &key.PublicKey, plaintext, nil)
}

// Decrypt opens an RSA-OAEP sealed secret.
func (c *LocalClient) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	key, err := c.key(keyID)
	if err != nil {
		return nil, err
	}
	plaintext, err := key.Decrypt(nil, ciphertext, &rsa.OAEPOptions{Hash: crypto.SHA256})
	if err != nil {
		return nil, errors.NewKMSError("decrypt failed", errors.ClassAuthentication).WithCause(err)
	}
	return plaintext, nil
}
