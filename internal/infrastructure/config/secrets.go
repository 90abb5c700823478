package config

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/infrastructure/kms"
)

// SecretBox protects configuration secrets at rest. Exactly one
// strategy is active: local AES-256-GCM with a PBKDF2-derived key, or
// delegation to the external KMS collaborator.
type SecretBox interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

const (
	pbkdf2Iterations = 210_000
	aesKeyLen        = 32
)

// NewSecretBox selects the secrets strategy from the environment. Both
// a local encryption key and a KMS client is a configuration error;
// neither means secrets-at-rest are disabled and nil is returned.
func NewSecretBox(kmsClient kms.Client, kmsKeyID string) (SecretBox, error) {
	passphrase := Secret(EnvEncryptionKey)

	if passphrase != "" && kmsClient != nil {
		return nil, errors.NewConfigurationError(
			"local config encryption and KMS encryption are mutually exclusive")
	}
	if kmsClient != nil {
		if kmsKeyID == "" {
			return nil, errors.NewConfigurationError("KMS encryption requires a key id")
		}
		return &kmsSecretBox{client: kmsClient, keyID: kmsKeyID}, nil
	}
	if passphrase != "" {
		salt := Secret(EnvConfigSalt)
		if salt == "" {
			return nil, errors.NewConfigurationError(
				"local config encryption requires " + EnvConfigSalt)
		}
		return newLocalSecretBox(passphrase, salt), nil
	}
	return nil, nil
}

// localSecretBox derives a 256-bit AES key from the passphrase with
// PBKDF2-SHA256 and seals values with AES-GCM, nonce prepended.
type localSecretBox struct {
	key []byte
}

func newLocalSecretBox(passphrase, salt string) *localSecretBox {
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, aesKeyLen, sha256.New)
	return &localSecretBox{key: key}
}

func (b *localSecretBox) Encrypt(_ context.Context, plaintext string) (string, error) {
	gcm, err := b.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.NewInternalError("nonce generation failed").WithCause(err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (b *localSecretBox) Decrypt(_ context.Context, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.NewConfigurationError("secret is not valid base64").WithCause(err)
	}

	gcm, err := b.aead()
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.NewConfigurationError("secret ciphertext is truncated")
	}

	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.NewConfigurationError("secret decryption failed").WithCause(err)
	}
	return string(plaintext), nil
}

func (b *localSecretBox) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, errors.NewInternalError("cipher init failed").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewInternalError("gcm init failed").WithCause(err)
	}
	return gcm, nil
}

// kmsSecretBox forwards secret protection to the KMS collaborator.
type kmsSecretBox struct {
	client kms.Client
	keyID  string
}

func (b *kmsSecretBox) Encrypt(ctx context.Context, plaintext string) (string, error) {
	sealed, err := b.client.Encrypt(ctx, b.keyID, []byte(plaintext))
	if err != nil {
		return "", errors.NewKMSError("config encryption failed", errors.Classify(err)).WithCause(err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (b *kmsSecretBox) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.NewConfigurationError("secret is not valid base64").WithCause(err)
	}
	plaintext, err := b.client.Decrypt(ctx, b.keyID, raw)
	if err != nil {
		return "", errors.NewKMSError("config decryption failed", errors.Classify(err)).WithCause(err)
	}
	return string(plaintext), nil
}
