package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/domain/values"
	"github.com/caretrail/auditcore/internal/infrastructure/kms"
)

// Signer is the single signing capability behind both strategies: local
// HMAC over a shared secret, or RSA via the KMS collaborator.
type Signer interface {
	Algorithm() values.SigningAlgorithm
	Sign(ctx context.Context, data []byte) (values.Signature, error)
	Verify(ctx context.Context, data []byte, sig values.Signature) error
}

// HMACSigner signs canonical bytes with a locally held secret.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner validates the shared secret and builds a signer.
func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, errors.NewConfigurationError("HMAC signing secret is empty")
	}
	return &HMACSigner{secret: secret}, nil
}

func (s *HMACSigner) Algorithm() values.SigningAlgorithm { return values.AlgHMACSHA256 }

func (s *HMACSigner) Sign(ctx context.Context, data []byte) (values.Signature, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return values.NewSignatureFromBytes(mac.Sum(nil))
}

func (s *HMACSigner) Verify(ctx context.Context, data []byte, sig values.Signature) error {
	expected, err := s.Sign(ctx, data)
	if err != nil {
		return err
	}

	got, err := sig.Bytes()
	if err != nil {
		return errors.NewIntegrityError("signature is not decodable").WithCause(err)
	}
	want, _ := expected.Bytes()
	if !hmac.Equal(want, got) {
		return errors.NewIntegrityError("HMAC signature mismatch")
	}
	return nil
}

// KMSSigner forwards digests to the KMS collaborator and verifies
// locally against the fetched public key.
type KMSSigner struct {
	client kms.Client
	keyID  string
	alg    values.SigningAlgorithm
}

// NewKMSSigner builds a signer for one of the RSA algorithm variants.
func NewKMSSigner(client kms.Client, keyID string, alg values.SigningAlgorithm) (*KMSSigner, error) {
	if client == nil {
		return nil, errors.NewConfigurationError("KMS client is required for asymmetric signing")
	}
	if keyID == "" {
		return nil, errors.NewConfigurationError("KMS signing key id is empty")
	}
	if !alg.IsValid() || alg.IsHMAC() {
		return nil, errors.NewConfigurationError("KMS signer requires an RSA algorithm")
	}
	return &KMSSigner{client: client, keyID: keyID, alg: alg}, nil
}

func (s *KMSSigner) Algorithm() values.SigningAlgorithm { return s.alg }

func (s *KMSSigner) digest(data []byte) []byte {
	h := s.alg.Hash().New()
	h.Write(data)
	return h.Sum(nil)
}

func (s *KMSSigner) Sign(ctx context.Context, data []byte) (values.Signature, error) {
	raw, err := s.client.SignDigest(ctx, s.keyID, s.alg, s.digest(data))
	if err != nil {
		return values.Signature{}, err
	}
	return values.NewSignatureFromBytes(raw)
}

func (s *KMSSigner) Verify(ctx context.Context, data []byte, sig values.Signature) error {
	pub, err := s.client.PublicKey(ctx, s.keyID)
	if err != nil {
		return err
	}

	raw, err := sig.Bytes()
	if err != nil {
		return errors.NewIntegrityError("signature is not decodable").WithCause(err)
	}

	digest := s.digest(data)
	if s.alg.IsPSS() {
		err = rsa.VerifyPSS(pub, s.alg.Hash(), digest, raw, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
		})
	} else {
		err = rsa.VerifyPKCS1v15(pub, s.alg.Hash(), digest, raw)
	}
	if err != nil {
		return errors.NewIntegrityError("RSA signature verification failed").WithCause(err)
	}
	return nil
}

// Sealer computes the integrity hash and signature over an event's
// canonical bytes and stamps them exactly once.
type Sealer struct {
	signer Signer
}

// NewSealer builds a sealer. A nil signer disables signing; events are
// hashed only (the matching env secret was not configured).
func NewSealer(signer Signer) *Sealer {
	return &Sealer{signer: signer}
}

// Seal hashes and, when a signer is configured, signs the event.
func (s *Sealer) Seal(ctx context.Context, e *audit.Event, withSignature bool) error {
	canonical := audit.CanonicalBytes(e)

	hash, err := values.ComputeHashValue(canonical)
	if err != nil {
		return err
	}

	var sig values.Signature
	var alg values.SigningAlgorithm
	if withSignature && s.signer != nil {
		sig, err = s.signer.Sign(ctx, canonical)
		if err != nil {
			return err
		}
		alg = s.signer.Algorithm()
	}

	return e.Seal(hash, sig, alg)
}

// VerifyHash recomputes the hash from canonical bytes. A mismatch is a
// permanent integrity failure, never retried.
func (s *Sealer) VerifyHash(e *audit.Event) error {
	stored, err := values.NewHashValue(e.Hash)
	if err != nil {
		return errors.NewIntegrityError("stored hash is malformed").WithCause(err)
	}

	computed, err := values.ComputeHashValue(audit.CanonicalBytes(e))
	if err != nil {
		return err
	}

	if !stored.Equal(computed) {
		return errors.NewIntegrityError("event hash does not match critical fields")
	}
	return nil
}

// VerifySignature checks the stored signature against canonical bytes.
func (s *Sealer) VerifySignature(ctx context.Context, e *audit.Event) error {
	if e.Signature == "" {
		return errors.NewIntegrityError("event carries no signature")
	}
	if s.signer == nil {
		return errors.NewConfigurationError("no signer configured for verification")
	}
	if e.Algorithm != s.signer.Algorithm() {
		return errors.NewIntegrityError("event algorithm does not match configured signer")
	}

	sig, err := values.NewSignature(e.Signature)
	if err != nil {
		return errors.NewIntegrityError("stored signature is malformed").WithCause(err)
	}

	return s.signer.Verify(ctx, audit.CanonicalBytes(e), sig)
}
