package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/domain/values"
	"github.com/caretrail/auditcore/internal/infrastructure/kms"
)

func sealableEvent(t *testing.T) *audit.Event {
	t.Helper()
	e, err := audit.NewEvent(
		time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		"auth.login.success", audit.StatusSuccess)
	require.NoError(t, err)
	e.PrincipalID = "user-1"
	e.OrganizationID = "org-1"
	return e
}

func TestSealerHashOnly(t *testing.T) {
	sealer := NewSealer(nil)
	e := sealableEvent(t)

	require.NoError(t, sealer.Seal(context.Background(), e, true))

	assert.True(t, e.IsSealed())
	assert.Len(t, e.Hash, 64)
	assert.Equal(t, audit.HashAlgorithmSHA256, e.HashAlgorithm)
	assert.Empty(t, e.Signature)
	require.NoError(t, sealer.VerifyHash(e))
}

func TestSealerHMACRoundTrip(t *testing.T) {
	signer, err := NewHMACSigner([]byte("shared-secret"))
	require.NoError(t, err)
	sealer := NewSealer(signer)

	e := sealableEvent(t)
	require.NoError(t, sealer.Seal(context.Background(), e, true))

	assert.Equal(t, values.AlgHMACSHA256, e.Algorithm)
	assert.NotEmpty(t, e.Signature)
	require.NoError(t, sealer.VerifyHash(e))
	require.NoError(t, sealer.VerifySignature(context.Background(), e))
}

func TestSealerDetectsTamperedCriticalField(t *testing.T) {
	sealer := NewSealer(nil)
	e := sealableEvent(t)
	require.NoError(t, sealer.Seal(context.Background(), e, false))

	e.PrincipalID = "attacker"

	err := sealer.VerifyHash(e)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassIntegrity))
	assert.False(t, errors.IsRetryable(err))
}

func TestSealerHMACDetectsWrongSecret(t *testing.T) {
	signer, err := NewHMACSigner([]byte("secret-a"))
	require.NoError(t, err)
	e := sealableEvent(t)
	require.NoError(t, NewSealer(signer).Seal(context.Background(), e, true))

	other, err := NewHMACSigner([]byte("secret-b"))
	require.NoError(t, err)

	err = NewSealer(other).VerifySignature(context.Background(), e)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassIntegrity))
}

func TestKMSSignerRoundTrip(t *testing.T) {
	for _, alg := range []values.SigningAlgorithm{
		values.AlgRSAPSSSHA256,
		values.AlgRSAPKCS1SHA256,
	} {
		t.Run(string(alg), func(t *testing.T) {
			client := kms.NewLocalClient()
			require.NoError(t, client.GenerateKey("audit-key", 2048))

			signer, err := NewKMSSigner(client, "audit-key", alg)
			require.NoError(t, err)
			sealer := NewSealer(signer)

			e := sealableEvent(t)
			require.NoError(t, sealer.Seal(context.Background(), e, true))
			assert.Equal(t, alg, e.Algorithm)

			require.NoError(t, sealer.VerifySignature(context.Background(), e))
		})
	}
}

func TestKMSSignerRejectsHMACAlgorithm(t *testing.T) {
	client := kms.NewLocalClient()
	require.NoError(t, client.GenerateKey("audit-key", 2048))

	_, err := NewKMSSigner(client, "audit-key", values.AlgHMACSHA256)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassConfiguration))
}

func TestVerifySignatureAlgorithmMismatch(t *testing.T) {
	hmacSigner, err := NewHMACSigner([]byte("secret"))
	require.NoError(t, err)
	e := sealableEvent(t)
	require.NoError(t, NewSealer(hmacSigner).Seal(context.Background(), e, true))

	client := kms.NewLocalClient()
	require.NoError(t, client.GenerateKey("audit-key", 2048))
	rsaSigner, err := NewKMSSigner(client, "audit-key", values.AlgRSAPSSSHA256)
	require.NoError(t, err)

	err = NewSealer(rsaSigner).VerifySignature(context.Background(), e)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassIntegrity))
}

func TestSealIsIdempotentRejected(t *testing.T) {
	sealer := NewSealer(nil)
	e := sealableEvent(t)
	require.NoError(t, sealer.Seal(context.Background(), e, false))

	err := sealer.Seal(context.Background(), e, false)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassIntegrity))
}
