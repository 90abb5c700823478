package config

import (
	"context"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/values"
)

type fakeKMS struct{}

func (fakeKMS) SignDigest(context.Context, string, values.SigningAlgorithm, []byte) ([]byte, error) {
	return []byte("sig"), nil
}
func (fakeKMS) PublicKey(context.Context, string) (*rsa.PublicKey, error) { return nil, nil }
func (fakeKMS) Encrypt(_ context.Context, _ string, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}
func (fakeKMS) Decrypt(_ context.Context, _ string, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "audit-events", cfg.Queue.Name)
	assert.Equal(t, "audit-events", cfg.Queue.Processor.Queue)
	assert.Equal(t, 5, cfg.Queue.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.Retry.InitialDelay)
	assert.Equal(t, 6, cfg.Partition.EnsureAheadMonths)
	assert.Equal(t, "console", cfg.Tracing.Exporter)
	assert.Equal(t, "none", cfg.Signing.Mode)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), `
log_level: debug
queue:
  name: audit-events-staging
  retry:
    max_attempts: 3
partition:
  retention_months: 84
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "audit-events-staging", cfg.Queue.Name)
	assert.Equal(t, 3, cfg.Queue.Retry.MaxAttempts)
	assert.Equal(t, 84, cfg.Partition.RetentionMonths)
	// Untouched sections keep their defaults.
	assert.Equal(t, 6, cfg.Partition.EnsureAheadMonths)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "log_level: debug\n")

	t.Setenv("AUDIT_QUEUE_NAME", "audit-events-env")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "audit-events-env", cfg.Queue.Name)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestSecretAcceptsBareAndPrefixedNames(t *testing.T) {
	t.Setenv(EnvOTLPAPIKey, "bare-token")
	assert.Equal(t, "bare-token", Secret(EnvOTLPAPIKey))

	t.Setenv(EnvOTLPAPIKey, "")
	t.Setenv("AUDIT_"+EnvOTLPAPIKey, "namespaced-token")
	assert.Equal(t, "namespaced-token", Secret(EnvOTLPAPIKey))

	// The bare name wins when both are set.
	t.Setenv(EnvOTLPAPIKey, "bare-token")
	assert.Equal(t, "bare-token", Secret(EnvOTLPAPIKey))
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestUpdateRecordsChangeAndBumpsVersion(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	v := NewVersioned(cfg)
	require.EqualValues(t, 1, v.Version())

	require.NoError(t, v.Update("queue.retry.max_attempts", 7, "ops@example.com", "incident 4421"))

	assert.EqualValues(t, 2, v.Version())
	assert.Equal(t, 7, v.Current().Queue.Retry.MaxAttempts)

	history := v.History()
	require.Len(t, history, 1)
	assert.Equal(t, "queue.retry.max_attempts", history[0].Path)
	assert.Equal(t, 5, history[0].OldValue)
	assert.Equal(t, 7, history[0].NewValue)
	assert.Equal(t, "ops@example.com", history[0].ChangedBy)
	assert.Equal(t, "incident 4421", history[0].Reason)
}

func TestUpdateRejectsUnknownPath(t *testing.T) {
	v := NewVersioned(&Config{})

	err := v.Update("database.url", "postgres://other", "ops", "test")
	require.Error(t, err)
	assert.EqualValues(t, 1, v.Version())
	assert.Empty(t, v.History())
}

func TestUpdateRequiresChangedBy(t *testing.T) {
	v := NewVersioned(&Config{})
	require.Error(t, v.Update("log_level", "debug", "", "no author"))
}

func TestSubscribeReceivesMatchingChanges(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	v := NewVersioned(cfg)

	queueCh, cancelQueue := v.Subscribe("queue")
	defer cancelQueue()
	otherCh, cancelOther := v.Subscribe("partition")
	defer cancelOther()

	require.NoError(t, v.Update("queue.retry.max_attempts", 3, "ops", ""))

	select {
	case change := <-queueCh:
		assert.Equal(t, "queue.retry.max_attempts", change.Path)
		assert.Equal(t, 3, change.NewValue)
	case <-time.After(time.Second):
		t.Fatal("queue subscriber did not receive change")
	}

	select {
	case change := <-otherCh:
		t.Fatalf("partition subscriber received unrelated change %q", change.Path)
	default:
	}
}

func TestReplaceNotifiesAllSubscribers(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	v := NewVersioned(cfg)

	ch, cancel := v.Subscribe("partition")
	defer cancel()

	next := *cfg
	next.Partition.RetentionMonths = 12
	v.Replace(&next, "watcher", "reload")

	select {
	case change := <-ch:
		assert.Equal(t, "*", change.Path)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive replace notification")
	}
	assert.Equal(t, 12, v.Current().Partition.RetentionMonths)
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "log_level: info\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	v := NewVersioned(cfg)

	w, err := NewWatcher(path, v, zap.NewNop())
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	assert.Eventually(t, func() bool {
		return v.Current().LogLevel == "debug"
	}, 5*time.Second, 50*time.Millisecond)
	assert.GreaterOrEqual(t, v.Version(), int64(2))
}

func TestLocalSecretBoxRoundTrip(t *testing.T) {
	box := newLocalSecretBox("correct horse battery staple", "test-salt")

	sealed, err := box.Encrypt(context.Background(), "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	plain, err := box.Decrypt(context.Background(), sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestLocalSecretBoxWrongKeyFails(t *testing.T) {
	box := newLocalSecretBox("passphrase-one", "test-salt")
	sealed, err := box.Encrypt(context.Background(), "secret")
	require.NoError(t, err)

	other := newLocalSecretBox("passphrase-two", "test-salt")
	_, err = other.Decrypt(context.Background(), sealed)
	require.Error(t, err)
}

func TestLocalSecretBoxNonceVaries(t *testing.T) {
	box := newLocalSecretBox("passphrase", "salt")

	a, err := box.Encrypt(context.Background(), "same value")
	require.NoError(t, err)
	b, err := box.Encrypt(context.Background(), "same value")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewSecretBoxExclusivity(t *testing.T) {
	t.Setenv(EnvEncryptionKey, "local-key")
	t.Setenv(EnvConfigSalt, "local-salt")

	_, err := NewSecretBox(fakeKMS{}, "key-1")
	require.Error(t, err)
}

func TestNewSecretBoxDisabledWhenUnset(t *testing.T) {
	t.Setenv(EnvEncryptionKey, "")
	t.Setenv(EnvConfigSalt, "")

	box, err := NewSecretBox(nil, "")
	require.NoError(t, err)
	assert.Nil(t, box)
}

func TestNewSecretBoxLocalRequiresSalt(t *testing.T) {
	t.Setenv(EnvEncryptionKey, "local-key")
	t.Setenv(EnvConfigSalt, "")

	_, err := NewSecretBox(nil, "")
	require.Error(t, err)
}
