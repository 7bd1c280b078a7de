package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chairqueue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
remote:
  driver: postgres
  endpoint: postgres://clinic@db:5432/clinic?sslmode=disable
  credential: secret
queue:
  doctor_id: 3
  call_cooldown: 5s
  atomic_writes: true
server:
  addr: ":9000"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Remote.Driver)
	assert.Equal(t, "secret", cfg.Remote.Credential)
	assert.Equal(t, 5*time.Second, cfg.Queue.CallCooldown)
	assert.Equal(t, 15*time.Second, cfg.Queue.ReplyTTL)
	assert.True(t, cfg.Queue.AtomicWrites)
	assert.True(t, cfg.Queue.DoctorCallEnabled)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	require.NotNil(t, cfg.Queue.DoctorFilter())
	assert.Equal(t, int64(3), *cfg.Queue.DoctorFilter())
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "remote:\n  driver: sqlite\n  endpoint: \"file::memory:\"\n")
	t.Setenv("CHAIRQUEUE_BROKER_URL", "redis://localhost:6379/0")
	t.Setenv("CHAIRQUEUE_QUEUE_ROLLBACK_ON_FAILURE", "true")
	t.Setenv("CHAIRQUEUE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Broker.URL)
	assert.True(t, cfg.Queue.RollbackOnFailure)
	assert.True(t, cfg.Queue.AtomicWrites)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Nil(t, cfg.Queue.DoctorFilter())
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "remote:\n  driver: mysql\n"))
	assert.ErrorContains(t, err, "invalid config")

	_, err = LoadConfig(writeConfig(t, "queue:\n  reply_ttl: 0s\n"))
	assert.ErrorContains(t, err, "invalid config")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

func TestCredentialExpiry(t *testing.T) {
	exp := time.Now().Add(-time.Hour).Truncate(time.Second)
	got, ok := CredentialExpiry(sign(t, jwt.MapClaims{"exp": exp.Unix(), "role": "anon"}))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = CredentialExpiry(sign(t, jwt.MapClaims{"role": "anon"}))
	assert.False(t, ok)

	_, ok = CredentialExpiry("plain-password")
	assert.False(t, ok)
}
