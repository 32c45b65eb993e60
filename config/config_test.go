package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("MONGODB_URI", "mongodb://127.0.0.1:27017")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SERVER_REQUEST_TIMEOUT_MS", "2500")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.JWT.Secret)
	assert.Equal(t, "mongodb://127.0.0.1:27017", cfg.Mongo.URI)
	assert.Equal(t, "social", cfg.Mongo.Database)
	assert.True(t, cfg.Mongo.Transactions)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, "chat:deliver", cfg.Redis.Channel)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 2500*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout)
	assert.False(t, cfg.Realtime.AllowAnonymousJoin)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORE_DRIVER", "memory")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRequiresMongoURIForMongoDriver(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("MONGODB_URI", "")
	t.Setenv("STORE_DRIVER", "mongo")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadYAMLFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte("store:\n  driver: memory\nserver:\n  port: \"9090\"\nrealtime:\n  allow_anonymous_join: true\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.True(t, cfg.Realtime.AllowAnonymousJoin)
}
