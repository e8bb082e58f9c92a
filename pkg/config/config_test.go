package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 100, cfg.Chunking.MinSize)
	assert.Equal(t, 5000, cfg.Chunking.MaxSize)
	assert.Equal(t, time.Hour, cfg.Embedding.CacheTTL)
	assert.Equal(t, 30*time.Minute, cfg.Retrieval.CacheTTL)
	assert.Equal(t, 3, cfg.Retrieval.BatchConcurrency)
	assert.InDelta(t, 0.10, cfg.Retrieval.Rerank.PhraseBonus, 1e-9)
	assert.InDelta(t, 0.05, cfg.Retrieval.Rerank.TermBonus, 1e-9)
	assert.InDelta(t, 0.02, cfg.Retrieval.Rerank.TagBonus, 1e-9)
	assert.InDelta(t, 0.01, cfg.Retrieval.Rerank.LengthPenalty, 1e-9)
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
server:
  port: 9000
database:
  driver: sqlite
  path: /tmp/x.db
chunking:
  size: 400
  overlap: 40
  minSize: 50
  maxSize: 2000
retrieval:
  rerank:
    phraseBonus: 0.2
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	t.Setenv("PR_SERVER_PORT", "9100")
	t.Setenv("PR_CACHE_BACKEND", "memory")
	t.Setenv("PR_KAFKA_BROKERS", "a:1,b:2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Kafka.Brokers)
	assert.Equal(t, 50, cfg.Chunking.MinSize)
	assert.InDelta(t, 0.2, cfg.Retrieval.Rerank.PhraseBonus, 1e-9)
	// untouched weights keep their defaults
	assert.InDelta(t, 0.05, cfg.Retrieval.Rerank.TermBonus, 1e-9)
}

func TestStorage_GCSEnabled(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Storage.GCSEnabled())

	dir := t.TempDir()
	path := filepath.Join(dir, "gcs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  gcs:\n    enabled: true\n"), 0o644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Storage.GCSEnabled(), "application default credentials")
	assert.Empty(t, cfg.Storage.GCS.CredentialsFile)

	t.Setenv("PR_STORAGE_GCS_ENABLED", "false")
	t.Setenv("PR_STORAGE_GCS_CREDENTIALS", "/secrets/sa.json")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Storage.GCS.Enabled)
	assert.True(t, cfg.Storage.GCSEnabled(), "a credentials file implies the source")
	assert.Equal(t, "/secrets/sa.json", cfg.Storage.GCS.CredentialsFile)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, false},
		{"bad cache", func(c *Config) { c.Cache.Backend = "memcached" }, false},
		{"pgvector on sqlite", func(c *Config) {
			c.Database.Driver = "sqlite"
			c.VectorIndex.Backend = "pgvector"
		}, false},
		{"bad provider", func(c *Config) { c.Embedding.Provider = "bert" }, false},
		{"inverted bounds", func(c *Config) { c.Chunking.MaxSize = 10 }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	pg := Default().Database
	assert.Contains(t, pg.DSN(), "dbname=passages")

	lite := DatabaseConfig{Driver: "sqlite", Path: ":memory:"}
	assert.Contains(t, lite.DSN(), "memory")

	file := DatabaseConfig{Driver: "sqlite", Path: "/tmp/p.db"}
	assert.Contains(t, file.DSN(), "file:/tmp/p.db")
}
