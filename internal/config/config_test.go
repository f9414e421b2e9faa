package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10000, cfg.MaxStepsPerRun)
	assert.Equal(t, 24*time.Hour, cfg.BridgeTokenTTL.Std())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)
	assert.Equal(t, "http://localhost"+cfg.ListenAddr, cfg.CallbackURL)
}

func TestLoadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen_addr": ":9000",
		"pool_size": 3,
		"remote_start_timeout": "90s",
		"log_format": "json"
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, 90*time.Second, cfg.RemoteStartTimeout.Std())
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "libsql", cfg.DBDriver)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"db_driver: sqlite\nbridge_token_ttl: 2h\nworkflows_glob: \"*.yaml\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 2*time.Hour, cfg.BridgeTokenTTL.Std())
	assert.Equal(t, "*.yaml", cfg.WorkflowsGlob)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pool_size": "many"}`), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen_addr": ":9000", "pool_size": 3}`), 0o600))
	t.Setenv("OPFLOW_LISTEN_ADDR", ":7000")
	t.Setenv("OPFLOW_POOL_SIZE", "8")
	t.Setenv("OPFLOW_BRIDGE_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, "s3cret", cfg.BridgeSecret)
}

func TestMergeEnvTypes(t *testing.T) {
	cfg := Default()
	err := cfg.mergeEnv(envOf(map[string]string{
		"OPFLOW_REMOTE_RATE_LIMIT":    "0.5",
		"OPFLOW_REMOTE_START_TIMEOUT": "45s",
		"OPFLOW_TRACING":              "stdout",
		"OPFLOW_LLM_MODEL":            "",
		"OPFLOW_BRIDGE_ISSUER":        "opflow-staging",
	}))
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.RemoteRateLimit)
	assert.Equal(t, 45*time.Second, cfg.RemoteStartTimeout.Std())
	assert.Equal(t, "stdout", cfg.Tracing)
	assert.Equal(t, "opflow-staging", cfg.BridgeIssuer)
	assert.Equal(t, Default().LLMModel, cfg.LLMModel, "empty values are ignored")
}

func TestMergeEnvRejectsBadNumbers(t *testing.T) {
	for key, val := range map[string]string{
		"OPFLOW_POOL_SIZE":        "ten",
		"OPFLOW_BRIDGE_RATE":      "fast",
		"OPFLOW_BRIDGE_TOKEN_TTL": "forever",
	} {
		cfg := Default()
		err := cfg.mergeEnv(envOf(map[string]string{key: val}))
		require.Error(t, err, key)
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.DBDriver = "postgres"
	cfg.PoolSize = 0
	cfg.Tracing = "jaeger"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db_driver")
	assert.Contains(t, err.Error(), "pool_size")
	assert.Contains(t, err.Error(), "tracing")
}

func TestDiff(t *testing.T) {
	old := Default()
	changed := old
	changed.ListenAddr = ":1"
	changed.LogLevel = "debug"
	changed.BridgeSecret = "new"
	changed.BridgeIssuer = "opflow-staging"

	assert.Equal(t, []string{"listen_addr", "bridge_secret", "bridge_issuer"}, Diff(old, changed))
	assert.Empty(t, Diff(old, old))
}
