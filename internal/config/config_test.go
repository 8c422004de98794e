package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresRegistrationSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SYNC_REGISTRATION_KEY", "")
	t.Setenv("NODE_ID", "node-a")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RegistrationSecret")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  name: from-file
  port: 4000
discovery:
  broadcast_interval: 2s
  sweep_interval: 1s
queue:
  max_size: 42
schema:
  policy: warn
`), 0o600))

	t.Setenv("SYNC_CONFIG_PATH", path)
	t.Setenv("SYNC_REGISTRATION_KEY", "s3cret")
	t.Setenv("NODE_ID", "node-a")
	t.Setenv("PORT", "4100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Node.Name)
	assert.Equal(t, 4100, cfg.Node.Port)
	assert.Equal(t, 2*time.Second, cfg.Discovery.BroadcastInterval)
	assert.Equal(t, 42, cfg.Queue.MaxSize)
	assert.Equal(t, "warn", cfg.Schema.Policy)
	assert.Equal(t, "sync-v1", cfg.Node.ServiceName)
}

func TestLoad_GeneratesPersistentIdentity(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("SYNC_REGISTRATION_KEY", "s3cret")
	t.Setenv("NODE_ID", "")
	t.Setenv("IDENTITY_DIR", filepath.Join(dir, "id"))

	first, err := Load()
	require.NoError(t, err)
	second, err := Load()
	require.NoError(t, err)

	assert.NotEmpty(t, first.Node.ID)
	assert.Equal(t, first.Node.ID, second.Node.ID)
}

func TestValidate_RejectsBadPolicy(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = "n"
	cfg.Security.RegistrationSecret = "s"
	cfg.Schema.Policy = "lenient"

	assert.Error(t, cfg.Validate())
}

func TestValidate_SweepMustFitStalenessWindow(t *testing.T) {
	cfg := Default()
	cfg.Security.RegistrationSecret = "s"
	cfg.Discovery.SweepInterval = time.Minute

	assert.Error(t, cfg.Validate())
}

func TestYAML_OmitsSecret(t *testing.T) {
	cfg := Default()
	cfg.Security.RegistrationSecret = "do-not-print"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "do-not-print")
}
