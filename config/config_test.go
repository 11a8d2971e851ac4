package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorekeeper/scorekeeper-core/internal/domain/shared"
)

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, 3, cfg.Storage.WriteRetries)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.AutoSaveInterval)
	assert.Equal(t, time.UTC, cfg.App.Location)
	assert.Equal(t, shared.RuntimeVersion, cfg.RuntimeVersion())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFile_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scorekeeper.yaml")
	yaml := `
storage:
  data_dir: /var/lib/scorekeeper
  write_retries: 5
observer:
  rank_max_tps: 4
log:
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("SCOREKEEPER_STORAGE_DATA_DIR", filepath.Join(dir, "override"))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "override"), cfg.Storage.DataDir)
	assert.Equal(t, 5, cfg.Storage.WriteRetries)
	assert.InDelta(t, 4.0, cfg.Observer.RankMaxTPS, 1e-9)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := &Config{
		App:      AppConfig{Version: "one"},
		Observer: ObserverConfig{OverloadRatio: 2},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.data_dir")
	assert.Contains(t, err.Error(), "app.version")
	assert.Contains(t, err.Error(), "observer.overload_ratio")
}
