package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, "database", filepath.Base(cfg.DataDir))
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polyrisk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /srv/polyrisk
source: gs://bucket/releases
fetch_timeout: 30s
retain: 5
low_coverage: 0.9
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/polyrisk", cfg.DataDir)
	require.Equal(t, "gs://bucket/releases", cfg.Source)
	require.Equal(t, 30*time.Second, cfg.FetchTimeout)
	require.Equal(t, 5, cfg.Retain)
	require.InDelta(t, 0.9, cfg.LowCoverage, 1e-12)

	// Unset keys keep their defaults
	require.Equal(t, 100000, cfg.MaxVariantsPerScore)
	require.Equal(t, 10, cfg.TopContributors)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polyrisk.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retain: 0\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
