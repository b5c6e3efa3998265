// Package config holds the settings shared by the polyrisk tools. Values come
// from built-in defaults, overlaid by an optional YAML file, overlaid by
// command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/carbocation/pfx"
	"github.com/carbocation/polyrisk"
	"github.com/kardianos/osext"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// DataDir holds every catalog version.
	DataDir string `yaml:"data_dir"`

	// Source is where releases come from: a directory, an http(s) URL or a
	// gs:// path.
	Source string `yaml:"source"`

	ChunkSize           int64         `yaml:"chunk_size"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	FetchAttempts       int           `yaml:"fetch_attempts"`
	Retain              int           `yaml:"retain"`
	MaxVariantsPerScore int           `yaml:"max_variants_per_score"`

	Workers         int     `yaml:"workers"`
	TopContributors int     `yaml:"top_contributors"`
	LowCoverage     float64 `yaml:"low_coverage"`

	LogMode  string `yaml:"log_mode"`
	LogLevel string `yaml:"log_level"`

	// Listen is the address prsserve binds.
	Listen string `yaml:"listen"`
}

// DefaultDataDir is the "database" folder next to the running executable.
func DefaultDataDir() string {
	folder, err := osext.ExecutableFolder()
	if err != nil {
		return polyrisk.ExpandHome("~/.polyrisk/database")
	}
	return filepath.Join(folder, "database")
}

func Default() Config {
	return Config{
		DataDir:             DefaultDataDir(),
		ChunkSize:           4 << 20,
		FetchTimeout:        60 * time.Second,
		FetchAttempts:       5,
		Retain:              3,
		MaxVariantsPerScore: 100000,
		TopContributors:     10,
		LowCoverage:         0.8,
		LogMode:             "dev",
		LogLevel:            "info",
		Listen:              ":8080",
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(polyrisk.ExpandHome(path))
		if err != nil {
			return cfg, pfx.Err(err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, pfx.Err(fmt.Errorf("%s: %w", path, err))
		}
	}

	cfg.DataDir = polyrisk.ExpandHome(cfg.DataDir)
	cfg.Source = polyrisk.ExpandHome(cfg.Source)

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("config: fetch_timeout must be positive, got %s", c.FetchTimeout)
	}
	if c.Retain < 1 {
		return fmt.Errorf("config: retain must be at least 1, got %d", c.Retain)
	}
	if c.MaxVariantsPerScore < 1 {
		return fmt.Errorf("config: max_variants_per_score must be positive, got %d", c.MaxVariantsPerScore)
	}
	if c.LowCoverage < 0 || c.LowCoverage > 1 {
		return fmt.Errorf("config: low_coverage must be within [0, 1], got %v", c.LowCoverage)
	}
	if c.TopContributors < 0 {
		return fmt.Errorf("config: top_contributors must not be negative, got %d", c.TopContributors)
	}
	return nil
}
