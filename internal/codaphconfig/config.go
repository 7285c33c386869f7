// Package codaphconfig loads the PipelineConfig the Ingest Pipeline,
// History Sync Projector and Remote Memory Sync are constructed from a
// single explicit struct, never read from globals.
//
// Loading layers YAML for the on-disk shape, viper for env-var
// and file overlay,
// and an optional local TOML override file (internal/recipes/recipes.go's
// toml.Unmarshal usage) for knobs a developer wants outside version
// control.
package codaphconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// PipelineConfig is the single configuration surface the core components
// accept at construction.
type PipelineConfig struct {
	RepoID              string        `yaml:"repoId" toml:"repoId"`
	MirrorRoot          string        `yaml:"mirrorRoot" toml:"mirrorRoot"`
	MemoryEndpoint      string        `yaml:"memoryEndpoint" toml:"memoryEndpoint"`
	MemoryAPIKey        string        `yaml:"memoryApiKey" toml:"memoryApiKey"`
	MemoryWriteEnabled  bool          `yaml:"memoryWriteEnabled" toml:"memoryWriteEnabled"`
	MemoryWriteTimeout  time.Duration `yaml:"memoryWriteTimeoutMs" toml:"memoryWriteTimeoutMs"`
	MemoryBatchSize     int           `yaml:"memoryBatchSize" toml:"memoryBatchSize"`
	MemoryFlushInterval time.Duration `yaml:"memoryFlushIntervalMs" toml:"memoryFlushIntervalMs"`
	MemoryMaxConcurrent int           `yaml:"memoryMaxConcurrent" toml:"memoryMaxConcurrent"`
	RunIDPrefix         string        `yaml:"runIdPrefix" toml:"runIdPrefix"`

	HistorySyncSourceDir   string `yaml:"historySyncSourceDir" toml:"historySyncSourceDir"`
	HistorySyncProjectRoot string `yaml:"historySyncProjectRoot" toml:"historySyncProjectRoot"`
	LegacyCursorRecovery   bool   `yaml:"legacyCursorRecovery" toml:"legacyCursorRecovery"`
}

// defaults sets the baseline configuration, including
// legacyCursorRecovery, which defaults to true for observability
// rather than silent permanence.
func defaults() PipelineConfig {
	return PipelineConfig{
		MirrorRoot:           ".codaph",
		MemoryWriteEnabled:   false,
		MemoryWriteTimeout:   10 * time.Second,
		MemoryBatchSize:      1,
		MemoryFlushInterval:  2 * time.Second,
		MemoryMaxConcurrent:  4,
		RunIDPrefix:          "codaph",
		LegacyCursorRecovery: true,
	}
}

// Load reads configPath (config.yaml), overlays environment variables
// via viper (prefixed CODAPH_), and then applies an optional sibling
// .codaph.toml local override file, in precedence order: file defaults
// < env overlay < local override.
func Load(configPath string) (PipelineConfig, error) {
	cfg := defaults()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			b, err := os.ReadFile(configPath) // #nosec G304 - operator-provided path
			if err != nil {
				return cfg, fmt.Errorf("codaphconfig: read %s: %w", configPath, err)
			}
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("codaphconfig: parse %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("codaphconfig: stat %s: %w", configPath, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("CODAPH")
	v.AutomaticEnv()
	applyEnvOverlay(v, &cfg)

	if localPath := localOverridePath(configPath); localPath != "" {
		if _, err := os.Stat(localPath); err == nil {
			if _, err := toml.DecodeFile(localPath, &cfg); err != nil {
				return cfg, fmt.Errorf("codaphconfig: parse local override %s: %w", localPath, err)
			}
		}
	}

	return cfg, nil
}

// applyEnvOverlay overlays CODAPH_-prefixed environment variables onto
// cfg using viper.
func applyEnvOverlay(v *viper.Viper, cfg *PipelineConfig) {
	if s := v.GetString("REPO_ID"); s != "" {
		cfg.RepoID = s
	}
	if s := v.GetString("MIRROR_ROOT"); s != "" {
		cfg.MirrorRoot = s
	}
	if s := v.GetString("MEMORY_ENDPOINT"); s != "" {
		cfg.MemoryEndpoint = s
	}
	if s := v.GetString("MEMORY_API_KEY"); s != "" {
		cfg.MemoryAPIKey = s
	}
	if v.IsSet("MEMORY_WRITE_ENABLED") {
		cfg.MemoryWriteEnabled = v.GetBool("MEMORY_WRITE_ENABLED")
	}
}

// localOverridePath returns the .codaph.toml path sitting alongside
// configPath's directory, or "" if configPath is empty.
func localOverridePath(configPath string) string {
	if configPath == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(configPath), ".codaph.toml")
}
