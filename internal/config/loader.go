package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	RegistryPath string `json:"registry_path" yaml:"registry_path" toml:"registry_path"`
	StorageDir   string `json:"storage_dir" yaml:"storage_dir" toml:"storage_dir"`

	Workers       int `json:"workers" yaml:"workers" toml:"workers"`
	QueueDepth    int `json:"queue_depth" yaml:"queue_depth" toml:"queue_depth"`
	JobTimeoutSec int `json:"job_timeout_sec" yaml:"job_timeout_sec" toml:"job_timeout_sec"`

	CacheDisabled   bool `json:"cache_disabled" yaml:"cache_disabled" toml:"cache_disabled"`
	CacheMaxEntries int  `json:"cache_max_entries" yaml:"cache_max_entries" toml:"cache_max_entries"`

	MaxUploadMB int      `json:"max_upload_mb" yaml:"max_upload_mb" toml:"max_upload_mb"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// JobTimeout maps the configured per-job deadline to a manager setting:
// positive seconds become a duration, zero means unset (the manager default
// applies), and a negative value disables the deadline.
func (c Config) JobTimeout() time.Duration {
	if c.JobTimeoutSec < 0 {
		return -1
	}
	return time.Duration(c.JobTimeoutSec) * time.Second
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
