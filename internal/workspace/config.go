package workspace

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config values can be written as "250ms"
// or "1s". Bare integers are taken as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds workspace configuration, read from .outline/config.yaml.
// A missing file means defaults; unknown keys are ignored.
type Config struct {
	MirrorDebounce Duration `yaml:"mirror_debounce"`
	MirrorRetryCap Duration `yaml:"mirror_retry_cap"`
	SearchLimit    int      `yaml:"search_limit"`
	LogLevel       string   `yaml:"log_level"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		MirrorDebounce: Duration(time.Second),
		MirrorRetryCap: Duration(2 * time.Minute),
		SearchLimit:    50,
		LogLevel:       "info",
	}
}

// LoadConfig reads the workspace config file over the defaults.
func LoadConfig(root string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filepath.Join(root, AppDir, "config.yaml"))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	if cfg.MirrorDebounce <= 0 {
		cfg.MirrorDebounce = Duration(time.Second)
	}
	if cfg.MirrorRetryCap <= 0 {
		cfg.MirrorRetryCap = Duration(2 * time.Minute)
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 50
	}
	return cfg, nil
}
