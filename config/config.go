// Package config holds the native feature configuration handed over by the
// host or read from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotLoaded is returned when configuration is queried before it is set.
var ErrNotLoaded = errors.New("native config not loaded")

// Native carries the feature toggles interposers consult.
type Native struct {
	DisableBitmoji      bool    `yaml:"disable_bitmoji" env:"INTERPOSE_DISABLE_BITMOJI"`
	DisableMetrics      bool    `yaml:"disable_metrics" env:"INTERPOSE_DISABLE_METRICS"`
	ComposerHooks       bool    `yaml:"composer_hooks" env:"INTERPOSE_COMPOSER_HOOKS"`
	CustomEmojiFontPath *string `yaml:"custom_emoji_font_path,omitempty" env:"INTERPOSE_CUSTOM_EMOJI_FONT_PATH"`
}

// Default returns the configuration used when nothing is supplied.
func Default() Native {
	return Native{}
}

// FontPath returns the custom emoji font path, if one is set.
func (n Native) FontPath() (string, bool) {
	if n.CustomEmojiFontPath == nil || *n.CustomEmojiFontPath == "" {
		return "", false
	}
	return *n.CustomEmojiFontPath, true
}

// Load reads path, falling back to defaults when the file does not exist, and
// applies environment overrides on top.
func Load(path string) (Native, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 -- path comes from the operator.
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Native{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Native{}, fmt.Errorf("failed to parse YAML: %w", err)
			}
		}
	}

	if err := LoadFromEnv(&cfg); err != nil {
		return Native{}, fmt.Errorf("failed to load config from environment: %w", err)
	}
	return cfg, nil
}

// Store holds the configuration loaded once at startup.
type Store struct {
	mu     sync.RWMutex
	cfg    Native
	loaded bool
}

// Set replaces the stored configuration.
func (s *Store) Set(cfg Native) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.loaded = true
}

// Get returns a copy of the stored configuration.
func (s *Store) Get() (Native, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return Native{}, ErrNotLoaded
	}
	cfg := s.cfg
	if cfg.CustomEmojiFontPath != nil {
		p := *cfg.CustomEmojiFontPath
		cfg.CustomEmojiFontPath = &p
	}
	return cfg, nil
}

// MustGet is Get for callers that cannot run without configuration.
func (s *Store) MustGet() Native {
	cfg, err := s.Get()
	if err != nil {
		panic(err)
	}
	return cfg
}
