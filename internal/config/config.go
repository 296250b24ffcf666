// Package config loads viewer configuration from an optional YAML file at
// ~/.docviewer/config.yaml with environment variable overrides. Flags layered
// on top by the CLI win over both.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	configDir  = ".docviewer"
	configFile = "config.yaml"

	// DefaultServiceURL is used when neither file, env, nor flag supplies one.
	DefaultServiceURL = "http://localhost:8080"
)

// Config holds the static settings of the viewer process. Session-scoped
// parameters (token, document identity) never live here; they arrive per
// invocation via the navigation payload or the viewer URL.
type Config struct {
	// ServiceURL is the base URL of the document service.
	ServiceURL string `yaml:"serviceUrl"`

	// NativeDialogs enables zenity-backed confirmation and notification
	// dialogs instead of terminal prompts.
	NativeDialogs bool `yaml:"nativeDialogs"`
}

// Path returns the full path of the config file.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configDir, configFile), nil
}

// Load reads the config file if present and applies environment overrides.
// A missing file is not an error; a malformed file is.
func Load() (*Config, error) {
	cfg := &Config{ServiceURL: DefaultServiceURL}

	path, err := Path()
	if err == nil {
		data, readErr := os.ReadFile(path)
		switch {
		case os.IsNotExist(readErr):
			log.Debug().Str("path", path).Msg("No config file, using defaults")
		case readErr != nil:
			return nil, fmt.Errorf("read config %s: %w", path, readErr)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			log.Debug().Str("path", path).Msg("Loaded config file")
		}
	}

	if v := os.Getenv("DOCVIEWER_SERVICE_URL"); v != "" {
		cfg.ServiceURL = v
	}
	if v := os.Getenv("DOCVIEWER_NATIVE_DIALOGS"); v == "1" || v == "true" {
		cfg.NativeDialogs = true
	}
	if cfg.ServiceURL == "" {
		cfg.ServiceURL = DefaultServiceURL
	}
	return cfg, nil
}
