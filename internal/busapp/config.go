// Package busapp holds the ambient process configuration for the
// example bus daemon in cmd/busd: where to find the service-config XML
// the ConfigLoader should read, what to log at, and a listen address
// (cmd/busd opens no listener on it). This is distinct from the
// domain configuration ConfigLoader itself reads (busconfig), matching
// how the teacher keeps its own YAML process config
// (internal/config/config.go) separate from any domain-specific
// declarative config format.
package busapp

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order: an explicit
// path always wins; otherwise the working directory, the user's config
// dir, a container convention path, and /etc, in that order.
func DefaultSearchPaths() []string {
	paths := []string{"busd.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gobus", "busd.yaml"))
	}

	paths = append(paths, "/config/busd.yaml")
	paths = append(paths, "/etc/gobus/busd.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty it must
// exist. Otherwise DefaultSearchPaths is searched in order and the
// first existing path is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds the ambient process configuration for cmd/busd.
type Config struct {
	Listen       ListenConfig      `yaml:"listen"`
	ServiceFiles []string          `yaml:"service_files"`
	Tokens       map[string]string `yaml:"tokens"`
	AuditDBPath  string            `yaml:"audit_db_path"`
	LogLevel     string            `yaml:"log_level"`
}

// ListenConfig is the listen address and port read from the config
// file. cmd/busd does not open a listener or serve an endpoint on it.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Load reads and parses the YAML config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
