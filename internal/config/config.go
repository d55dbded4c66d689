// Package config loads the zkpeers configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"go.uber.org/multierr"

	"github.com/thinker0/go.zkdiscovery/pkg/discovery"
)

// EnvHosts overrides discovery.hosts when set.
const EnvHosts = "ZK_HOSTS"

// Config is the root of the configuration file.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	HTTP      HTTPConfig       `yaml:"http"`
	Discovery discovery.Config `yaml:"discovery"`
}

// LogConfig selects the zap logger level and encoding.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HTTPConfig is the listen address of the peers API.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:       LogConfig{Level: "info"},
		HTTP:      HTTPConfig{Listen: ":8080"},
		Discovery: discovery.DefaultConfig(),
	}
}

// Load reads path with Read and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Read decodes path on top of Default and applies the environment. An empty
// path skips the file.
func Read(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if hosts := os.Getenv(EnvHosts); hosts != "" {
		cfg.Discovery.Hosts = strings.Split(hosts, ",")
	}
	return cfg, nil
}

// Validate checks every section and reports all problems together.
func (c Config) Validate() error {
	var err error
	if c.HTTP.Listen == "" {
		err = multierr.Append(err, fmt.Errorf("http.listen must be set"))
	}
	if c.Log.Level == "" {
		err = multierr.Append(err, fmt.Errorf("log.level must be set"))
	}
	return multierr.Append(err, c.Discovery.Validate())
}
