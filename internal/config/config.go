package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/user/termtrace/configs"
	"github.com/user/termtrace/internal/mux"
)

const (
	minChunkSize = mux.MinChunkSize
	maxChunkSize = 1 << 20
)

type Config struct {
	Shell       string `yaml:"shell"`
	Term        string `yaml:"term"`
	ChunkSize   int    `yaml:"chunk_size"`
	AuxFailure  string `yaml:"aux_failure"`
	ResetScreen bool   `yaml:"reset_screen"`
	ListenHost  string `yaml:"listen_host"`
	Catalog     bool   `yaml:"catalog"`
	CatalogPath string `yaml:"catalog_path"`
	LogFile     string `yaml:"log_file"`
	LogLevel    string `yaml:"log_level"`

	// ConfigPath is the file that was loaded, empty if none was found.
	ConfigPath string `yaml:"-"`
}

// Default returns the configuration shipped in configs/termtrace.yaml.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := decode(configs.DefaultConfig, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse built-in config: %w", err)
	}
	return cfg, nil
}

// Load reads the built-in defaults and overlays the config file at path.
// An empty path means DefaultPath(), which is allowed to be missing.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	explicit := path != ""
	if !explicit {
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.loadFromFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg.ConfigPath = path
	}

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := decode(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func decode(data []byte, c *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Resolve fills in derived paths and validates the result. Call it again
// after changing fields.
func (c *Config) Resolve() error {
	var err error
	if c.CatalogPath == "" {
		if c.CatalogPath, err = xdgPath("XDG_DATA_HOME", ".local/share", "sessions.db"); err != nil {
			return err
		}
	}
	if c.LogFile == "" {
		if c.LogFile, err = xdgPath("XDG_STATE_HOME", ".local/state", "termtrace.log"); err != nil {
			return err
		}
	}
	if c.CatalogPath, err = expandHome(c.CatalogPath); err != nil {
		return err
	}
	if c.LogFile, err = expandHome(c.LogFile); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.ChunkSize < minChunkSize || c.ChunkSize > maxChunkSize {
		return fmt.Errorf("invalid chunk_size %d: must be between %d and %d", c.ChunkSize, minChunkSize, maxChunkSize)
	}
	if strings.TrimSpace(c.Term) == "" {
		return errors.New("term must not be empty")
	}
	if _, err := mux.ParseAuxPolicy(c.AuxFailure); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// AuxPolicy returns the parsed aux_failure setting.
func (c *Config) AuxPolicy() mux.AuxPolicy {
	p, _ := mux.ParseAuxPolicy(c.AuxFailure)
	return p
}

// Level returns the parsed log_level setting.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Marshal renders the effective configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// DefaultPath is $XDG_CONFIG_HOME/termtrace/config.yaml.
func DefaultPath() (string, error) {
	return xdgPath("XDG_CONFIG_HOME", ".config", "config.yaml")
}

func xdgPath(env, fallback, name string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(homeDir, fallback)
	}
	return filepath.Join(base, "termtrace", name), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~")), nil
}
