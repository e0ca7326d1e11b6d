// Package config loads and persists the gateway's runtime
// configuration from ~/.tmuxmobile. The file is JSON by default; YAML
// works too when the file carries a .yaml or .yml extension.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tmuxmobile/gateway/internal/auth"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidConfig  = errors.New("invalid config")
)

const (
	// Defaults applied to absent or zero-valued fields on load.
	DefaultPort            = 7788
	DefaultHost            = "0.0.0.0"
	DefaultSession         = "main"
	DefaultScrollbackLines = 1000
	DefaultPollIntervalMs  = 2500
	DefaultFrontendDir     = "frontend/dist"

	// MinPollIntervalMs bounds how hard the monitor may hammer tmux.
	MinPollIntervalMs = 250
)

// configNames are the file names probed under Dir, in preference order.
var configNames = []string{"config.json", "config.yaml", "config.yml"}

// Config is the gateway's runtime configuration.
type Config struct {
	Port            int    `json:"port" yaml:"port"`
	Host            string `json:"host" yaml:"host"`
	Password        string `json:"password,omitempty" yaml:"password,omitempty"`
	DefaultSession  string `json:"defaultSession" yaml:"defaultSession"`
	ScrollbackLines int    `json:"scrollbackLines" yaml:"scrollbackLines"`
	PollIntervalMs  int    `json:"pollIntervalMs" yaml:"pollIntervalMs"`
	Token           string `json:"token" yaml:"token"`
	FrontendDir     string `json:"frontendDir" yaml:"frontendDir"`

	// path is the file this config was loaded from or should be saved
	// to. Not serialized.
	path string `json:"-" yaml:"-"`
}

// Dir returns the directory holding the gateway's files, ~/.tmuxmobile.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".tmuxmobile"), nil
}

// DefaultPath returns the path a freshly created config is written to.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Find locates an existing config file under Dir, probing config.json,
// config.yaml and config.yml in that order.
func Find() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	for _, name := range configNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no config under %s", ErrConfigNotFound, dir)
}

// CreateDefault builds a config with default values bound to the given
// file path. The token is left empty; callers mint one before saving.
func CreateDefault(configPath string) *Config {
	return &Config{
		Port:            DefaultPort,
		Host:            DefaultHost,
		DefaultSession:  DefaultSession,
		ScrollbackLines: DefaultScrollbackLines,
		PollIntervalMs:  DefaultPollIntervalMs,
		FrontendDir:     DefaultFrontendDir,
		path:            configPath,
	}
}

// Load reads and validates the config at the given path. Absent fields
// pick up defaults. A config without a token gets a freshly generated
// one, persisted back to the same file so reconnecting clients keep
// working across restarts.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configPath)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := decode(configPath, data, cfg); err != nil {
		return nil, err
	}
	cfg.path = configPath
	cfg.applyDefaults()

	minted := false
	if cfg.Token == "" {
		token, err := auth.GenerateToken()
		if err != nil {
			return nil, err
		}
		cfg.Token = token
		minted = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if minted {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to persist generated token: %w", err)
		}
	}
	return cfg, nil
}

// EnsureExists loads the config, creating a default one with a fresh
// token on first run. The second return reports whether a new file was
// written.
func EnsureExists() (*Config, bool, error) {
	path, err := Find()
	if err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	}
	if !errors.Is(err, ErrConfigNotFound) {
		return nil, false, err
	}

	path, err = DefaultPath()
	if err != nil {
		return nil, false, err
	}
	cfg := CreateDefault(path)
	token, err := auth.GenerateToken()
	if err != nil {
		return nil, false, err
	}
	cfg.Token = token
	if err := cfg.Save(); err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// Save writes the config to the path it was loaded from or created
// with. The file is written to a temporary name and renamed so readers
// never observe a half-written config. Mode 0600: the file carries the
// token and optionally a password.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config path not set: use Load or CreateDefault")
	}

	dir := filepath.Dir(c.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := c.encode()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// Validate checks field ranges. It runs after defaults are applied, so
// only values the user set explicitly can fail.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535 (got %d)", ErrInvalidConfig, c.Port)
	}
	if c.ScrollbackLines < 1 {
		return fmt.Errorf("%w: scrollbackLines must be >= 1 (got %d)", ErrInvalidConfig, c.ScrollbackLines)
	}
	if c.PollIntervalMs < MinPollIntervalMs {
		return fmt.Errorf("%w: pollIntervalMs must be >= %d (got %d)", ErrInvalidConfig, MinPollIntervalMs, c.PollIntervalMs)
	}
	if !isURLSafe(c.Token) {
		return fmt.Errorf("%w: token must contain only URL-safe characters", ErrInvalidConfig)
	}
	return nil
}

// Addr returns the host:port the server binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PollInterval returns the state polling cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// PasswordRequired reports whether clients must present a password in
// addition to the token.
func (c *Config) PasswordRequired() bool {
	return c.Password != ""
}

// Path returns the file backing this config.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.DefaultSession == "" {
		c.DefaultSession = DefaultSession
	}
	if c.ScrollbackLines == 0 {
		c.ScrollbackLines = DefaultScrollbackLines
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = DefaultPollIntervalMs
	}
	if c.FrontendDir == "" {
		c.FrontendDir = DefaultFrontendDir
	}
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			// Point at the offending spot for hand-edited files.
			if syntaxErr, ok := err.(*json.SyntaxError); ok {
				line, col := offsetToLineCol(data, syntaxErr.Offset)
				return fmt.Errorf("%w: %s (line %d, column %d)", ErrInvalidConfig, syntaxErr.Error(), line, col)
			}
			if typeErr, ok := err.(*json.UnmarshalTypeError); ok {
				line, col := offsetToLineCol(data, typeErr.Offset)
				return fmt.Errorf("%w: field %q expects %s, got %s (line %d, column %d)",
					ErrInvalidConfig, typeErr.Field, typeErr.Type, typeErr.Value, line, col)
			}
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c *Config) encode() ([]byte, error) {
	switch strings.ToLower(filepath.Ext(c.path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(c)
	default:
		return json.MarshalIndent(c, "", "  ")
	}
}

// isURLSafe reports whether s is limited to unreserved URL characters,
// so the token can ride in a query string without escaping.
func isURLSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '~':
		default:
			return false
		}
	}
	return true
}

// offsetToLineCol converts a byte offset to line and column numbers
// (1-indexed).
func offsetToLineCol(data []byte, offset int64) (line, col int) {
	line = 1
	col = 1
	for i := int64(0); i < offset && i < int64(len(data)); i++ {
		if data[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}
