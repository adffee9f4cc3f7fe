package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Day is the length of one calendar day in milliseconds.
	Day = int64(24 * time.Hour / time.Millisecond)

	// MiB is one mebibyte.
	MiB = int64(1024 * 1024)

	DefaultMaxFileBytes  = 10 * MiB
	DefaultRetentionDays = 7
	DefaultMinFreeBytes  = 50 * MiB
)

// ErrConfigInvalid is returned when a configuration is missing a path or a key.
var ErrConfigInvalid = errors.New("config invalid")

// Config is supplied once at startup and is immutable thereafter.
type Config struct {
	// CachePath is the directory holding the un-flushed write buffer
	CachePath string `yaml:"cachePath" json:"cachePath"`

	// LogDirPath is the directory holding the encrypted day files
	LogDirPath string `yaml:"logDirPath" json:"logDirPath"`

	// EncryptKey is the 16 byte AES-128 key
	EncryptKey []byte `yaml:"-" json:"-"`

	// EncryptIV is the 16 byte CBC initialisation vector
	EncryptIV []byte `yaml:"-" json:"-"`

	// MaxFileBytes is the size at which a day file is rotated
	MaxFileBytes int64 `yaml:"maxFileBytes" json:"maxFileBytes"`

	// RetentionDays is how many days of files are kept on disk
	RetentionDays int `yaml:"retentionDays" json:"retentionDays"`

	// MinFreeBytes is the free space required on the log volume to keep writing
	MinFreeBytes int64 `yaml:"minFreeBytes" json:"minFreeBytes"`

	Debug bool `yaml:"debug" json:"debug"`
}

// fileConfig is the on-disk shape; keys are carried as text.
type fileConfig struct {
	Config     `yaml:",inline"`
	EncryptKey string `yaml:"encryptKey" json:"encryptKey"`
	EncryptIV  string `yaml:"encryptIv" json:"encryptIv"`
}

// Default returns a configuration populated with the default limits and no paths or keys.
func Default() Config {
	return Config{
		MaxFileBytes:  DefaultMaxFileBytes,
		RetentionDays: DefaultRetentionDays,
		MinFreeBytes:  DefaultMinFreeBytes,
	}
}

// Valid reports whether both paths and both keys are present.
func (c Config) Valid() bool {
	return c.Validate() == nil
}

// Validate returns ErrConfigInvalid describing the first missing field.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.CachePath) == "":
		return fmt.Errorf("%w: cache path is empty", ErrConfigInvalid)
	case strings.TrimSpace(c.LogDirPath) == "":
		return fmt.Errorf("%w: log dir path is empty", ErrConfigInvalid)
	case len(c.EncryptKey) == 0:
		return fmt.Errorf("%w: encrypt key is empty", ErrConfigInvalid)
	case len(c.EncryptIV) == 0:
		return fmt.Errorf("%w: encrypt iv is empty", ErrConfigInvalid)
	}
	return nil
}

// WithDefaults fills zero or negative limits with their defaults.
func (c Config) WithDefaults() Config {
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.MinFreeBytes <= 0 {
		c.MinFreeBytes = DefaultMinFreeBytes
	}
	return c
}

// Load reads a YAML or JSON configuration file, chosen by extension.
// Missing limits are filled with defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	fc := fileConfig{Config: Default()}

	if strings.HasSuffix(strings.ToLower(path), ".json") {
		if err := json.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	cfg := fc.Config
	if fc.EncryptKey != "" {
		cfg.EncryptKey = []byte(fc.EncryptKey)
	}
	if fc.EncryptIV != "" {
		cfg.EncryptIV = []byte(fc.EncryptIV)
	}

	return cfg.WithDefaults(), nil
}
