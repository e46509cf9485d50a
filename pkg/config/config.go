package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/KevoDB/ctree/pkg/compression"
	"github.com/KevoDB/ctree/pkg/format"
)

const (
	CurrentConfigVersion = 1

	// DefaultAlphabet covers digits and lowercase ASCII letters
	DefaultAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config file not found")
)

// Config describes one ctree file and the tuning of the store that owns it.
// Alphabet, Addressing and ValueCompression are fixed once the file exists.
type Config struct {
	Version int `json:"version"`

	// File layout
	Path             string `json:"path"`
	Alphabet         string `json:"alphabet"`
	Addressing       string `json:"addressing"`
	ValueCompression string `json:"value_compression"`

	// Bulk session memory limits
	ArenaCapacityMB int `json:"arena_capacity_mb"`
	CacheCeilingMB  int `json:"cache_ceiling_mb"`

	// Write handle acquisition
	BulkStartRetries int           `json:"bulk_start_retries"`
	BulkStartBackoff time.Duration `json:"bulk_start_backoff"`

	// Access coordination
	LockPollInterval time.Duration `json:"lock_poll_interval"`
	LockReaderGrace  time.Duration `json:"lock_reader_grace"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(path string) *Config {
	return &Config{
		Version: CurrentConfigVersion,

		Path:             path,
		Alphabet:         DefaultAlphabet,
		Addressing:       format.Addressing64.String(),
		ValueCompression: compression.None.String(),

		ArenaCapacityMB: 5,
		CacheCeilingMB:  5,

		BulkStartRetries: 10,
		BulkStartBackoff: 100 * time.Millisecond,

		LockPollInterval: 100 * time.Millisecond,
		LockReaderGrace:  10 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.Path == "" {
		return fmt.Errorf("%w: path not specified", ErrInvalidConfig)
	}

	if _, err := format.NewAlphabet(c.Alphabet); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if _, err := format.ParseAddressingMode(c.Addressing); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if _, err := compression.ParseCodec(c.ValueCompression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.ArenaCapacityMB <= 0 {
		return fmt.Errorf("%w: arena capacity must be positive", ErrInvalidConfig)
	}

	if c.CacheCeilingMB <= 0 {
		return fmt.Errorf("%w: cache ceiling must be positive", ErrInvalidConfig)
	}

	if c.BulkStartRetries < 0 {
		return fmt.Errorf("%w: bulk start retries must not be negative", ErrInvalidConfig)
	}

	if c.LockPollInterval <= 0 {
		return fmt.Errorf("%w: lock poll interval must be positive", ErrInvalidConfig)
	}

	if c.LockReaderGrace < 0 {
		return fmt.Errorf("%w: lock reader grace must not be negative", ErrInvalidConfig)
	}

	return nil
}

// AddressingMode returns the parsed addressing mode
func (c *Config) AddressingMode() (format.AddressingMode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return format.ParseAddressingMode(c.Addressing)
}

// Codec returns the parsed value compression codec
func (c *Config) Codec() (compression.Codec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return compression.ParseCodec(c.ValueCompression)
}

// ArenaCapacityBytes returns the bulk arena capacity in bytes
func (c *Config) ArenaCapacityBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ArenaCapacityMB * 1024 * 1024
}

// CacheCeilingBytes returns the bulk cache ceiling in bytes
func (c *Config) CacheCeilingBytes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CacheCeilingMB * 1024 * 1024
}

// LoadFromEnv applies CTREE_* environment overrides
func (c *Config) LoadFromEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if val := os.Getenv("CTREE_ALPHABET"); val != "" {
		c.Alphabet = val
	}

	if val := os.Getenv("CTREE_ADDRESSING"); val != "" {
		c.Addressing = val
	}

	if val := os.Getenv("CTREE_VALUE_COMPRESSION"); val != "" {
		c.ValueCompression = val
	}

	if val := os.Getenv("CTREE_ARENA_CAPACITY_MB"); val != "" {
		if mb, err := strconv.Atoi(val); err == nil {
			c.ArenaCapacityMB = mb
		}
	}

	if val := os.Getenv("CTREE_CACHE_CEILING_MB"); val != "" {
		if mb, err := strconv.Atoi(val); err == nil {
			c.CacheCeilingMB = mb
		}
	}

	if val := os.Getenv("CTREE_BULK_START_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.BulkStartRetries = n
		}
	}

	if val := os.Getenv("CTREE_BULK_START_BACKOFF"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.BulkStartBackoff = d
		}
	}

	if val := os.Getenv("CTREE_LOCK_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.LockPollInterval = d
		}
	}

	if val := os.Getenv("CTREE_LOCK_READER_GRACE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.LockReaderGrace = d
		}
	}
}

// LoadConfigFile reads a JSON config file
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfigFile writes the configuration as JSON through a temp file
func (c *Config) SaveConfigFile(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return writeFileAtomic(path, data)
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}

	return nil
}
