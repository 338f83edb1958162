// Package config loads the desfire-tool YAML configuration file: the
// reader to use and the hex-encoded key material for each key slot the
// tool is told to manage.
package config

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/barnettlynn/desfire"
)

// Config is the top-level desfire-tool configuration document.
type Config struct {
	Runtime RuntimeConfig        `yaml:"runtime"`
	Keys    map[string]KeyConfig `yaml:"keys"`
}

// RuntimeConfig selects the PC/SC reader to use.
type RuntimeConfig struct {
	ReaderIndex *int `yaml:"reader_index"`
	Verbose     bool `yaml:"verbose"`
}

// KeyConfig names one key slot's algorithm, version and key file. The map
// key under Config.Keys (e.g. "picc_master", "app_master") is a label the
// interactive menu uses; it carries no protocol meaning.
type KeyConfig struct {
	Algorithm string `yaml:"algorithm"` // "des", "2tdea", "3tdea", "aes"
	Slot      byte   `yaml:"slot"`
	Version   int    `yaml:"version"`
	KeyFile   string `yaml:"key_file"`
}

// Load reads and validates a desfire-tool config file, resolving relative
// key_file paths against the config file's own directory.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the runtime and key sections for completeness.
func (c *Config) Validate() error {
	if c.Runtime.ReaderIndex == nil {
		return fmt.Errorf("config.runtime.reader_index is required")
	}
	if *c.Runtime.ReaderIndex < 0 {
		return fmt.Errorf("config.runtime.reader_index must be >= 0")
	}
	for label, kc := range c.Keys {
		if _, err := algorithmFromName(kc.Algorithm); err != nil {
			return fmt.Errorf("config.keys.%s: %w", label, err)
		}
		if strings.TrimSpace(kc.KeyFile) == "" {
			return fmt.Errorf("config.keys.%s.key_file is required", label)
		}
		if err := validateReadableFile(kc.KeyFile, fmt.Sprintf("config.keys.%s.key_file", label)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	for label, kc := range c.Keys {
		kc.KeyFile = resolvePath(configDir, kc.KeyFile)
		c.Keys[label] = kc
	}
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

func algorithmFromName(name string) (desfire.Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "des":
		return desfire.AlgDES, nil
	case "2tdea":
		return desfire.Alg2TDEA, nil
	case "3tdea":
		return desfire.Alg3TDEA, nil
	case "aes":
		return desfire.AlgAES, nil
	default:
		return 0, fmt.Errorf("unknown algorithm %q (want des, 2tdea, 3tdea, or aes)", name)
	}
}

// LoadKey resolves one labeled key entry into a *desfire.Key, reading and
// hex-decoding its key file.
func (c *Config) LoadKey(label string) (*desfire.Key, error) {
	kc, ok := c.Keys[label]
	if !ok {
		return nil, fmt.Errorf("config: no key labeled %q", label)
	}
	alg, err := algorithmFromName(kc.Algorithm)
	if err != nil {
		return nil, err
	}
	raw, err := LoadKeyHexFile(kc.KeyFile, alg.KeyLen())
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", label, err)
	}
	return desfire.NewKey(alg, raw, kc.Version)
}

// LoadKeyHexFile loads a key of the given byte length from a .hex file
// containing a single line of hex characters.
func LoadKeyHexFile(path string, wantLen int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(line) != wantLen*2 {
			return nil, fmt.Errorf("key must be %d hex chars, got %d", wantLen*2, len(line))
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key: %w", err)
		}
		return key, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("key file %s is empty", path)
}
