// Package config loads the bridge's configuration file.
//
// The format is dnsmasq-style: one "optionName value" per line, # comments,
// blank lines ignored. A [section] header prefixes the keys that follow it,
// so
//
//	[browser]
//	remote ws://127.0.0.1:9222/devtools/browser/abc
//
// sets browser.remote. An empty header ([]) returns to unprefixed keys.
package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config is a parsed configuration file.
type Config struct {
	// Values maps fully qualified keys to their raw string values.
	Values map[string]string
	// Warnings holds validation issues found while loading.
	Warnings []string
}

// NewConfig returns an empty configuration.
func NewConfig() *Config {
	return &Config{Values: make(map[string]string)}
}

// LoadFromPath reads the configuration at path. A missing file yields an
// empty configuration. The path must not be a symlink.
func LoadFromPath(path string) (*Config, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("config: stat: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("config: symlink not allowed: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses a configuration and validates it against
// DefaultSchema. Validation problems become warnings, not errors.
func LoadFromReader(r io.Reader) (*Config, error) {
	c := NewConfig()
	scanner := bufio.NewScanner(r)
	prefix := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			prefix = strings.TrimSpace(line[1 : len(line)-1])
			if prefix != "" {
				prefix += "."
			}
			continue
		}

		name, value, _ := strings.Cut(line, " ")
		c.Values[prefix+name] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	for _, issue := range ValidateConfig(c, DefaultSchema()) {
		c.addWarning("%s", issue)
	}
	return c, nil
}

func (c *Config) addWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.Warnings = append(c.Warnings, msg)
	slog.Warn("config: " + msg)
}

// Get returns the raw value for key.
func (c *Config) Get(key string) (string, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// Set stores a raw value, as a command-line override does.
func (c *Config) Set(key, value string) {
	c.Values[key] = value
}

// parseBool accepts true/false, 1/0, yes/no and on/off, case-insensitively.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", s)
	}
}
