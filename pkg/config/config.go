// Package config loads yaml, json or toml configuration files, expands
// ${ENV_VAR} references and decodes the result into tagged structs.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dongjinleekr/armeria/pkg/mapstruct"
)

// Config holds a parsed configuration tree.
type Config struct {
	data   map[string]any
	format Format
}

// Load reads and parses the file at path. The format follows the file
// extension (.json/.yaml/.yml/.toml). String values may reference
// environment variables as ${VAR} or ${VAR:default}.
func Load(path string) (*Config, error) {
	format := detectFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("config: cannot detect format of %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return LoadBytes(data, format)
}

// LoadBytes parses raw configuration content in the given format.
func LoadBytes(data []byte, format Format) (*Config, error) {
	tree, err := parse(data, format)
	if err != nil {
		return nil, err
	}
	expandEnv(tree)
	return &Config{data: tree, format: format}, nil
}

// MustLoad is Load, panicking on error. For use during startup.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// MustUnmarshal loads the file at path and decodes it into target,
// panicking on error. The usual entry point in main functions.
func MustUnmarshal(path string, target any) {
	if err := MustLoad(path).Unmarshal(target); err != nil {
		panic(fmt.Errorf("config: unmarshal %s: %w", path, err))
	}
}

// Unmarshal decodes the whole tree into target using the struct tags of the
// source format.
func (c *Config) Unmarshal(target any) error {
	return mapstruct.New().WithTagName(tagForFormat(c.format)).Decode(c.data, target)
}

// UnmarshalKey decodes the subtree at the dotted key into target.
func (c *Config) UnmarshalKey(key string, target any) error {
	v, ok := c.Get(key)
	if !ok {
		return fmt.Errorf("config: key %q not found", key)
	}
	sub, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("config: key %q is a %T, not a section", key, v)
	}
	return mapstruct.New().WithTagName(tagForFormat(c.format)).Decode(sub, target)
}

// Get looks up a value by dotted path, e.g. "etcd.endpoints".
func (c *Config) Get(key string) (any, bool) {
	current := c.data
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	v, ok := current[parts[len(parts)-1]]
	return v, ok
}

// Has reports whether the dotted key exists.
func (c *Config) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// GetString returns the string at key, or "" when absent or not a string.
func (c *Config) GetString(key string) string {
	if v, ok := c.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetInt returns the integer at key, or 0 when absent or not numeric.
func (c *Config) GetInt(key string) int {
	if v, ok := c.Get(key); ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// GetBool returns the bool at key, or false when absent or not a bool.
func (c *Config) GetBool(key string) bool {
	if v, ok := c.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// GetDuration returns the duration at key, parsed with time.ParseDuration,
// or 0 when absent or malformed.
func (c *Config) GetDuration(key string) time.Duration {
	if s := c.GetString(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return 0
}

// GetStringSlice returns the string list at key, or nil.
func (c *Config) GetStringSlice(key string) []string {
	v, ok := c.Get(key)
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Section returns the subtree at key, or an empty map.
func (c *Config) Section(key string) map[string]any {
	if v, ok := c.Get(key); ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv rewrites ${VAR} and ${VAR:default} references in every string of
// the tree. An unset or empty variable falls back to the default, or "".
func expandEnv(tree map[string]any) {
	for k, v := range tree {
		tree[k] = expandValue(v)
	}
}

func expandValue(v any) any {
	switch t := v.(type) {
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(m string) string {
			expr := m[2 : len(m)-1]
			name, def, _ := strings.Cut(expr, ":")
			if val := os.Getenv(name); val != "" {
				return val
			}
			return def
		})
	case map[string]any:
		expandEnv(t)
		return t
	case []any:
		for i, item := range t {
			t[i] = expandValue(item)
		}
		return t
	default:
		return v
	}
}
