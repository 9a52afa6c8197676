package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"modelprobe/internal/formats"
	"modelprobe/internal/identity"
	"modelprobe/internal/search"
)

// Config holds runtime parameters for the CLI and the server.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	Addr           string   `json:"addr" yaml:"addr" toml:"addr"`
	Roots          []string `json:"roots" yaml:"roots" toml:"roots"`
	Include        []string `json:"include" yaml:"include" toml:"include"`
	Exclude        []string `json:"exclude" yaml:"exclude" toml:"exclude"`
	Extensions     []string `json:"extensions" yaml:"extensions" toml:"extensions"`
	FollowSymlinks bool     `json:"follow_symlinks" yaml:"follow_symlinks" toml:"follow_symlinks"`
	MaxDepth       int      `json:"max_depth" yaml:"max_depth" toml:"max_depth"`
	Hash           Hash     `json:"hash" yaml:"hash" toml:"hash"`
	Limits         Limits   `json:"limits" yaml:"limits" toml:"limits"`
	LogLevel       string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat      string   `json:"log_format" yaml:"log_format" toml:"log_format"`
	CORS           CORS     `json:"cors" yaml:"cors" toml:"cors"`
}

// Hash selects how content identifiers are computed.
type Hash struct {
	Algorithm   string `json:"algorithm" yaml:"algorithm" toml:"algorithm"`
	Mode        string `json:"mode" yaml:"mode" toml:"mode"`
	SampleBytes int64  `json:"sample_bytes" yaml:"sample_bytes" toml:"sample_bytes"`
}

// Limits cap how much the format readers may read.
type Limits struct {
	MaxHeaderBytes   int64 `json:"max_header_bytes" yaml:"max_header_bytes" toml:"max_header_bytes"`
	MaxPickleBytes   int64 `json:"max_pickle_bytes" yaml:"max_pickle_bytes" toml:"max_pickle_bytes"`
	MaxManifestBytes int64 `json:"max_manifest_bytes" yaml:"max_manifest_bytes" toml:"max_manifest_bytes"`
	MaxProtoFields   int   `json:"max_proto_fields" yaml:"max_proto_fields" toml:"max_proto_fields"`
}

// CORS configures the HTTP server's cross-origin policy.
type CORS struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

const (
	DefaultAddr      = ":8080"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Defaults fills unspecified fields.
func (c Config) Defaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if len(c.Extensions) == 0 {
		c.Extensions = append([]string(nil), formats.WeightExts...)
	}
	if c.Hash.Algorithm == "" {
		c.Hash.Algorithm = string(digest.SHA256)
	}
	if c.Hash.Mode == "" {
		c.Hash.Mode = string(identity.ModeSampled)
	}
	if c.Hash.SampleBytes == 0 {
		c.Hash.SampleBytes = identity.DefaultSampleBytes
	}
	d := formats.DefaultLimits()
	if c.Limits.MaxHeaderBytes == 0 {
		c.Limits.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.Limits.MaxPickleBytes == 0 {
		c.Limits.MaxPickleBytes = d.MaxPickleBytes
	}
	if c.Limits.MaxManifestBytes == 0 {
		c.Limits.MaxManifestBytes = d.MaxManifestBytes
	}
	if c.Limits.MaxProtoFields == 0 {
		c.Limits.MaxProtoFields = d.MaxProtoFields
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	return c
}

// Validate rejects settings the probe cannot run with.
func (c Config) Validate() error {
	if c.Hash.Algorithm != "" {
		if _, err := identity.ParseAlgorithm(c.Hash.Algorithm); err != nil {
			return err
		}
	}
	switch identity.Mode(c.Hash.Mode) {
	case "", identity.ModeSampled, identity.ModeFull:
	default:
		return fmt.Errorf("unknown hash mode %q", c.Hash.Mode)
	}
	if c.Hash.SampleBytes < 0 {
		return fmt.Errorf("hash.sample_bytes must not be negative")
	}
	if c.Limits.MaxHeaderBytes < 0 || c.Limits.MaxPickleBytes < 0 || c.Limits.MaxManifestBytes < 0 || c.Limits.MaxProtoFields < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must not be negative")
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return c.SearchRules().Validate()
}

// SearchRules converts the traversal settings.
func (c Config) SearchRules() search.Rules {
	return search.Rules{
		Include:        c.Include,
		Exclude:        c.Exclude,
		Extensions:     c.Extensions,
		FollowSymlinks: c.FollowSymlinks,
		MaxDepth:       c.MaxDepth,
	}
}

// HashOptions converts the hash settings. Call Validate first.
func (c Config) HashOptions() identity.Options {
	alg, _ := identity.ParseAlgorithm(c.Hash.Algorithm)
	return identity.Options{Algorithm: alg, Mode: identity.Mode(c.Hash.Mode), SampleBytes: c.Hash.SampleBytes}
}

// ReaderLimits converts the reader limits.
func (c Config) ReaderLimits() formats.Limits {
	return formats.Limits{
		MaxHeaderBytes:   c.Limits.MaxHeaderBytes,
		MaxPickleBytes:   c.Limits.MaxPickleBytes,
		MaxManifestBytes: c.Limits.MaxManifestBytes,
		MaxProtoFields:   c.Limits.MaxProtoFields,
	}
}
