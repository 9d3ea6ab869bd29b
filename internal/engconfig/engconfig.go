// Package engconfig holds the install engine's configuration, deserialised
// from YAML the way the teacher's configuration.Configuration is: a Version
// field gates schema evolution, nested structs group related settings.
// Credential-file *parsing* is out of scope (spec.md Non-goals); Config only
// accepts an already-parsed credential table supplied by the caller.
package engconfig

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v2"
)

// Version is the configuration schema version.
type Version string

const V1 Version = "1"

// Credentials is one registry's auth configuration. Exactly one of Token,
// or Username+Password, or EncodedBasic should be set.
type Credentials struct {
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	EncodedBasic string `yaml:"encodedBasic,omitempty"`
	Token        string `yaml:"token,omitempty"`
}

// Concurrency bounds the engine's worker pools (spec.md §5).
type Concurrency struct {
	// ResolverWorkers bounds concurrent packument/tarball fetches during
	// resolution. Zero means "use GOMAXPROCS".
	ResolverWorkers int `yaml:"resolverWorkers,omitempty"`
	// RealiserWorkers bounds concurrent node_modules placements. Zero means
	// min(64, 4*CPU) per spec.md §4.8.
	RealiserWorkers int `yaml:"realiserWorkers,omitempty"`
}

// Realise controls graph-realisation behavior (spec.md §4.8).
type Realise struct {
	// Validate forces re-hashing every on-disk file against its recorded
	// integrity before skipping it, rather than trusting a prior placement.
	Validate bool `yaml:"validate,omitempty"`
	// PreferCopy forces full copies instead of hardlinks, trading disk for
	// isolation between projects sharing a CAS.
	PreferCopy bool `yaml:"preferCopy,omitempty"`
}

// HTTP configures the registry client (spec.md §4.3/§5).
type HTTP struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout,omitempty"`
	MaxRetries     int           `yaml:"maxRetries,omitempty"`
	MaxIdlePerHost int           `yaml:"maxIdlePerHost,omitempty"`
}

// Config is the engine's top-level configuration document.
type Config struct {
	Version Version `yaml:"version"`

	// CacheDir is the CAS root (spec.md §6). Empty means the caller's
	// platform default cache directory.
	CacheDir string `yaml:"cacheDir,omitempty"`

	// Registry is the default registry base URL.
	Registry string `yaml:"registry,omitempty"`

	// Credentials maps a "nerf-darted" registry key ("//host[/path]") to
	// its credentials (spec.md §4.3 auth middleware).
	Credentials map[string]Credentials `yaml:"credentials,omitempty"`

	Concurrency Concurrency `yaml:"concurrency,omitempty"`
	Realise     Realise     `yaml:"realise,omitempty"`
	HTTP        HTTP        `yaml:"http,omitempty"`
}

// Default returns a Config with the engine's documented defaults.
func Default() Config {
	return Config{
		Version:  V1,
		Registry: "https://registry.npmjs.org",
		HTTP: HTTP{
			ConnectTimeout: 30 * time.Second,
			MaxRetries:     3,
			MaxIdlePerHost: 20,
		},
	}
}

// Parse reads a YAML configuration document, applying defaults for any
// field the document leaves zero.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("engconfig: parse: %w", err)
	}
	if cfg.Version == "" {
		cfg.Version = V1
	}
	if cfg.Version != V1 {
		return Config{}, fmt.Errorf("engconfig: unsupported config version %q", cfg.Version)
	}
	return cfg, nil
}
