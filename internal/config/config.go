// Package config loads the service's environment-variable configuration
// into a typed struct, parsed once at startup (no flag-parsing framework:
// argument parsing is out of scope, and the teacher's own main.go reaches
// for the stdlib flag package directly for its one CLI surface, so
// cmd/repod does too for its single -migrate flag).
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/aptpub/controlplane/internal/mirror"
)

// Config is every environment-derived setting the service needs at startup.
type Config struct {
	// DatabaseDSN is the Postgres connection string for the catalog store
	// (spec §4.C).
	DatabaseDSN string

	// ListenAddr is the HTTP API's bind address (spec §6).
	ListenAddr string

	// DefaultBucket is the object-storage bucket newly created repositories
	// are assigned in single-tenant deployments.
	DefaultBucket string

	// ObjectStorageURL is a gocloud.dev/blob bucket URL (e.g.
	// "s3://my-bucket?region=us-east-1" or "file:///var/lib/aptpub/blobs"),
	// opened once at startup and shared by every repository that targets
	// DefaultBucket (spec §6 "object storage").
	ObjectStorageURL string

	// SingleTenantToken, when set, seeds a single default tenant and API
	// token at startup instead of requiring a provisioning step, for
	// small single-tenant deployments (SPEC_FULL.md AMBIENT STACK; spec §3
	// Tenant is otherwise provisioned out of band).
	SingleTenantToken string

	// ByHashGraceWindow overrides mirror.GraceWindow (spec §4.F).
	ByHashGraceWindow time.Duration

	// ReleaseDefaultsPath, if set, names a YAML file of per-deployment
	// Release field defaults (origin, label, ...) applied to every
	// repository a create-repository request doesn't fill in itself.
	ReleaseDefaultsPath string
}

// ReleaseDefaults are the Release fields a create-repository request may
// omit, applied the same way the teacher's manifest.Repository.LoadRepository
// falls back to a fixed ArchiveInfo{Origin: "deb-pm", Label: "Managed
// Repository"} when no repository exists yet on disk — here sourced from an
// operator-supplied YAML file instead of a hardcoded literal, since a
// control plane serves many tenants rather than one local checkout.
type ReleaseDefaults struct {
	Distribution string `yaml:"distribution"`
	Suite        string `yaml:"suite"`
	Codename     string `yaml:"codename"`
	Origin       string `yaml:"origin"`
	Label        string `yaml:"label"`
}

// defaultReleaseDefaults mirrors the teacher's hardcoded fallback values.
func defaultReleaseDefaults() ReleaseDefaults {
	return ReleaseDefaults{
		Distribution: "stable",
		Suite:        "stable",
		Codename:     "stable",
		Origin:       "aptpub",
		Label:        "Managed Repository",
	}
}

// LoadReleaseDefaults reads path as YAML into a ReleaseDefaults, applying
// defaultReleaseDefaults for any field path's document doesn't set. An
// empty path returns defaultReleaseDefaults unmodified.
func LoadReleaseDefaults(path string) (ReleaseDefaults, error) {
	defaults := defaultReleaseDefaults()
	if path == "" {
		return defaults, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ReleaseDefaults{}, fmt.Errorf("config: reading release defaults %s: %w", path, err)
	}
	var overrides ReleaseDefaults
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&overrides); err != nil {
		return ReleaseDefaults{}, fmt.Errorf("config: parsing release defaults %s: %w", path, err)
	}

	if overrides.Distribution != "" {
		defaults.Distribution = overrides.Distribution
	}
	if overrides.Suite != "" {
		defaults.Suite = overrides.Suite
	}
	if overrides.Codename != "" {
		defaults.Codename = overrides.Codename
	}
	if overrides.Origin != "" {
		defaults.Origin = overrides.Origin
	}
	if overrides.Label != "" {
		defaults.Label = overrides.Label
	}
	return defaults, nil
}

// Load reads every setting from the environment, applying the package's
// documented defaults where a variable is unset. It does not open any
// connection; callers wire DatabaseDSN/ObjectStorageURL into the catalog
// and blob packages themselves.
func Load() (Config, error) {
	cfg := Config{
		DatabaseDSN:         os.Getenv("APTPUB_DATABASE_DSN"),
		ListenAddr:          getenvDefault("APTPUB_LISTEN_ADDR", ":8080"),
		DefaultBucket:       os.Getenv("APTPUB_DEFAULT_BUCKET"),
		ObjectStorageURL:    os.Getenv("APTPUB_OBJECT_STORAGE_URL"),
		SingleTenantToken:   os.Getenv("APTPUB_SINGLE_TENANT_TOKEN"),
		ByHashGraceWindow:   mirror.GraceWindow,
		ReleaseDefaultsPath: os.Getenv("APTPUB_RELEASE_DEFAULTS"),
	}

	if cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("config: APTPUB_DATABASE_DSN is required")
	}
	if cfg.ObjectStorageURL == "" {
		return Config{}, fmt.Errorf("config: APTPUB_OBJECT_STORAGE_URL is required")
	}

	if raw := os.Getenv("APTPUB_BYHASH_GRACE_WINDOW"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid APTPUB_BYHASH_GRACE_WINDOW: %w", err)
		}
		cfg.ByHashGraceWindow = d
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
