package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aptpub/controlplane/internal/mirror"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APTPUB_DATABASE_DSN",
		"APTPUB_LISTEN_ADDR",
		"APTPUB_DEFAULT_BUCKET",
		"APTPUB_OBJECT_STORAGE_URL",
		"APTPUB_SINGLE_TENANT_TOKEN",
		"APTPUB_BYHASH_GRACE_WINDOW",
		"APTPUB_RELEASE_DEFAULTS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadRequiresDatabaseDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("APTPUB_OBJECT_STORAGE_URL", "mem://")

	if _, err := Load(); err == nil {
		t.Fatal("expected Load to fail without APTPUB_DATABASE_DSN")
	}
}

func TestLoadRequiresObjectStorageURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("APTPUB_DATABASE_DSN", "postgres://localhost/aptpub")

	if _, err := Load(); err == nil {
		t.Fatal("expected Load to fail without APTPUB_OBJECT_STORAGE_URL")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("APTPUB_DATABASE_DSN", "postgres://localhost/aptpub")
	t.Setenv("APTPUB_OBJECT_STORAGE_URL", "mem://")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.ByHashGraceWindow != mirror.GraceWindow {
		t.Errorf("ByHashGraceWindow = %v, want %v", cfg.ByHashGraceWindow, mirror.GraceWindow)
	}
}

func TestLoadOverridesListenAddr(t *testing.T) {
	clearEnv(t)
	t.Setenv("APTPUB_DATABASE_DSN", "postgres://localhost/aptpub")
	t.Setenv("APTPUB_OBJECT_STORAGE_URL", "mem://")
	t.Setenv("APTPUB_LISTEN_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
}

func TestLoadParsesByHashGraceWindow(t *testing.T) {
	clearEnv(t)
	t.Setenv("APTPUB_DATABASE_DSN", "postgres://localhost/aptpub")
	t.Setenv("APTPUB_OBJECT_STORAGE_URL", "mem://")
	t.Setenv("APTPUB_BYHASH_GRACE_WINDOW", "45m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ByHashGraceWindow != 45*time.Minute {
		t.Errorf("ByHashGraceWindow = %v, want %v", cfg.ByHashGraceWindow, 45*time.Minute)
	}
}

func TestLoadRejectsInvalidByHashGraceWindow(t *testing.T) {
	clearEnv(t)
	t.Setenv("APTPUB_DATABASE_DSN", "postgres://localhost/aptpub")
	t.Setenv("APTPUB_OBJECT_STORAGE_URL", "mem://")
	t.Setenv("APTPUB_BYHASH_GRACE_WINDOW", "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatal("expected Load to fail on an unparsable grace window")
	}
}

func TestLoadReleaseDefaultsEmptyPathReturnsBuiltins(t *testing.T) {
	defaults, err := LoadReleaseDefaults("")
	if err != nil {
		t.Fatalf("LoadReleaseDefaults: %v", err)
	}
	if defaults.Origin != "aptpub" || defaults.Label != "Managed Repository" {
		t.Errorf("unexpected builtin defaults: %+v", defaults)
	}
}

func TestLoadReleaseDefaultsAppliesPartialOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release-defaults.yaml")
	if err := os.WriteFile(path, []byte("origin: acme\nlabel: Acme Packages\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	defaults, err := LoadReleaseDefaults(path)
	if err != nil {
		t.Fatalf("LoadReleaseDefaults: %v", err)
	}
	if defaults.Origin != "acme" {
		t.Errorf("Origin = %q, want %q", defaults.Origin, "acme")
	}
	if defaults.Label != "Acme Packages" {
		t.Errorf("Label = %q, want %q", defaults.Label, "Acme Packages")
	}
	if defaults.Distribution != "stable" {
		t.Errorf("Distribution = %q, want the untouched builtin %q", defaults.Distribution, "stable")
	}
}

func TestLoadReleaseDefaultsRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release-defaults.yaml")
	if err := os.WriteFile(path, []byte("ooorigin: acme\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	if _, err := LoadReleaseDefaults(path); err == nil {
		t.Fatal("expected LoadReleaseDefaults to reject an unknown field")
	}
}

func TestLoadReleaseDefaultsMissingFile(t *testing.T) {
	if _, err := LoadReleaseDefaults(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected LoadReleaseDefaults to fail for a missing file")
	}
}
