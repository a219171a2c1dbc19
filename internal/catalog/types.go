// Package catalog defines the transactional relational store: component C
// of the repository state engine (spec §3, §4.C). Store is the interface
// the publish coordinator, HTTP layer and admit/retire operations depend
// on; internal/catalog/postgres implements it against Postgres and
// internal/catalog/memstore implements it in memory for tests.
package catalog

import (
	"time"

	"github.com/aptpub/controlplane/internal/deb"
)

// Tenant owns repositories and API tokens (spec §3 Tenant).
type Tenant struct {
	ID          string
	DisplayName string
	Subdomain   string
}

// Repository belongs to a Tenant, uniquely named (tenant, name) (spec §3
// Repository).
type Repository struct {
	ID       string
	TenantID string
	Name     string
	Bucket   string
	Prefix   string

	// SigningKeyArmored is an optional ASCII-armored OpenPGP public key used
	// to verify the client's detached signature at publish-commit (see
	// SPEC_FULL.md SUPPLEMENTED FEATURES #1). Empty means "not registered":
	// the commit accepts the signature without cryptographic verification.
	SigningKeyArmored string
}

// Release belongs to a Repository, uniquely named by Distribution (spec §3
// Release).
type Release struct {
	ID           string
	RepositoryID string
	Distribution string
	Description  string
	Origin       string
	Label        string
	Version      string
	Suite        string
	Codename     string

	// Working state: the most recently generated, not-yet-signed Release
	// body and the Packages indexes it was generated from (spec §4.E step 1).
	WorkingBody        []byte
	WorkingFingerprint string
	WorkingDate        time.Time

	// Committed state: the signatures attached to the last successful
	// publish-commit (spec §4.E step 2).
	ClearsignedBody []byte
	DetachedSig     []byte
	CommittedBody   []byte
	CommittedAt     time.Time
}

// Component belongs to a Release, uniquely named within it (spec §3
// Component).
type Component struct {
	ID        string
	ReleaseID string
	Name      string
}

// Package belongs to a Tenant, not a Component, so the same bytes can be
// shared across components and releases (spec §3 Package, §9 "per-tenant
// package de-duplication").
type Package struct {
	ID           string
	TenantID     string
	Name         string
	Version      string
	Architecture string
	Maintainer   string
	Description  string
	Source       string

	Priority      string
	Section       string
	InstalledSize *int64
	Homepage      string
	Depends       string
	Recommends    string
	Conflicts     string
	Provides      string
	Replaces      string

	// RawFields preserves every field of the original control paragraph
	// (spec §3: "the raw control paragraph as a key -> value mapping
	// preserving all fields"), keyed by field name. Required/canonical
	// fields are also present here; the index generator re-derives the
	// fixed emission order rather than trusting this map's iteration order.
	RawFields map[string]string

	Size   int64
	MD5    string
	SHA1   string
	SHA256 string
	Bucket string

	RemovedAt *time.Time
}

// ComponentPackage is the many-to-many membership link, keyed by
// (component, package), carrying the pool filename (spec §3
// ComponentPackage).
type ComponentPackage struct {
	ComponentID string
	PackageID   string
	Filename    string
}

// PackagesIndex is the materialized per-(component, architecture) index
// (spec §3 PackagesIndex). Component duplicates the owning Component's name
// (not just its ID): the mirror needs it to build object-storage paths
// without a second catalog round-trip, and it's cheap to carry since a
// PackagesIndex is regenerated wholesale on every publish-begin anyway.
type PackagesIndex struct {
	ComponentID  string
	Component    string
	Architecture string
	Compression  string // empty ("none") in the core generator; see spec §4.D.
	Size         int64
	Contents     []byte
	MD5          string
	SHA1         string
	SHA256       string
}

// ByHashCleanup tombstones a previously-published by-hash object pending
// deletion after a grace window (spec §3 ByHashCleanup, §4.F).
type ByHashCleanup struct {
	ID           string
	ComponentID  string
	Architecture string
	Bucket       string
	Prefix       string
	Key          string
	MD5          string
	SHA1         string
	SHA256       string
	ExpiresAt    time.Time
}

// APIToken is the hashed form of a tenant's bearer credential (spec §3
// Tenant, §4.G).
type APIToken struct {
	ID         string
	TenantID   string
	SHA256Hash string
	CreatedAt  time.Time
}

// ComponentPackages is one component's part of a ReleaseSnapshot: the
// component and every package currently linked to it, across all
// architectures (spec §4.C "Snapshot for publish").
type ComponentPackages struct {
	Component Component
	Packages  []Package // membership filename is carried via Filenames
	Filenames map[string]string
}

// ReleaseSnapshot is the full catalog read needed to run the index
// generator for one release: every component and, per component, every
// currently-linked package (spec §4.C, §4.D).
type ReleaseSnapshot struct {
	Release    Release
	Repository Repository
	Components []ComponentPackages
}

// ParsedArchitecture re-exports deb.Architecture so callers of catalog
// don't need to import internal/deb just to spell the type.
type ParsedArchitecture = deb.Architecture
