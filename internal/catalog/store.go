package catalog

import (
	"context"
	"time"
)

// RegenerateFunc re-derives a Release manifest body and its fingerprint from
// a freshly read snapshot, using the same working date that was recorded at
// publish-begin. CommitRelease invokes it inside the same serializable
// transaction as the re-snapshot it's given, so the byte-for-byte compare
// against the client's fingerprint actually observes atomic catalog state
// (spec §4.E step 2) rather than a snapshot that could be stale by the time
// the compare runs.
type RegenerateFunc func(snap ReleaseSnapshot, workingDate time.Time) (body []byte, fingerprint string, err error)

// Store is the narrow interface every caller of the catalog depends on.
// internal/catalog/postgres implements it against Postgres with
// serializable transactions; internal/catalog/memstore implements it
// in-memory for dependency-injected tests of the publish coordinator and
// HTTP handlers (spec §5 "no cross-request locks", §4.C).
//
// Every method that reads-then-writes runs in its own serializable
// transaction; retrying on serialization failure is the caller's
// responsibility (see internal/retry), not the Store's.
type Store interface {
	// Tenants and auth (component G).
	TenantByTokenHash(ctx context.Context, sha256Hash string) (Tenant, error)

	// EnsureSingleTenant idempotently provisions the one tenant and API
	// token a single-tenant deployment boots with, from the configured
	// display name and the hash of an operator-chosen token (spec §6
	// Configuration "single-tenant default API token"). Calling it again
	// with the same subdomain and hash is a no-op; tenant provisioning
	// beyond this bootstrap path is out of band (spec §1 Non-goals).
	EnsureSingleTenant(ctx context.Context, displayName, subdomain, tokenSHA256Hash string) (Tenant, error)

	// Repositories.
	CreateRepository(ctx context.Context, repo Repository) (Repository, error)
	Repository(ctx context.Context, tenantID, name string) (Repository, error)
	ListRepositories(ctx context.Context, tenantID string) ([]Repository, error)

	// RepositoryByID looks up a repository by its primary key, scoped to
	// tenantID: a repository belonging to another tenant is reported
	// NotFound rather than Unauthorized, so the HTTP layer never confirms
	// or denies another tenant's repository IDs exist (spec §4.G tenant
	// isolation).
	RepositoryByID(ctx context.Context, tenantID, id string) (Repository, error)

	// Releases and components.
	EnsureRelease(ctx context.Context, repositoryID string, rel Release) (Release, error)
	EnsureComponent(ctx context.Context, releaseID, name string) (Component, error)
	Release(ctx context.Context, repositoryID, distribution string) (Release, error)

	// Releases lists every release (distribution) a repository has, for the
	// HTTP layer's repository status summary and for resolving the single
	// release to act on when a request doesn't name a distribution
	// explicitly (SPEC_FULL.md SUPPLEMENTED FEATURES #2).
	Releases(ctx context.Context, repositoryID string) ([]Release, error)

	// AdmitPackage links (or creates and links) a Package into a Component
	// under a single serializable transaction: parse results come from the
	// caller (component A), this call only touches the catalog (spec §4.C
	// "admit package", §9 "idempotent resync" dedup key is (tenant, sha256)).
	AdmitPackage(ctx context.Context, componentID string, pkg Package, filename string) (Package, error)

	// RetirePackage removes a (component, package) membership. It does not
	// delete the Package row itself: other components or releases may still
	// reference the same content-addressed bytes (spec §3 Package "belongs
	// to a Tenant, not a Component").
	RetirePackage(ctx context.Context, componentID, packageID string) error

	// PackageBySHA256 supports idempotent re-upload: the HTTP handler checks
	// this before invoking the blob store (spec §9 "idempotent resync").
	PackageBySHA256(ctx context.Context, tenantID, sha256 string) (Package, bool, error)

	// Snapshot reads every component and its current package membership for
	// one release (spec §4.C, §4.D, §4.E step 1). It is a read of its own:
	// it does not share a transaction with the StoreIndexes call that later
	// writes the indexes generated from it, so a package change committed
	// between the two is not seen by publish-begin. CommitRelease reads a
	// fresh snapshot inside its own transaction and rejects such a publish
	// as PublishStale.
	Snapshot(ctx context.Context, releaseID string) (ReleaseSnapshot, error)

	// Indexes returns every materialized PackagesIndex row for a release, as
	// last written by StoreIndexes. The mirror's Resync operation uses this
	// to re-derive every object key from catalog state alone, without
	// re-running the generator (spec §4.F "a resync operation can be invoked
	// at any time to re-upload everything derivable from the current
	// catalog state").
	Indexes(ctx context.Context, releaseID string) ([]PackagesIndex, error)

	// StoreIndexes persists freshly generated PackagesIndex rows and the
	// release's new working Release body + fingerprint, replacing any prior
	// working (unsigned) state. It never touches committed state (spec
	// §4.E step 1 "publish-begin").
	StoreIndexes(ctx context.Context, releaseID string, indexes []PackagesIndex, workingBody []byte, fingerprint string) error

	// CommitRelease performs the publish-commit compare-and-swap inside one
	// serializable transaction: it re-snapshots the catalog, invokes
	// regenerate to recompute the Release body and fingerprint from that
	// fresh snapshot and the original working date, and only accepts the
	// client-supplied signatures if the recomputed fingerprint still matches
	// clientFingerprint (spec §4.E step 2, error PublishStale on mismatch).
	// It returns the committed body on success.
	CommitRelease(ctx context.Context, releaseID string, clientFingerprint string, regenerate RegenerateFunc, clearsigned, detachedSig []byte) (committedBody []byte, err error)

	// ScheduleByHashCleanup records a by-hash object superseded by a newer
	// index generation, to be deleted by the mirror sweeper after the grace
	// window (spec §4.F, §3 ByHashCleanup).
	ScheduleByHashCleanup(ctx context.Context, c ByHashCleanup) error

	// DueByHashCleanups returns cleanups whose grace window has elapsed,
	// scoped to bucket: a ByHashCleanup row is only ever deleted from the
	// bucket it was scheduled against (spec §3 Repository "carries the
	// object-storage bucket name"), so a multi-bucket deployment's sweep of
	// one repository must never see another bucket's due rows.
	DueByHashCleanups(ctx context.Context, bucket string, limit int) ([]ByHashCleanup, error)

	// DeleteByHashCleanup removes the cleanup row once the object has been
	// deleted from object storage.
	DeleteByHashCleanup(ctx context.Context, id string) error

	// AllRepositories lists every repository across every tenant, for the
	// by-hash sweeper's boot-time background loop (SPEC_FULL.md SUPPLEMENTED
	// FEATURES #3), which has no single tenant to scope a ListRepositories
	// call to.
	AllRepositories(ctx context.Context) ([]Repository, error)
}
