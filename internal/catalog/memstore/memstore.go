// Package memstore is an in-memory implementation of catalog.Store used to
// test the publish coordinator and HTTP handlers without a live Postgres.
// It is a plain Go struct behind a mutex, not a generated mock: the
// corpus's preferred test style is dependency injection over a narrow
// interface with a hand-written fake, not a mocking framework.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aptpub/controlplane/internal/apterr"
	"github.com/aptpub/controlplane/internal/auth"
	"github.com/aptpub/controlplane/internal/catalog"
)

// Store is a catalog.Store backed by in-memory maps, guarded by a single
// mutex. It reproduces the serializable-transaction contract callers rely
// on (read-then-write is atomic from the caller's perspective) without
// reproducing Postgres's actual MVCC conflict detection: tests that need
// to exercise CatalogConflict races use WithConflictInjector.
type Store struct {
	mu sync.Mutex

	tokens       map[string]string // sha256 hash -> tenant id
	tenants      map[string]catalog.Tenant
	repositories map[string]catalog.Repository
	releases     map[string]catalog.Release
	components   map[string]catalog.Component
	packages     map[string]catalog.Package
	memberships  map[string]map[string]string // componentID -> packageID -> filename
	indexes      map[string][]catalog.PackagesIndex // releaseID -> indexes
	cleanups     map[string]catalog.ByHashCleanup

	// conflictInjector, if set, is consulted by CommitRelease before it
	// would otherwise succeed, letting tests simulate a concurrent writer
	// winning the race (spec §5, §8 "exactly one commit may succeed").
	conflictInjector func(releaseID string) error

	// now stands in for the wallclock that would otherwise drive
	// working_date; tests can override it for deterministic fixtures.
	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tokens:       make(map[string]string),
		tenants:      make(map[string]catalog.Tenant),
		repositories: make(map[string]catalog.Repository),
		releases:     make(map[string]catalog.Release),
		components:   make(map[string]catalog.Component),
		packages:     make(map[string]catalog.Package),
		memberships:  make(map[string]map[string]string),
		indexes:      make(map[string][]catalog.PackagesIndex),
		cleanups:     make(map[string]catalog.ByHashCleanup),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock StoreIndexes uses to stamp working_date, for
// tests that need a fixed Date to assert byte-identical regeneration against.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// WithConflictInjector installs a hook CommitRelease calls before applying
// its compare-and-swap; returning a non-nil error fails that commit as if a
// concurrent serializable transaction had won. Tests use this to assert
// that exactly one of two concurrent commits succeeds.
func (s *Store) WithConflictInjector(fn func(releaseID string) error) *Store {
	s.conflictInjector = fn
	return s
}

// SeedTenant registers a tenant and one bearer token hash for it, for test
// fixtures that need TenantByTokenHash to resolve. Callers pass the
// SHA-256 hash of the token they intend to present (see
// internal/auth.HashToken), not the token itself.
func (s *Store) SeedTenant(t catalog.Tenant, tokenSHA256Hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
	s.tokens[tokenSHA256Hash] = t.ID
}

func (s *Store) TenantByTokenHash(ctx context.Context, sha256Hash string) (catalog.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A linear scan with a constant-time compare rather than a map lookup:
	// the hash comparison itself never short-circuits on a byte mismatch
	// (internal/auth.ConstantTimeEqual), matching the bearer-token handling
	// spec §4.G expects at the application layer.
	for stored, id := range s.tokens {
		if auth.ConstantTimeEqual(stored, sha256Hash) {
			return s.tenants[id], nil
		}
	}
	return catalog.Tenant{}, apterr.New(apterr.Unauthorized, "unknown API token")
}

func (s *Store) EnsureSingleTenant(ctx context.Context, displayName, subdomain, tokenSHA256Hash string) (catalog.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Subdomain == subdomain {
			s.tokens[tokenSHA256Hash] = t.ID
			return t, nil
		}
	}
	t := catalog.Tenant{ID: uuid.NewString(), DisplayName: displayName, Subdomain: subdomain}
	s.tenants[t.ID] = t
	s.tokens[tokenSHA256Hash] = t.ID
	return t, nil
}

func (s *Store) CreateRepository(ctx context.Context, repo catalog.Repository) (catalog.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.repositories {
		if r.TenantID == repo.TenantID && r.Name == repo.Name {
			return catalog.Repository{}, apterr.New(apterr.Conflict, "repository already exists")
		}
	}
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	s.repositories[repo.ID] = repo
	return repo, nil
}

func (s *Store) Repository(ctx context.Context, tenantID, name string) (catalog.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.repositories {
		if r.TenantID == tenantID && r.Name == name {
			return r, nil
		}
	}
	return catalog.Repository{}, apterr.New(apterr.NotFound, "repository not found")
}

func (s *Store) ListRepositories(ctx context.Context, tenantID string) ([]catalog.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Repository
	for _, r := range s.repositories {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) AllRepositories(ctx context.Context) ([]catalog.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Repository
	for _, r := range s.repositories {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RepositoryByID(ctx context.Context, tenantID, id string) (catalog.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repositories[id]
	if !ok || r.TenantID != tenantID {
		return catalog.Repository{}, apterr.New(apterr.NotFound, "repository not found")
	}
	return r, nil
}

func (s *Store) EnsureRelease(ctx context.Context, repositoryID string, rel catalog.Release) (catalog.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.releases {
		if r.RepositoryID == repositoryID && r.Distribution == rel.Distribution {
			return r, nil
		}
	}
	rel.RepositoryID = repositoryID
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	s.releases[rel.ID] = rel
	return rel, nil
}

func (s *Store) EnsureComponent(ctx context.Context, releaseID, name string) (catalog.Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.components {
		if c.ReleaseID == releaseID && c.Name == name {
			return c, nil
		}
	}
	c := catalog.Component{ID: uuid.NewString(), ReleaseID: releaseID, Name: name}
	s.components[c.ID] = c
	s.memberships[c.ID] = make(map[string]string)
	return c, nil
}

func (s *Store) Release(ctx context.Context, repositoryID, distribution string) (catalog.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.releases {
		if r.RepositoryID == repositoryID && r.Distribution == distribution {
			return r, nil
		}
	}
	return catalog.Release{}, apterr.New(apterr.NotFound, "release not found")
}

func (s *Store) Releases(ctx context.Context, repositoryID string) ([]catalog.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.Release
	for _, r := range s.releases {
		if r.RepositoryID == repositoryID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distribution < out[j].Distribution })
	return out, nil
}

func (s *Store) AdmitPackage(ctx context.Context, componentID string, pkg catalog.Package, filename string) (catalog.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.components[componentID]; !ok {
		return catalog.Package{}, apterr.New(apterr.NotFound, "component not found")
	}

	var existing *catalog.Package
	for id, p := range s.packages {
		if p.TenantID == pkg.TenantID && p.SHA256 == pkg.SHA256 {
			cp := s.packages[id]
			existing = &cp
			break
		}
	}
	if existing == nil {
		// Spec §3's second uniqueness key: (tenant, name, version,
		// architecture). A different upload claiming an identity already
		// held by different bytes is a Conflict, not a silent second row.
		for _, p := range s.packages {
			if p.TenantID == pkg.TenantID && p.Name == pkg.Name && p.Version == pkg.Version && p.Architecture == pkg.Architecture {
				return catalog.Package{}, apterr.New(apterr.Conflict, fmt.Sprintf(
					"package %s %s %s already exists with different content (sha256 %s)",
					pkg.Name, pkg.Version, pkg.Architecture, p.SHA256))
			}
		}
		if pkg.ID == "" {
			pkg.ID = uuid.NewString()
		}
		s.packages[pkg.ID] = pkg
		existing = &pkg
	}

	if s.memberships[componentID] == nil {
		s.memberships[componentID] = make(map[string]string)
	}
	s.memberships[componentID][existing.ID] = filename
	return *existing, nil
}

func (s *Store) RetirePackage(ctx context.Context, componentID, packageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.memberships[componentID]
	if !ok {
		return apterr.New(apterr.NotFound, "component not found")
	}
	if _, ok := members[packageID]; !ok {
		return apterr.New(apterr.NotFound, "package not in component")
	}
	delete(members, packageID)
	return nil
}

func (s *Store) PackageBySHA256(ctx context.Context, tenantID, sha256Hex string) (catalog.Package, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.packages {
		if p.TenantID == tenantID && p.SHA256 == sha256Hex {
			return p, true, nil
		}
	}
	return catalog.Package{}, false, nil
}

func (s *Store) Snapshot(ctx context.Context, releaseID string) (catalog.ReleaseSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(releaseID)
}

// snapshotLocked is Snapshot's body, callable while s.mu is already held so
// CommitRelease can re-snapshot and compare within one critical section —
// the in-memory equivalent of Postgres doing both inside one serializable
// transaction (spec §4.E step 2).
func (s *Store) snapshotLocked(releaseID string) (catalog.ReleaseSnapshot, error) {
	rel, ok := s.releases[releaseID]
	if !ok {
		return catalog.ReleaseSnapshot{}, apterr.New(apterr.NotFound, "release not found")
	}
	repo := s.repositories[rel.RepositoryID]

	var comps []catalog.ComponentPackages
	var ids []string
	for _, c := range s.components {
		if c.ReleaseID == releaseID {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	for _, cid := range ids {
		c := s.components[cid]
		filenames := make(map[string]string)
		var pkgs []catalog.Package
		for pid, fn := range s.memberships[cid] {
			p := s.packages[pid]
			if p.RemovedAt != nil {
				continue
			}
			pkgs = append(pkgs, p)
			filenames[pid] = fn
		}
		sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].ID < pkgs[j].ID })
		comps = append(comps, catalog.ComponentPackages{Component: c, Packages: pkgs, Filenames: filenames})
	}

	return catalog.ReleaseSnapshot{Release: rel, Repository: repo, Components: comps}, nil
}

func (s *Store) StoreIndexes(ctx context.Context, releaseID string, indexes []catalog.PackagesIndex, workingBody []byte, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.releases[releaseID]
	if !ok {
		return apterr.New(apterr.NotFound, "release not found")
	}
	rel.WorkingBody = workingBody
	rel.WorkingFingerprint = fingerprint
	rel.WorkingDate = s.now()
	s.releases[releaseID] = rel
	s.indexes[releaseID] = append([]catalog.PackagesIndex(nil), indexes...)
	return nil
}

func (s *Store) Indexes(ctx context.Context, releaseID string) ([]catalog.PackagesIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.releases[releaseID]; !ok {
		return nil, apterr.New(apterr.NotFound, "release not found")
	}
	out := append([]catalog.PackagesIndex(nil), s.indexes[releaseID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Architecture < out[j].Architecture
	})
	return out, nil
}

func (s *Store) CommitRelease(ctx context.Context, releaseID string, clientFingerprint string, regenerate catalog.RegenerateFunc, clearsigned, detachedSig []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel, ok := s.releases[releaseID]
	if !ok {
		return nil, apterr.New(apterr.NotFound, "release not found")
	}
	if rel.WorkingDate.IsZero() {
		return nil, apterr.New(apterr.PublishStale, "release has no working state to commit")
	}

	snap, err := s.snapshotLocked(releaseID)
	if err != nil {
		return nil, err
	}
	body, fingerprint, err := regenerate(snap, rel.WorkingDate)
	if err != nil {
		return nil, apterr.Wrap(apterr.Internal, "regenerating release body", err)
	}
	if fingerprint != clientFingerprint {
		return nil, apterr.New(apterr.PublishStale, "working release has changed since publish-begin")
	}
	if s.conflictInjector != nil {
		if err := s.conflictInjector(releaseID); err != nil {
			return nil, err
		}
	}
	rel.ClearsignedBody = clearsigned
	rel.DetachedSig = detachedSig
	rel.CommittedBody = body
	rel.CommittedAt = s.now()
	rel.WorkingBody = nil
	rel.WorkingFingerprint = ""
	rel.WorkingDate = time.Time{}
	s.releases[releaseID] = rel
	return body, nil
}

func (s *Store) ScheduleByHashCleanup(ctx context.Context, c catalog.ByHashCleanup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.cleanups[c.ID] = c
	return nil
}

func (s *Store) DueByHashCleanups(ctx context.Context, bucket string, limit int) ([]catalog.ByHashCleanup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []catalog.ByHashCleanup
	for _, c := range s.cleanups {
		if c.Bucket != bucket {
			continue
		}
		if c.ExpiresAt.After(s.now()) {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteByHashCleanup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cleanups, id)
	return nil
}

var _ catalog.Store = (*Store)(nil)
