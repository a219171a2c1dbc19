package publish

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aptpub/controlplane/internal/apterr"
	"github.com/aptpub/controlplane/internal/catalog"
	"github.com/aptpub/controlplane/internal/catalog/memstore"
)

func seedRelease(t *testing.T, store *memstore.Store, signingKeyArmored string) (repo catalog.Repository, release catalog.Release, component catalog.Component) {
	t.Helper()
	ctx := context.Background()
	tenant := catalog.Tenant{ID: uuid.NewString(), DisplayName: "Acme", Subdomain: "acme"}
	store.SeedTenant(tenant, "unused-hash")

	repo, err := store.CreateRepository(ctx, catalog.Repository{TenantID: tenant.ID, Name: "main", Bucket: "bucket", SigningKeyArmored: signingKeyArmored})
	if err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	release, err = store.EnsureRelease(ctx, repo.ID, catalog.Release{Distribution: "stable", Suite: "stable", Codename: "stable", Origin: "aptpub"})
	if err != nil {
		t.Fatalf("EnsureRelease: %v", err)
	}
	component, err = store.EnsureComponent(ctx, release.ID, "main")
	if err != nil {
		t.Fatalf("EnsureComponent: %v", err)
	}
	pkg := catalog.Package{
		TenantID: tenant.ID, Name: "hello", Version: "1.0", Architecture: "amd64",
		Maintainer: "Test <test@example.com>", Description: "a test package",
		Size: 10, MD5: "m", SHA1: "s", SHA256: "h",
	}
	if _, err := store.AdmitPackage(ctx, component.ID, pkg, "hello_1.0_amd64.deb"); err != nil {
		t.Fatalf("AdmitPackage: %v", err)
	}
	return repo, release, component
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCoordinatorBeginGeneratesWorkingState(t *testing.T) {
	store := memstore.New()
	_, release, _ := seedRelease(t, store, "")

	c := &Coordinator{Store: store, Now: fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}
	result, err := c.Begin(context.Background(), release.ID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if result.Fingerprint == "" {
		t.Fatal("expected a non-empty fingerprint")
	}
	if len(result.ReleaseBody) == 0 {
		t.Fatal("expected a non-empty release body")
	}
}

func TestCoordinatorBeginIsDeterministic(t *testing.T) {
	store := memstore.New()
	_, release, _ := seedRelease(t, store, "")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c := &Coordinator{Store: store, Now: fixedClock(now)}
	first, err := c.Begin(context.Background(), release.ID)
	if err != nil {
		t.Fatalf("first Begin: %v", err)
	}
	second, err := c.Begin(context.Background(), release.ID)
	if err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Error("expected repeated Begin calls at the same instant to produce the same fingerprint")
	}
}

func TestCoordinatorCommitWithoutSigningKey(t *testing.T) {
	store := memstore.New()
	_, release, _ := seedRelease(t, store, "")
	c := &Coordinator{Store: store, Now: fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}

	begin, err := c.Begin(context.Background(), release.ID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	result, err := c.Commit(context.Background(), release.ID, begin.Fingerprint, []byte("clearsigned"), []byte("detached"))
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(result.Indexes) != 1 {
		t.Fatalf("expected 1 generated Packages index, got %d", len(result.Indexes))
	}
	if string(result.ReleaseBody) != string(begin.ReleaseBody) {
		t.Error("committed body should match the body fingerprinted at Begin")
	}
}

func TestCoordinatorCommitStaleFingerprint(t *testing.T) {
	store := memstore.New()
	_, release, _ := seedRelease(t, store, "")
	c := &Coordinator{Store: store, Now: fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}

	if _, err := c.Begin(context.Background(), release.ID); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, err := c.Commit(context.Background(), release.ID, "stale-fingerprint", []byte("clearsigned"), []byte("detached"))
	if apterr.KindOf(err) != apterr.PublishStale {
		t.Fatalf("expected PublishStale for a mismatched fingerprint, got %v", err)
	}
}

func TestCoordinatorCommitVerifiesSignatureWhenKeyRegistered(t *testing.T) {
	entity := generateTestEntity(t)
	store := memstore.New()
	_, release, _ := seedRelease(t, store, armoredPublicKey(t, entity))

	c := &Coordinator{Store: store, Now: fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}
	begin, err := c.Begin(context.Background(), release.ID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	detached := detachSign(t, entity, begin.ReleaseBody)
	clearsigned := clearSign(t, entity, begin.ReleaseBody)
	if _, err := c.Commit(context.Background(), release.ID, begin.Fingerprint, clearsigned, detached); err != nil {
		t.Fatalf("Commit with a valid signature: %v", err)
	}
}

func TestCoordinatorCommitRejectsBadSignatureWhenKeyRegistered(t *testing.T) {
	entity := generateTestEntity(t)
	other := generateTestEntity(t)
	store := memstore.New()
	_, release, _ := seedRelease(t, store, armoredPublicKey(t, entity))

	c := &Coordinator{Store: store, Now: fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))}
	begin, err := c.Begin(context.Background(), release.ID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	detached := detachSign(t, other, begin.ReleaseBody)
	clearsigned := clearSign(t, other, begin.ReleaseBody)
	_, err = c.Commit(context.Background(), release.ID, begin.Fingerprint, clearsigned, detached)
	if apterr.KindOf(err) != apterr.SignatureInvalid {
		t.Fatalf("expected SignatureInvalid for a signature from an unregistered key, got %v", err)
	}
}
