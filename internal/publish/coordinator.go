package publish

import (
	"context"
	"sort"
	"time"

	"github.com/aptpub/controlplane/internal/catalog"
	"github.com/aptpub/controlplane/internal/deb"
	"github.com/aptpub/controlplane/internal/index"
)

// Coordinator runs the two-phase publish protocol on top of a catalog.Store
// (spec §4.E). It never holds a signing key: step 1 only generates and
// stores unsigned working state, step 2 only verifies signatures the client
// already produced.
type Coordinator struct {
	Store catalog.Store

	// Now supplies the server-chosen Date recorded with each working
	// release (spec §4.E step 1). Overridable for deterministic tests.
	Now func() time.Time
}

// New returns a Coordinator with the real wallclock wired in.
func New(store catalog.Store) *Coordinator {
	return &Coordinator{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// BeginResult is what the publish-begin endpoint returns to the client.
type BeginResult struct {
	ReleaseBody []byte
	Fingerprint string
}

// Begin implements publish-begin (spec §4.E step 1): snapshot, generate,
// store as working state, return the body and its fingerprint.
func (c *Coordinator) Begin(ctx context.Context, releaseID string) (BeginResult, error) {
	snap, err := c.Store.Snapshot(ctx, releaseID)
	if err != nil {
		return BeginResult{}, err
	}
	date := c.Now()
	body, generated := generate(snap, date)
	fingerprint := index.Fingerprint(body)
	indexes := toPackagesIndexes(snap, generated)

	if err := c.Store.StoreIndexes(ctx, releaseID, indexes, body, fingerprint); err != nil {
		return BeginResult{}, err
	}
	return BeginResult{ReleaseBody: body, Fingerprint: fingerprint}, nil
}

// CommitResult is what the publish-commit endpoint returns on success.
// Indexes carries every generated Packages index (component, architecture,
// contents, digests), for the caller to hand straight to the mirror (spec
// §4.F) without a second catalog read.
type CommitResult struct {
	ReleaseBody     []byte
	ClearsignedBody []byte
	DetachedSig     []byte
	Indexes         []catalog.PackagesIndex
}

// Commit implements publish-commit (spec §4.E step 2): re-snapshot, re-run
// the generator with the recorded Date, and only accept the client's
// signatures if the recomputed bytes match what fingerprint refers to. When
// the repository has a registered signing key (SPEC_FULL.md SUPPLEMENTED
// FEATURES #1), the signatures are also cryptographically verified against
// the recomputed body — never the client-submitted one, since the server
// must not trust the client's Release content (spec §4.E "why
// fingerprint-compare rather than content-compare").
func (c *Coordinator) Commit(ctx context.Context, releaseID, fingerprint string, clearsigned, detachedSig []byte) (CommitResult, error) {
	var indexes []catalog.PackagesIndex
	regenerate := func(snap catalog.ReleaseSnapshot, workingDate time.Time) ([]byte, string, error) {
		body, generated := generate(snap, workingDate)
		if key := snap.Repository.SigningKeyArmored; key != "" {
			if err := VerifyDetached(key, body, detachedSig); err != nil {
				return nil, "", err
			}
			if err := VerifyClearsigned(key, clearsigned, body); err != nil {
				return nil, "", err
			}
		}
		indexes = toPackagesIndexes(snap, generated)
		return body, index.Fingerprint(body), nil
	}

	body, err := c.Store.CommitRelease(ctx, releaseID, fingerprint, regenerate, clearsigned, detachedSig)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{ReleaseBody: body, ClearsignedBody: clearsigned, DetachedSig: detachedSig, Indexes: indexes}, nil
}

// generate runs the index generator (component D) over one snapshot,
// producing the Release body and every per-(component, architecture)
// Packages index it's built from. Component/architecture ordering is
// re-derived here rather than trusted from snap.Components, so the result
// never depends on the store's own iteration or insertion order (spec §4.D
// "no dependence on... insertion order").
func generate(snap catalog.ReleaseSnapshot, date time.Time) ([]byte, []index.GeneratedPackages) {
	componentNames := make([]string, 0, len(snap.Components))
	byName := make(map[string]catalog.ComponentPackages, len(snap.Components))
	archSet := make(map[string]bool)

	for _, cp := range snap.Components {
		componentNames = append(componentNames, cp.Component.Name)
		byName[cp.Component.Name] = cp
		for _, p := range cp.Packages {
			archSet[p.Architecture] = true
		}
	}
	sort.Strings(componentNames)

	var archs []string
	for a := range archSet {
		archs = append(archs, a)
	}
	sort.Slice(archs, func(i, j int) bool { return deb.CompareArchitectures(archs[i], archs[j]) < 0 })

	var generated []index.GeneratedPackages
	var entries []index.IndexEntry
	for _, name := range componentNames {
		cp := byName[name]
		for _, g := range index.GeneratePackages(name, cp.Packages, cp.Filenames) {
			generated = append(generated, g)
			entries = append(entries, index.IndexEntry{
				Component:    g.Component,
				Architecture: g.Architecture,
				Digests:      g.Digests,
			})
		}
	}

	rel := snap.Release
	body := index.GenerateRelease(index.ReleaseFields{
		Origin:        rel.Origin,
		Label:         rel.Label,
		Suite:         rel.Suite,
		Codename:      rel.Codename,
		Version:       rel.Version,
		Architectures: archs,
		Components:    componentNames,
		Description:   rel.Description,
	}, entries, date)

	return body, generated
}

// toPackagesIndexes maps generate's component-name-keyed output back onto
// catalog.PackagesIndex, which persists by component ID.
func toPackagesIndexes(snap catalog.ReleaseSnapshot, generated []index.GeneratedPackages) []catalog.PackagesIndex {
	idByName := make(map[string]string, len(snap.Components))
	for _, cp := range snap.Components {
		idByName[cp.Component.Name] = cp.Component.ID
	}

	out := make([]catalog.PackagesIndex, 0, len(generated))
	for _, g := range generated {
		out = append(out, catalog.PackagesIndex{
			ComponentID:  idByName[g.Component],
			Component:    g.Component,
			Architecture: g.Architecture,
			Size:         g.Digests.Size,
			Contents:     g.Contents,
			MD5:          g.Digests.MD5,
			SHA1:         g.Digests.SHA1,
			SHA256:       g.Digests.SHA256,
		})
	}
	return out
}
