// Package mirror implements component F: mapping a committed release to
// object-storage keys, idempotent resync, and the by-hash cleanup sweeper
// (spec §4.F). Uploads only ever run after a publish-commit has durably
// committed; a dropped connection or crash mid-sync is healed by Resync,
// which re-derives every key from the catalog's current committed state.
package mirror

import (
	"context"
	"path"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aptpub/controlplane/internal/apterr"
	"github.com/aptpub/controlplane/internal/blob"
	"github.com/aptpub/controlplane/internal/catalog"
	"github.com/aptpub/controlplane/internal/index"
)

// GraceWindow is the recommended delay before a superseded by-hash object is
// actually deleted, to tolerate clients mid-download of it (spec §4.F).
const GraceWindow = 30 * time.Minute

// BucketResolver opens (or returns an already-opened) blob.Store for a
// repository's configured bucket name. Multiple repositories, possibly
// belonging to different tenants, can target different buckets (spec §3
// Repository.Bucket), so the mirror never assumes a single shared bucket.
type BucketResolver func(ctx context.Context, bucket string) (*blob.Store, error)

// Mirror drives object-storage uploads and by-hash cleanup scheduling.
type Mirror struct {
	Buckets     BucketResolver
	Store       catalog.Store
	GraceWindow time.Duration
}

// New returns a Mirror using the recommended grace window.
func New(buckets BucketResolver, store catalog.Store) *Mirror {
	return &Mirror{Buckets: buckets, Store: store, GraceWindow: GraceWindow}
}

// Sync uploads every object a committed release implies: per-(component,
// architecture) Packages indexes (plain path and by-hash paths), the
// Release manifest and its two signed variants. It is idempotent and
// reentrant (spec §4.F): blob.Store.Upload already skips re-uploading
// identical bytes, so calling Sync twice for the same committed state is
// cheap and safe.
func (m *Mirror) Sync(ctx context.Context, repo catalog.Repository, rel catalog.Release, indexes []catalog.PackagesIndex) error {
	blobs, err := m.Buckets(ctx, repo.Bucket)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range indexes {
		idx := idx
		g.Go(func() error {
			return m.syncIndex(gctx, blobs, repo, rel.Distribution, idx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	manifestDir := path.Join(repo.Prefix, "dists", rel.Distribution)
	if err := blobs.UploadBytes(ctx, path.Join(manifestDir, "Release"), rel.CommittedBody, "text/plain"); err != nil {
		return err
	}
	if len(rel.ClearsignedBody) > 0 {
		if err := blobs.UploadBytes(ctx, path.Join(manifestDir, "InRelease"), rel.ClearsignedBody, "text/plain"); err != nil {
			return err
		}
	}
	if len(rel.DetachedSig) > 0 {
		if err := blobs.UploadBytes(ctx, path.Join(manifestDir, "Release.gpg"), rel.DetachedSig, "application/pgp-signature"); err != nil {
			return err
		}
	}
	return nil
}

// syncIndex uploads one Packages index at its plain path and at each
// by-hash path, then schedules cleanup of any previously-published by-hash
// object under the same (component, architecture, algorithm) directory that
// this generation no longer produces.
func (m *Mirror) syncIndex(ctx context.Context, blobs *blob.Store, repo catalog.Repository, distribution string, idx catalog.PackagesIndex) error {
	base := path.Join(repo.Prefix, "dists", distribution)
	plainKey := path.Join(base, idx.Component, "binary-"+idx.Architecture, "Packages")
	if err := blobs.UploadBytes(ctx, plainKey, idx.Contents, "text/plain"); err != nil {
		return err
	}

	entry := index.IndexEntry{
		Component:    idx.Component,
		Architecture: idx.Architecture,
		Digests:      index.Digests{MD5: idx.MD5, SHA1: idx.SHA1, SHA256: idx.SHA256, Size: idx.Size},
	}
	byHash := index.ByHashPaths(entry)

	for algo, relKey := range byHash {
		key := path.Join(base, relKey)
		if err := blobs.UploadBytes(ctx, key, idx.Contents, "text/plain"); err != nil {
			return err
		}
		if err := m.scheduleStale(ctx, blobs, repo, idx, algo, key); err != nil {
			return err
		}
	}
	return nil
}

// scheduleStale lists every object already present in the by-hash directory
// for algo and schedules cleanup of whichever one isn't currentKey — i.e.
// whatever the previous generation published under a digest this generation
// no longer has (spec §4.F "previously-published by-hash files that no
// longer match current hashes").
func (m *Mirror) scheduleStale(ctx context.Context, blobs *blob.Store, repo catalog.Repository, idx catalog.PackagesIndex, algo, currentKey string) error {
	dir := path.Dir(currentKey) + "/"
	keys, err := blobs.List(ctx, dir)
	if err != nil {
		return err
	}

	expiresAt := time.Now().UTC().Add(m.GraceWindow)
	for _, key := range keys {
		if key == currentKey {
			continue
		}
		cleanup := catalog.ByHashCleanup{
			ComponentID:  idx.ComponentID,
			Architecture: idx.Architecture,
			Bucket:       repo.Bucket,
			Prefix:       repo.Prefix,
			Key:          key,
			ExpiresAt:    expiresAt,
		}
		switch algo {
		case "MD5Sum":
			cleanup.MD5 = idx.MD5
		case "SHA1":
			cleanup.SHA1 = idx.SHA1
		case "SHA256":
			cleanup.SHA256 = idx.SHA256
		}
		if err := m.Store.ScheduleByHashCleanup(ctx, cleanup); err != nil {
			return apterr.Wrap(apterr.Internal, "scheduling by-hash cleanup", err)
		}
	}
	return nil
}

// Resync re-uploads everything derivable from a release's current committed
// catalog state: the materialized PackagesIndex rows StoreIndexes last
// wrote, re-read rather than regenerated, so Resync heals a partial upload
// (server crash mid-sync) or an out-of-order object put without depending
// on the publish coordinator or a signing key at all (spec §4.F "a resync
// operation can be invoked at any time").
func (m *Mirror) Resync(ctx context.Context, repo catalog.Repository, distribution string) error {
	rel, err := m.Store.Release(ctx, repo.ID, distribution)
	if err != nil {
		return err
	}
	indexes, err := m.Store.Indexes(ctx, rel.ID)
	if err != nil {
		return err
	}
	return m.Sync(ctx, repo, rel, indexes)
}

// Sweep deletes every by-hash object whose grace window has elapsed,
// removing the ByHashCleanup row only after the delete succeeds (or the
// object is already gone). DueByHashCleanups is scoped to repo.Bucket, and
// each row is deleted from its own recorded Bucket rather than repo's —
// the two already coincide for a correctly scheduled row, but a
// multi-bucket deployment must never delete one repository's due row out of
// another repository's bucket (spec §3 Repository.Bucket). Intended to run
// on a recurring timer.
func (m *Mirror) Sweep(ctx context.Context, repo catalog.Repository, limit int) (int, error) {
	due, err := m.Store.DueByHashCleanups(ctx, repo.Bucket, limit)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, c := range due {
		blobs, err := m.Buckets(ctx, c.Bucket)
		if err != nil {
			return deleted, err
		}
		if err := blobs.Delete(ctx, c.Key); err != nil {
			return deleted, err
		}
		if err := m.Store.DeleteByHashCleanup(ctx, c.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// RunSweeper sweeps every repository in repos on a fixed interval until ctx
// is canceled, logging (rather than aborting on) individual sweep failures
// so one bad repository doesn't stop the others from being swept on later
// ticks.
func (m *Mirror) RunSweeper(ctx context.Context, interval time.Duration, repos func(ctx context.Context) ([]catalog.Repository, error), limit int) error {
	log := zerolog.Ctx(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			all, err := repos(ctx)
			if err != nil {
				log.Error().Err(err).Msg("by-hash sweeper: listing repositories")
				continue
			}
			for _, repo := range all {
				n, err := m.Sweep(ctx, repo, limit)
				if err != nil {
					log.Error().Err(err).Str("repository", repo.ID).Msg("by-hash sweeper: sweep failed")
					continue
				}
				if n > 0 {
					log.Info().Str("repository", repo.ID).Int("deleted", n).Msg("by-hash sweeper: deleted stale objects")
				}
			}
		}
	}
}
