package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aptpub/controlplane/internal/apterr"
	"github.com/aptpub/controlplane/internal/catalog"
	"github.com/aptpub/controlplane/internal/metrics"
	"github.com/aptpub/controlplane/internal/publish"
	"github.com/aptpub/controlplane/internal/retry"
)

type publishBeginResponse struct {
	Distribution string `json:"distribution"`
	Release      string `json:"release"`
	Fingerprint  string `json:"fingerprint"`
}

// publishBegin implements publish-begin (spec §4.E step 1): generate and
// store the unsigned working Release body, returning it and its fingerprint
// for the client to sign.
func (s *Server) publishBegin(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	repo, ok := s.repositoryFromPath(w, r, tenant)
	if !ok {
		return
	}
	rel, err := resolveRelease(r.Context(), s.Store, repo, r)
	if err != nil {
		writeError(w, err)
		return
	}

	var result publish.BeginResult
	err = retry.Do(r.Context(), retry.Default, func(ctx context.Context) error {
		var berr error
		result, berr = s.Coordinator.Begin(ctx, rel.ID)
		if berr != nil && apterr.KindOf(berr) == apterr.CatalogConflict {
			metrics.CatalogConflictsTotal.Inc()
			metrics.CatalogRetriesTotal.Inc()
		}
		return berr
	})
	if err != nil {
		metrics.PublishBeginTotal.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	metrics.PublishBeginTotal.WithLabelValues("ok").Inc()

	writeJSON(w, http.StatusOK, publishBeginResponse{
		Distribution: rel.Distribution,
		Release:      string(result.ReleaseBody),
		Fingerprint:  result.Fingerprint,
	})
}

type publishCommitRequest struct {
	Fingerprint string `json:"fingerprint"`
	// Clearsigned and Detached are base64-encoded, since both may carry
	// ASCII-armored or raw binary OpenPGP data and JSON strings must be
	// valid UTF-8.
	Clearsigned string `json:"clearsigned"`
	Detached    string `json:"detached"`
}

type publishCommitResponse struct {
	Distribution string `json:"distribution"`
	Committed    bool   `json:"committed"`
}

// publishCommit implements publish-commit (spec §4.E step 2): verify the
// client's fingerprint still matches a freshly recomputed Release body, then
// durably commit. A successful commit is synced to object storage before
// responding; if the sync fails the commit still stands (it's durable in
// the catalog) and is healed by a later resync (spec §4.F).
func (s *Server) publishCommit(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	repo, ok := s.repositoryFromPath(w, r, tenant)
	if !ok {
		return
	}
	rel, err := resolveRelease(r.Context(), s.Store, repo, r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req publishCommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apterr.Wrap(apterr.MalformedPackage, "malformed request body", err))
		return
	}
	clearsigned, err := base64.StdEncoding.DecodeString(req.Clearsigned)
	if err != nil {
		writeError(w, apterr.Wrap(apterr.SignatureInvalid, "clearsigned is not valid base64", err))
		return
	}
	detached, err := base64.StdEncoding.DecodeString(req.Detached)
	if err != nil {
		writeError(w, apterr.Wrap(apterr.SignatureInvalid, "detached is not valid base64", err))
		return
	}

	timer := metrics.NewTimer()
	var result publish.CommitResult
	err = retry.Do(r.Context(), retry.Default, func(ctx context.Context) error {
		var cerr error
		result, cerr = s.Coordinator.Commit(ctx, rel.ID, req.Fingerprint, clearsigned, detached)
		if cerr != nil && apterr.KindOf(cerr) == apterr.CatalogConflict {
			metrics.CatalogConflictsTotal.Inc()
			metrics.CatalogRetriesTotal.Inc()
		}
		return cerr
	})
	timer.ObserveDuration(metrics.PublishCommitDuration)
	if err != nil {
		metrics.PublishCommitTotal.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	metrics.PublishCommitTotal.WithLabelValues("ok").Inc()

	committed := catalog.Release{
		Distribution:    rel.Distribution,
		CommittedBody:   result.ReleaseBody,
		ClearsignedBody: result.ClearsignedBody,
		DetachedSig:     result.DetachedSig,
	}
	syncTimer := metrics.NewTimer()
	syncErr := s.Mirror.Sync(r.Context(), repo, committed, result.Indexes)
	syncTimer.ObserveDuration(metrics.MirrorSyncDuration)
	if syncErr != nil {
		zerolog.Ctx(r.Context()).Error().Err(syncErr).
			Str("repository", repo.ID).Str("distribution", rel.Distribution).
			Msg("publish-commit: object-storage sync failed, resync will heal it")
	}

	writeJSON(w, http.StatusOK, publishCommitResponse{Distribution: rel.Distribution, Committed: true})
}

// resync re-uploads everything derivable from a release's current committed
// catalog state (SPEC_FULL.md SUPPLEMENTED FEATURES #4, spec §4.F).
func (s *Server) resync(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	repo, ok := s.repositoryFromPath(w, r, tenant)
	if !ok {
		return
	}
	rel, err := resolveRelease(r.Context(), s.Store, repo, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Mirror.Resync(r.Context(), repo, rel.Distribution); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
