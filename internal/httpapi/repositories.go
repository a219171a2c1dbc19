package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/aptpub/controlplane/internal/apterr"
	"github.com/aptpub/controlplane/internal/catalog"
)

type createRepositoryRequest struct {
	Name         string `json:"name"`
	URI          string `json:"uri"`
	Distribution string `json:"distribution"`
	Suite        string `json:"suite"`
	Codename     string `json:"codename"`
	Origin       string `json:"origin"`
	Label        string `json:"label"`
	Description  string `json:"description"`
	Version      string `json:"version"`
}

type repositoryResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Bucket       string `json:"bucket"`
	Prefix       string `json:"prefix"`
	Distribution string `json:"distribution,omitempty"`
}

func (s *Server) createRepository(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req createRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apterr.Wrap(apterr.MalformedPackage, "malformed request body", err))
		return
	}
	if req.Name == "" {
		writeError(w, apterr.New(apterr.MalformedPackage, "name is required"))
		return
	}

	repo := catalog.Repository{
		TenantID: tenant.ID,
		Name:     req.Name,
		Bucket:   s.DefaultBucket,
		Prefix:   repositoryPrefix(tenant.ID, req.URI),
	}
	created, err := s.Store.CreateRepository(r.Context(), repo)
	if err != nil {
		writeError(w, err)
		return
	}

	defaults := s.ReleaseDefaults
	rel := catalog.Release{
		Distribution: orDefault(req.Distribution, defaults.Distribution),
		Suite:        orDefault(req.Suite, defaults.Suite),
		Codename:     orDefault(req.Codename, defaults.Codename),
		Origin:       orDefault(req.Origin, defaults.Origin),
		Label:        orDefault(req.Label, defaults.Label),
		Description:  req.Description,
		Version:      req.Version,
	}
	createdRel, err := s.Store.EnsureRelease(r.Context(), created.ID, rel)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, repositoryResponse{
		ID: created.ID, Name: created.Name, Bucket: created.Bucket, Prefix: created.Prefix,
		Distribution: createdRel.Distribution,
	})
}

// repositoryPrefix implements spec §3's Repository.Prefix rule: empty in
// single-tenant/root-of-bucket mode (no uri given), otherwise a
// deterministic function of (tenant_id, sha256(uri)) hex-encoded.
func repositoryPrefix(tenantID, uri string) string {
	if uri == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(tenantID + ":" + uri))
	return hex.EncodeToString(sum[:])
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (s *Server) listRepositories(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	repos, err := s.Store.ListRepositories(r.Context(), tenant.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]repositoryResponse, 0, len(repos))
	for _, repo := range repos {
		out = append(out, repositoryResponse{ID: repo.ID, Name: repo.Name, Bucket: repo.Bucket, Prefix: repo.Prefix})
	}
	writeJSON(w, http.StatusOK, out)
}

type componentStatus struct {
	Name         string `json:"name"`
	PackageCount int    `json:"package_count"`
}

type releaseStatus struct {
	Distribution       string             `json:"distribution"`
	Suite              string             `json:"suite"`
	Codename           string             `json:"codename"`
	PendingFingerprint string             `json:"pending_fingerprint,omitempty"`
	Committed          bool               `json:"committed"`
	Components         []componentStatus  `json:"components"`
}

type repositoryStatusResponse struct {
	repositoryResponse
	Releases []releaseStatus `json:"releases"`
}

// showRepository implements the "status including pending changes" view
// spec §6 promises but doesn't detail (SPEC_FULL.md SUPPLEMENTED FEATURES
// #2): per-release package counts by component, whether a publish-begin
// snapshot is pending commit, and whether the release has ever committed.
func (s *Server) showRepository(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	repo, ok := s.repositoryFromPath(w, r, tenant)
	if !ok {
		return
	}

	releases, err := s.Store.Releases(r.Context(), repo.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := repositoryStatusResponse{
		repositoryResponse: repositoryResponse{ID: repo.ID, Name: repo.Name, Bucket: repo.Bucket, Prefix: repo.Prefix},
	}
	for _, rel := range releases {
		snap, err := s.Store.Snapshot(r.Context(), rel.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		rs := releaseStatus{
			Distribution:       rel.Distribution,
			Suite:              rel.Suite,
			Codename:           rel.Codename,
			PendingFingerprint: rel.WorkingFingerprint,
			Committed:          !rel.CommittedAt.IsZero(),
		}
		for _, cp := range snap.Components {
			rs.Components = append(rs.Components, componentStatus{Name: cp.Component.Name, PackageCount: len(cp.Packages)})
		}
		out.Releases = append(out.Releases, rs)
	}
	writeJSON(w, http.StatusOK, out)
}
