package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/aptpub/controlplane/internal/apterr"
	"github.com/aptpub/controlplane/internal/blob"
	"github.com/aptpub/controlplane/internal/catalog"
	"github.com/aptpub/controlplane/internal/deb"
	"github.com/aptpub/controlplane/internal/metrics"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type packageResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	Architecture string `json:"architecture"`
	Component    string `json:"component"`
	Filename     string `json:"filename"`
	SHA256       string `json:"sha256"`
	Size         int64  `json:"size"`
}

// uploadPackage implements admit-package (spec §4.A, §4.C "admit package").
// The multipart part is read once into memory; that single buffer backs
// both the control-file parse and the blob upload, rather than asking the
// client to resend the payload for each (spec §4.H "stream into the parser
// and blob store simultaneously").
func (s *Server) uploadPackage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	repo, ok := s.repositoryFromPath(w, r, tenant)
	if !ok {
		return
	}
	component := r.URL.Query().Get("component")
	if component == "" {
		writeError(w, apterr.New(apterr.MalformedPackage, "component query parameter is required"))
		return
	}
	rel, err := resolveRelease(r.Context(), s.Store, repo, r)
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, apterr.Wrap(apterr.MalformedPackage, "malformed multipart body", err))
		return
	}
	part, err := mr.NextPart()
	if err != nil {
		writeError(w, apterr.Wrap(apterr.MalformedPackage, "reading multipart part", err))
		return
	}
	defer part.Close()

	payload, err := io.ReadAll(part)
	if err != nil {
		writeError(w, apterr.Wrap(apterr.MalformedPackage, "reading package payload", err))
		return
	}

	parsed, err := deb.ParseControl(bytes.NewReader(payload))
	if err != nil {
		writeError(w, err)
		return
	}

	if existing, found, err := s.Store.PackageBySHA256(r.Context(), tenant.ID, sha256Hex(payload)); err != nil {
		writeError(w, err)
		return
	} else if found {
		comp, err := s.Store.EnsureComponent(r.Context(), rel.ID, component)
		if err != nil {
			writeError(w, err)
			return
		}
		filename := blob.StandardFilename(existing.Name, existing.Version, existing.Architecture)
		admitted, err := s.Store.AdmitPackage(r.Context(), comp.ID, existing, filename)
		if err != nil {
			writeError(w, err)
			return
		}
		metrics.PackagesAdmittedTotal.WithLabelValues("ok").Inc()
		writeJSON(w, http.StatusOK, packageResponseOf(admitted, component, filename))
		return
	}

	comp, err := s.Store.EnsureComponent(r.Context(), rel.ID, component)
	if err != nil {
		writeError(w, err)
		return
	}

	blobs, err := s.Buckets(r.Context(), repo.Bucket)
	if err != nil {
		writeError(w, err)
		return
	}

	filename := blob.StandardFilename(parsed.Canonical.Package, parsed.Canonical.Version, parsed.Canonical.Architecture)
	key := blob.PoolKey(repo.Prefix, component, parsed.Canonical.Package, filename)
	digests, err := blobs.Upload(r.Context(), key, bytes.NewReader(payload), "application/vnd.debian.binary-package")
	if err != nil {
		writeError(w, err)
		return
	}

	pkg := catalog.Package{
		TenantID:      tenant.ID,
		Name:          parsed.Canonical.Package,
		Version:       parsed.Canonical.Version,
		Architecture:  parsed.Canonical.Architecture,
		Maintainer:    parsed.Canonical.Maintainer,
		Description:   parsed.Canonical.Description,
		Source:        parsed.Canonical.Source,
		Priority:      parsed.Canonical.Priority,
		Section:       parsed.Canonical.Section,
		InstalledSize: parsed.Canonical.InstalledSize,
		Homepage:      parsed.Canonical.Homepage,
		Depends:       parsed.Canonical.Depends,
		Recommends:    parsed.Canonical.Recommends,
		Conflicts:     parsed.Canonical.Conflicts,
		Provides:      parsed.Canonical.Provides,
		Replaces:      parsed.Canonical.Replaces,
		RawFields:     paragraphToMap(parsed.Paragraph),
		Size:          digests.Size,
		MD5:           digests.MD5,
		SHA1:          digests.SHA1,
		SHA256:        digests.SHA256,
		Bucket:        repo.Bucket,
	}

	admitted, err := s.Store.AdmitPackage(r.Context(), comp.ID, pkg, filename)
	if err != nil {
		metrics.PackagesAdmittedTotal.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	metrics.PackagesAdmittedTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusCreated, packageResponseOf(admitted, component, filename))
}

func packageResponseOf(pkg catalog.Package, component, filename string) packageResponse {
	return packageResponse{
		ID: pkg.ID, Name: pkg.Name, Version: pkg.Version, Architecture: pkg.Architecture,
		Component: component, Filename: filename, SHA256: pkg.SHA256, Size: pkg.Size,
	}
}

func paragraphToMap(p deb.Paragraph) map[string]string {
	out := make(map[string]string, len(p.Fields))
	for _, f := range p.Fields {
		if _, seen := out[f.Key]; seen {
			continue
		}
		out[f.Key] = f.Value
	}
	return out
}

// listPackages lists every package currently admitted to the repository's
// resolved release, across every component.
func (s *Server) listPackages(w http.ResponseWriter, r *http.Request) {
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
	snap, err := s.Store.Snapshot(r.Context(), rel.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	var out []packageResponse
	for _, cp := range snap.Components {
		for _, pkg := range cp.Packages {
			out = append(out, packageResponseOf(pkg, cp.Component.Name, cp.Filenames[pkg.ID]))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// retirePackage removes a package's membership from every component of the
// repository's resolved release (spec §3 ComponentPackage is the only thing
// retire ever removes; the Package row, and any other release's membership,
// is untouched). An optional ?component= query scopes the retire to one
// component instead of all of them.
func (s *Server) retirePackage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	repo, ok := s.repositoryFromPath(w, r, tenant)
	if !ok {
		return
	}
	pkgID := r.PathValue("pkgId")
	rel, err := resolveRelease(r.Context(), s.Store, repo, r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.Store.Snapshot(r.Context(), rel.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	only := r.URL.Query().Get("component")
	var retired bool
	for _, cp := range snap.Components {
		if only != "" && cp.Component.Name != only {
			continue
		}
		if _, linked := cp.Filenames[pkgID]; !linked {
			continue
		}
		if err := s.Store.RetirePackage(r.Context(), cp.Component.ID, pkgID); err != nil {
			writeError(w, err)
			return
		}
		retired = true
	}
	if !retired {
		writeError(w, apterr.New(apterr.NotFound, "package not found in release"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
