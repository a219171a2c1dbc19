// Package httpapi implements component H: a thin request/response mapping
// over the catalog, publish coordinator and mirror (spec §4.H, §6). It is
// deliberately unambitious — one file per resource, no router dependency
// (Go 1.22's http.ServeMux method+pattern routing covers the whole surface,
// and nothing in the reference corpus's HTTP handlers pulls in a router
// library either), errors rendered the way quay-claircore's libvuln/http
// handlers render theirs with pkg/jsonerr.
package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/aptpub/controlplane/internal/apterr"
	"github.com/aptpub/controlplane/internal/auth"
	"github.com/aptpub/controlplane/internal/catalog"
	"github.com/aptpub/controlplane/internal/config"
	"github.com/aptpub/controlplane/internal/logging"
	"github.com/aptpub/controlplane/internal/metrics"
	"github.com/aptpub/controlplane/internal/mirror"
	"github.com/aptpub/controlplane/internal/publish"
)

// Server wires the HTTP edges to the components underneath.
type Server struct {
	Store       catalog.Store
	Coordinator *publish.Coordinator
	Mirror      *mirror.Mirror
	Buckets     mirror.BucketResolver

	// DefaultBucket is the object-storage bucket newly created repositories
	// are assigned in single-tenant deployments, where a repository has no
	// per-tenant bucket of its own to name at creation time.
	DefaultBucket string

	// MaxUploadBytes bounds a single .deb upload; requests over the limit
	// are rejected before the payload reaches the parser or blob store
	// (spec §4.H "oversized requests... rejected before touching the
	// catalog").
	MaxUploadBytes int64

	// ReleaseDefaults fills in the Release fields a create-repository
	// request omits (spec §6 "default distribution/suite/codename/
	// origin/label").
	ReleaseDefaults config.ReleaseDefaults
}

const defaultMaxUploadBytes = 256 << 20 // 256MiB

// NewServer returns a Server with production defaults.
func NewServer(store catalog.Store, buckets mirror.BucketResolver, coordinator *publish.Coordinator, mir *mirror.Mirror, defaultBucket string) *Server {
	defaults, _ := config.LoadReleaseDefaults("")
	return &Server{
		Store:           store,
		Coordinator:     coordinator,
		Mirror:          mir,
		Buckets:         buckets,
		DefaultBucket:   defaultBucket,
		MaxUploadBytes:  defaultMaxUploadBytes,
		ReleaseDefaults: defaults,
	}
}

// Mux builds the complete route table.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v0/repositories", s.wrap("create_repository", s.createRepository))
	mux.HandleFunc("GET /api/v0/repositories", s.wrap("list_repositories", s.listRepositories))
	mux.HandleFunc("GET /api/v0/repositories/{id}", s.wrap("show_repository", s.showRepository))
	mux.HandleFunc("POST /api/v0/repositories/{id}/packages", s.wrap("upload_package", s.uploadPackage))
	mux.HandleFunc("GET /api/v0/repositories/{id}/packages", s.wrap("list_packages", s.listPackages))
	mux.HandleFunc("DELETE /api/v0/repositories/{id}/packages/{pkgId}", s.wrap("retire_package", s.retirePackage))
	mux.HandleFunc("GET /api/v0/repositories/{id}/indexes", s.wrap("publish_begin", s.publishBegin))
	mux.HandleFunc("POST /api/v0/repositories/{id}/sync", s.wrap("publish_commit", s.publishCommit))
	mux.HandleFunc("POST /api/v0/repositories/{id}/resync", s.wrap("resync", s.resync))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// wrap attaches a request-scoped logger to the request context, times and
// counts the request by route, and recovers a panicking handler into a 500
// rather than taking the whole process down.
func (s *Server) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logging.WithComponent("httpapi").With().
			Str("route", route).
			Str("request_id", uuid.NewString()).
			Logger()
		ctx := logging.Context(r.Context(), logger)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()

		defer func() {
			if rerr := recover(); rerr != nil {
				logger.Error().Interface("panic", rerr).Msg("handler panicked")
				writeError(rec, apterr.New(apterr.Internal, "internal error"))
			}
			timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
			metrics.HTTPRequestsTotal.WithLabelValues(route, statusBucket(rec.status)).Inc()
		}()

		h(rec, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusBucket(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// authenticate resolves the request's bearer or basic credential to a
// Tenant, writing an error response and returning ok=false on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (catalog.Tenant, bool) {
	tenant, err := auth.Authenticate(r.Context(), s.Store, r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, err)
		return catalog.Tenant{}, false
	}
	return tenant, true
}

// repositoryFromPath resolves the {id} path value to a Repository owned by
// tenant, writing an error response and returning ok=false on failure.
func (s *Server) repositoryFromPath(w http.ResponseWriter, r *http.Request, tenant catalog.Tenant) (catalog.Repository, bool) {
	id := r.PathValue("id")
	repo, err := s.Store.RepositoryByID(r.Context(), tenant.ID, id)
	if err != nil {
		writeError(w, err)
		return catalog.Repository{}, false
	}
	return repo, true
}

// resolveRelease finds the release a request acts on: the "distribution"
// query parameter if given, otherwise the repository's only release. A
// repository with more than one release and no explicit parameter is
// ambiguous and rejected rather than guessed at.
func resolveRelease(ctx context.Context, store catalog.Store, repo catalog.Repository, r *http.Request) (catalog.Release, error) {
	if dist := r.URL.Query().Get("distribution"); dist != "" {
		return store.Release(ctx, repo.ID, dist)
	}
	releases, err := store.Releases(ctx, repo.ID)
	if err != nil {
		return catalog.Release{}, err
	}
	switch len(releases) {
	case 0:
		return catalog.Release{}, apterr.New(apterr.NotFound, "repository has no release yet")
	case 1:
		return releases[0], nil
	default:
		return catalog.Release{}, apterr.New(apterr.Conflict, "repository has multiple distributions; specify ?distribution=")
	}
}
