// Package postgres implements catalog.Store against Postgres using pgx/v5
// and goqu/v8 as the query builder, the same stack quay-claircore's
// datastore/postgres package is built on. Every read-then-write method runs
// in its own pgx.Serializable transaction: conflicting concurrent writers
// are rejected by Postgres's own MVCC conflict detection rather than by any
// in-process lock (spec §5 "no cross-request locks in the hot path"), and
// the caller is expected to retry CatalogConflict with internal/retry.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aptpub/controlplane/internal/apterr"
	"github.com/aptpub/controlplane/internal/catalog"
)

var dialect = goqu.Dialect("postgres")

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every read
// helper below can run either standalone or inside an existing
// transaction (CommitRelease needs the latter: spec §4.E step 2 requires
// the re-snapshot and the compare-and-swap to happen in one serializable
// transaction).
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store is a catalog.Store backed by a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Run migrations.Run against the same
// pool before using Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// withSerializable runs fn inside a SERIALIZABLE transaction, translating
// a serialization failure (Postgres SQLSTATE 40001) into apterr.CatalogConflict
// rather than a bare pgx error, so internal/retry knows it's retryable.
func (s *Store) withSerializable(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return apterr.Wrap(apterr.StorageUnavailable, "beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			return apterr.Wrap(apterr.CatalogConflict, "serialization failure committing transaction", err)
		}
		return apterr.Wrap(apterr.StorageUnavailable, "committing transaction", err)
	}
	return nil
}

func pgErrorKind(err error) apterr.Kind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001":
			return apterr.CatalogConflict
		case "23505":
			return apterr.Conflict
		}
	}
	return apterr.StorageUnavailable
}

func (s *Store) TenantByTokenHash(ctx context.Context, sha256Hash string) (catalog.Tenant, error) {
	query, args, err := dialect.From("api_token").
		Join(goqu.T("tenant"), goqu.On(goqu.Ex{"tenant.id": goqu.I("api_token.tenant_id")})).
		Select("tenant.id", "tenant.display_name", "tenant.subdomain").
		Where(goqu.Ex{"api_token.sha256_hash": sha256Hash}).
		ToSQL()
	if err != nil {
		return catalog.Tenant{}, apterr.Wrap(apterr.Internal, "building token lookup query", err)
	}

	var t catalog.Tenant
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&t.ID, &t.DisplayName, &t.Subdomain); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Tenant{}, apterr.New(apterr.Unauthorized, "unknown API token")
		}
		return catalog.Tenant{}, apterr.Wrap(apterr.StorageUnavailable, "looking up token", err)
	}
	return t, nil
}

func (s *Store) EnsureSingleTenant(ctx context.Context, displayName, subdomain, tokenSHA256Hash string) (catalog.Tenant, error) {
	var tenant catalog.Tenant
	err := s.withSerializable(ctx, func(ctx context.Context, tx pgx.Tx) error {
		query, args, err := dialect.From("tenant").
			Select("id", "display_name", "subdomain").
			Where(goqu.Ex{"subdomain": subdomain}).
			ToSQL()
		if err != nil {
			return apterr.Wrap(apterr.Internal, "building tenant lookup query", err)
		}
		err = tx.QueryRow(ctx, query, args...).Scan(&tenant.ID, &tenant.DisplayName, &tenant.Subdomain)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			tenant = catalog.Tenant{ID: uuid.NewString(), DisplayName: displayName, Subdomain: subdomain}
			insertTenant, args, err := dialect.Insert("tenant").Rows(goqu.Record{
				"id": tenant.ID, "display_name": tenant.DisplayName, "subdomain": tenant.Subdomain,
			}).ToSQL()
			if err != nil {
				return apterr.Wrap(apterr.Internal, "building tenant insert", err)
			}
			if _, err := tx.Exec(ctx, insertTenant, args...); err != nil {
				return apterr.Wrap(pgErrorKind(err), "creating tenant", err)
			}
		case err != nil:
			return apterr.Wrap(apterr.StorageUnavailable, "looking up tenant", err)
		}

		insertToken, args, err := dialect.Insert("api_token").Rows(goqu.Record{
			"id": uuid.NewString(), "tenant_id": tenant.ID, "sha256_hash": tokenSHA256Hash,
		}).OnConflict(goqu.DoNothing()).ToSQL()
		if err != nil {
			return apterr.Wrap(apterr.Internal, "building api token insert", err)
		}
		if _, err := tx.Exec(ctx, insertToken, args...); err != nil {
			return apterr.Wrap(pgErrorKind(err), "creating api token", err)
		}
		return nil
	})
	if err != nil {
		return catalog.Tenant{}, err
	}
	return tenant, nil
}

func (s *Store) CreateRepository(ctx context.Context, repo catalog.Repository) (catalog.Repository, error) {
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	query, args, err := dialect.Insert("repository").Rows(goqu.Record{
		"id":                  repo.ID,
		"tenant_id":           repo.TenantID,
		"name":                repo.Name,
		"bucket":              repo.Bucket,
		"prefix":              repo.Prefix,
		"signing_key_armored": repo.SigningKeyArmored,
	}).ToSQL()
	if err != nil {
		return catalog.Repository{}, apterr.Wrap(apterr.Internal, "building repository insert", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return catalog.Repository{}, apterr.Wrap(pgErrorKind(err), "creating repository", err)
	}
	return repo, nil
}

func (s *Store) Repository(ctx context.Context, tenantID, name string) (catalog.Repository, error) {
	query, args, err := dialect.From("repository").
		Select("id", "tenant_id", "name", "bucket", "prefix", "signing_key_armored").
		Where(goqu.Ex{"tenant_id": tenantID, "name": name}).
		ToSQL()
	if err != nil {
		return catalog.Repository{}, apterr.Wrap(apterr.Internal, "building repository query", err)
	}
	var r catalog.Repository
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&r.ID, &r.TenantID, &r.Name, &r.Bucket, &r.Prefix, &r.SigningKeyArmored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Repository{}, apterr.New(apterr.NotFound, "repository not found")
		}
		return catalog.Repository{}, apterr.Wrap(apterr.StorageUnavailable, "reading repository", err)
	}
	return r, nil
}

func (s *Store) ListRepositories(ctx context.Context, tenantID string) ([]catalog.Repository, error) {
	query, args, err := dialect.From("repository").
		Select("id", "tenant_id", "name", "bucket", "prefix", "signing_key_armored").
		Where(goqu.Ex{"tenant_id": tenantID}).
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, apterr.Wrap(apterr.Internal, "building repository list query", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apterr.Wrap(apterr.StorageUnavailable, "listing repositories", err)
	}
	defer rows.Close()

	var out []catalog.Repository
	for rows.Next() {
		var r catalog.Repository
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Bucket, &r.Prefix, &r.SigningKeyArmored); err != nil {
			return nil, apterr.Wrap(apterr.StorageUnavailable, "scanning repository row", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apterr.Wrap(apterr.StorageUnavailable, "listing repositories", err)
	}
	return out, nil
}

func (s *Store) AllRepositories(ctx context.Context) ([]catalog.Repository, error) {
	query, args, err := dialect.From("repository").
		Select("id", "tenant_id", "name", "bucket", "prefix", "signing_key_armored").
		Order(goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, apterr.Wrap(apterr.Internal, "building repository list query", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apterr.Wrap(apterr.StorageUnavailable, "listing repositories", err)
	}
	defer rows.Close()

	var out []catalog.Repository
	for rows.Next() {
		var r catalog.Repository
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Bucket, &r.Prefix, &r.SigningKeyArmored); err != nil {
			return nil, apterr.Wrap(apterr.StorageUnavailable, "scanning repository row", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apterr.Wrap(apterr.StorageUnavailable, "listing repositories", err)
	}
	return out, nil
}

func (s *Store) RepositoryByID(ctx context.Context, tenantID, id string) (catalog.Repository, error) {
	r, err := repositoryByID(ctx, s.pool, id)
	if err != nil {
		return catalog.Repository{}, err
	}
	if r.TenantID != tenantID {
		return catalog.Repository{}, apterr.New(apterr.NotFound, "repository not found")
	}
	return r, nil
}

func (s *Store) EnsureRelease(ctx context.Context, repositoryID string, rel catalog.Release) (catalog.Release, error) {
	var out catalog.Release
	err := s.withSerializable(ctx, func(ctx context.Context, tx pgx.Tx) error {
		selQuery, selArgs, err := dialect.From("release").
			Select("id", "repository_id", "distribution", "description", "origin", "label", "version", "suite", "codename").
			Where(goqu.Ex{"repository_id": repositoryID, "distribution": rel.Distribution}).
			ToSQL()
		if err != nil {
			return apterr.Wrap(apterr.Internal, "building release lookup", err)
		}
		row := tx.QueryRow(ctx, selQuery, selArgs...)
		err = row.Scan(&out.ID, &out.RepositoryID, &out.Distribution, &out.Description, &out.Origin, &out.Label, &out.Version, &out.Suite, &out.Codename)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return apterr.Wrap(apterr.StorageUnavailable, "looking up release", err)
		}

		rel.ID = uuid.NewString()
		rel.RepositoryID = repositoryID
		insQuery, insArgs, err := dialect.Insert("release").Rows(goqu.Record{
			"id":            rel.ID,
			"repository_id": rel.RepositoryID,
			"distribution":  rel.Distribution,
			"description":   rel.Description,
			"origin":        rel.Origin,
			"label":         rel.Label,
			"version":       rel.Version,
			"suite":         rel.Suite,
			"codename":      rel.Codename,
		}).ToSQL()
		if err != nil {
			return apterr.Wrap(apterr.Internal, "building release insert", err)
		}
		if _, err := tx.Exec(ctx, insQuery, insArgs...); err != nil {
			return apterr.Wrap(pgErrorKind(err), "creating release", err)
		}
		out = rel
		return nil
	})
	return out, err
}

func (s *Store) EnsureComponent(ctx context.Context, releaseID, name string) (catalog.Component, error) {
	var out catalog.Component
	err := s.withSerializable(ctx, func(ctx context.Context, tx pgx.Tx) error {
		selQuery, selArgs, err := dialect.From("component").
			Select("id", "release_id", "name").
			Where(goqu.Ex{"release_id": releaseID, "name": name}).
			ToSQL()
		if err != nil {
			return apterr.Wrap(apterr.Internal, "building component lookup", err)
		}
		err = tx.QueryRow(ctx, selQuery, selArgs...).Scan(&out.ID, &out.ReleaseID, &out.Name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return apterr.Wrap(apterr.StorageUnavailable, "looking up component", err)
		}

		out = catalog.Component{ID: uuid.NewString(), ReleaseID: releaseID, Name: name}
		insQuery, insArgs, err := dialect.Insert("component").Rows(goqu.Record{
			"id": out.ID, "release_id": out.ReleaseID, "name": out.Name,
		}).ToSQL()
		if err != nil {
			return apterr.Wrap(apterr.Internal, "building component insert", err)
		}
		if _, err := tx.Exec(ctx, insQuery, insArgs...); err != nil {
			return apterr.Wrap(pgErrorKind(err), "creating component", err)
		}
		return nil
	})
	return out, err
}

func (s *Store) Release(ctx context.Context, repositoryID, distribution string) (catalog.Release, error) {
	query, args, err := dialect.From("release").
		Select("id", "repository_id", "distribution", "description", "origin", "label", "version", "suite", "codename",
			"working_body", "working_fingerprint", "working_date",
			"clearsigned_body", "detached_sig", "committed_body", "committed_at").
		Where(goqu.Ex{"repository_id": repositoryID, "distribution": distribution}).
		ToSQL()
	if err != nil {
		return catalog.Release{}, apterr.Wrap(apterr.Internal, "building release query", err)
	}
	var r catalog.Release
	var workingDate, committedAt *time.Time
	row := s.pool.QueryRow(ctx, query, args...)
	if err := row.Scan(&r.ID, &r.RepositoryID, &r.Distribution, &r.Description, &r.Origin, &r.Label, &r.Version, &r.Suite, &r.Codename,
		&r.WorkingBody, &r.WorkingFingerprint, &workingDate,
		&r.ClearsignedBody, &r.DetachedSig, &r.CommittedBody, &committedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Release{}, apterr.New(apterr.NotFound, "release not found")
		}
		return catalog.Release{}, apterr.Wrap(apterr.StorageUnavailable, "reading release", err)
	}
	if workingDate != nil {
		r.WorkingDate = *workingDate
	}
	if committedAt != nil {
		r.CommittedAt = *committedAt
	}
	return r, nil
}

func (s *Store) Releases(ctx context.Context, repositoryID string) ([]catalog.Release, error) {
	query, args, err := dialect.From("release").
		Select("id", "repository_id", "distribution", "description", "origin", "label", "version", "suite", "codename",
			"working_body", "working_fingerprint", "working_date",
			"clearsigned_body", "detached_sig", "committed_body", "committed_at").
		Where(goqu.Ex{"repository_id": repositoryID}).
		Order(goqu.I("distribution").Asc()).
		ToSQL()
	if err != nil {
		return nil, apterr.Wrap(apterr.Internal, "building releases query", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apterr.Wrap(apterr.StorageUnavailable, "listing releases", err)
	}
	defer rows.Close()

	var out []catalog.Release
	for rows.Next() {
		var r catalog.Release
		var workingDate, committedAt *time.Time
		if err := rows.Scan(&r.ID, &r.RepositoryID, &r.Distribution, &r.Description, &r.Origin, &r.Label, &r.Version, &r.Suite, &r.Codename,
			&r.WorkingBody, &r.WorkingFingerprint, &workingDate,
			&r.ClearsignedBody, &r.DetachedSig, &r.CommittedBody, &committedAt); err != nil {
			return nil, apterr.Wrap(apterr.StorageUnavailable, "scanning release row", err)
		}
		if workingDate != nil {
			r.WorkingDate = *workingDate
		}
		if committedAt != nil {
			r.CommittedAt = *committedAt
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apterr.Wrap(apterr.StorageUnavailable, "listing releases", err)
	}
	return out, nil
}

func (s *Store) AdmitPackage(ctx context.Context, componentID string, pkg catalog.Package, filename string) (catalog.Package, error) {
	var out catalog.Package
	err := s.withSerializable(ctx, func(ctx context.Context, tx pgx.Tx) error {
		existing, found, err := lookupPackageBySHA256(ctx, tx, pkg.TenantID, pkg.SHA256)
		if err != nil {
			return err
		}
		if found {
			out = existing
		} else {
			byIdentity, identityFound, err := lookupPackageByIdentity(ctx, tx, pkg.TenantID, pkg.Name, pkg.Version, pkg.Architecture)
			if err != nil {
				return err
			}
			if identityFound {
				return apterr.New(apterr.Conflict, fmt.Sprintf(
					"package %s %s %s already exists with different content (sha256 %s)",
					pkg.Name, pkg.Version, pkg.Architecture, byIdentity.SHA256))
			}
			pkg.ID = uuid.NewString()
			raw, err := json.Marshal(pkg.RawFields)
			if err != nil {
				return apterr.Wrap(apterr.Internal, "encoding raw control fields", err)
			}
			insQuery, insArgs, err := dialect.Insert("package").Rows(goqu.Record{
				"id": pkg.ID, "tenant_id": pkg.TenantID, "name": pkg.Name, "version": pkg.Version,
				"architecture": pkg.Architecture, "maintainer": pkg.Maintainer, "description": pkg.Description,
				"source": pkg.Source, "priority": pkg.Priority, "section": pkg.Section,
				"installed_size": pkg.InstalledSize, "homepage": pkg.Homepage, "depends": pkg.Depends,
				"recommends": pkg.Recommends, "conflicts": pkg.Conflicts, "provides": pkg.Provides,
				"replaces": pkg.Replaces, "raw_fields": raw,
				"size": pkg.Size, "md5": pkg.MD5, "sha1": pkg.SHA1, "sha256": pkg.SHA256, "bucket": pkg.Bucket,
			}).ToSQL()
			if err != nil {
				return apterr.Wrap(apterr.Internal, "building package insert", err)
			}
			if _, err := tx.Exec(ctx, insQuery, insArgs...); err != nil {
				return apterr.Wrap(pgErrorKind(err), "inserting package", err)
			}
			out = pkg
		}

		upsertQuery, upsertArgs, err := dialect.Insert("component_package").Rows(goqu.Record{
			"component_id": componentID, "package_id": out.ID, "filename": filename,
		}).OnConflict(goqu.DoUpdate("component_id,package_id", goqu.Record{"filename": filename})).ToSQL()
		if err != nil {
			return apterr.Wrap(apterr.Internal, "building membership upsert", err)
		}
		if _, err := tx.Exec(ctx, upsertQuery, upsertArgs...); err != nil {
			return apterr.Wrap(pgErrorKind(err), "linking package to component", err)
		}
		return nil
	})
	return out, err
}

func lookupPackageBySHA256(ctx context.Context, tx pgx.Tx, tenantID, sha256Hex string) (catalog.Package, bool, error) {
	query, args, err := dialect.From("package").
		Select("id", "tenant_id", "name", "version", "architecture", "maintainer", "description", "source",
			"priority", "section", "installed_size", "homepage", "depends", "recommends", "conflicts",
			"provides", "replaces", "raw_fields", "size", "md5", "sha1", "sha256", "bucket", "removed_at").
		Where(goqu.Ex{"tenant_id": tenantID, "sha256": sha256Hex}).
		ToSQL()
	if err != nil {
		return catalog.Package{}, false, apterr.Wrap(apterr.Internal, "building package lookup", err)
	}
	var p catalog.Package
	var raw []byte
	row := tx.QueryRow(ctx, query, args...)
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Version, &p.Architecture, &p.Maintainer, &p.Description, &p.Source,
		&p.Priority, &p.Section, &p.InstalledSize, &p.Homepage, &p.Depends, &p.Recommends, &p.Conflicts,
		&p.Provides, &p.Replaces, &raw, &p.Size, &p.MD5, &p.SHA1, &p.SHA256, &p.Bucket, &p.RemovedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Package{}, false, nil
		}
		return catalog.Package{}, false, apterr.Wrap(apterr.StorageUnavailable, "looking up package", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p.RawFields); err != nil {
			return catalog.Package{}, false, apterr.Wrap(apterr.Internal, "decoding raw control fields", err)
		}
	}
	return p, true, nil
}

// lookupPackageByIdentity enforces the second uniqueness key spec §3
// declares for Package: (tenant, package_name, version, architecture). It
// runs inside the same transaction as the sha256 lookup so AdmitPackage
// rejects a same-identity-different-bytes upload before it could otherwise
// race the table's own UNIQUE constraint into a pgErrorKind Conflict.
func lookupPackageByIdentity(ctx context.Context, tx pgx.Tx, tenantID, name, version, architecture string) (catalog.Package, bool, error) {
	query, args, err := dialect.From("package").
		Select("id", "tenant_id", "name", "version", "architecture", "maintainer", "description", "source",
			"priority", "section", "installed_size", "homepage", "depends", "recommends", "conflicts",
			"provides", "replaces", "raw_fields", "size", "md5", "sha1", "sha256", "bucket", "removed_at").
		Where(goqu.Ex{"tenant_id": tenantID, "name": name, "version": version, "architecture": architecture}).
		ToSQL()
	if err != nil {
		return catalog.Package{}, false, apterr.Wrap(apterr.Internal, "building package identity lookup", err)
	}
	var p catalog.Package
	var raw []byte
	row := tx.QueryRow(ctx, query, args...)
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Version, &p.Architecture, &p.Maintainer, &p.Description, &p.Source,
		&p.Priority, &p.Section, &p.InstalledSize, &p.Homepage, &p.Depends, &p.Recommends, &p.Conflicts,
		&p.Provides, &p.Replaces, &raw, &p.Size, &p.MD5, &p.SHA1, &p.SHA256, &p.Bucket, &p.RemovedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Package{}, false, nil
		}
		return catalog.Package{}, false, apterr.Wrap(apterr.StorageUnavailable, "looking up package by identity", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p.RawFields); err != nil {
			return catalog.Package{}, false, apterr.Wrap(apterr.Internal, "decoding raw control fields", err)
		}
	}
	return p, true, nil
}

func (s *Store) RetirePackage(ctx context.Context, componentID, packageID string) error {
	query, args, err := dialect.Delete("component_package").
		Where(goqu.Ex{"component_id": componentID, "package_id": packageID}).
		ToSQL()
	if err != nil {
		return apterr.Wrap(apterr.Internal, "building membership delete", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return apterr.Wrap(pgErrorKind(err), "retiring package", err)
	}
	if tag.RowsAffected() == 0 {
		return apterr.New(apterr.NotFound, "package not in component")
	}
	return nil
}

func (s *Store) PackageBySHA256(ctx context.Context, tenantID, sha256Hex string) (catalog.Package, bool, error) {
	var out catalog.Package
	var found bool
	err := s.withSerializable(ctx, func(ctx context.Context, tx pgx.Tx) error {
		p, ok, err := lookupPackageBySHA256(ctx, tx, tenantID, sha256Hex)
		out, found = p, ok
		return err
	})
	return out, found, err
}

func (s *Store) Snapshot(ctx context.Context, releaseID string) (catalog.ReleaseSnapshot, error) {
	return readSnapshot(ctx, s.pool, releaseID)
}

// readSnapshot reads a full ReleaseSnapshot through q, which may be the
// pool (standalone read, used by publish-begin) or an open transaction
// (used by CommitRelease's re-snapshot-and-compare, spec §4.E step 2).
func readSnapshot(ctx context.Context, q querier, releaseID string) (catalog.ReleaseSnapshot, error) {
	rel, err := releaseByID(ctx, q, releaseID)
	if err != nil {
		return catalog.ReleaseSnapshot{}, err
	}
	repo, err := repositoryByID(ctx, q, rel.RepositoryID)
	if err != nil {
		return catalog.ReleaseSnapshot{}, err
	}

	compQuery, compArgs, err := dialect.From("component").
		Select("id", "release_id", "name").
		Where(goqu.Ex{"release_id": releaseID}).
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return catalog.ReleaseSnapshot{}, apterr.Wrap(apterr.Internal, "building component query", err)
	}
	rows, err := q.Query(ctx, compQuery, compArgs...)
	if err != nil {
		return catalog.ReleaseSnapshot{}, apterr.Wrap(apterr.StorageUnavailable, "listing components", err)
	}
	var comps []catalog.Component
	for rows.Next() {
		var c catalog.Component
		if err := rows.Scan(&c.ID, &c.ReleaseID, &c.Name); err != nil {
			rows.Close()
			return catalog.ReleaseSnapshot{}, apterr.Wrap(apterr.StorageUnavailable, "scanning component row", err)
		}
		comps = append(comps, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return catalog.ReleaseSnapshot{}, apterr.Wrap(apterr.StorageUnavailable, "listing components", err)
	}

	out := catalog.ReleaseSnapshot{Release: rel, Repository: repo}
	for _, c := range comps {
		pkgs, filenames, err := componentMembership(ctx, q, c.ID)
		if err != nil {
			return catalog.ReleaseSnapshot{}, err
		}
		out.Components = append(out.Components, catalog.ComponentPackages{Component: c, Packages: pkgs, Filenames: filenames})
	}
	return out, nil
}

func componentMembership(ctx context.Context, q querier, componentID string) ([]catalog.Package, map[string]string, error) {
	query, args, err := dialect.From("component_package").
		Join(goqu.T("package"), goqu.On(goqu.Ex{"package.id": goqu.I("component_package.package_id")})).
		Select("package.id", "package.tenant_id", "package.name", "package.version", "package.architecture",
			"package.maintainer", "package.description", "package.source", "package.priority", "package.section",
			"package.installed_size", "package.homepage", "package.depends", "package.recommends", "package.conflicts",
			"package.provides", "package.replaces", "package.raw_fields", "package.size", "package.md5",
			"package.sha1", "package.sha256", "package.bucket", "package.removed_at", "component_package.filename").
		Where(goqu.Ex{"component_package.component_id": componentID, "package.removed_at": nil}).
		Order(goqu.I("package.id").Asc()).
		ToSQL()
	if err != nil {
		return nil, nil, apterr.Wrap(apterr.Internal, "building membership query", err)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, apterr.Wrap(apterr.StorageUnavailable, "reading component membership", err)
	}
	defer rows.Close()

	var pkgs []catalog.Package
	filenames := make(map[string]string)
	for rows.Next() {
		var p catalog.Package
		var raw []byte
		var filename string
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Version, &p.Architecture, &p.Maintainer, &p.Description,
			&p.Source, &p.Priority, &p.Section, &p.InstalledSize, &p.Homepage, &p.Depends, &p.Recommends,
			&p.Conflicts, &p.Provides, &p.Replaces, &raw, &p.Size, &p.MD5, &p.SHA1, &p.SHA256, &p.Bucket,
			&p.RemovedAt, &filename); err != nil {
			return nil, nil, apterr.Wrap(apterr.StorageUnavailable, "scanning package row", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p.RawFields); err != nil {
				return nil, nil, apterr.Wrap(apterr.Internal, "decoding raw control fields", err)
			}
		}
		pkgs = append(pkgs, p)
		filenames[p.ID] = filename
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apterr.Wrap(apterr.StorageUnavailable, "reading component membership", err)
	}
	return pkgs, filenames, nil
}

func releaseByID(ctx context.Context, q querier, id string) (catalog.Release, error) {
	query, args, err := dialect.From("release").
		Select("id", "repository_id", "distribution", "description", "origin", "label", "version", "suite", "codename",
			"working_body", "working_fingerprint", "working_date",
			"clearsigned_body", "detached_sig", "committed_body", "committed_at").
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return catalog.Release{}, apterr.Wrap(apterr.Internal, "building release query", err)
	}
	var r catalog.Release
	var workingDate, committedAt *time.Time
	if err := q.QueryRow(ctx, query, args...).Scan(&r.ID, &r.RepositoryID, &r.Distribution, &r.Description, &r.Origin,
		&r.Label, &r.Version, &r.Suite, &r.Codename, &r.WorkingBody, &r.WorkingFingerprint, &workingDate,
		&r.ClearsignedBody, &r.DetachedSig, &r.CommittedBody, &committedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Release{}, apterr.New(apterr.NotFound, "release not found")
		}
		return catalog.Release{}, apterr.Wrap(apterr.StorageUnavailable, "reading release", err)
	}
	if workingDate != nil {
		r.WorkingDate = *workingDate
	}
	if committedAt != nil {
		r.CommittedAt = *committedAt
	}
	return r, nil
}

func repositoryByID(ctx context.Context, q querier, id string) (catalog.Repository, error) {
	query, args, err := dialect.From("repository").
		Select("id", "tenant_id", "name", "bucket", "prefix", "signing_key_armored").
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return catalog.Repository{}, apterr.Wrap(apterr.Internal, "building repository query", err)
	}
	var r catalog.Repository
	if err := q.QueryRow(ctx, query, args...).Scan(&r.ID, &r.TenantID, &r.Name, &r.Bucket, &r.Prefix, &r.SigningKeyArmored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Repository{}, apterr.New(apterr.NotFound, "repository not found")
		}
		return catalog.Repository{}, apterr.Wrap(apterr.StorageUnavailable, "reading repository", err)
	}
	return r, nil
}

func (s *Store) StoreIndexes(ctx context.Context, releaseID string, indexes []catalog.PackagesIndex, workingBody []byte, fingerprint string) error {
	return s.withSerializable(ctx, func(ctx context.Context, tx pgx.Tx) error {
		updQuery, updArgs, err := dialect.Update("release").
			Set(goqu.Record{"working_body": workingBody, "working_fingerprint": fingerprint, "working_date": time.Now().UTC()}).
			Where(goqu.Ex{"id": releaseID}).
			ToSQL()
		if err != nil {
			return apterr.Wrap(apterr.Internal, "building release update", err)
		}
		tag, err := tx.Exec(ctx, updQuery, updArgs...)
		if err != nil {
			return apterr.Wrap(pgErrorKind(err), "storing working release", err)
		}
		if tag.RowsAffected() == 0 {
			return apterr.New(apterr.NotFound, "release not found")
		}

		for _, idx := range indexes {
			idxQuery, idxArgs, err := dialect.Insert("packages_index").Rows(goqu.Record{
				"component_id": idx.ComponentID, "component": idx.Component, "architecture": idx.Architecture,
				"compression": idx.Compression, "size": idx.Size, "contents": idx.Contents,
				"md5": idx.MD5, "sha1": idx.SHA1, "sha256": idx.SHA256,
			}).OnConflict(goqu.DoUpdate("component_id,architecture,compression", goqu.Record{
				"component": idx.Component, "size": idx.Size, "contents": idx.Contents, "md5": idx.MD5, "sha1": idx.SHA1, "sha256": idx.SHA256,
			})).ToSQL()
			if err != nil {
				return apterr.Wrap(apterr.Internal, "building index upsert", err)
			}
			if _, err := tx.Exec(ctx, idxQuery, idxArgs...); err != nil {
				return apterr.Wrap(pgErrorKind(err), "storing packages index", err)
			}
		}
		return nil
	})
}

func (s *Store) Indexes(ctx context.Context, releaseID string) ([]catalog.PackagesIndex, error) {
	query, args, err := dialect.From("packages_index").
		Join(goqu.T("component"), goqu.On(goqu.Ex{"component.id": goqu.I("packages_index.component_id")})).
		Select("packages_index.component_id", "packages_index.component", "packages_index.architecture",
			"packages_index.compression", "packages_index.size", "packages_index.contents",
			"packages_index.md5", "packages_index.sha1", "packages_index.sha256").
		Where(goqu.Ex{"component.release_id": releaseID}).
		Order(goqu.I("packages_index.component").Asc(), goqu.I("packages_index.architecture").Asc()).
		ToSQL()
	if err != nil {
		return nil, apterr.Wrap(apterr.Internal, "building indexes query", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apterr.Wrap(apterr.StorageUnavailable, "listing indexes", err)
	}
	defer rows.Close()

	var out []catalog.PackagesIndex
	for rows.Next() {
		var idx catalog.PackagesIndex
		if err := rows.Scan(&idx.ComponentID, &idx.Component, &idx.Architecture, &idx.Compression,
			&idx.Size, &idx.Contents, &idx.MD5, &idx.SHA1, &idx.SHA256); err != nil {
			return nil, apterr.Wrap(apterr.StorageUnavailable, "scanning index row", err)
		}
		out = append(out, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, apterr.Wrap(apterr.StorageUnavailable, "listing indexes", err)
	}
	return out, nil
}

func (s *Store) CommitRelease(ctx context.Context, releaseID string, clientFingerprint string, regenerate catalog.RegenerateFunc, clearsigned, detachedSig []byte) ([]byte, error) {
	var committedBody []byte
	err := s.withSerializable(ctx, func(ctx context.Context, tx pgx.Tx) error {
		// Lock the release row first so a concurrent commit or publish-begin
		// can't interleave with the re-snapshot below.
		var workingDate *time.Time
		if err := tx.QueryRow(ctx, `SELECT working_date FROM release WHERE id = $1 FOR UPDATE`, releaseID).Scan(&workingDate); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apterr.New(apterr.NotFound, "release not found")
			}
			return apterr.Wrap(apterr.StorageUnavailable, "locking release", err)
		}
		if workingDate == nil {
			return apterr.New(apterr.PublishStale, "release has no working state to commit")
		}

		// Re-snapshot the catalog and re-run the generator inside this same
		// transaction, so the comparison below sees exactly the state the
		// commit will be based on (spec §4.E step 2).
		snap, err := readSnapshot(ctx, tx, releaseID)
		if err != nil {
			return err
		}
		body, fingerprint, err := regenerate(snap, *workingDate)
		if err != nil {
			return apterr.Wrap(apterr.Internal, "regenerating release body", err)
		}
		if fingerprint != clientFingerprint {
			return apterr.New(apterr.PublishStale, "working release has changed since publish-begin")
		}

		query, args, err := dialect.Update("release").
			Set(goqu.Record{
				"clearsigned_body": clearsigned, "detached_sig": detachedSig,
				"committed_body": body, "committed_at": time.Now().UTC(),
				"working_body": nil, "working_fingerprint": "", "working_date": nil,
			}).
			Where(goqu.Ex{"id": releaseID}).
			ToSQL()
		if err != nil {
			return apterr.Wrap(apterr.Internal, "building commit update", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return apterr.Wrap(pgErrorKind(err), "committing release", err)
		}
		committedBody = body
		return nil
	})
	return committedBody, err
}

func (s *Store) ScheduleByHashCleanup(ctx context.Context, c catalog.ByHashCleanup) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	query, args, err := dialect.Insert("by_hash_cleanup").Rows(goqu.Record{
		"id": c.ID, "component_id": c.ComponentID, "architecture": c.Architecture, "bucket": c.Bucket,
		"prefix": c.Prefix, "key": c.Key, "md5": c.MD5, "sha1": c.SHA1, "sha256": c.SHA256, "expires_at": c.ExpiresAt,
	}).ToSQL()
	if err != nil {
		return apterr.Wrap(apterr.Internal, "building by-hash cleanup insert", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return apterr.Wrap(pgErrorKind(err), "scheduling by-hash cleanup", err)
	}
	return nil
}

func (s *Store) DueByHashCleanups(ctx context.Context, bucket string, limit int) ([]catalog.ByHashCleanup, error) {
	query, args, err := dialect.From("by_hash_cleanup").
		Select("id", "component_id", "architecture", "bucket", "prefix", "key", "md5", "sha1", "sha256", "expires_at").
		Where(goqu.Ex{"bucket": bucket}, goqu.C("expires_at").Lte(time.Now().UTC())).
		Order(goqu.I("expires_at").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apterr.Wrap(apterr.Internal, "building due cleanup query", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apterr.Wrap(apterr.StorageUnavailable, "listing due cleanups", err)
	}
	defer rows.Close()

	var out []catalog.ByHashCleanup
	for rows.Next() {
		var c catalog.ByHashCleanup
		if err := rows.Scan(&c.ID, &c.ComponentID, &c.Architecture, &c.Bucket, &c.Prefix, &c.Key, &c.MD5, &c.SHA1, &c.SHA256, &c.ExpiresAt); err != nil {
			return nil, apterr.Wrap(apterr.StorageUnavailable, "scanning cleanup row", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apterr.Wrap(apterr.StorageUnavailable, "listing due cleanups", err)
	}
	return out, nil
}

func (s *Store) DeleteByHashCleanup(ctx context.Context, id string) error {
	query, args, err := dialect.Delete("by_hash_cleanup").Where(goqu.Ex{"id": id}).ToSQL()
	if err != nil {
		return apterr.Wrap(apterr.Internal, "building cleanup delete", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return apterr.Wrap(pgErrorKind(err), "deleting by-hash cleanup", err)
	}
	return nil
}

var _ catalog.Store = (*Store)(nil)
