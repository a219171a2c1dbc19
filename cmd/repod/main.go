// Command repod serves the APT/Debian repository control plane's HTTP API
// (spec §6): the catalog, blob store, publish coordinator and mirror wired
// together, plus the by-hash cleanup sweeper running in the background.
// Argument parsing beyond one -migrate flag is out of scope (spec §1); every
// other setting comes from the environment (see internal/config).
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	cloudblob "gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/aptpub/controlplane/internal/auth"
	blobstore "github.com/aptpub/controlplane/internal/blob"
	"github.com/aptpub/controlplane/internal/catalog/postgres"
	"github.com/aptpub/controlplane/internal/catalog/postgres/migrations"
	"github.com/aptpub/controlplane/internal/config"
	"github.com/aptpub/controlplane/internal/httpapi"
	"github.com/aptpub/controlplane/internal/logging"
	"github.com/aptpub/controlplane/internal/mirror"
	"github.com/aptpub/controlplane/internal/publish"
)

const (
	sweepInterval   = 10 * time.Minute
	sweepBatchLimit = 256
	shutdownTimeout = 15 * time.Second
)

func main() {
	migrate := flag.Bool("migrate", false, "run pending catalog migrations and exit")
	flag.Parse()

	logging.Init(logging.Config{Level: "info"})
	log := logging.WithComponent("main")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to database")
	}
	defer pool.Close()

	if *migrate {
		if err := migrations.Run(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("running migrations")
		}
		log.Info().Msg("migrations applied")
		return
	}

	store := postgres.New(pool)

	if cfg.SingleTenantToken != "" {
		tenant, err := store.EnsureSingleTenant(ctx, "Default Tenant", "default", auth.HashToken(cfg.SingleTenantToken))
		if err != nil {
			log.Fatal().Err(err).Msg("provisioning single tenant")
		}
		log.Info().Str("tenant_id", tenant.ID).Msg("single-tenant bootstrap token active")
	}

	bucket, err := cloudblob.OpenBucket(ctx, cfg.ObjectStorageURL)
	if err != nil {
		log.Fatal().Err(err).Msg("opening object storage bucket")
	}
	defer bucket.Close()
	blobs := blobstore.New(bucket)

	// A single bucket URL backs every repository in this deployment; a
	// multi-bucket deployment would resolve repo.Bucket to a distinct
	// *blob.Bucket per name instead.
	buckets := mirror.BucketResolver(func(ctx context.Context, bucketName string) (*blobstore.Store, error) {
		return blobs, nil
	})

	mir := mirror.New(buckets, store)
	mir.GraceWindow = cfg.ByHashGraceWindow
	coordinator := publish.New(store)

	releaseDefaults, err := config.LoadReleaseDefaults(cfg.ReleaseDefaultsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading release defaults")
	}

	server := httpapi.NewServer(store, buckets, coordinator, mir, cfg.DefaultBucket)
	server.ReleaseDefaults = releaseDefaults

	go func() {
		if err := mir.RunSweeper(ctx, sweepInterval, store.AllRepositories, sweepBatchLimit); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("by-hash sweeper stopped")
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Mux(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("serving")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("serving")
	}
}
