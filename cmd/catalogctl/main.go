// Command catalogctl runs maintenance tasks against the catalog: seeding
// products and reconciling stored images with product records.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	appkg "github.com/xenking/catalog-service/internal/app"
	"github.com/xenking/catalog-service/internal/domain/catalog"
	"github.com/xenking/catalog-service/internal/seed"
	"github.com/xenking/catalog-service/internal/storage/postgres"
	s3storage "github.com/xenking/catalog-service/internal/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()
	ctx = zctx.Base(ctx, lg)

	cmd := &cli.Command{
		Name:  "catalogctl",
		Usage: "Catalog maintenance commands",
		Commands: []*cli.Command{
			{
				Name:  "seed",
				Usage: "Create products from a JSON file (.json or .json.gz), skipping existing codes",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Usage:    "path to the products file",
						Required: true,
					},
				},
				Action: seedAction,
			},
			{
				Name:  "reconcile",
				Usage: "Link stored images that no product references back to their product",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "report without repairing",
					},
				},
				Action: reconcileAction,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		lg.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

// openPool loads the shared configuration and connects to a migrated database.
func openPool(ctx context.Context) (*appkg.Config, *pgxpool.Pool, error) {
	cfg, err := appkg.LoadEnvConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect to database")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "run migrations")
	}
	return cfg, pool, nil
}

func seedAction(ctx context.Context, cmd *cli.Command) error {
	lg := zctx.From(ctx)

	rc, err := seed.Open(cmd.String("file"))
	if err != nil {
		return errors.Wrap(err, "open seed file")
	}
	defer func() { _ = rc.Close() }()

	reqs, err := seed.Decode(rc)
	if err != nil {
		return errors.Wrap(err, "read seed file")
	}

	_, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Only CreateProduct is used, which needs no other collaborators.
	svc := catalog.NewService(postgres.NewProductRepository(pool), nil, nil, nil, nil)
	rep, err := seed.Load(ctx, svc, reqs)
	lg.Info("Seed finished", zap.Int("created", rep.Created), zap.Int("skipped", rep.Skipped))
	return err
}

func reconcileAction(ctx context.Context, cmd *cli.Command) error {
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	files, err := s3storage.Open(ctx, s3storage.Config{
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		PathStyle:       cfg.Storage.PathStyle,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
	})
	if err != nil {
		return errors.Wrap(err, "open storage")
	}

	r := catalog.NewReconciler(postgres.NewProductRepository(pool), files, cmd.Bool("dry-run"))
	rep, err := r.Run(ctx)
	if err != nil {
		return errors.Wrap(err, "reconcile")
	}

	fmt.Printf("scanned %d objects, %d referenced\n", rep.Scanned, rep.Referenced)
	for _, k := range rep.Repaired {
		fmt.Printf("repaired   %s\n", k)
	}
	for _, k := range rep.Superseded {
		fmt.Printf("superseded %s\n", k)
	}
	for _, k := range rep.Orphaned {
		fmt.Printf("orphaned   %s\n", k)
	}
	return nil
}
