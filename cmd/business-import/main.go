package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"business_search_backend/internal/businesses/repository"
	"business_search_backend/migrations"
	"business_search_backend/platform/config"
	"business_search_backend/platform/db"
	"business_search_backend/platform/logger"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "business-import",
		Usage: "Load businesses from a JSON lines file into the datastore",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Path to the JSON lines file, or - for stdin",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Records upserted per round trip",
				Value: 500,
			},
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "Apply pending migrations before importing",
				Value: true,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return importBusinesses(ctx, c.String("file"), int(c.Int("batch-size")), c.Bool("migrate"))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "business-import:", err)
		os.Exit(1)
	}
}

func importBusinesses(ctx context.Context, path string, batchSize int, migrate bool) error {
	if batchSize < 1 {
		return errors.New("batch-size must be positive")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Env)
	log.Info("starting business import", "file", path, "batch_size", batchSize)

	input, closeInput, err := openInput(path)
	if err != nil {
		return err
	}
	defer closeInput()

	if migrate {
		if err := db.RunMigrations(ctx, cfg, migrations.FS, log); err != nil {
			return err
		}
	}

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	leases := db.NewLeaseManager(db.NewAcquirer(pool), db.LeaseOptionsFrom(cfg), log)
	repo := repository.New()

	var imported, skipped int
	records := newReader(input, func(line int, err error) {
		skipped++
		log.Warn("skipping record", "line", line, "error", err)
	})

	for {
		batch, err := records.next(batchSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && len(batch) == 0 {
			return err
		}

		if upsertErr := leases.WithLease(ctx, func(ctx context.Context, conn db.Conn) error {
			return repo.Upsert(ctx, conn, batch)
		}); upsertErr != nil {
			return fmt.Errorf("after %d records: %w", imported, upsertErr)
		}
		imported += len(batch)
		log.Info("batch imported", "imported", imported, "skipped", skipped)

		if err != nil {
			return err
		}
	}

	log.Info("business import complete", "imported", imported, "skipped", skipped)
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}
