// Package main provides the fleet-api server for device identity and history.
//
// Usage:
//
//	fleet-api [options]
//
// Options:
//
//	-config PATH        YAML configuration file (env: FLEET_CONFIG)
//	-store NAME         Storage backend: memory, sqlite, postgres, dynamodb (env: FLEET_STORE)
//	-db PATH            SQLite database path (env: FLEET_SQLITE_PATH)
//	-clickhouse         Store telemetry and power in ClickHouse (env: FLEET_USE_CLICKHOUSE)
//	-pg-host HOST       PostgreSQL host (env: POSTGRES_HOST)
//	-port N             HTTP port (default: 8080, env: FLEET_HTTP_PORT)
//	-ingest             Also consume Notehub events from NATS
//	-init-schema        Create tables before serving
//
// API Endpoints:
//
//	GET    /health
//	GET    /metrics
//	GET    /devices/{key}/identity
//	GET    /devices/{key}/journeys?start=&end=&limit=&order=&fetch_all=&status=
//	GET    /devices/{key}/journeys/{id}
//	POST   /devices/{key}/journeys/{id}/match
//	DELETE /devices/{key}/journeys/{id}
//	GET    /devices/{key}/journeys/{id}/power
//	GET    /devices/{key}/locations?source=
//	GET    /devices/{key}/telemetry
//	GET    /devices/{key}/power
//	GET    /devices/{key}/cities
//	POST   /admin/merge  Body: {"source_serial_number": "...", "target_serial_number": "..."}
//
// History endpoints return every matching record unless limit is given;
// limit must be positive.
//
// {key} is a serial number or any hardware id the device is using.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"notecard_fleet/internal/app"
	"notecard_fleet/internal/config"
	"notecard_fleet/internal/logging"
)

func main() {
	cfg, err := config.Load(config.PathFromArgs(os.Args[1:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("fleet-api", flag.ExitOnError)
	fs.String("config", "", "YAML configuration file")
	cfg.RegisterFlags(fs)
	ingest := fs.Bool("ingest", false, "Also consume Notehub events from NATS")
	initSchema := fs.Bool("init-schema", false, "Create tables before serving")
	_ = fs.Parse(os.Args[1:])

	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *ingest, *initSchema); err != nil {
		logrus.WithError(err).Error("fleet-api stopped.")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, ingest, initSchema bool) error {
	a, err := app.Open(ctx, cfg, logrus.StandardLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	if initSchema {
		if err := a.DB.CreateSchemas(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server().Run(ctx)
	})
	if ingest {
		g.Go(func() error {
			return a.Consume(ctx)
		})
	}
	return g.Wait()
}
