// Package app wires the storage layer and the fleet services from a
// configuration.
package app

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"notecard_fleet/internal/api"
	"notecard_fleet/internal/config"
	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/history"
	"notecard_fleet/internal/identity"
	"notecard_fleet/internal/ingest"
	"notecard_fleet/internal/journey"
	"notecard_fleet/internal/mapmatch"
	"notecard_fleet/internal/metrics"
	"notecard_fleet/internal/storage"
)

// App holds the opened stores and the services built on them.
type App struct {
	DB       *storage.DB
	Identity *identity.Resolver
	History  *history.Service
	Matcher  *journey.Matcher
	Deleter  *journey.Deleter
	Ingest   *ingest.Handler

	cfg config.Config
	log logrus.FieldLogger
}

// Open opens storage and builds every service.
func Open(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*App, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	ids, err := identity.NewResolver(db.Primary, db.Primary, identity.Options{
		CacheSize: cfg.Identity.CacheSize,
		CacheTTL:  cfg.Identity.CacheTTL,
		Logger:    logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ids.OnAliasCreated(func(a *storage.DeviceAlias) {
		metrics.IdentityChanges.WithLabelValues("alias_created").Set(float64(a.CreatedAt.Unix()))
	})
	ids.OnSwap(func(e identity.SwapEvent) {
		metrics.IdentityChanges.WithLabelValues("swap").Set(float64(e.At.Unix()))
	})

	routes := mapmatch.NewClient(mapmatch.Options{
		BaseURL:     cfg.MapMatch.BaseURL,
		AccessToken: cfg.MapMatch.AccessToken,
		Profile:     cfg.MapMatch.Profile,
		Timeout:     cfg.MapMatch.Timeout,
	})

	return &App{
		DB:       db,
		Identity: ids,
		History: history.NewService(ids, history.Stores{
			Journeys:  db.Primary,
			Locations: db.Primary,
			Telemetry: db.Telemetry(),
			Power:     db.Power(),
		}, logger),
		Matcher: journey.NewMatcher(db.Primary, routes, journey.Options{Logger: logger}),
		Deleter: journey.NewDeleter(db.Primary, logger),
		Ingest:  ingest.NewHandler(ids, db, logger),
		cfg:     cfg,
		log:     logger,
	}, nil
}

// Server returns the HTTP API over the app's services.
func (a *App) Server() *api.Server {
	return api.NewServer(api.Deps{
		Identities: a.Identity,
		History:    a.History,
		Matcher:    a.Matcher,
		Deleter:    a.Deleter,
	}, api.Config{
		Port:           a.cfg.HTTP.Port,
		RequestTimeout: a.cfg.HTTP.RequestTimeout,
	}, a.log)
}

// Consume connects to NATS and feeds events into the ingest handler until
// ctx is cancelled.
func (a *App) Consume(ctx context.Context) error {
	nc, err := ingest.Connect(a.cfg.NATS.URL, a.log)
	if err != nil {
		return err
	}
	defer nc.Close()

	c, err := ingest.Subscribe(nc, ingest.ConsumerConfig{
		Subject:        a.cfg.NATS.Subject,
		Queue:          a.cfg.NATS.Queue,
		HandlerTimeout: a.cfg.NATS.HandlerTimeout,
	}, a.Ingest, a.log)
	if err != nil {
		return err
	}

	<-ctx.Done()
	return c.Drain()
}

// ReplayStats counts the outcome of a JSONL replay.
type ReplayStats struct {
	Lines     int `json:"lines"`
	Handled   int `json:"handled"`
	Malformed int `json:"malformed"`
	Failed    int `json:"failed"`
}

// Replay feeds newline-delimited events from r through the ingest handler,
// as the NATS consumer would. Blank lines are ignored. Malformed and failed
// events are counted and logged; only read errors stop the replay.
func (a *App) Replay(ctx context.Context, r io.Reader) (ReplayStats, error) {
	var st ReplayStats

	scanner := bufio.NewScanner(r)
	// Event bodies can be large; bump the buffer.
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		st.Lines++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		err := a.Ingest.Handle(ctx, line)
		switch {
		case err == nil:
			st.Handled++
		case errors.Is(err, fault.ErrInvalidArgument):
			st.Malformed++
			a.log.WithError(err).WithField("line", st.Lines).Warn("Dropping malformed event.")
		default:
			st.Failed++
			a.log.WithError(err).WithField("line", st.Lines).Error("Event handling failed.")
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
	}
	if err := scanner.Err(); err != nil {
		return st, fmt.Errorf("read events: %w", err)
	}
	return st, nil
}

// Close closes storage.
func (a *App) Close() error {
	return a.DB.Close()
}
