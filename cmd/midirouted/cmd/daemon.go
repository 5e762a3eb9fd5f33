package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/g960059/midiroute/internal/catalog"
	"github.com/g960059/midiroute/internal/config"
	"github.com/g960059/midiroute/internal/daemon"
	"github.com/g960059/midiroute/internal/db"
	"github.com/g960059/midiroute/internal/model"
	"github.com/g960059/midiroute/internal/msglog"
	"github.com/g960059/midiroute/internal/provider"
	"github.com/g960059/midiroute/internal/routing"
	"github.com/g960059/midiroute/internal/session"
	"github.com/g960059/midiroute/internal/supervisor"
	"github.com/g960059/midiroute/internal/traffic"
	"github.com/g960059/midiroute/internal/worker"
)

func runDaemon(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := daemonConfig()
	logger := slog.Default()

	native, err := provider.NewRtProvider(cfg.SysExMaxBytes, logger)
	if err != nil {
		return err
	}
	defer native.Close() //nolint:errcheck
	mux := provider.NewMux(native, nil)

	profiles := config.NewProfileStore(cfg.ProfilePath)
	appCfg, err := profiles.Load()
	if err != nil {
		if !errors.Is(err, config.ErrCorrupt) {
			return err
		}
		logger.Warn("profile document corrupt, defaults substituted", "err", err)
	}

	cat := catalog.New(mux, catalog.NewLoopbackStore(cfg.LoopbackPath), logger)
	matrix := routing.NewMatrix()
	log := msglog.New(appCfg.LogBufferSize)
	analyzer := traffic.NewAnalyzer()
	sess := session.New(cat, mux, cfg.DebounceDelay, logger)
	wrk := worker.New(matrix, cat, sess, log, analyzer, logger)

	routes, convErrs := appCfg.ActiveProfile().BuildRoutes()
	for _, convErr := range convErrs {
		logger.Warn("dropping invalid persisted route", "err", convErr)
	}
	if err := matrix.ReplaceAll(routes); err != nil {
		return err
	}

	var archive *db.Store
	if cfg.ArchiveEnabled {
		archive, err = db.Open(ctx, cfg.DBPath)
		if err != nil {
			return err
		}
		defer archive.Close() //nolint:errcheck
		if err := db.ApplyMigrations(ctx, archive.DB()); err != nil {
			return err
		}
		startArchiveFeeds(ctx, archive, log, wrk, logger)
		startRetentionLoop(ctx, archive, cfg.RetentionTTL, logger)
	}

	sv := supervisor.New(cat, wrk, sess, cfg.StopTimeout, logger)
	if err := sv.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sv.Stop(context.Background()); err != nil {
			logger.Warn("shutdown incomplete", "err", err)
		}
	}()

	if !viper.GetBool("background") {
		logger.Info("midirouted running",
			"socket", cfg.SocketPath,
			"profile", appCfg.ActiveProfile().Name,
			"routes", len(routes),
		)
	}

	srv := daemon.NewServer(cfg, daemon.Deps{
		Catalog:  cat,
		Matrix:   matrix,
		Session:  sess,
		Worker:   wrk,
		Log:      log,
		Traffic:  analyzer,
		Profiles: profiles,
		Version:  version,
	}, appCfg)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startArchiveFeeds copies log entries and forwards into the archive on a
// dedicated goroutine; archive failures never touch the dispatch path.
func startArchiveFeeds(ctx context.Context, archive *db.Store, log *msglog.Log, wrk *worker.Worker, logger *slog.Logger) {
	entries := make(chan any, 1024)
	drop := func(v any) {
		select {
		case entries <- v:
		default:
			// Archive backlog: drop rather than block a hot path.
		}
	}
	log.OnEntryAdded(func(e model.LogEntry) { drop(e) })
	wrk.OnForwarded(func(f worker.Forward) { drop(f) })

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-entries:
				var err error
				switch item := v.(type) {
				case model.LogEntry:
					err = archive.InsertLogEntry(ctx, item)
				case worker.Forward:
					err = archive.InsertForward(ctx, db.ForwardRecord{
						RouteID:  item.RouteID,
						SourceID: item.Source,
						TargetID: item.Target,
						At:       item.Timestamp,
					})
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Debug("archive write failed", "err", err)
				}
			}
		}
	}()
}

func startRetentionLoop(ctx context.Context, archive *db.Store, ttl time.Duration, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	run := func() {
		cutoff := time.Now().UTC().Add(-ttl)
		if err := archive.PurgeBefore(ctx, cutoff); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("retention purge failed", "err", err)
		}
	}
	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
