// Command etc detects extratropical cyclone centres, stitches them into
// tracks and builds storm-centred composites for every configured year.
//
// Usage:
//
//	etc -defines defines.txt
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/couchcryptid/etc-composites/internal/adapter/excel"
	httpadapter "github.com/couchcryptid/etc-composites/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/etc-composites/internal/adapter/kafka"
	"github.com/couchcryptid/etc-composites/internal/adapter/netcdf"
	"github.com/couchcryptid/etc-composites/internal/adapter/sqlite"
	"github.com/couchcryptid/etc-composites/internal/config"
	"github.com/couchcryptid/etc-composites/internal/field"
	"github.com/couchcryptid/etc-composites/internal/observability"
	"github.com/couchcryptid/etc-composites/internal/pipeline"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	defines := flag.String("defines", sharedcfg.EnvOrDefault("DEFINES_FILE", "defines.txt"), "path to the defines file")
	flag.Parse()

	cfg, err := config.Load(*defines)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	if err := pipeline.PrepareWorkspace(cfg); err != nil {
		slog.Error("failed to prepare workspace", "error", err)
		return 1
	}

	runLog, err := os.OpenFile(filepath.Join(cfg.Workspace, "run.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("failed to open run log", "error", err)
		return 1
	}
	defer runLog.Close()

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, runLog)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(cfg, logger, metrics)

	var srv *httpadapter.Server
	if cfg.HTTPAddr != "" {
		srv = httpadapter.NewServer(cfg.HTTPAddr, runner, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	staged, err := pipeline.StageInputs(cfg, logger)
	if err != nil {
		logger.Error("failed to stage inputs", "error", err)
		return 2
	}
	logger.Info("inputs staged", "files", staged)

	opener := netcdf.Opener{}
	g, inv, err := field.LoadInvariants(opener, cfg.TopoFile, logger)
	if err != nil {
		logger.Error("failed to load invariants", "error", err)
		return 2
	}

	in := pipeline.Inputs{
		Grid:       g,
		Invariants: inv,
		SLP:        field.NewSource(opener, pipeline.SourceConfig(cfg), g, logger),
		Fields:     pipeline.FieldOpener(field.NewFields(opener, pipeline.FieldConfig(cfg))),
		Composites: netcdf.CompositeWriter{},
		Summary:    excel.NewSummaryWriter(),
	}

	if len(cfg.KafkaBrokers) > 0 {
		writer := kafkaadapter.NewTrackWriter(cfg.KafkaBrokers, cfg.KafkaTrackTopic, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		in.Tracks = writer
		logger.Info("track publishing enabled", "topic", cfg.KafkaTrackTopic)
	}

	catalog, err := sqlite.Open(ctx, cfg.CatalogDB, logger)
	if err != nil {
		logger.Warn("track catalog disabled", "file", cfg.CatalogDB, "error", err)
	} else {
		defer catalog.Close()
		in.Catalog = catalog
	}

	rep, runErr := runner.Run(ctx, in)
	if runErr != nil {
		logger.Error("run error", "error", runErr)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}

	if runErr != nil {
		return 2
	}
	return rep.ExitCode()
}
