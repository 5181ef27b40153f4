package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raterudder/chargeplanner/pkg/consumption"
	"github.com/raterudder/chargeplanner/pkg/ess"
	"github.com/raterudder/chargeplanner/pkg/forecast"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/server"
	"github.com/raterudder/chargeplanner/pkg/storage"
	"github.com/raterudder/chargeplanner/pkg/utility"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	u := utility.Configured()
	f := forecast.Configured()
	e := ess.Configured()
	s := storage.Configured()
	store := consumption.Configured(s)

	// init server
	srv := server.Configured(s, e, u, f, store)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, srv, e, s)
	cancel()
	os.Exit(code)
}

type runner interface {
	Run(ctx context.Context) error
}

// run blocks until the server stops and always releases the battery and
// closes storage before returning the exit code.
func run(ctx context.Context, srv runner, e ess.System, db storage.Database) int {
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()
	defer func() {
		// hands the battery back to the inverter's own control
		if err := e.StopCharging(context.Background()); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to release battery on shutdown", slog.Any("error", err))
		}
		if err := e.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close ess", slog.Any("error", err))
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		return 1
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
	return 0
}
