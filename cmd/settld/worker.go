package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/outbox"
	"github.com/settld-labs/settld/pkg/retention"
)

// runWorker runs the background workers without the HTTP surface, for
// deployments that scale delivery separately from the API.
func runWorker(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", "", "deployment profile (YAML) with delivery destinations")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := newLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("store open failed", "error", err)
		return 2
	}
	defer st.Close()

	var router *outbox.Router
	path := *profilePath
	if path == "" {
		path = config.Resolve(os.Getenv, "PROFILE")
	}
	if path != "" {
		profile, r, err := config.LoadProfile(path)
		if err != nil {
			logger.Error("profile invalid", "path", path, "error", err)
			return 2
		}
		router = r
		profile.Apply(&cfg.Worker)
	}

	if router != nil {
		worker := outbox.NewWorker(st, router, outboxConfig(cfg.Worker)).WithLogger(logger)
		go func() {
			if err := worker.Run(ctx, cfg.Worker.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("no delivery profile; running retention only")
	}
	gc := retention.NewWorker(st, cfg.Retention, cfg.DataDir).WithLogger(logger)
	go gc.Run(ctx)

	logger.Info("workers running", "delivery", router != nil)
	<-ctx.Done()
	logger.Info("stopped")
	return 0
}
