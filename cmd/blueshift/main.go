// Command blueshift watches an S3 bucket for load directories and
// ingests their data files into a Redshift-style warehouse as described
// by each directory's manifest.edn.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"blueshift/internal/config"
	"blueshift/internal/metrics"
	"blueshift/internal/metrics/datadog"
	"blueshift/internal/repl"
	"blueshift/internal/s3"
	"blueshift/internal/status"
	"blueshift/internal/warehouse"
	"blueshift/internal/watcher"
)

func main() {
	var (
		cfgPath  string
		showHelp bool
	)
	pflag.StringVarP(&cfgPath, "config", "c", "./etc/config.edn", "path to the configuration file")
	pflag.BoolVarP(&showHelp, "help", "h", false, "show usage")
	pflag.Parse()

	if showHelp {
		fmt.Fprintf(os.Stderr, "usage: blueshift [-c config.edn]\n")
		pflag.PrintDefaults()
		os.Exit(0)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if err := run(log, cfgPath); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	if os.Getenv("DD_API_KEY") != "" {
		backend := datadog.NewBackend(ctx, datadog.Options{})
		metrics.Use(backend)
		defer func() {
			if err := backend.Close(); err != nil {
				log.Warn("flushing metrics failed", "error", err)
			}
		}()
		log.Info("metrics backend enabled", "backend", "datadog")
	}

	store, err := s3.New(cfg.S3.Bucket)
	if err != nil {
		return err
	}

	var marker status.Marker
	if cfg.StatusDB != nil {
		st, err := status.New(ctx, cfg.StatusDB)
		if err != nil {
			return err
		}
		defer st.Close()
		marker = st
		log.Info("status stamping enabled", "host", cfg.StatusDB.Host, "table", cfg.StatusDB.Schema+"."+cfg.StatusDB.Table)
	}

	poll := time.Duration(cfg.S3.PollInterval.Seconds) * time.Second
	jitter := time.Duration(cfg.S3.PollInterval.RandomSeconds) * time.Second

	loader := warehouse.NewLoader()
	bucketWatcher := watcher.NewBucketWatcher(store, cfg.KeyRegexp, poll, log)
	spawner := watcher.NewSpawner(store, loader, marker, bucketWatcher.Directories(), poll, jitter, log)

	spawner.Start()
	bucketWatcher.Start()
	log.Info("watching bucket", "bucket", cfg.S3.Bucket, "pattern", cfg.S3.KeyPattern, "poll_seconds", cfg.S3.PollInterval.Seconds)

	if stage := os.Getenv("STAGE"); stage != "prod" {
		info := fmt.Sprintf("stage=%s bucket=%s pattern=%s poll=%ds", stage, cfg.S3.Bucket, cfg.S3.KeyPattern, cfg.S3.PollInterval.Seconds)
		console, err := repl.Start(fmt.Sprintf(":%d", repl.DefaultPort), spawner.Snapshot, info, log)
		if err != nil {
			log.Warn("console not started", "error", err)
		} else {
			defer console.Close()
			log.Info("console listening", "port", repl.DefaultPort)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	bucketWatcher.Stop()
	spawner.Stop()
	return nil
}
