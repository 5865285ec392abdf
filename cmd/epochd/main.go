// Command epochd runs an epochkv engine and serves its control API.
//
// Usage:
//
//	epochd [-config epochd.yaml] [-listen :7070] [-url file:///var/lib/epochkv]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aalhour/epochkv"
	"github.com/aalhour/epochkv/internal/config"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/server"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file")
	listen     = flag.String("listen", "", "Control API address (overrides the config)")
	storeURL   = flag.String("url", "", "Object store URL (overrides the config)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "epochd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *storeURL != "" {
		cfg.Storage.URL = storeURL
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := logging.NewDefaultLogger(level)

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts.Logger = logger
	opts.Registerer = reg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := epochkv.Open(ctx, opts)
	if err != nil {
		return err
	}
	srv := server.New(db, server.Options{Addr: cfg.ListenAddr(), Gatherer: reg, Logger: logger})
	if err := srv.Start(); err != nil {
		db.Close()
		return err
	}

	<-ctx.Done()
	logger.Infof(logging.NSServer + "shutting down")
	if err := srv.Stop(); err != nil {
		logger.Warnf(logging.NSServer+"%v", err)
	}
	return db.Close()
}
