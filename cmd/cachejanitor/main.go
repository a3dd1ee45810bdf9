package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"cachejanitor/internal/janitor"
	"cachejanitor/internal/logging"
	"cachejanitor/internal/server"
	"cachejanitor/internal/storage"
	"cachejanitor/pkg/config"
)

var (
	configPath = flag.String("config", "configs/janitor.yaml", "Path to configuration file")
	nodeID     = flag.String("node-id", "", "Unique node identifier")
	port       = flag.Int("port", 0, "HTTP port, overrides the config file")
	logLevel   = flag.String("log-level", "", "Log level, overrides the config file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Early error before logging is initialized
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger, err := logging.InitializeFromConfig(cfg.Node.ID, cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	if err := run(ctx, cfg); err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStop, "Node exited with error", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "Cache janitor node starting", logging.Fields{
		"node_id":     cfg.Node.ID,
		"config_file": *configPath,
		"http_addr":   cfg.HTTP.Addr(),
	})

	opts, err := cfg.Janitor.ToOptions()
	if err != nil {
		return err
	}
	janitorCfg, err := janitor.NewConfig(opts)
	if err != nil {
		return fmt.Errorf("janitor configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	j, err := janitor.New(janitorCfg, janitor.WithExecutor(janitor.GroupExecutor{Group: g}))
	if err != nil {
		return err
	}

	stores := make([]*storage.MemoryStore, 0, len(cfg.Stores))
	defer func() {
		for _, s := range stores {
			s.Close()
		}
	}()
	for _, sc := range cfg.Stores {
		storeCfg, err := sc.ToStoreConfig()
		if err != nil {
			return err
		}
		store, err := storage.NewMemoryStore(storeCfg, j)
		if err != nil {
			return fmt.Errorf("store %s: %w", sc.Name, err)
		}
		stores = append(stores, store)
		logging.Info(ctx, logging.ComponentMain, logging.ActionRegister, "Store ready", logging.Fields{
			"store":      storeCfg.Name,
			"max_items":  storeCfg.MaxItems,
			"max_memory": humanize.IBytes(uint64(storeCfg.MaxMemory)),
			"ttl":        storeCfg.DefaultTTL.String(),
		})
	}

	if err := j.Start(); err != nil {
		return err
	}

	srv := server.New(cfg.HTTP, cfg.Node.ID, j, stores)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		j.Stop()
		return nil
	})

	err = g.Wait()
	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "Cache janitor node stopped", logging.Fields{
		"node_id": cfg.Node.ID,
		"stats":   j.Stats(),
	})
	return err
}
