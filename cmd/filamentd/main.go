package main

import (
	"context"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"filament/config"
	"filament/crypto"
	"filament/observability/logging"
	"filament/p2p"
)

func main() {
	var (
		configPath = flag.String("config", "./filament.toml", "path to the node config file")
		env        = flag.String("env", "production", "deployment environment for log labelling")
	)
	flag.Parse()

	logger := logging.Setup("filamentd", *env)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	keys, err := crypto.LoadOrCreateKeyPair(cfg.IdentityFile)
	if err != nil {
		logger.Error("load identity", "error", err)
		os.Exit(1)
	}
	logger.Info("identity loaded",
		"file", cfg.IdentityFile,
		logging.MaskField("seed", hex.EncodeToString(keys.Seed())))

	p2pCfg, err := cfg.P2P()
	if err != nil {
		logger.Error("translate network config", "error", err)
		os.Exit(1)
	}
	directory, err := p2p.NewLevelDirectory(filepath.Join(cfg.DataDir, "peers"))
	if err != nil {
		logger.Error("open peer directory", "error", err)
		os.Exit(1)
	}
	defer directory.Close()

	node, err := p2p.NewNode(p2pCfg, keys, directory, logger)
	if err != nil {
		logger.Error("build node", "error", err)
		os.Exit(1)
	}
	seeds, err := cfg.SeedPeers()
	if err != nil {
		logger.Error("decode seeds", "error", err)
		os.Exit(1)
	}
	if err := node.AddSeedPeers(seeds); err != nil {
		logger.Error("import seeds", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		logger.Error("start node", "error", err)
		os.Exit(1)
	}
	defer node.Stop()
	logger.Info("node running",
		"node_id", node.NodeId().String(),
		"seeds", len(seeds))

	if cfg.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
			logger.Info("metrics listening", "addr", cfg.MetricsAddress)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
}
