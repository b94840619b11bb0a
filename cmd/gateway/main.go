package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethan/gamestream-gateway/pkg/api"
	"github.com/ethan/gamestream-gateway/pkg/config"
	"github.com/ethan/gamestream-gateway/pkg/gateway"
	"github.com/ethan/gamestream-gateway/pkg/logger"
	"github.com/ethan/gamestream-gateway/pkg/video"
)

func main() {
	// Parse command-line flags
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	configPath := fs.String("config", "gateway.conf", "Path to the gateway configuration file")
	httpAddr := fs.String("http", "", "Optional HTTP status API address (e.g. :8080)")
	synthetic := fs.Bool("synthetic", false, "Use a synthetic encoder source instead of the encoder queue")
	framerate := fs.Int("framerate", 60, "Synthetic source framerate")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Multiplayer browser streaming gateway\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger from flags
	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting streaming gateway", "log_config", logFlags.String())

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("no configuration file, using defaults", "path", *configPath)
			cfg = config.Default()
		} else {
			log.Error("failed to load configuration", "error", err)
			os.Exit(1)
		}
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Wire the encoder boundary. Without -synthetic the gateway expects
	// the encoder pipeline to hand over its queue; the synthetic source
	// exists for bring-up and signaling tests.
	if !*synthetic {
		log.Error("no encoder queue attached; run with -synthetic for a standalone stream")
		os.Exit(1)
	}
	gop := 2 * *framerate
	source := video.NewSyntheticSource(*framerate, 8*1024, gop)

	gw, err := gateway.New(cfg, gateway.Sources{
		Video: source,
		IDR:   source,
	}, log)
	if err != nil {
		log.Error("failed to initialize gateway", "error", err)
		os.Exit(1)
	}

	gw.OnFatal = func(err error) {
		log.Error("gateway failed", "error", err)
		cancel()
	}

	if err := gw.Start(ctx); err != nil {
		log.Error("failed to start gateway", "error", err)
		os.Exit(1)
	}

	// Optional HTTP status API
	var statusServer *api.Server
	if *httpAddr != "" {
		statusServer = api.NewServer(gw, log.With("component", "api").Logger)
		if err := statusServer.Start(ctx, *httpAddr); err != nil {
			log.Error("failed to start status server", "error", err)
			gw.Stop()
			os.Exit(1)
		}
	}

	log.Info("gateway running")
	<-ctx.Done()

	if statusServer != nil {
		if err := statusServer.Stop(context.Background()); err != nil {
			log.Error("status server shutdown error", "error", err)
		}
	}
	gw.Stop()
	log.Info("shutdown complete")
}
