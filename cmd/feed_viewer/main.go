package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lightning-sagar/LMS/internal/config"
	"github.com/lightning-sagar/LMS/internal/logger"
	"github.com/lightning-sagar/LMS/internal/metrics"
	"github.com/lightning-sagar/LMS/internal/monitor"
	"github.com/lightning-sagar/LMS/internal/viewer"
)

var mainLog = logger.Module("main")

func main() {
	var (
		configPath string
		envFile    string
		addr       string
		assetsDir  string
		backend    string
		logLevel   string
		logColor   bool
	)
	flag.StringVar(&configPath, "config", "", "YAML config file (optional)")
	flag.StringVar(&envFile, "env", ".env", "Environment file (ignored when missing)")
	flag.StringVar(&addr, "http", "", "HTTP server address (overrides config)")
	flag.StringVar(&assetsDir, "assets", "", "Web assets directory served under /assets/")
	flag.StringVar(&backend, "backend", "", "Detection backend: relay, http, grpc, none (overrides config)")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		log.Fatalf("Failed to load %s: %v", envFile, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	if backend != "" {
		cfg.Detection.Backend = backend
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	mainLog.Info("Feed viewer starting...")
	mainLog.Info("Camera: %s (%s)", cfg.Camera.URL, cfg.Camera.Transport)
	mainLog.Info("Detection backend: %s", cfg.Detection.Backend)
	mainLog.Info("Log level: %s", level)

	m := metrics.New()
	view, err := viewer.Mount(*cfg, viewer.Options{Metrics: m})
	if err != nil {
		log.Fatalf("Failed to mount viewer: %v", err)
	}

	monCfg := monitor.DefaultConfig()
	monCfg.Addr = cfg.HTTP.Addr
	monCfg.AssetsDir = assetsDir
	monCfg.JPEGQuality = cfg.HTTP.JPEGQuality
	monCfg.StatusInterval = cfg.HTTP.StatusInterval
	server, err := monitor.NewServer(monCfg, view, m)
	if err != nil {
		view.Unmount()
		log.Fatalf("Failed to create monitor: %v", err)
	}

	httpServer := &http.Server{
		Addr:              monCfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		mainLog.Info("Monitor listening on %s", monCfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	mainLog.Info("Shutting down...")

	server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		mainLog.Warn("HTTP shutdown: %v", err)
	}
	view.Unmount()

	mainLog.Info("Feed viewer stopped")
}
