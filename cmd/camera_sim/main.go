package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/lightning-sagar/LMS/internal/camsim"
	"github.com/lightning-sagar/LMS/internal/logger"
)

var mainLog = logger.Module("main")

func main() {
	cfg := camsim.DefaultConfig()

	var (
		stunServers string
		pprofAddr   string
		logLevel    string
		logColor    bool
	)
	flag.StringVar(&cfg.Addr, "http", cfg.Addr, "Camera feed, /detect and control address")
	flag.StringVar(&cfg.RelayAddr, "relay", cfg.RelayAddr, "AI relay address (empty serves /ws on -http only)")
	flag.StringVar(&cfg.GRPCAddr, "grpc", cfg.GRPCAddr, "gRPC detector address (empty disables)")
	flag.IntVar(&cfg.Width, "width", cfg.Width, "Frame width")
	flag.IntVar(&cfg.Height, "height", cfg.Height, "Frame height")
	flag.IntVar(&cfg.FPS, "fps", cfg.FPS, "Frames per second")
	flag.IntVar(&cfg.JPEGQuality, "quality", cfg.JPEGQuality, "JPEG quality")
	flag.IntVar(&cfg.ChunkSize, "chunk", cfg.ChunkSize, "Maximum bytes per transport message (0 sends whole frames)")
	flag.StringVar(&cfg.APIKey, "api-key", os.Getenv("LMS_INFERENCE_API_KEY"), "api_key required by /detect")
	flag.StringVar(&cfg.Class, "class", cfg.Class, "Class name reported for the target")
	flag.IntVar(&cfg.MaxPeers, "max-clients", cfg.MaxPeers, "Maximum WebRTC clients")
	flag.StringVar(&stunServers, "stun", "", "STUN server URLs (comma-separated)")
	flag.StringVar(&pprofAddr, "pprof", "", "pprof server address (empty disables)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	if stunServers != "" {
		cfg.STUNServers = strings.Split(stunServers, ",")
	}

	sim := camsim.NewServer(cfg)
	sim.Start()

	if pprofAddr != "" {
		go func() {
			mainLog.Info("Starting pprof server on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				mainLog.Warn("pprof server error: %v", err)
			}
		}()
	}

	servers := []*http.Server{{Addr: cfg.Addr, Handler: sim.Handler(), ReadHeaderTimeout: 10 * time.Second}}
	if cfg.RelayAddr != "" && cfg.RelayAddr != cfg.Addr {
		servers = append(servers, &http.Server{Addr: cfg.RelayAddr, Handler: sim.Handler(), ReadHeaderTimeout: 10 * time.Second})
	}
	for _, srv := range servers {
		go func() {
			mainLog.Info("Starting HTTP server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", cfg.GRPCAddr, err)
		}
		grpcServer = grpc.NewServer(camsim.ServerOptions()...)
		camsim.RegisterDetector(grpcServer, sim.Detector())
		go func() {
			mainLog.Info("Starting gRPC detector on %s", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				mainLog.Warn("gRPC server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	mainLog.Info("Shutting down...")

	sim.Close()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			mainLog.Warn("HTTP shutdown: %v", err)
		}
	}

	mainLog.Info("Camera simulator stopped")
}
