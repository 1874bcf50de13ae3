// controledu-agent is the student-side endpoint: it discovers and pairs
// with a classroom server, then runs the capture/detection/command loop
// and the loopback HTTP surface for the desktop shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/controledu/backend/internal/agent"
	"github.com/controledu/backend/internal/config"
	"github.com/controledu/backend/internal/detect"
	"github.com/controledu/backend/internal/discovery"
	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/protect"
	"github.com/controledu/backend/internal/storage"
)

const version = "1.0.0"

func main() {
	cfg := config.DefaultAgentConfig()
	var (
		pairPin    string
		pairServer string
		modelPath  string
	)
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "data directory")
	flag.StringVar(&pairPin, "pair", "", "pair with a server using this PIN, then exit")
	flag.StringVar(&pairServer, "server", "", "server base URL for -pair (default: discover)")
	flag.StringVar(&modelPath, "model", "", "optional on-screen detection model artifact")
	flag.Parse()

	logger := observability.NewLogger("controledu-agent", version, os.Stdout)
	logger.Info("ControlEdu agent starting")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal(err, "failed to create data directory")
	}
	store, err := storage.OpenAgentStore(cfg.StoreFile)
	if err != nil {
		logger.Fatal(err, "failed to open agent store")
	}
	defer store.Close()

	protector, err := protect.NewUserScopedProtector(cfg.DataDir)
	if err != nil {
		logger.Fatal(err, "failed to initialize token protection")
	}

	var detectors []detect.Detector
	if modelPath != "" {
		detectors = append(detectors, detect.NewMulticlassDetector(modelPath, nil, logger))
	}

	a := agent.New(cfg, store, protector,
		&agent.SyntheticCapturer{}, agent.NoopInjector{}, detectors, logger)

	if pairPin != "" {
		if err := runPairing(a, pairServer, pairPin, logger); err != nil {
			logger.Fatal(err, "pairing failed")
		}
		logger.Info("pairing complete")
		return
	}

	localAPI, err := agent.NewLocalAPI(a)
	if err != nil {
		logger.Fatal(err, "failed to initialize local api")
	}
	localServer := &http.Server{
		Addr:              cfg.LocalListenAddr,
		Handler:           localAPI.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("local api listening on " + cfg.LocalListenAddr)
		if err := localServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "local api server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("ControlEdu agent running")
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(err, "agent loop exited")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = localServer.Shutdown(shutdownCtx)
	logger.Info("ControlEdu agent stopped")
}

// runPairing resolves the target server (explicit URL or best discovery
// candidate) and redeems the PIN.
func runPairing(a *agent.Agent, serverURL, pin string, logger *observability.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if serverURL == "" {
		candidates, err := discovery.Probe(ctx, logger)
		if err != nil {
			return fmt.Errorf("discovery probe failed: %w", err)
		}
		if len(candidates) == 0 {
			return fmt.Errorf("no servers found on this network")
		}
		best := candidates[0]
		serverURL = "http://" + best.HostPort
		logger.Info(fmt.Sprintf("discovered %s at %s (score %d)", best.ServerName, best.HostPort, best.Score))
	}
	return a.Pair(ctx, serverURL, pin)
}
