// controledu-server is the teacher-side classroom server: discovery
// responder, pairing endpoint, student/teacher hubs, file transfer
// coordination and the detection event surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/controledu/backend/internal/config"
	"github.com/controledu/backend/internal/discovery"
	"github.com/controledu/backend/internal/events"
	"github.com/controledu/backend/internal/httpapi"
	"github.com/controledu/backend/internal/hub"
	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/pairing"
	"github.com/controledu/backend/internal/remotectl"
	"github.com/controledu/backend/internal/storage"
	"github.com/controledu/backend/internal/transfer"
	"github.com/controledu/backend/internal/wire"
)

const version = "1.0.0"

func main() {
	cfg := config.DefaultServerConfig()
	flag.StringVar(&cfg.ServerName, "name", cfg.ServerName, "display name announced to students")
	flag.StringVar(&cfg.ListenAddress, "listen", cfg.ListenAddress, "HTTP listen address")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "data directory")
	flag.Parse()

	logger := observability.NewLogger("controledu-server", version, os.Stdout)
	logger.Info("ControlEdu server starting")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal(err, "failed to create data directory")
	}

	store, err := storage.Open(cfg.DatabaseFile)
	if err != nil {
		logger.Fatal(err, "failed to open database")
	}
	defer store.Close()
	logger.Info("database opened at " + cfg.DatabaseFile)

	identity, err := pairing.EnsureIdentity(store, cfg.ServerName)
	if err != nil {
		logger.Fatal(err, "failed to ensure server identity")
	}
	logger.WithField("server_id", identity.ServerID).Info("server identity ready")

	metrics := observability.NewMetrics()
	store.SetMetrics(metrics)
	health := observability.NewHealthChecker(version)
	health.RegisterCheck("database", observability.DatabaseCheck(store.Ping))

	registry := events.NewRegistry()
	alerts := events.NewAlertRing(cfg.AlertRingSize)
	chat := events.NewChatLog(cfg.ChatRingSize)
	pins := pairing.NewPinManager(cfg.PinTTL)
	sessions := remotectl.NewManager(cfg.ApprovalTimeout, logger)

	hubServer := hub.NewServer(hub.Config{
		Store:          store,
		Registry:       registry,
		Alerts:         alerts,
		Chat:           chat,
		Pins:           pins,
		Sessions:       sessions,
		SignalCooldown: cfg.SignalCooldown,
		Metrics:        metrics,
		Logger:         logger,
	})

	transfers := transfer.NewCoordinator(store, cfg.TransfersDir, metrics, logger)

	baseURL := advertisedBaseURL(cfg.ListenAddress)
	api := httpapi.New(httpapi.Config{
		Store:      store,
		Identity:   identity,
		Pins:       pins,
		Pairings:   pairing.NewService(pins, store, identity, baseURL, cfg.TokenTTL, logger),
		Hub:        hubServer,
		Transfers:  transfers,
		Alerts:     alerts,
		Chat:       chat,
		ExportsDir: cfg.ExportsDir,
		Health:     health,
		Metrics:    metrics,
		Logger:     logger,
	})

	responder := discovery.NewResponder(identity, listenPort(cfg.ListenAddress), logger)
	if err := responder.Start(); err != nil {
		logger.Fatal(err, "failed to start discovery responder")
	}
	defer responder.Close()
	logger.Info("discovery responder listening on udp " + strconv.Itoa(cfg.DiscoveryPort))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http listening on " + cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err, "http server failed")
		}
	}()

	logger.Info("ControlEdu server running as " + identity.DisplayName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(err, "http shutdown failed")
	}
	logger.Info("ControlEdu server stopped")
}

// advertisedBaseURL builds the URL students store at pairing time.
func advertisedBaseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		host = discovery.AdvertiseHost()
	}
	if port == "" {
		port = strconv.Itoa(wire.ServerPort)
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, port))
}

func listenPort(listen string) int {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return wire.ServerPort
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return wire.ServerPort
	}
	return n
}
