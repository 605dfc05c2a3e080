package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeitwork/zeitwork/internal/agentcore"
	"github.com/zeitwork/zeitwork/internal/agentcore/activities"
	"github.com/zeitwork/zeitwork/internal/agentcore/config"
	"github.com/zeitwork/zeitwork/internal/agentcore/eventsink"
	agentcorehealth "github.com/zeitwork/zeitwork/internal/agentcore/health"
	"github.com/zeitwork/zeitwork/internal/agentcore/ipblock"
	"github.com/zeitwork/zeitwork/internal/agentcore/sshgateway"
	"github.com/zeitwork/zeitwork/internal/agentcore/store"
	"github.com/zeitwork/zeitwork/internal/agentcore/vmmanager"
	"github.com/zeitwork/zeitwork/internal/shared/logging"
	natsClient "github.com/zeitwork/zeitwork/internal/shared/nats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.Environment)

	allocator, err := ipblock.New(cfg.MinIpBlockID, cfg.MaxIpBlockID, cfg.IpPoolStatePath)
	if err != nil {
		logger.Error("failed to initialize ip block allocator", "error", err)
		os.Exit(1)
	}

	healthReporter := agentcorehealth.NewReporter(allocator, (cfg.MaxIpBlockID-cfg.MinIpBlockID+1)/10)

	vms := vmmanager.New(logger, allocator)
	vms.OnTeardown = healthReporter.RecordTeardown

	dataStore, err := store.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dataStore.Close()

	nc, err := natsClient.NewClient(cfg.NATS)
	if err != nil {
		logger.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	var sshGateway activities.SshGateway
	if cfg.SshGatewayURL != "" {
		sshGateway, err = sshgateway.New(cfg.SshGatewayURL, sshgateway.TLSConfig{})
		if err != nil {
			logger.Error("failed to construct ssh gateway client", "error", err)
			os.Exit(1)
		}
	}

	acts := &activities.Activities{
		Logger:              logger,
		VMs:                 vms,
		Store:               dataStore,
		Sink:                eventsink.New(nc, logger),
		KernelImagePath:     cfg.KernelImagePath,
		FirecrackerBinPath:  cfg.FirecrackerBinPath,
		VMWorkDir:           cfg.VMWorkDir,
		DefaultVcpuCount:    int64(cfg.DefaultVcpuCount),
		DefaultMemSizeMiB:   int64(cfg.DefaultMemSizeMiB),
		SshPort:             cfg.SshPort,
		SshBootReadyTimeout: cfg.SshBootReadyTimeout,
		SshKnownHostsPath:   cfg.SshKnownHostsPath,
		SshAllowInsecureKey: cfg.SshAllowInsecureHostKey,
		SshGateway:          sshGateway,
	}

	svc := agentcore.NewService(logger, nc, acts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	go serveHealth(ctx, logger, healthReporter)

	logger.Info("starting agent core", "environment", cfg.Environment)
	if err := svc.Start(ctx); err != nil {
		logger.Error("agent core service failed", "error", err)
		os.Exit(1)
	}

	logger.Info("agent core stopped")
}

// serveHealth exposes the reporter's /health, /ready, /live, /metrics, and
// /status endpoints for the orchestrator's probes (§12).
func serveHealth(ctx context.Context, logger *slog.Logger, reporter *agentcorehealth.Reporter) {
	mux := http.NewServeMux()
	reporter.Handler().RegisterHandlers(mux)

	srv := &http.Server{Addr: ":8090", Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("health endpoint listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server failed", "error", err)
	}
}
