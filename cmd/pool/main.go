// Command pool runs the Pool role: the upstream-most Stratum V2 endpoint,
// serving SV2 mining channels directly over a configured Template
// Provider. It owns no Upstream Client of its own — Pool is itself the
// upstream other roles fall back through.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/config"
	"github.com/sv2pool/engine/internal/downstream"
	"github.com/sv2pool/engine/internal/fallback"
	"github.com/sv2pool/engine/internal/jobfactory"
	"github.com/sv2pool/engine/internal/logging"
	"github.com/sv2pool/engine/internal/manager"
	"github.com/sv2pool/engine/internal/monitoring"
	"github.com/sv2pool/engine/internal/status"
	"github.com/sv2pool/engine/internal/storage"
	"github.com/sv2pool/engine/internal/templatesource"

	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "configs/pool.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.LoadPool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting pool", zap.String("version", version), zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var templateSrc manager.TemplateSource
	switch cfg.TemplateProvider.Kind {
	case config.TemplateProviderBitcoinCoreIPC:
		templateSrc = templatesource.NewBitcoinCoreIPC(logger, cfg.TemplateProvider.Network, cfg.TemplateProvider.DataDir)
	default:
		templateSrc = templatesource.NewSv2Tp(logger, cfg.TemplateProvider.Address, cfg.TemplateProvider.PublicKey)
	}

	// Reserve coinbase output space with the Template Provider before any
	// template arrives; templates it builds afterwards leave this much room
	// for the engine's own outputs.
	if err := templateSrc.SetCoinbaseOutputConstraints(ctx, 2048, 16); err != nil {
		logger.Warn("failed to send coinbase output constraints", zap.Error(err))
	}

	statusBus := status.New()
	fallbackCoord := fallback.New()

	var shareCache *storage.ShareCache
	if cfg.Redis.Enabled {
		shareCache, err = storage.NewShareCache(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("redis share cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer shareCache.Close()
		}
	}
	var auditSink *storage.AuditSink
	if cfg.Postgres.Enabled {
		auditSink, err = storage.NewAuditSink(ctx, cfg.Postgres, logger)
		if err != nil {
			logger.Warn("postgres audit sink unavailable, continuing without it", zap.Error(err))
		} else {
			defer auditSink.Close()
		}
	}

	mgrCfg := manager.Config{
		Role:           manager.RolePool,
		Logger:         logger,
		Geometry:       channel.ExtranonceGeometry{Range0Len: 0, Range1Len: 4, Range2Len: 4},
		ShareBatchSize: cfg.Mining.ShareBatchSize,
		JobFactory:     jobfactory.New(cfg.AuthorityPublicKey),
		TemplateSource: templateSrc,
		StatusBus:      statusBus,
	}
	if shareCache != nil {
		mgrCfg.ShareCache = shareCache
	}
	if auditSink != nil {
		mgrCfg.AuditSink = auditSink
	}
	mgr, err := manager.New(mgrCfg)
	if err != nil {
		logger.Fatal("failed to construct manager", zap.Error(err))
	}

	srv := downstream.New(downstream.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MaxConnections: cfg.Server.MaxConnections,
		// A JDC connecting downstream requires work selection; the pool is
		// the one role that can grant it.
		AllowWorkSelection: true,
		TLS: downstream.TLSConfig{
			Enabled:  cfg.TLS.Enabled,
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
		},
	}, logger, mgr)
	mgr.AttachDownstream(srv)

	collector := monitoring.NewCollector(mgr, logger, cfg.Monitoring.RefreshInterval)
	var monServer *monitoring.Server
	if cfg.Monitoring.Enabled {
		monServer = monitoring.NewServer(cfg.Monitoring.BindAddress, collector, logger)
	}

	go func() {
		if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("manager stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("downstream server stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := collector.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Debug("monitoring collector stopped", zap.Error(err))
		}
	}()
	if monServer != nil {
		go func() {
			if err := monServer.Start(); err != nil {
				logger.Error("monitoring server error", zap.Error(err))
			}
		}()
	}
	_ = fallbackCoord // Pool has no upstream to fall back from; retained for symmetry with JDC/Translator wiring.

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during downstream shutdown", zap.Error(err))
	}
	if monServer != nil {
		if err := monServer.Shutdown(); err != nil {
			logger.Error("error during monitoring shutdown", zap.Error(err))
		}
	}
	logger.Info("pool shutdown complete")
}
