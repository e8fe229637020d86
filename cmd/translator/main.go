// Command translator runs the Translator (tProxy) role: it owns an
// Upstream Client to a Pool or JDC and bridges legacy Stratum V1 miners
// onto SV2 extended mining channels via internal/downstream's
// Sv1Server/Sv1Connection and internal/translate.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
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
	"github.com/sv2pool/engine/internal/sv2"
	"github.com/sv2pool/engine/internal/upstream"
	"github.com/sv2pool/engine/internal/vardiff"

	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "configs/translator.yaml", "Path to configuration file")
	version    = "1.0.0"
)

// dialTCP is the placeholder Dialer for upstream.Client; see cmd/jdc for
// the same rationale (Noise handshake is an external collaborator).
func dialTCP(ctx context.Context, ep upstream.Endpoint) (sv2.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, err
	}
	return sv2.NewStreamConn(nc, nc), nil
}

func main() {
	flag.Parse()

	cfg, err := config.LoadTranslator(*configPath)
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

	logger.Info("starting translator", zap.String("version", version), zap.String("mode", string(cfg.Mode)), zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statusBus := status.New()
	fallbackCoord := fallback.New()

	var mgr *manager.Manager

	endpoints := make([]upstream.Endpoint, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		endpoints = append(endpoints, upstream.Endpoint{Address: u.Address, AuthorityPublicKey: u.AuthorityPublicKey})
	}
	upstreamClient := upstream.New(logger, endpoints, dialTCP, func(payload interface{}) {
		mgr.Submit(manager.Inbound{From: manager.EndpointUpstream, Payload: payload})
	})

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
		Role:                    manager.RoleTranslator,
		Logger:                  logger,
		Geometry:                channel.ExtranonceGeometry{Range0Len: 0, Range1Len: 4, Range2Len: 4},
		ShareBatchSize:          1,
		JobFactory:              jobfactory.New(""),
		Upstream:                upstreamClient,
		StatusBus:               statusBus,
		WorkerIdentityTLV:       cfg.WorkerIdentityTLV,
		PropagateUpstreamTarget: cfg.PropagateUpstreamTarget,
		NonAggregated:           cfg.Mode == config.TProxyModeNonAggregated,
	}
	if shareCache != nil {
		mgrCfg.ShareCache = shareCache
	}
	if auditSink != nil {
		mgrCfg.AuditSink = auditSink
	}
	mgr, err = manager.New(mgrCfg)
	if err != nil {
		logger.Fatal("failed to construct manager", zap.Error(err))
	}

	srv := downstream.NewSv1Server(downstream.Sv1ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		VarDiff: vardiff.Config{
			InitialDifficulty: cfg.Mining.InitialDifficulty,
			MinDifficulty:     cfg.Mining.MinDifficulty,
			MaxDifficulty:     cfg.Mining.MaxDifficulty,
			TargetShareTime:   cfg.Mining.TargetShareTime,
			RetargetTime:      cfg.Mining.RetargetTime,
			VariancePercent:   cfg.Mining.VariancePercent,
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
		if err := upstreamClient.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("upstream client stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("sv1 downstream server stopped", zap.Error(err))
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

	upstreamHandler := fallbackCoord.Register()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-mgr.FallbackTriggered():
				upstreamClient.TriggerRotation()
				upstreamHandler.Done()
				if err := fallbackCoord.Trigger(); err != nil {
					logger.Warn("fallback coordinator timed out", zap.Error(err))
				}
				upstreamHandler = fallbackCoord.Register()
			}
		}
	}()

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
	logger.Info("translator shutdown complete")
}
