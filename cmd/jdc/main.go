// Command jdc runs the Job Declarator Client role: it owns a Template
// Source Adapter and an Upstream Client to a Pool, plus a second
// client-role connection to a Job Declarator Server for Job Declaration
// messages, and serves its own SV2 mining channels downstream.
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
	"github.com/sv2pool/engine/internal/templatesource"
	"github.com/sv2pool/engine/internal/upstream"

	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "configs/jdc.yaml", "Path to configuration file")
	version    = "1.0.0"
)

// dialTCP is the placeholder Dialer for upstream.Client: it opens a plain
// TCP connection and wraps it as an unencrypted sv2.Conn. A production
// deployment replaces this with a Noise-handshake dialer; that handshake
// is an external collaborator per spec §1 and is not implemented here.
func dialTCP(ctx context.Context, ep upstream.Endpoint) (sv2.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, err
	}
	return sv2.NewStreamConn(nc, nc), nil
}

// jdMode maps the yaml declaration mode onto the manager's process-wide
// JobMode.
func jdMode(m config.JDMode) manager.JobMode {
	switch m {
	case config.JDModeCoinbaseOnly:
		return manager.JobModeCoinbaseOnly
	case config.JDModeSoloMining:
		return manager.JobModeSoloMining
	default:
		return manager.JobModeFullTemplate
	}
}

func main() {
	flag.Parse()

	cfg, err := config.LoadJDC(*configPath)
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

	logger.Info("starting jdc", zap.String("version", version), zap.String("mode", string(cfg.Mode)), zap.String("config", *configPath))

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
	// template arrives, leaving room for the declared job's own outputs.
	if err := templateSrc.SetCoinbaseOutputConstraints(ctx, 2048, 16); err != nil {
		logger.Warn("failed to send coinbase output constraints", zap.Error(err))
	}

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

	declaratorEndpoints := make([]upstream.Endpoint, 0, len(cfg.DeclaratorUpstreams))
	for _, u := range cfg.DeclaratorUpstreams {
		declaratorEndpoints = append(declaratorEndpoints, upstream.Endpoint{Address: u.Address, AuthorityPublicKey: u.AuthorityPublicKey})
	}
	var declaratorClient *upstream.Client
	if len(declaratorEndpoints) > 0 {
		declaratorClient = upstream.New(logger, declaratorEndpoints, dialTCP, func(payload interface{}) {
			mgr.Submit(manager.Inbound{From: manager.EndpointDeclarator, Payload: payload})
		})
	}

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
		Role:                    manager.RoleJDC,
		Logger:                  logger,
		Geometry:                channel.ExtranonceGeometry{Range0Len: 0, Range1Len: 4, Range2Len: 4},
		ShareBatchSize:          1,
		JobFactory:              jobfactory.New(cfg.AuthorityPublicKey),
		TemplateSource:          templateSrc,
		Upstream:                upstreamClient,
		StatusBus:               statusBus,
		WorkerIdentityTLV:       cfg.WorkerIdentityTLV,
		PropagateUpstreamTarget: cfg.PropagateUpstreamTarget,
		Mode:                    jdMode(cfg.Mode),
	}
	if declaratorClient != nil {
		mgrCfg.Declarator = declaratorClient
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

	srv := downstream.New(downstream.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MaxConnections: cfg.Server.MaxConnections,
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
	if declaratorClient != nil {
		go func() {
			if err := declaratorClient.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("declarator client stopped", zap.Error(err))
			}
		}()
		// Seed the first mining job token; the manager requests a
		// replacement each time it consumes one, and stale unconfirmed
		// declarations are swept so a wedged JDS cannot pin them forever.
		go func() {
			if err := declaratorClient.Send(ctx, &sv2.AllocateMiningJobToken{RequestId: 1, UserIdentity: cfg.UserIdentity}); err != nil {
				logger.Warn("initial token request failed", zap.Error(err))
			}
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					mgr.ExpireStaleDeclarations()
				}
			}
		}()
	}
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

	// Bridge the manager's fallback trigger (raised on a Fallback-class
	// handler error) into the Fallback Coordinator's rotation: the upstream
	// and declarator clients register, and the manager's signal drives
	// Trigger, which cancels their tokens and rotates them onto the next
	// configured endpoint.
	upstreamHandler := fallbackCoord.Register()
	var declaratorHandler *fallback.Handler
	if declaratorClient != nil {
		declaratorHandler = fallbackCoord.Register()
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-mgr.FallbackTriggered():
				upstreamClient.TriggerRotation()
				upstreamHandler.Done()
				if declaratorClient != nil {
					declaratorClient.TriggerRotation()
					declaratorHandler.Done()
				}
				if err := fallbackCoord.Trigger(); err != nil {
					logger.Warn("fallback coordinator timed out", zap.Error(err))
				}
				upstreamHandler = fallbackCoord.Register()
				if declaratorClient != nil {
					declaratorHandler = fallbackCoord.Register()
				}
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
	logger.Info("jdc shutdown complete")
}
