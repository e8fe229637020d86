package downstream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/manager"
	"github.com/sv2pool/engine/internal/sv2"
	"github.com/sv2pool/engine/internal/vardiff"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	sv1ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sv1_downstream_connections",
		Help: "Number of active downstream SV1 connections",
	})
	sv1TotalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sv1_downstream_connections_total",
		Help: "Total downstream SV1 connections accepted",
	})
	sv1ConnectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sv1_downstream_connection_errors_total",
		Help: "Downstream SV1 accept/read errors",
	})
)

func init() {
	prometheus.MustRegister(sv1ActiveConnections, sv1TotalConnections, sv1ConnectionErrors)
}

// Sv1ServerConfig holds the Translator's legacy listener settings.
type Sv1ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// KeepaliveInterval is how often an idle miner is re-notified with a
	// synthetic job; 0 disables keepalives.
	KeepaliveInterval time.Duration

	// VarDiff tunes per-session difficulty retargeting; a zero RetargetTime
	// disables it and sessions stay at their initial difficulty.
	VarDiff vardiff.Config
}

// Sv1Server accepts Stratum V1 miner connections for the Translator role
// and implements manager.DownstreamSink so the Channel Manager can address
// them exactly like native SV2 downstreams, generalizing the teacher's
// server.go accept loop to a protocol where "sending to a channel" means
// looking up which connection opened it rather than writing to it by id
// directly.
type Sv1Server struct {
	cfg     Sv1ServerConfig
	logger  *zap.Logger
	manager *manager.Manager

	listener  net.Listener
	ids       *channel.IdFactory
	conns     sync.Map // map[channel.DownstreamId]*Sv1Connection
	byChannel sync.Map // map[channel.ChannelId]channel.DownstreamId
	vd        *vardiff.VarDiff // nil when retargeting is disabled
	connCount int64
	shutdown  int32
	wg        sync.WaitGroup
}

// NewSv1Server constructs a Translator-facing V1 listener bound to mgr.
func NewSv1Server(cfg Sv1ServerConfig, logger *zap.Logger, mgr *manager.Manager) *Sv1Server {
	s := &Sv1Server{
		cfg:     cfg,
		logger:  logger.Named("sv1server"),
		manager: mgr,
		ids:     channel.NewIdFactory(),
	}
	if cfg.VarDiff.RetargetTime > 0 {
		s.vd = vardiff.New(cfg.VarDiff)
	}
	return s
}

// Start listens and accepts V1 connections until ctx is canceled.
func (s *Sv1Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sv1server: listen: %w", err)
	}
	s.listener = listener
	s.logger.Info("sv1 server started", zap.String("address", addr))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			nc, err := listener.Accept()
			if err != nil {
				if atomic.LoadInt32(&s.shutdown) == 1 {
					return nil
				}
				s.logger.Error("accept failed", zap.Error(err))
				sv1ConnectionErrors.Inc()
				continue
			}
			if s.cfg.MaxConnections > 0 && atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) {
				nc.Close()
				continue
			}
			s.wg.Add(1)
			go s.handle(ctx, nc)
		}
	}
}

func (s *Sv1Server) handle(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()
	atomic.AddInt64(&s.connCount, 1)
	sv1ActiveConnections.Inc()
	sv1TotalConnections.Inc()
	defer func() {
		atomic.AddInt64(&s.connCount, -1)
		sv1ActiveConnections.Dec()
	}()

	id := s.ids.NextDownstreamId()
	conn := NewSv1Connection(id, nc, s.logger, s.manager, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
	if s.vd != nil {
		initial := s.cfg.VarDiff.InitialDifficulty
		if initial <= 0 {
			initial = vardiff.DefaultDifficulty
		}
		conn.difficulty = initial
		conn.vd = s.vd
		conn.vdState = vardiff.NewState(initial)
	}
	s.conns.Store(id, conn)
	defer s.conns.Delete(id)
	defer s.manager.Submit(manager.Inbound{From: manager.EndpointDownstream, Downstream: id, Payload: manager.DownstreamDisconnected(id)})

	go conn.RunKeepalive(ctx, s.cfg.KeepaliveInterval)

	if err := conn.Handle(ctx); err != nil {
		s.logger.Debug("sv1 connection closed", zap.Error(err))
	}
}

// SendTo implements manager.DownstreamSink: it remembers the channel and
// group channel a connection opened (from the OpenExtendedMiningChannelSuccess
// it forwards) so a later SendToGroup addressed by group id, not downstream
// id, can still be resolved back to this one connection.
func (s *Sv1Server) SendTo(ctx context.Context, ds channel.DownstreamId, payload interface{}) error {
	v, ok := s.conns.Load(ds)
	if !ok {
		return fmt.Errorf("sv1server: connection %d not found", ds)
	}
	conn := v.(*Sv1Connection)
	if success, ok := payload.(*sv2.OpenExtendedMiningChannelSuccess); ok {
		s.byChannel.Store(channel.ChannelId(success.ChannelId), ds)
		if success.GroupChannelId != 0 {
			s.byChannel.Store(channel.ChannelId(success.GroupChannelId), ds)
		}
	}
	return conn.Deliver(payload)
}

// SendToGroup implements manager.DownstreamSink. The Channel Manager gives
// every V1 session its own group channel, so the group id resolves to
// exactly one connection via byChannel.
func (s *Sv1Server) SendToGroup(ctx context.Context, group channel.ChannelId, payload interface{}) error {
	v, ok := s.byChannel.Load(group)
	if !ok {
		return fmt.Errorf("sv1server: channel %d has no owning connection", group)
	}
	return s.SendTo(ctx, v.(channel.DownstreamId), payload)
}

// Disconnect closes one V1 connection by downstream id.
func (s *Sv1Server) Disconnect(ds channel.DownstreamId, reason string) {
	if v, ok := s.conns.Load(ds); ok {
		conn := v.(*Sv1Connection)
		s.logger.Info("disconnecting sv1 connection", zap.Uint32("downstream", uint32(ds)), zap.String("reason", reason))
		conn.Close()
	}
}

// Shutdown closes the listener and every open connection.
func (s *Sv1Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shutdown, 1)
	if s.listener != nil {
		s.listener.Close()
	}
	s.conns.Range(func(_, v interface{}) bool {
		v.(*Sv1Connection).Close()
		return true
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, some sv1 connections forcefully closed")
	}
	return nil
}

// ConnectionCount returns the current number of accepted V1 connections.
func (s *Sv1Server) ConnectionCount() int64 {
	return atomic.LoadInt64(&s.connCount)
}
