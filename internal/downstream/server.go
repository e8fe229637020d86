// Package downstream implements the Downstream Server: the accept loop and
// per-connection handling for miners connecting to the Pool, JDC, or
// Translator. Server is the SV2 variant (Pool/JDC); Sv1Server in
// sv1server.go is the Translator's legacy-miner variant.
package downstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/manager"
	"github.com/sv2pool/engine/internal/sv2"
	"github.com/sv2pool/engine/internal/upstream"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sv2_downstream_connections",
		Help: "Number of active downstream SV2 connections",
	})
	totalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sv2_downstream_connections_total",
		Help: "Total downstream SV2 connections accepted",
	})
	connectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sv2_downstream_connection_errors_total",
		Help: "Downstream SV2 accept/handshake errors",
	})
)

func init() {
	prometheus.MustRegister(activeConnections, totalConnections, connectionErrors)
}

// Config holds the Downstream Server's listener settings.
type Config struct {
	Host           string
	Port           int
	MaxConnections int
	TLS            TLSConfig

	// AllowWorkSelection accepts downstreams that set the WORK_SELECTION
	// flag. The Pool grants it (a JDC connecting downstream requires it);
	// a JDC's own downstream server refuses it, since work selection
	// cannot be delegated twice.
	AllowWorkSelection bool
}

// TLSConfig mirrors the teacher's TLS settings for the downstream listener.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// Server accepts SV2 downstream connections and feeds decoded frames into
// the Channel Manager, implementing manager.DownstreamSink for the reverse
// direction.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	manager *manager.Manager

	listener  net.Listener
	conns     sync.Map // map[channel.DownstreamId]*downstreamConn
	ids       *channel.IdFactory
	connCount int64
	shutdown  int32
	wg        sync.WaitGroup
}

type downstreamConn struct {
	id   channel.DownstreamId
	conn sv2.Conn
}

// New constructs a Downstream Server bound to mgr.
func New(cfg Config, logger *zap.Logger, mgr *manager.Manager) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger.Named("downstream"),
		manager: mgr,
		ids:     channel.NewIdFactory(),
	}
}

// Start listens and accepts connections until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var listener net.Listener
	var err error
	if s.cfg.TLS.Enabled {
		listener, err = s.createTLSListener(addr)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("downstream: listen: %w", err)
	}
	s.listener = listener
	s.logger.Info("downstream server started", zap.String("address", addr), zap.Bool("tls", s.cfg.TLS.Enabled))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			conn, err := listener.Accept()
			if err != nil {
				if atomic.LoadInt32(&s.shutdown) == 1 {
					return nil
				}
				s.logger.Error("accept failed", zap.Error(err))
				connectionErrors.Inc()
				continue
			}
			if atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) && s.cfg.MaxConnections > 0 {
				conn.Close()
				continue
			}
			s.wg.Add(1)
			go s.handle(ctx, conn)
		}
	}
}

func (s *Server) createTLSListener(addr string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("downstream: load TLS cert: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	return tls.Listen("tcp", addr, tlsConfig)
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()
	atomic.AddInt64(&s.connCount, 1)
	activeConnections.Inc()
	totalConnections.Inc()
	defer func() {
		atomic.AddInt64(&s.connCount, -1)
		activeConnections.Dec()
	}()

	conn := sv2.NewStreamConn(nc, nc)
	id := s.ids.NextDownstreamId()
	s.conns.Store(channel.DownstreamId(id), &downstreamConn{id: channel.DownstreamId(id), conn: conn})
	defer s.conns.Delete(channel.DownstreamId(id))
	defer s.manager.Submit(manager.Inbound{From: manager.EndpointDownstream, Downstream: channel.DownstreamId(id), Payload: manager.DownstreamDisconnected(channel.DownstreamId(id))})

	if err := s.handshake(conn, channel.DownstreamId(id)); err != nil {
		s.logger.Debug("setup connection failed", zap.Error(err))
		conn.Close()
		return
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		payload, err := upstream.Decode(frame)
		if err != nil {
			s.logger.Debug("failed to decode downstream frame", zap.Error(err))
			continue
		}
		s.manager.Submit(manager.Inbound{
			From:       manager.EndpointDownstream,
			Downstream: channel.DownstreamId(id),
			Payload:    payload,
		})
	}
}

// handshake enforces the SetupConnection contract: the first frame must be
// a SetupConnection for the Mining protocol, spanning version 2, with no
// flags this role refuses. Violations are answered with a
// SetupConnectionError before the connection is dropped; only a valid
// setup is forwarded to the Channel Manager and acked.
func (s *Server) handshake(conn sv2.Conn, id channel.DownstreamId) error {
	frame, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("downstream: await SetupConnection: %w", err)
	}
	if frame.Header.MsgType != sv2.MsgSetupConnection {
		return fmt.Errorf("downstream: expected SetupConnection, got 0x%02x", frame.Header.MsgType)
	}
	payload, err := upstream.Decode(frame)
	if err != nil {
		return fmt.Errorf("downstream: decode SetupConnection: %w", err)
	}
	sc, ok := payload.(*sv2.SetupConnection)
	if !ok {
		return fmt.Errorf("downstream: decoded SetupConnection has unexpected type %T", payload)
	}

	if sc.Protocol != sv2.ProtocolMining {
		s.refuseSetup(conn, sv2.ErrCodeUnsupportedProtocol)
		return fmt.Errorf("downstream: unsupported protocol %d", sc.Protocol)
	}
	if sc.MinVersion > 2 || sc.MaxVersion < 2 {
		s.refuseSetup(conn, sv2.ErrCodeProtocolVersionMismatch)
		return fmt.Errorf("downstream: no common protocol version in [%d, %d]", sc.MinVersion, sc.MaxVersion)
	}
	if sc.Flags&sv2.FlagRequiresWorkSelection != 0 && !s.cfg.AllowWorkSelection {
		s.refuseSetup(conn, sv2.ErrCodeUnsupportedFeatureFlags)
		return fmt.Errorf("downstream: work selection not supported on this server")
	}

	s.manager.Submit(manager.Inbound{From: manager.EndpointDownstream, Downstream: id, Payload: sc})

	msgType, data, err := upstream.Encode(&sv2.SetupConnectionSuccess{UsedVersion: 2})
	if err != nil {
		return fmt.Errorf("downstream: encode SetupConnectionSuccess: %w", err)
	}
	return conn.WriteFrame(msgType, 0, data)
}

// refuseSetup answers a rejected SetupConnection with the given error code;
// the caller closes the connection regardless of whether the write lands.
func (s *Server) refuseSetup(conn sv2.Conn, code string) {
	msgType, data, err := upstream.Encode(&sv2.SetupConnectionError{Reason: code})
	if err != nil {
		return
	}
	if err := conn.WriteFrame(msgType, 0, data); err != nil {
		s.logger.Debug("failed to send SetupConnectionError", zap.String("code", code), zap.Error(err))
	}
}

// SendTo implements manager.DownstreamSink.
func (s *Server) SendTo(ctx context.Context, ds channel.DownstreamId, payload interface{}) error {
	v, ok := s.conns.Load(ds)
	if !ok {
		return fmt.Errorf("downstream: connection %d not found", ds)
	}
	dc := v.(*downstreamConn)
	msgType, data, err := upstream.Encode(payload)
	if err != nil {
		return err
	}
	return dc.conn.WriteFrame(msgType, 0, data)
}

// SendToGroup implements manager.DownstreamSink: it resolves which single
// downstream owns a group (one group per downstream connection) and sends
// once, since SV2 group addressing is a manager-side broadcast
// abstraction, not a wire-level multicast.
func (s *Server) SendToGroup(ctx context.Context, group channel.ChannelId, payload interface{}) error {
	var target channel.DownstreamId
	var found bool
	s.manager.WithData(func(d *manager.Data) {
		for ds, g := range d.DownstreamGroup {
			if g == group {
				target = ds
				found = true
				return
			}
		}
	})
	if !found {
		return fmt.Errorf("downstream: group %d has no owning connection", group)
	}
	return s.SendTo(ctx, target, payload)
}

// Disconnect closes one downstream connection by id.
func (s *Server) Disconnect(ds channel.DownstreamId, reason string) {
	if v, ok := s.conns.Load(ds); ok {
		dc := v.(*downstreamConn)
		s.logger.Info("disconnecting downstream", zap.Uint32("downstream", uint32(ds)), zap.String("reason", reason))
		dc.conn.Close()
	}
}

// Shutdown closes the listener and every open connection.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shutdown, 1)
	if s.listener != nil {
		s.listener.Close()
	}
	s.conns.Range(func(_, v interface{}) bool {
		v.(*downstreamConn).conn.Close()
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
		s.logger.Warn("shutdown timeout, some connections forcefully closed")
	}
	return nil
}

// ConnectionCount returns the current number of accepted connections.
func (s *Server) ConnectionCount() int64 {
	return atomic.LoadInt64(&s.connCount)
}
