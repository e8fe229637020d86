package manager

import (
	"context"
	"sync"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/jobfactory"
	"github.com/sv2pool/engine/internal/status"
	"github.com/sv2pool/engine/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	channelsOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sv2_channels_open",
		Help: "Number of open mining channels by kind",
	}, []string{"kind"})

	sharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sv2_shares_total",
		Help: "Total shares processed by outcome",
	}, []string{"outcome"})

	jobsDistributed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sv2_jobs_distributed_total",
		Help: "Total jobs distributed to downstream channels",
	})

	handlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sv2_handler_errors_total",
		Help: "Handler errors by severity class",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(channelsOpen, sharesTotal, jobsDistributed, handlerErrors)
}

// TemplateSource is the Template Source Adapter's contract: the manager
// asks it to request transaction data and submit solutions, and receives
// NewTemplate/SetNewPrevHash notifications through the template inbound
// queue rather than a callback, to keep all mutation on the dispatch loop.
type TemplateSource interface {
	RequestTransactionData(ctx context.Context, id channel.TemplateId) error
	SubmitSolution(ctx context.Context, sol interface{}) error
	SetCoinbaseOutputConstraints(ctx context.Context, maxAdditionalSize uint32, maxSigops uint16) error
}

// UpstreamSink abstracts sending a message to the role's upstream
// connection; internal/upstream.Client implements it.
type UpstreamSink interface {
	Send(ctx context.Context, payload interface{}) error
}

// DownstreamSink abstracts sending a message to one or more downstream
// connections; internal/downstream.Server implements it.
type DownstreamSink interface {
	SendTo(ctx context.Context, ds channel.DownstreamId, payload interface{}) error
	SendToGroup(ctx context.Context, group channel.ChannelId, payload interface{}) error
	Disconnect(ds channel.DownstreamId, reason string)
}

// ShareCacheSink is the optional cross-restart extension of
// channel.ShareAccounting's in-memory dedup window; internal/storage.
// ShareCache implements it. A nil ShareCacheSink simply disables the check.
type ShareCacheSink interface {
	CheckDuplicateShare(ctx context.Context, shareKey string) (bool, error)
}

// AuditRecorder is the optional write-only audit trail for acknowledged
// share batches and found blocks; internal/storage.AuditSink implements it.
// A nil AuditRecorder simply disables recording.
type AuditRecorder interface {
	RecordShareBatch(ctx context.Context, rec storage.ShareBatchRecord) error
	RecordBlock(ctx context.Context, rec storage.BlockRecord) error
}

// Manager is the Channel Manager: one coarse mutex over Data, a dispatch
// loop draining one inbound queue whose messages carry the Endpoint they
// came from (the four endpoints share that queue), and handler functions that
// mutate Data and return Outbound messages to be emitted after the lock is
// released. No handler may block on I/O while holding mu.
type Manager struct {
	logger *zap.Logger

	mu   sync.Mutex
	data *Data

	jobFactory *jobfactory.Factory

	templateSource TemplateSource
	upstream       UpstreamSink
	declarator     UpstreamSink // nil unless Role == RoleJDC
	downstream     DownstreamSink

	shareCache ShareCacheSink
	auditSink  AuditRecorder

	statusBus *status.Bus

	inbound chan Inbound

	fallbackTrigger chan struct{}
}

// Config bundles the Manager's construction-time dependencies.
type Config struct {
	Role           Role
	Logger         *zap.Logger
	Geometry       channel.ExtranonceGeometry
	ShareBatchSize int
	JobFactory     *jobfactory.Factory
	TemplateSource TemplateSource
	Upstream       UpstreamSink
	Declarator     UpstreamSink
	Downstream     DownstreamSink
	StatusBus      *status.Bus

	// ShareCache and AuditSink are optional best-effort persistence
	// side-channels (internal/storage); nil disables them without
	// affecting correctness, since ShareAccounting's in-memory dedup
	// window remains authoritative.
	ShareCache ShareCacheSink
	AuditSink  AuditRecorder

	// WorkerIdentityTLV, NonAggregated and PropagateUpstreamTarget are
	// JDC/Translator-only settings threaded into Data; see the
	// corresponding Data fields for their meaning.
	WorkerIdentityTLV       bool
	NonAggregated           bool
	PropagateUpstreamTarget bool

	// Mode is the process-wide JDC declaration mode; ignored by the other
	// roles.
	Mode JobMode
}

// New constructs a Manager. The downstream/upstream/declarator sinks may be
// attached later via Attach* if they are not yet available at construction
// time (e.g. the Downstream Server needs a reference back to the Manager
// before it can itself be constructed).
func New(cfg Config) (*Manager, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	data := NewData(cfg.Role, cfg.Geometry, cfg.ShareBatchSize)
	data.WorkerIdentityTLV = cfg.WorkerIdentityTLV
	data.NonAggregated = cfg.NonAggregated
	data.PropagateUpstreamTarget = cfg.PropagateUpstreamTarget
	data.Mode = cfg.Mode
	return &Manager{
		logger:          logger.Named("manager"),
		data:            data,
		jobFactory:      cfg.JobFactory,
		templateSource:  cfg.TemplateSource,
		upstream:        cfg.Upstream,
		declarator:      cfg.Declarator,
		downstream:      cfg.Downstream,
		shareCache:      cfg.ShareCache,
		auditSink:       cfg.AuditSink,
		statusBus:       cfg.StatusBus,
		inbound:         make(chan Inbound, 256),
		fallbackTrigger: make(chan struct{}, 1),
	}, nil
}

// AttachDownstream wires the downstream sink after construction.
func (m *Manager) AttachDownstream(d DownstreamSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downstream = d
}

// AttachUpstream wires the upstream sink after construction.
func (m *Manager) AttachUpstream(u UpstreamSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstream = u
}

// Submit enqueues one inbound message for the dispatch loop. It never
// blocks the caller on manager-internal work: enqueueing only waits on
// channel backpressure, which is itself the mechanism that keeps a
// misbehaving endpoint from starving the others.
func (m *Manager) Submit(in Inbound) {
	m.inbound <- in
}

// Run drives the dispatch loop until ctx is canceled. Each inbound message
// is handled under mu; handlers return a slice of Outbound messages that
// are emitted only after mu is released, satisfying the "compute under
// lock, emit after release" rule.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-m.inbound:
			out, err := m.dispatch(ctx, in)
			if err != nil {
				m.handleError(ctx, err)
			}
			m.emit(ctx, out)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, in Inbound) ([]Outbound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch in.From {
	case EndpointTemplate:
		return m.handleTemplateMessage(in.Payload)
	case EndpointUpstream:
		return m.handleUpstreamMessage(in.Payload)
	case EndpointDeclarator:
		return m.handleDeclaratorMessage(in.Payload)
	case EndpointDownstream:
		return m.handleDownstreamMessage(in)
	default:
		return nil, LogOnly(nil)
	}
}

func (m *Manager) emit(ctx context.Context, outs []Outbound) {
	for _, out := range outs {
		var err error
		switch out.To {
		case EndpointUpstream:
			if m.upstream != nil {
				err = m.upstream.Send(ctx, out.Payload)
			}
		case EndpointDeclarator:
			if m.declarator != nil {
				err = m.declarator.Send(ctx, out.Payload)
			}
		case EndpointTemplate:
			if ts, ok := m.templateSource.(interface {
				Send(ctx context.Context, payload interface{}) error
			}); ok {
				err = ts.Send(ctx, out.Payload)
			}
		case EndpointDownstream:
			if m.downstream == nil {
				continue
			}
			if out.Broadcast {
				err = m.downstream.SendToGroup(ctx, out.Group, out.Payload)
			} else {
				err = m.downstream.SendTo(ctx, out.Downstream, out.Payload)
			}
		}
		if err != nil {
			m.logger.Warn("failed to emit outbound message", zap.Stringer("to", out.To), zap.Error(err))
		}
	}
}

func (m *Manager) handleError(ctx context.Context, err error) {
	he, ok := err.(*HandlerError)
	if !ok {
		he = LogOnly(err)
	}
	handlerErrors.WithLabelValues(he.Kind.String()).Inc()

	switch he.Kind {
	case KindLogOnly:
		m.logger.Debug("handler log-only error", zap.Error(he.Cause))
	case KindDisconnectOne:
		m.logger.Info("disconnecting downstream", zap.Uint32("downstream", uint32(he.DownstreamId)), zap.Error(he.Cause))
		if m.downstream != nil {
			m.downstream.Disconnect(he.DownstreamId, he.Error())
		}
		if m.statusBus != nil {
			m.statusBus.Publish(status.Event{Kind: status.DownstreamShutdown, DownstreamId: uint32(he.DownstreamId), Err: he.Cause})
		}
	case KindFallback:
		m.logger.Warn("upstream fallback triggered", zap.Error(he.Cause))
		select {
		case m.fallbackTrigger <- struct{}{}:
		default:
		}
		if m.statusBus != nil {
			m.statusBus.Publish(status.Event{Kind: status.UpstreamShutdown, Err: he.Cause})
		}
	case KindShutdown:
		m.logger.Error("unrecoverable error, requesting shutdown", zap.Error(he.Cause))
		if m.statusBus != nil {
			m.statusBus.Publish(status.Event{Kind: status.ManagerShutdown, Err: he.Cause})
		}
	}
}

// FallbackTriggered returns the channel the role's supervisor should watch
// to learn the manager wants the Fallback Coordinator to rotate upstreams.
func (m *Manager) FallbackTriggered() <-chan struct{} {
	return m.fallbackTrigger
}

// WithData runs fn with the Data struct locked; used by the Monitoring
// Snapshot ticker and by any caller that needs a consistent read or
// mutation outside the normal inbound-message path.
func (m *Manager) WithData(fn func(*Data)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.data)
}
