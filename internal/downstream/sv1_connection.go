package downstream

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/manager"
	"github.com/sv2pool/engine/internal/sv1"
	"github.com/sv2pool/engine/internal/sv2"
	"github.com/sv2pool/engine/internal/translate"
	"github.com/sv2pool/engine/internal/vardiff"

	"go.uber.org/zap"
)

// Sv1ConnectionState mirrors the teacher's ConnectionState ladder, extended
// with a Translator-specific "awaiting upstream channel" stage: a V1 miner
// can subscribe/authorize before its aggregated extended channel has been
// granted by the Channel Manager, and those requests are answered at once.
// A submit that arrives before Sv1StateChannelOpen is refused; nothing is
// queued for replay once the channel opens.
type Sv1ConnectionState int32

const (
	Sv1StateConnected Sv1ConnectionState = iota
	Sv1StateSubscribed
	Sv1StateAuthorized
	Sv1StateChannelOpen
	Sv1StateDisconnected
)

// sv1Job is the subset of an active job a V1 session needs to keep
// rebuilding mining.notify and to splice a submitted share's coinbase.
type sv1Job struct {
	jobId            uint32
	version          uint32
	coinbaseTxPrefix []byte
	coinbaseTxSuffix []byte
	merklePath       [][]byte
}

// Sv1Connection is one V1 miner's session on the Translator's legacy
// listener. It speaks line-delimited JSON-RPC on the wire but talks to the
// Channel Manager entirely in terms of native sv2 message structs: opening
// an extended channel, submitting extended shares, relaying back whatever
// the manager would have sent a real SV2 downstream. This lets the
// Translator reuse the manager's channel/share handling verbatim instead of
// duplicating it for a second protocol.
type Sv1Connection struct {
	id      channel.DownstreamId
	logId   string
	conn    net.Conn
	logger  *zap.Logger
	manager *manager.Manager

	readTimeout  time.Duration
	writeTimeout time.Duration

	state           int32
	workerName      string
	channelId       uint32
	extranonce1     []byte
	extranonce2Size int
	difficulty      float64

	// vd/vdState drive per-session difficulty retargeting from share
	// timing; both nil when the server runs with retargeting disabled.
	vd      *vardiff.VarDiff
	vdState *vardiff.State

	mu         sync.Mutex
	job        *sv1Job
	keepalive  *translate.KeepaliveState
	prevHash   [32]byte
	nbits      uint32
	cleanJobs  bool
	lastNotify time.Time
	nextSeq    uint32
	pendingAck map[uint32]interface{} // sequenceNo -> JSON-RPC request id

	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewSv1Connection wraps an accepted net.Conn as a V1 mining session
// identified by id within the manager's downstream address space.
func NewSv1Connection(id channel.DownstreamId, conn net.Conn, logger *zap.Logger, mgr *manager.Manager, readTimeout, writeTimeout time.Duration) *Sv1Connection {
	return &Sv1Connection{
		id:              id,
		logId:           uuid.New().String()[:8],
		conn:            conn,
		logger:          logger.Named("sv1connection"),
		manager:         mgr,
		readTimeout:     readTimeout,
		writeTimeout:    writeTimeout,
		extranonce2Size: 4,
		difficulty:      1.0,
		pendingAck:      make(map[uint32]interface{}),
		reader:          bufio.NewReader(conn),
		closeChan:       make(chan struct{}),
	}
}

// ID returns the downstream id the manager addresses this session by.
func (c *Sv1Connection) ID() channel.DownstreamId { return c.id }

// WorkerName returns the authorized worker name, if any.
func (c *Sv1Connection) WorkerName() string { return c.workerName }

func (c *Sv1Connection) getState() Sv1ConnectionState {
	return Sv1ConnectionState(atomic.LoadInt32(&c.state))
}

func (c *Sv1Connection) setState(s Sv1ConnectionState) {
	atomic.StoreInt32(&c.state, int32(s))
}

// Handle runs the read loop until the connection closes or ctx is canceled.
func (c *Sv1Connection) Handle(ctx context.Context) error {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeChan:
			return nil
		default:
			c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
			line, err := c.reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					return nil
				}
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					c.logger.Debug("sv1 connection read timeout", zap.String("id", c.logId))
					return nil
				}
				return fmt.Errorf("sv1: read: %w", err)
			}
			if err := c.handleMessage(ctx, line); err != nil {
				c.logger.Debug("sv1: failed to handle message", zap.String("id", c.logId), zap.Error(err))
			}
		}
	}
}

func (c *Sv1Connection) handleMessage(ctx context.Context, data string) error {
	var req sv1.Request
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return c.sendError(req.ID, sv1.ErrParseError, "Parse error")
	}

	switch req.Method {
	case "mining.subscribe":
		return c.handleSubscribe(req)
	case "mining.authorize":
		return c.handleAuthorize(req)
	case "mining.submit":
		return c.handleSubmit(req)
	case "mining.configure":
		return c.sendResult(req.ID, []interface{}{map[string]interface{}{}, map[string]interface{}{}})
	case "mining.extranonce.subscribe":
		return c.sendResult(req.ID, true)
	default:
		return c.sendError(req.ID, sv1.ErrMethodNotFound, "Method not found")
	}
}

func (c *Sv1Connection) handleSubscribe(req sv1.Request) error {
	c.setState(Sv1StateSubscribed)

	subscriptions := [][]interface{}{
		{"mining.set_difficulty", c.logId},
		{"mining.notify", c.logId},
	}
	// A placeholder extranonce1 derived from the downstream id; replaced by
	// a mining.set_extranonce notification once the real extended channel
	// is granted and the manager hands back its own ExtranoncePrefix.
	placeholder := make([]byte, 4)
	placeholder[0] = byte(c.id >> 24)
	placeholder[1] = byte(c.id >> 16)
	placeholder[2] = byte(c.id >> 8)
	placeholder[3] = byte(c.id)

	result := []interface{}{subscriptions, hex.EncodeToString(placeholder), c.extranonce2Size}
	return c.sendResult(req.ID, result)
}

func (c *Sv1Connection) handleAuthorize(req sv1.Request) error {
	if c.getState() < Sv1StateSubscribed {
		return c.sendError(req.ID, sv1.ErrUnauthorized, "Not subscribed")
	}

	params, err := sv1.ParseAuthorizeParams(req.Params)
	if err != nil || params.Username == "" {
		return c.sendError(req.ID, sv1.ErrInvalidParams, "Invalid params")
	}
	c.workerName = params.Username
	c.setState(Sv1StateAuthorized)

	c.manager.Submit(manager.Inbound{
		From:       manager.EndpointDownstream,
		Downstream: c.id,
		Payload: &sv2.OpenExtendedMiningChannel{
			RequestId:         1,
			UserIdentity:      c.workerName,
			NominalHashrate:   1.0,
			MaxTarget:         translate.DifficultyToTarget(c.difficulty),
			MinExtranonceSize: uint16(c.extranonce2Size),
		},
	})

	return c.sendResult(req.ID, true)
}

func (c *Sv1Connection) handleSubmit(req sv1.Request) error {
	if c.getState() < Sv1StateChannelOpen {
		return c.sendError(req.ID, sv1.ErrNotSubscribed, "Channel not ready")
	}

	params, err := sv1.ParseSubmitParams(req.Params)
	if err != nil {
		return c.sendError(req.ID, sv1.ErrInvalidParams, "Invalid params")
	}
	if verr := params.Validate(); verr != nil {
		if se, ok := verr.(*sv1.StratumError); ok {
			return c.sendError(req.ID, se.Code, se.Message)
		}
		return c.sendError(req.ID, sv1.ErrInvalidParams, "Invalid params")
	}
	if _, _, err := translate.ParseKeepaliveJobId(params.JobID); err != nil {
		return c.sendError(req.ID, sv1.ErrJobNotFound, "Job not found")
	}
	extranonce2, err := translate.DecodeExtranonce2(params.Extranonce2, c.extranonce2Size)
	if err != nil {
		return c.sendError(req.ID, sv1.ErrInvalidParams, "Invalid extranonce2")
	}
	ntime, err := translate.DecodeNTime(params.NTime)
	if err != nil {
		return c.sendError(req.ID, sv1.ErrInvalidParams, "Invalid ntime")
	}
	nonce, err := translate.DecodeNonce(params.Nonce)
	if err != nil {
		return c.sendError(req.ID, sv1.ErrInvalidParams, "Invalid nonce")
	}

	c.mu.Lock()
	job := c.job
	c.nextSeq++
	seq := c.nextSeq
	c.pendingAck[seq] = req.ID
	c.mu.Unlock()

	if job == nil {
		return c.sendError(req.ID, sv1.ErrJobNotFound, "Job not found")
	}

	c.manager.Submit(manager.Inbound{
		From:       manager.EndpointDownstream,
		Downstream: c.id,
		Payload: &sv2.SubmitSharesExtended{
			SubmitSharesStandard: sv2.SubmitSharesStandard{
				ChannelId:  c.channelId,
				SequenceNo: seq,
				JobId:      job.jobId,
				Nonce:      nonce,
				NTime:      ntime,
				Version:    job.version,
			},
			Extranonce2: extranonce2,
		},
	})

	c.maybeRetarget()
	return nil
}

// maybeRetarget folds one submitted share into the session's vardiff state
// and, once the retarget window elapses with a significant computed change,
// pushes the new difficulty to the miner and hands the Channel Manager an
// UpdateChannel so share validation follows the same target.
func (c *Sv1Connection) maybeRetarget() {
	if c.vd == nil || c.vdState == nil {
		return
	}
	c.vdState.RecordShare(time.Now())
	if !c.vd.ShouldRetarget(c.vdState) {
		return
	}
	newDiff, changed := c.vd.CalculateNewDifficulty(c.vdState)
	if !changed {
		return
	}

	c.mu.Lock()
	c.difficulty = newDiff
	channelId := c.channelId
	c.mu.Unlock()

	if err := c.sendDifficulty(newDiff); err != nil {
		c.logger.Debug("sv1: failed to push retargeted difficulty", zap.String("id", c.logId), zap.Error(err))
		return
	}
	if c.manager != nil && channelId != 0 {
		c.manager.Submit(manager.Inbound{
			From:       manager.EndpointDownstream,
			Downstream: c.id,
			Payload: &sv2.UpdateChannel{
				ChannelId: channelId,
				MaxTarget: translate.DifficultyToTarget(newDiff),
			},
		})
	}
}

// Deliver handles one message the Channel Manager routed to this
// downstream, translating it into the V1 notification/response it implies.
// Called by Sv1Server.SendTo, which has already resolved the manager's
// generic DownstreamSink addressing down to this one connection.
func (c *Sv1Connection) Deliver(payload interface{}) error {
	switch p := payload.(type) {
	case *sv2.OpenExtendedMiningChannelSuccess:
		return c.onChannelOpened(p)
	case *sv2.OpenMiningChannelError:
		c.logger.Warn("sv1: upstream channel open rejected", zap.String("id", c.logId), zap.String("reason", p.Reason))
		return nil
	case *sv2.NewExtendedMiningJob:
		return c.onNewJob(p)
	case *sv2.SetNewPrevHash:
		return c.onSetNewPrevHash(p)
	case *sv2.SetTarget:
		return c.onSetTarget(p)
	case *sv2.SubmitSharesSuccess:
		return c.onSharesSuccess(p)
	case *sv2.SubmitSharesError:
		return c.onSharesError(p)
	default:
		return nil
	}
}

func (c *Sv1Connection) onChannelOpened(p *sv2.OpenExtendedMiningChannelSuccess) error {
	c.mu.Lock()
	c.channelId = p.ChannelId
	c.extranonce1 = p.ExtranoncePrefix
	c.extranonce2Size = int(p.ExtranonceSize) - len(p.ExtranoncePrefix)
	c.mu.Unlock()
	c.setState(Sv1StateChannelOpen)

	if err := c.sendNotification("mining.set_extranonce", []interface{}{hex.EncodeToString(p.ExtranoncePrefix), c.extranonce2Size}); err != nil {
		return err
	}
	return c.sendDifficulty(c.difficulty)
}

func (c *Sv1Connection) onNewJob(p *sv2.NewExtendedMiningJob) error {
	now := time.Now()

	c.mu.Lock()
	baseNTime := c.nbits // placeholder min-ntime until a template carries its own; overwritten below if present
	if p.MinNTime != nil {
		baseNTime = *p.MinNTime
	}
	c.job = &sv1Job{jobId: p.JobId, version: p.Version, coinbaseTxPrefix: p.CoinbaseTxPrefix, coinbaseTxSuffix: p.CoinbaseTxSuffix, merklePath: p.MerklePath}
	c.keepalive = translate.NewKeepaliveState(channel.JobId(p.JobId), baseNTime, now)
	c.lastNotify = now
	clean := c.cleanJobs
	c.cleanJobs = false
	prevHash := c.prevHash
	nbits := c.nbits
	c.mu.Unlock()

	active := &channel.ActiveJob{
		JobId:            channel.JobId(p.JobId),
		Version:          p.Version,
		MinNTime:         baseNTime,
		CoinbaseTxPrefix: p.CoinbaseTxPrefix,
		CoinbaseTxSuffix: p.CoinbaseTxSuffix,
		MerklePath:       p.MerklePath,
	}
	notify, err := translate.BuildNotify(active, translate.NewKeepaliveJobId(channel.JobId(p.JobId), 0), prevHash, nbits, clean)
	if err != nil {
		return err
	}
	return c.sendNotification("mining.notify", []interface{}{
		notify.JobID, notify.PrevBlockHash, notify.Coinbase1, notify.Coinbase2,
		notify.MerkleBranches, notify.Version, notify.NBits, notify.NTime, notify.CleanJobs,
	})
}

// RunKeepalive re-notifies an otherwise idle miner on each interval tick
// with a synthetic "{job_id}#{counter}" job, so hardware that times out on
// silent stratum servers stays connected between real upstream jobs.
func (c *Sv1Connection) RunKeepalive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case <-ticker.C:
			if err := c.sendKeepaliveNotify(interval); err != nil {
				c.logger.Debug("sv1: keepalive notify failed", zap.String("id", c.logId), zap.Error(err))
			}
		}
	}
}

func (c *Sv1Connection) sendKeepaliveNotify(interval time.Duration) error {
	now := time.Now()

	c.mu.Lock()
	if c.job == nil || c.keepalive == nil || now.Sub(c.lastNotify) < interval {
		c.mu.Unlock()
		return nil
	}
	jobId, ntime, ok := c.keepalive.Roll(now)
	if !ok {
		// ntime has drifted as far ahead as block rules allow; hold the
		// line until a real upstream job resets the base.
		c.mu.Unlock()
		return nil
	}
	job := c.job
	prevHash := c.prevHash
	nbits := c.nbits
	c.lastNotify = now
	c.mu.Unlock()

	active := &channel.ActiveJob{
		JobId:            channel.JobId(job.jobId),
		Version:          job.version,
		MinNTime:         ntime,
		CoinbaseTxPrefix: job.coinbaseTxPrefix,
		CoinbaseTxSuffix: job.coinbaseTxSuffix,
		MerklePath:       job.merklePath,
	}
	notify, err := translate.BuildNotify(active, jobId, prevHash, nbits, false)
	if err != nil {
		return err
	}
	return c.sendNotification("mining.notify", []interface{}{
		notify.JobID, notify.PrevBlockHash, notify.Coinbase1, notify.Coinbase2,
		notify.MerkleBranches, notify.Version, notify.NBits, notify.NTime, notify.CleanJobs,
	})
}

func (c *Sv1Connection) onSetNewPrevHash(p *sv2.SetNewPrevHash) error {
	c.mu.Lock()
	c.prevHash = p.PrevHash
	c.nbits = p.NBits
	c.cleanJobs = true
	c.mu.Unlock()
	return nil
}

func (c *Sv1Connection) onSetTarget(p *sv2.SetTarget) error {
	diff := translate.TargetToDifficulty(p.MaxTarget)
	c.mu.Lock()
	c.difficulty = diff
	c.mu.Unlock()
	return c.sendDifficulty(diff)
}

func (c *Sv1Connection) onSharesSuccess(p *sv2.SubmitSharesSuccess) error {
	c.mu.Lock()
	acked := make([]uint32, 0, len(c.pendingAck))
	for seq := range c.pendingAck {
		if seq <= p.LastSequenceNo {
			acked = append(acked, seq)
		}
	}
	ids := make([]interface{}, 0, len(acked))
	for _, seq := range acked {
		ids = append(ids, c.pendingAck[seq])
		delete(c.pendingAck, seq)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.sendResult(id, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *Sv1Connection) onSharesError(p *sv2.SubmitSharesError) error {
	c.mu.Lock()
	id, ok := c.pendingAck[p.SequenceNo]
	delete(c.pendingAck, p.SequenceNo)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.sendError(id, sv1.ErrLowDifficultyShare, p.Reason)
}

func (c *Sv1Connection) sendDifficulty(difficulty float64) error {
	return c.sendNotification("mining.set_difficulty", []interface{}{difficulty})
}

func (c *Sv1Connection) sendResult(id interface{}, result interface{}) error {
	return c.send(sv1.Response{ID: id, Result: result, Error: nil})
}

func (c *Sv1Connection) sendError(id interface{}, code int, message string) error {
	return c.send(sv1.Response{ID: id, Result: nil, Error: []interface{}{code, message, nil}})
}

func (c *Sv1Connection) sendNotification(method string, params interface{}) error {
	return c.send(sv1.Notification{ID: nil, Method: method, Params: params})
}

func (c *Sv1Connection) send(msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sv1: marshal: %w", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	data = append(data, '\n')
	_, err = c.conn.Write(data)
	return err
}

// Close closes the underlying connection once.
func (c *Sv1Connection) Close() {
	c.closeOnce.Do(func() {
		c.setState(Sv1StateDisconnected)
		close(c.closeChan)
		c.conn.Close()
	})
}
