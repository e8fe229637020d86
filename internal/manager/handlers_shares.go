package manager

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/jobfactory"
	"github.com/sv2pool/engine/internal/storage"
	"github.com/sv2pool/engine/internal/sv2"
	"github.com/sv2pool/engine/internal/vardiff"
	"github.com/sv2pool/engine/pkg/crypto"

	"go.uber.org/zap"
)

// shareCacheTimeout and auditTimeout bound the fire-and-forget goroutines
// submitShares spawns for the optional Redis/Postgres side channels, so a
// slow or wedged backend can never accumulate unbounded goroutines.
const (
	shareCacheTimeout = 2 * time.Second
	auditTimeout      = 5 * time.Second
)

// submitShares validates one share against its channel's active job and
// current target, folding the result into the channel's ShareAccounting
// and batch-acking every ShareBatchSize shares, per the SubmitSharesStandard
// / SubmitSharesExtended handler contract.
func (m *Manager) submitShares(chId channel.ChannelId, s *sv2.SubmitSharesStandard, extranonce2 []byte) ([]Outbound, error) {
	d := m.data
	ch, ok := d.Channels[chId]
	if !ok {
		return nil, LogOnly(fmt.Errorf("manager: shares for unknown channel %d", s.ChannelId))
	}

	ch.Accounting.RecordSubmitted()

	if ch.Accounting.SequenceRegressed(s.SequenceNo) {
		sharesTotal.WithLabelValues("stale").Inc()
		ch.Accounting.RecordRejected(true)
		return []Outbound{ToDownstream(ch.Downstream, &sv2.SubmitSharesError{
			ChannelId: s.ChannelId, SequenceNo: s.SequenceNo, Reason: "stale-share",
		})}, nil
	}

	job, ok := ch.Job(channel.JobId(s.JobId))
	if !ok {
		sharesTotal.WithLabelValues("job_not_found").Inc()
		ch.Accounting.RecordRejected(true)
		return []Outbound{ToDownstream(ch.Downstream, &sv2.SubmitSharesError{
			ChannelId: s.ChannelId, SequenceNo: s.SequenceNo, Reason: "invalid-job-id",
		})}, nil
	}

	if job.JobId != ch.LastJobId {
		// an older, still-retained job: acceptable only while it was built
		// on the current chain tip's prev-hash.
		if _, stillCurrent := ch.Job(ch.LastJobId); stillCurrent && d.CurrentTip != nil && job.PrevHash != d.CurrentTip.PrevHash {
			sharesTotal.WithLabelValues("stale").Inc()
			ch.Accounting.RecordRejected(true)
			return []Outbound{ToDownstream(ch.Downstream, &sv2.SubmitSharesError{
				ChannelId: s.ChannelId, SequenceNo: s.SequenceNo, Reason: "stale-share",
			})}, nil
		}
	}

	en2 := extranonce2
	if ch.Kind == channel.KindStandard {
		en2 = nil
	}
	if ch.Accounting.SeenBefore(job.JobId, s.Nonce, s.NTime, en2) {
		sharesTotal.WithLabelValues("duplicate").Inc()
		ch.Accounting.RecordRejected(false)
		return []Outbound{ToDownstream(ch.Downstream, &sv2.SubmitSharesError{
			ChannelId: s.ChannelId, SequenceNo: s.SequenceNo, Reason: "duplicate share",
		})}, nil
	}

	extranonce := append(append([]byte{}, ch.ExtranoncePrefix...), en2...)
	coinbase := jobfactory.SpliceCoinbase(job.CoinbaseTxPrefix, extranonce, job.CoinbaseTxSuffix)
	merkleRoot := jobfactory.MerkleRootFor(coinbase, job.MerklePath)

	header := buildHeader(s.Version, job.PrevHash[:], merkleRoot, s.NTime, job.NBits, s.Nonce)
	hash := crypto.DoubleSHA256(header)
	hashBE := crypto.ReverseBytes(hash)

	// Acceptance is the exact 256-bit comparison against the channel
	// target; the difficulty float exists only for accounting below.
	if !crypto.HashMeetsTarget(hashBE, ch.Target[:]) {
		sharesTotal.WithLabelValues("low_difficulty").Inc()
		ch.Accounting.RecordRejected(false)
		return []Outbound{ToDownstream(ch.Downstream, &sv2.SubmitSharesError{
			ChannelId: s.ChannelId, SequenceNo: s.SequenceNo, Reason: "low-difficulty-share",
		})}, nil
	}

	shareDiff := vardiff.ShareDifficulty(hash)
	ch.Accounting.RecordAccepted(s.SequenceNo, shareDiff)
	sharesTotal.WithLabelValues("accepted").Inc()

	if m.shareCache != nil {
		shareKey := fmt.Sprintf("%d:%d:%d:%d:%x", chId, job.JobId, s.Nonce, s.NTime, en2)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), shareCacheTimeout)
			defer cancel()
			if _, err := m.shareCache.CheckDuplicateShare(ctx, shareKey); err != nil {
				m.logger.Debug("share cache check failed", zap.Error(err))
			}
		}()
	}

	var out []Outbound

	if d.CurrentTip != nil && crypto.HashMeetsTarget(hashBE, d.CurrentTip.Target[:]) {
		sol := &sv2.SubmitSolution{
			TemplateId: uint64(job.TemplateId),
			Version:    s.Version,
			NTime:      s.NTime,
			Nonce:      s.Nonce,
			CoinbaseTx: coinbase,
		}
		out = append(out, ToTemplateSource(sol))

		// Solo mode has no pool waiting on this block; the JDS gets the
		// solution directly.
		if d.Role == RoleJDC && d.Mode == JobModeSoloMining {
			out = append(out, ToDeclarator(&sv2.PushSolution{
				ExtranonceSize: uint16(len(extranonce)),
				Extranonce:     extranonce,
				NTime:          s.NTime,
				Nonce:          s.Nonce,
				Version:        s.Version,
			}))
		}

		if m.auditSink != nil {
			rec := storage.BlockRecord{
				ChannelID:    uint32(chId),
				UserIdentity: ch.UserIdentity,
				BlockHash:    hex.EncodeToString(crypto.ReverseBytes(hash)),
				FoundAt:      time.Now(),
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
				defer cancel()
				if err := m.auditSink.RecordBlock(ctx, rec); err != nil {
					m.logger.Warn("failed to record block", zap.Error(err))
				}
			}()
		}
	}

	// JDC/Translator resubmit every accepted extended-channel share upstream
	// under this role's single upstream channel and a
	// globally increasing sequence number, independent of the downstream's
	// own sequence space.
	if d.Role != RolePool && ch.Kind == channel.KindExtended && m.upstream != nil {
		resub := &sv2.SubmitSharesExtended{
			SubmitSharesStandard: sv2.SubmitSharesStandard{
				ChannelId:  uint32(d.UpstreamChannelId),
				SequenceNo: d.SequenceNumbers.Next(),
				JobId:      uint32(job.JobId),
				Nonce:      s.Nonce,
				NTime:      s.NTime,
				Version:    s.Version,
			},
			Extranonce2: en2,
		}
		if d.WorkerIdentityTLV && d.NonAggregated && len(ch.UserIdentity) <= 32 {
			resub.UserIdentity = ch.UserIdentity
		}
		out = append(out, ToUpstream(resub))
	}

	if ch.Accounting.AcceptedCount%uint64(maxInt(1, d.ShareBatchSize)) == 0 {
		batchAccepted, batchWork := ch.Accounting.SnapshotBatch()
		out = append(out, ToDownstream(ch.Downstream, &sv2.SubmitSharesSuccess{
			ChannelId:               uint32(chId),
			LastSequenceNo:          ch.Accounting.LastAckedSequenceNo,
			NewSubmitsAcceptedCount: uint32(batchAccepted),
			NewSharesSum:            uint64(batchWork),
		}))

		if m.auditSink != nil {
			rec := storage.ShareBatchRecord{
				ChannelID:      uint32(chId),
				Role:           d.Role.String(),
				UserIdentity:   ch.UserIdentity,
				AcceptedCount:  ch.Accounting.AcceptedCount,
				RejectedCount:  ch.Accounting.RejectedCount,
				DifficultySum:  ch.Accounting.AcceptedDifficultySum,
				LastSequenceNo: ch.Accounting.LastAckedSequenceNo,
				RecordedAt:     time.Now(),
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
				defer cancel()
				if err := m.auditSink.RecordShareBatch(ctx, rec); err != nil {
					m.logger.Warn("failed to record share batch", zap.Error(err))
				}
			}()
		}
	}

	return out, nil
}

func buildHeader(version uint32, prevHash, merkleRoot []byte, ntime, nbits, nonce uint32) []byte {
	header := make([]byte, 80)
	binary.LittleEndian.PutUint32(header[0:4], version)
	copy(header[4:36], crypto.ReverseBytes(prevHash))
	copy(header[36:68], merkleRoot)
	binary.LittleEndian.PutUint32(header[68:72], ntime)
	binary.LittleEndian.PutUint32(header[72:76], nbits)
	binary.LittleEndian.PutUint32(header[76:80], nonce)
	return header
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
