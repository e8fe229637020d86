package manager

import (
	"fmt"
	"time"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/sv2"
)

// handleDeclaratorMessage dispatches messages from the Job Declarator
// Server connection (JDC role only): token grants, declaration acks, and
// the transaction-identification round trip.
func (m *Manager) handleDeclaratorMessage(payload interface{}) ([]Outbound, error) {
	switch p := payload.(type) {
	case *sv2.AllocateMiningJobTokenSuccess:
		return m.onTokenGranted(p)
	case *sv2.DeclareMiningJobSuccess:
		return m.onDeclareSuccess(p)
	case *sv2.DeclareMiningJobError:
		return m.onDeclareError(p)
	case *sv2.IdentifyTransactions:
		return m.onIdentifyTransactions(p)
	case *sv2.ProvideMissingTransactions:
		return m.onProvideMissingTransactions(p)
	case *sv2.ProvideMissingTransactionsSuccess:
		return m.onMissingTransactions(p)
	default:
		return nil, LogOnly(fmt.Errorf("manager: unhandled declarator payload %T", p))
	}
}

// declareActivatedTemplate starts the JDC's declaration round for a
// template that has (or just got) a chain tip: full-template mode declares
// the job to the JDS, coinbase-only mode pushes a SetCustomMiningJob
// straight at the upstream pool. Either path consumes the held token and
// immediately requests a replacement, so the next activation never stalls
// waiting for one. Called under the manager's lock from the template
// handlers; a no-op for the other roles, for solo mode, and while no token
// or upstream channel is available.
func (m *Manager) declareActivatedTemplate(tmpl *Template, tip *ChainTip) []Outbound {
	d := m.data
	if d.Role != RoleJDC || d.AllocateToken == nil {
		return nil
	}

	switch d.Mode {
	case JobModeCoinbaseOnly:
		if d.UpstreamState != UpstreamConnected {
			return nil
		}
		reqId := d.RequestIds.NextRequestId()
		token := d.AllocateToken
		d.AllocateToken = nil
		d.DeclaredJobs[reqId] = &DeclaredJob{
			RequestId:  reqId,
			TemplateId: tmpl.Id,
			Token:      token,
			Mode:       d.Mode,
			DeclaredAt: time.Now(),
		}
		return []Outbound{
			ToUpstream(&sv2.SetCustomMiningJob{
				ChannelId:        uint32(d.UpstreamChannelId),
				RequestId:        uint32(reqId),
				Token:            token,
				Version:          tmpl.Version,
				PrevHash:         tip.PrevHash,
				MinNTime:         tip.MinNTime,
				NBits:            tip.NBits,
				CoinbaseTxPrefix: tmpl.CoinbasePrefix,
				MerklePath:       tmpl.MerklePath,
			}),
			ToDeclarator(&sv2.AllocateMiningJobToken{RequestId: uint32(d.RequestIds.NextRequestId())}),
		}
	case JobModeFullTemplate:
		reqId := d.RequestIds.NextRequestId()
		token := d.AllocateToken
		d.AllocateToken = nil
		d.DeclaredJobs[reqId] = &DeclaredJob{
			RequestId:  reqId,
			TemplateId: tmpl.Id,
			Token:      token,
			Mode:       d.Mode,
			DeclaredAt: time.Now(),
		}
		return []Outbound{
			ToDeclarator(&sv2.DeclareMiningJob{
				RequestId:      uint32(reqId),
				Token:          token,
				Version:        tmpl.Version,
				CoinbasePrefix: tmpl.CoinbasePrefix,
			}),
			ToDeclarator(&sv2.AllocateMiningJobToken{RequestId: uint32(d.RequestIds.NextRequestId())}),
		}
	default:
		// Solo mining declares nothing; solutions go straight to the JDS
		// via PushSolution.
		return nil
	}
}

// ExpireStaleDeclarations drops declarations that have outlived their TTL
// without being confirmed; it only removes them from DeclaredJobs and sends
// nothing. Called periodically by the jdc role wrapper.
func (m *Manager) ExpireStaleDeclarations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, dj := range m.data.DeclaredJobs {
		if dj.Expired(now) {
			delete(m.data.DeclaredJobs, id)
		}
	}
}

func (m *Manager) onTokenGranted(p *sv2.AllocateMiningJobTokenSuccess) ([]Outbound, error) {
	// One token is held at a time; declareActivatedTemplate consumes it on
	// the next template activation and requests a replacement in the same
	// breath.
	m.data.AllocateToken = p.Token
	return nil, nil
}

func (m *Manager) onDeclareSuccess(p *sv2.DeclareMiningJobSuccess) ([]Outbound, error) {
	dj, ok := m.data.DeclaredJobs[channel.RequestId(p.RequestId)]
	if !ok {
		return nil, LogOnly(fmt.Errorf("manager: DeclareMiningJobSuccess for unknown request %d", p.RequestId))
	}
	dj.MiningToken = p.NewMiningJobToken
	dj.Confirmed = true

	tmpl, ok := m.data.Templates[dj.TemplateId]
	if !ok {
		return nil, LogOnly(fmt.Errorf("manager: declared template %d no longer held", dj.TemplateId))
	}
	if m.data.CurrentTip == nil {
		return nil, nil
	}

	return []Outbound{ToUpstream(&sv2.SetCustomMiningJob{
		ChannelId:        uint32(m.data.UpstreamChannelId),
		RequestId:        uint32(dj.RequestId),
		Token:            dj.MiningToken,
		Version:          tmpl.Version,
		PrevHash:         m.data.CurrentTip.PrevHash,
		MinNTime:         m.data.CurrentTip.MinNTime,
		NBits:            m.data.CurrentTip.NBits,
		CoinbaseTxPrefix: tmpl.CoinbasePrefix,
		MerklePath:       tmpl.MerklePath,
	})}, nil
}

func (m *Manager) onDeclareError(p *sv2.DeclareMiningJobError) ([]Outbound, error) {
	delete(m.data.DeclaredJobs, channel.RequestId(p.RequestId))
	return nil, LogOnly(fmt.Errorf("manager: job declaration rejected: %s", p.Reason))
}

func (m *Manager) onIdentifyTransactions(p *sv2.IdentifyTransactions) ([]Outbound, error) {
	// The reply carries only the request id; no transaction hashes are
	// included.
	return []Outbound{ToDeclarator(&sv2.IdentifyTransactionsSuccess{RequestId: p.RequestId})}, nil
}

// onProvideMissingTransactions serves a JDS's request for transactions it
// could not resolve from a declared job, out of the transaction set cached
// on the declared template by onTransactionData.
func (m *Manager) onProvideMissingTransactions(p *sv2.ProvideMissingTransactions) ([]Outbound, error) {
	d := m.data
	dj, ok := d.DeclaredJobs[channel.RequestId(p.RequestId)]
	if !ok {
		return nil, LogOnly(fmt.Errorf("manager: ProvideMissingTransactions for unknown request %d", p.RequestId))
	}
	tmpl, ok := d.Templates[dj.TemplateId]
	if !ok {
		tmpl, ok = d.FutureTemplates[dj.TemplateId]
	}
	if !ok {
		return nil, LogOnly(fmt.Errorf("manager: declared template %d no longer held", dj.TemplateId))
	}

	txs := make([][]byte, 0, len(p.UnknownTxPositions))
	for _, pos := range p.UnknownTxPositions {
		if int(pos) >= len(tmpl.Transactions) {
			return nil, LogOnly(fmt.Errorf("manager: transaction position %d out of range for template %d", pos, dj.TemplateId))
		}
		txs = append(txs, tmpl.Transactions[pos])
	}
	return []Outbound{ToDeclarator(&sv2.ProvideMissingTransactionsSuccess{
		RequestId:    p.RequestId,
		Transactions: txs,
	})}, nil
}

func (m *Manager) onMissingTransactions(p *sv2.ProvideMissingTransactionsSuccess) ([]Outbound, error) {
	return nil, nil
}
