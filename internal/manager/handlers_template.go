package manager

import (
	"fmt"
	"time"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/jobfactory"
	"github.com/sv2pool/engine/internal/sv2"
)

// handleTemplateMessage dispatches messages arriving from the Template
// Source Adapter: NewTemplate and SetNewPrevHash.
func (m *Manager) handleTemplateMessage(payload interface{}) ([]Outbound, error) {
	switch p := payload.(type) {
	case *sv2.NewTemplate:
		return m.onNewTemplate(p)
	case *sv2.SetNewPrevHashTemplate:
		return m.onSetNewPrevHash(p)
	case *sv2.RequestTransactionDataSuccess:
		return m.onTransactionData(p)
	case *sv2.RequestTransactionDataError:
		// A late error for an already-replaced template is routine churn,
		// not a protocol violation.
		return nil, LogOnly(fmt.Errorf("manager: transaction data unavailable for template %d: %s", p.TemplateId, p.Reason))
	default:
		return nil, LogOnly(fmt.Errorf("manager: unhandled template payload %T", p))
	}
}

func (m *Manager) onNewTemplate(nt *sv2.NewTemplate) ([]Outbound, error) {
	d := m.data

	id := channel.TemplateId(nt.TemplateId)
	if _, known := d.Templates[id]; known {
		// A repeated template id never re-distributes jobs.
		return nil, nil
	}
	if _, known := d.FutureTemplates[id]; known && nt.FutureTemplate {
		return nil, nil
	}

	tmpl := &Template{
		Id:                     channel.TemplateId(nt.TemplateId),
		Future:                 nt.FutureTemplate,
		Version:                nt.Version,
		CoinbaseTxVersion:      nt.CoinbaseTxVersion,
		CoinbasePrefix:         nt.CoinbasePrefix,
		CoinbaseTxInputSeq:     nt.CoinbaseTxInputSequence,
		CoinbaseValueRemaining: nt.CoinbaseTxValueRemaining,
		CoinbaseTxOutputs:      nt.CoinbaseTxOutputs,
		CoinbaseTxLocktime:     nt.CoinbaseTxLocktime,
		MerklePath:             nt.MerklePath,
		ReceivedAt:             time.Now(),
	}

	// A JDC declaring full templates needs the complete transaction set in
	// hand before the JDS can ask it to identify or provide transactions.
	var out []Outbound
	if d.Role == RoleJDC && d.Mode == JobModeFullTemplate {
		out = append(out, ToTemplateSource(&sv2.RequestTransactionData{TemplateId: nt.TemplateId}))
	}

	if tmpl.Future {
		d.FutureTemplates[tmpl.Id] = tmpl
		// A future template has no prev-hash yet; it is only distributed
		// once a matching SetNewPrevHash activates it (see onSetNewPrevHash).
		return out, nil
	}

	d.Templates[tmpl.Id] = tmpl

	if d.CurrentTip == nil {
		// No chain tip yet: nothing to splice a coinbase against.
		return out, nil
	}

	out = append(out, m.declareActivatedTemplate(tmpl, d.CurrentTip)...)

	jobs, err := m.distributeJobFromTemplate(tmpl, d.CurrentTip)
	if err != nil {
		return out, err
	}
	return append(out, jobs...), nil
}

// onTransactionData caches the full transaction set of a template so the
// declaration path can answer a JDS's IdentifyTransactions /
// ProvideMissingTransactions round trips without another provider call.
func (m *Manager) onTransactionData(p *sv2.RequestTransactionDataSuccess) ([]Outbound, error) {
	d := m.data
	id := channel.TemplateId(p.TemplateId)
	if tmpl, ok := d.Templates[id]; ok {
		tmpl.Transactions = p.Transactions
		return nil, nil
	}
	if tmpl, ok := d.FutureTemplates[id]; ok {
		tmpl.Transactions = p.Transactions
		return nil, nil
	}
	return nil, LogOnly(fmt.Errorf("manager: transaction data for unknown template %d", p.TemplateId))
}

func (m *Manager) onSetNewPrevHash(p *sv2.SetNewPrevHashTemplate) ([]Outbound, error) {
	d := m.data

	tip := &ChainTip{
		TemplateId:  channel.TemplateId(p.TemplateId),
		PrevHash:    p.PrevHash,
		MinNTime:    p.Header,
		NBits:       p.NBits,
		Target:      p.Target,
		ActivatedAt: time.Now(),
	}
	d.CurrentTip = tip

	tmpl, ok := d.FutureTemplates[tip.TemplateId]
	if ok {
		delete(d.FutureTemplates, tip.TemplateId)
		d.Templates[tmpl.Id] = tmpl
	} else {
		tmpl, ok = d.Templates[tip.TemplateId]
		if !ok {
			return nil, LogOnly(fmt.Errorf("manager: SetNewPrevHash for unknown template %d", p.TemplateId))
		}
	}

	out := m.declareActivatedTemplate(tmpl, tip)

	jobs, err := m.distributeJobFromTemplate(tmpl, tip)
	if err != nil {
		return out, err
	}
	return append(out, jobs...), nil
}

// toFactoryTemplate converts the manager's template record into the Job
// Factory's input form.
func toFactoryTemplate(tmpl *Template) *jobfactory.Template {
	return &jobfactory.Template{
		Id:                     tmpl.Id,
		BlockVersion:           tmpl.Version,
		CoinbaseTxVersion:      tmpl.CoinbaseTxVersion,
		CoinbasePrefix:         tmpl.CoinbasePrefix,
		CoinbaseTxInputSeq:     tmpl.CoinbaseTxInputSeq,
		CoinbaseValueRemaining: tmpl.CoinbaseValueRemaining,
		CoinbaseTxOutputs:      tmpl.CoinbaseTxOutputs,
		CoinbaseTxLocktime:     tmpl.CoinbaseTxLocktime,
		MerklePath:             tmpl.MerklePath,
	}
}

// distributeJobFromTemplate builds one extended job per group channel (and
// its standard-channel derivative) and returns the outbound broadcasts plus
// the SetNewPrevHash each group must also receive.
func (m *Manager) distributeJobFromTemplate(tmpl *Template, tip *ChainTip) ([]Outbound, error) {
	d := m.data
	out := make([]Outbound, 0, len(d.GroupChannels)*2)

	for groupId, group := range d.GroupChannels {
		members := d.ChannelsInGroup(groupId)
		if len(members) == 0 {
			continue
		}
		// Every member of a group shares one extranonce geometry baseline;
		// the factory splices against the template's coinbase prefix, and
		// each member fills the extranonce hole with its own prefix.
		jobId := d.JobIds.NextJobId()
		ext, err := m.jobFactory.BuildExtended(jobId, toFactoryTemplate(tmpl), d.Geometry, tmpl.CoinbasePrefix)
		if err != nil {
			return nil, LogOnly(err)
		}

		active := &channel.ActiveJob{
			JobId:            jobId,
			TemplateId:       tmpl.Id,
			Version:          ext.Version,
			PrevHash:         tip.PrevHash,
			MinNTime:         tip.MinNTime,
			NBits:            tip.NBits,
			CoinbaseTxPrefix: ext.CoinbaseTxPrefix,
			CoinbaseTxSuffix: ext.CoinbaseTxSuffix,
			MerklePath:       ext.MerklePath,
			IsFuture:         false,
			CreatedAt:        time.Now(),
		}

		for _, ch := range members {
			ch.AddJob(active)
			ch.Target = tip.Target
		}

		// REQUIRES_STANDARD_JOBS downstreams never accept the group's
		// broadcast NewExtendedMiningJob; each of their standard channels
		// instead gets its own NewMiningJob, per the flag recorded at
		// SetupConnection time. A group is one downstream connection, so the
		// flag is uniform across its members and SetNewPrevHash still goes
		// out exactly once via the group broadcast.
		if d.DownstreamStdJobs[group.Downstream] {
			std := m.jobFactory.BuildStandard(jobId, ext)
			for _, ch := range members {
				if ch.Kind != channel.KindStandard {
					continue
				}
				out = append(out, ToDownstream(ch.Downstream, &sv2.NewMiningJob{
					ChannelId:  uint32(ch.Id),
					JobId:      uint32(std.JobId),
					Version:    std.Version,
					MerklePath: std.MerklePath,
				}))
			}
			for _, ch := range members {
				if ch.Kind != channel.KindExtended {
					continue
				}
				out = append(out, ToDownstream(ch.Downstream, &sv2.NewExtendedMiningJob{
					ChannelId:        uint32(ch.Id),
					JobId:            uint32(jobId),
					Version:          ext.Version,
					CoinbaseTxPrefix: ext.CoinbaseTxPrefix,
					CoinbaseTxSuffix: ext.CoinbaseTxSuffix,
					MerklePath:       ext.MerklePath,
				}))
			}
		} else {
			out = append(out, ToGroup(groupId, &sv2.NewExtendedMiningJob{
				ChannelId:        uint32(group.Id),
				JobId:            uint32(jobId),
				Version:          ext.Version,
				CoinbaseTxPrefix: ext.CoinbaseTxPrefix,
				CoinbaseTxSuffix: ext.CoinbaseTxSuffix,
				MerklePath:       ext.MerklePath,
			}))
		}

		out = append(out, ToGroup(groupId, &sv2.SetNewPrevHash{
			ChannelId: uint32(group.Id),
			JobId:     uint32(jobId),
			PrevHash:  tip.PrevHash,
			MinNTime:  tip.MinNTime,
			NBits:     tip.NBits,
		}))
		jobsDistributed.Inc()
	}

	return out, nil
}
