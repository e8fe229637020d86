package manager

import "github.com/sv2pool/engine/internal/channel"

// Endpoint names the four peers the dispatch loop exchanges messages with:
// the Template Source, the Upstream Client, the Job Declarator Server
// connection (JDC only), and the Downstream Server. Inbound messages from
// all four arrive on one queue, tagged with their Endpoint.
type Endpoint int

const (
	EndpointTemplate Endpoint = iota
	EndpointUpstream
	EndpointDeclarator
	EndpointDownstream
)

func (e Endpoint) String() string {
	switch e {
	case EndpointTemplate:
		return "template"
	case EndpointUpstream:
		return "upstream"
	case EndpointDeclarator:
		return "declarator"
	case EndpointDownstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Inbound is one message arriving at the dispatch loop from any endpoint.
type Inbound struct {
	From    Endpoint
	Channel channel.ChannelId   // 0 if not channel-scoped
	Downstream channel.DownstreamId // 0 if not downstream-scoped
	Payload interface{}
}

// Outbound is a tagged union describing where a computed reply must be
// sent: a specific downstream connection, every member of a group channel,
// every downstream of the current role, or the upstream/declarator/
// template-source endpoint. Handlers build these under the lock; the
// dispatch loop performs the actual I/O after releasing it.
type Outbound struct {
	To      Endpoint
	Downstream channel.DownstreamId // meaningful when To == EndpointDownstream and Broadcast == false
	Group   channel.ChannelId      // meaningful when Broadcast == true
	Broadcast bool
	Payload interface{}
}

// ToDownstream addresses one specific downstream connection.
func ToDownstream(ds channel.DownstreamId, payload interface{}) Outbound {
	return Outbound{To: EndpointDownstream, Downstream: ds, Payload: payload}
}

// ToGroup addresses every channel in a group (broadcast job distribution).
func ToGroup(group channel.ChannelId, payload interface{}) Outbound {
	return Outbound{To: EndpointDownstream, Group: group, Broadcast: true, Payload: payload}
}

// ToUpstream addresses the role's single upstream connection.
func ToUpstream(payload interface{}) Outbound {
	return Outbound{To: EndpointUpstream, Payload: payload}
}

// ToDeclarator addresses the JDC's Job Declarator Server connection.
func ToDeclarator(payload interface{}) Outbound {
	return Outbound{To: EndpointDeclarator, Payload: payload}
}

// ToTemplateSource addresses the Template Source Adapter.
func ToTemplateSource(payload interface{}) Outbound {
	return Outbound{To: EndpointTemplate, Payload: payload}
}
