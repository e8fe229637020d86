// Package channel implements the Channel Manager's per-channel state:
// standard and extended mining channels, group channels, share accounting,
// and the monotonic identifier factories the manager hands out.
package channel

import "sync/atomic"

// ChannelId identifies one standard or extended mining channel.
type ChannelId uint32

// DownstreamId identifies one accepted downstream connection.
type DownstreamId uint32

// RequestId correlates a request/response pair within one connection.
type RequestId uint32

// JobId identifies one job sent to a channel.
type JobId uint32

// TemplateId identifies one block template from the Template Source.
type TemplateId uint64

// ServerId identifies the upstream connection a channel was opened over,
// used by the Fallback Coordinator to tell which channels belong to which
// generation of upstream connection.
type ServerId uint32

// AggregatedChannelId is the well-known channel id a Translator uses when
// operating in aggregated mode, where every SV1 downstream shares one
// upstream extended channel.
const AggregatedChannelId ChannelId = 1

// IdFactory hands out monotonically increasing identifiers starting at 1.
// Zero is reserved so a zero-valued id can mean "unset".
type IdFactory struct {
	next uint32
}

// NewIdFactory creates a factory whose first Next() returns 1.
func NewIdFactory() *IdFactory {
	return &IdFactory{next: 0}
}

// Next atomically returns the next identifier.
func (f *IdFactory) Next() uint32 {
	return atomic.AddUint32(&f.next, 1)
}

// NextChannelId returns the next ChannelId.
func (f *IdFactory) NextChannelId() ChannelId { return ChannelId(f.Next()) }

// NextRequestId returns the next RequestId.
func (f *IdFactory) NextRequestId() RequestId { return RequestId(f.Next()) }

// NextJobId returns the next JobId.
func (f *IdFactory) NextJobId() JobId { return JobId(f.Next()) }

// NextDownstreamId returns the next DownstreamId.
func (f *IdFactory) NextDownstreamId() DownstreamId { return DownstreamId(f.Next()) }
