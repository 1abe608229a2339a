// Package balancer defines the contract between a channel and its load
// balancing policy: the Balancer receives resolver and subchannel events
// on a single synchronization context and publishes pickers that route
// individual RPCs.
package balancer

import (
	"fmt"
	"time"

	"github.com/go-kit/log"

	"github.com/ferrylight/grpcmux/attributes"
	"github.com/ferrylight/grpcmux/connectivity"
	"github.com/ferrylight/grpcmux/grpcsync"
	"github.com/ferrylight/grpcmux/metadata"
	"github.com/ferrylight/grpcmux/status"
)

// Address is a single resolved server address.
type Address struct {
	Addr       string
	Attributes *attributes.Attributes
}

// AddressGroup is a group of addresses considered equivalent for
// connection purposes: a subchannel bound to the group may use any of
// them.
type AddressGroup struct {
	Addresses  []Address
	Attributes *attributes.Attributes
}

// ResolvedAddresses is what the name resolver produces: server address
// groups plus resolver attributes and the parsed policy configuration.
type ResolvedAddresses struct {
	AddressGroups []AddressGroup
	Attributes    *attributes.Attributes
	Config        interface{}
}

// Balancer receives connectivity and resolver events and maintains the
// picker. All methods are invoked on the channel's synchronization
// context; implementations must not block in them.
type Balancer interface {
	// HandleResolvedAddresses delivers a new address set from the
	// resolver. Empty address lists are only delivered to balancers
	// that declare CanHandleEmptyAddressList.
	HandleResolvedAddresses(ResolvedAddresses)

	// HandleNameResolutionError delivers a resolution failure; the
	// status is never OK.
	HandleNameResolutionError(status.Status)

	// HandleSubchannelState delivers a connectivity change for a
	// subchannel created by this balancer.
	HandleSubchannelState(Subchannel, connectivity.State)

	// Shutdown releases all resources. The balancer must shut down
	// every subchannel and OOB channel it still holds.
	Shutdown()
}

// EmptyAddressHandler is implemented by balancers that can make use of
// an empty address list. Without it, the channel converts an empty list
// into a name resolution error.
type EmptyAddressHandler interface {
	CanHandleEmptyAddressList() bool
}

// CanHandleEmptyAddressList reports b's capability, defaulting to false.
func CanHandleEmptyAddressList(b Balancer) bool {
	if h, ok := b.(EmptyAddressHandler); ok {
		return h.CanHandleEmptyAddressList()
	}
	return false
}

// Subchannel is a logical connection to the servers of one or more
// equivalent address groups. It owns at most one active transport.
// Balancers hold subchannels and must release them via Shutdown.
type Subchannel interface {
	// Connect asks the subchannel to establish a transport if it does
	// not already have one.
	Connect()

	// Shutdown releases the subchannel. Terminal; the subchannel
	// reports SHUTDOWN and is no longer usable.
	Shutdown()

	// Addresses returns the address groups the subchannel is bound to.
	Addresses() []AddressGroup

	// Attributes returns the attribute bag attached at creation.
	Attributes() *attributes.Attributes
}

// OOBChannel is an out-of-band channel the balancer may use to talk to
// auxiliary services such as an external load balancer.
type OOBChannel interface {
	Shutdown()
}

// Scheduler schedules delayed tasks onto the synchronization context.
type Scheduler interface {
	Schedule(delay time.Duration, task func()) *grpcsync.ScheduledHandle
}

// Helper is the channel-provided toolkit a balancer builds on. All
// mutating methods must be called from the synchronization context.
type Helper interface {
	// CreateSubchannel creates a subchannel bound to the given groups,
	// starting in IDLE.
	CreateSubchannel(groups []AddressGroup, attrs *attributes.Attributes) Subchannel

	// UpdateSubchannelAddresses rebinds an existing subchannel.
	UpdateSubchannelAddresses(sc Subchannel, groups []AddressGroup)

	// CreateOOBChannel creates an out-of-band channel to the given
	// group using the given authority.
	CreateOOBChannel(group AddressGroup, authority string) OOBChannel

	// UpdateBalancingState publishes a new connectivity state and
	// picker. Buffered RPCs are re-picked against the new picker.
	UpdateBalancingState(state connectivity.State, picker SubchannelPicker)

	// RefreshNameResolution asks the resolver for a fresh address set.
	RefreshNameResolution()

	// SynchronizationContext returns the context all balancer
	// callbacks run on.
	SynchronizationContext() *grpcsync.SynchronizationContext

	// ScheduledExecutor returns the timer facility tied to the
	// synchronization context.
	ScheduledExecutor() Scheduler

	// Authority returns the channel's authority string.
	Authority() string

	// Logger returns the channel's logger.
	Logger() log.Logger
}

// CallOptions carries the per-call options a picker may consult.
type CallOptions struct {
	// WaitForReady makes the RPC buffer instead of failing when the
	// picker returns an error result.
	WaitForReady bool
}

// PickInfo describes the RPC being routed.
type PickInfo struct {
	// FullMethod is the "service/method" name.
	FullMethod  string
	Headers     *metadata.MD
	CallOptions CallOptions
}

// StreamTracer observes the lifetime of one RPC stream.
type StreamTracer interface {
	// Ended is called once with the stream's final status.
	Ended(status.Status)
}

// StreamTracerFactory creates a tracer for a stream about to start.
type StreamTracerFactory func(info PickInfo) StreamTracer

// SubchannelPicker makes the per-RPC routing decision. Pickers are
// invoked concurrently from RPC-issuing goroutines: they must be
// immutable apart from self-contained state such as a round-robin
// cursor, and must never mutate balancer state.
type SubchannelPicker interface {
	Pick(info PickInfo) PickResult
}

// ConnectionRequester is optionally implemented by pickers that want a
// connection attempt kicked off when an RPC has to buffer.
type ConnectionRequester interface {
	RequestConnection()
}

type pickResultKind int

const (
	kindNoResult pickResultKind = iota
	kindProceed
	kindError
	kindDrop
)

// PickResult is the outcome of a pick: proceed on a subchannel, fail,
// drop, or no result (buffer).
type PickResult struct {
	kind    pickResultKind
	sub     Subchannel
	tracerF StreamTracerFactory
	status  status.Status
}

// PickSubchannel returns a result routing the RPC to sc. If sc is not
// READY when the RPC is about to start, the RPC buffers again. tracerF
// may be nil.
func PickSubchannel(sc Subchannel, tracerF StreamTracerFactory) PickResult {
	if sc == nil {
		panic("balancer: PickSubchannel with nil subchannel")
	}
	return PickResult{kind: kindProceed, sub: sc, tracerF: tracerF}
}

// PickError returns a result failing the RPC with st, unless the call
// has WaitForReady set, in which case the RPC buffers. st must not be OK.
func PickError(st status.Status) PickResult {
	if st.IsOK() {
		panic(fmt.Sprintf("balancer: PickError with OK status %v", st))
	}
	return PickResult{kind: kindError, status: st}
}

// PickDrop returns a result failing the RPC with st regardless of
// WaitForReady or retry policy. st must not be OK.
func PickDrop(st status.Status) PickResult {
	if st.IsOK() {
		panic(fmt.Sprintf("balancer: PickDrop with OK status %v", st))
	}
	return PickResult{kind: kindDrop, status: st}
}

// PickNoResult returns a result buffering the RPC until a new picker is
// published.
func PickNoResult() PickResult {
	return PickResult{kind: kindNoResult}
}

// HasResult reports whether the pick produced anything other than
// "buffer".
func (r PickResult) HasResult() bool { return r.kind != kindNoResult }

// Subchannel returns the chosen subchannel, or nil.
func (r PickResult) Subchannel() Subchannel { return r.sub }

// StreamTracerFactory returns the tracer factory, or nil.
func (r PickResult) StreamTracerFactory() StreamTracerFactory { return r.tracerF }

// Status returns the result status; OK for proceed and no-result.
func (r PickResult) Status() status.Status { return r.status }

// IsDrop reports whether the RPC must be failed without buffering or
// retry.
func (r PickResult) IsDrop() bool { return r.kind == kindDrop }

func (r PickResult) String() string {
	switch r.kind {
	case kindProceed:
		return fmt.Sprintf("PickResult{subchannel=%v}", r.sub)
	case kindError:
		return fmt.Sprintf("PickResult{error=%v}", r.status)
	case kindDrop:
		return fmt.Sprintf("PickResult{drop=%v}", r.status)
	default:
		return "PickResult{no result}"
	}
}

// Builder constructs a balancer for a channel.
type Builder interface {
	// Name identifies the policy, e.g. "round_robin".
	Name() string
	Build(Helper) Balancer
}
