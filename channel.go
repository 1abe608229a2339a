// Package grpcmux provides the client-side core of a gRPC HTTP/2
// transport: a channel that drives a load balancing policy over a set of
// subchannels, each multiplexing RPC streams onto one HTTP/2 connection.
//
// The channel does not include a resolver or stub API. Resolved
// addresses are pushed in via UpdateResolvedAddresses, and RPCs are
// issued at the stream level via NewStream.
package grpcmux

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/ferrylight/grpcmux/attributes"
	"github.com/ferrylight/grpcmux/balancer"
	"github.com/ferrylight/grpcmux/balancer/roundrobin"
	"github.com/ferrylight/grpcmux/codes"
	"github.com/ferrylight/grpcmux/connectivity"
	"github.com/ferrylight/grpcmux/grpcsync"
	"github.com/ferrylight/grpcmux/metadata"
	"github.com/ferrylight/grpcmux/status"
	"github.com/ferrylight/grpcmux/transport"
)

var errNoAddresses = errors.New("subchannel has no addresses")

// Dialer establishes the raw connection for a subchannel transport.
type Dialer func(ctx context.Context, addr string) (io.ReadWriteCloser, error)

func defaultDialer(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// ChannelConfig configures a Channel. Zero values get defaults: a TCP
// dialer, the round_robin policy, and a silent logger.
type ChannelConfig struct {
	Authority string
	UserAgent string
	Scheme    string
	Dialer    Dialer
	Balancer  balancer.Builder
	Logger    log.Logger
}

// Channel coordinates the balancer, its subchannels, and buffered RPCs.
type Channel struct {
	logger    log.Logger
	authority string
	userAgent string
	scheme    string
	dialer    Dialer

	syncCtx *grpcsync.SynchronizationContext
	pw      *pickerWrapper
	bal     balancer.Balancer

	state  atomic.Int32
	closed atomic.Bool

	// refreshResolver, when set, is invoked by the balancer's
	// RefreshNameResolution calls. The resolver collaborator wires it.
	refreshResolver func()
}

// NewChannel returns a channel driving the configured balancing policy.
func NewChannel(cfg ChannelConfig) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = defaultDialer
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	builder := cfg.Balancer
	if builder == nil {
		builder = roundrobin.NewBuilder()
	}

	ch := &Channel{
		logger:    logger,
		authority: cfg.Authority,
		userAgent: cfg.UserAgent,
		scheme:    scheme,
		dialer:    dialer,
		syncCtx:   grpcsync.New(logger),
		pw:        newPickerWrapper(),
	}
	ch.state.Store(int32(connectivity.Idle))
	ch.syncCtx.Execute(func() {
		ch.bal = builder.Build(&channelHelper{ch: ch})
	})
	return ch
}

// SetResolverRefresh installs the hook invoked when the balancer asks
// for fresh name resolution.
func (ch *Channel) SetResolverRefresh(fn func()) { ch.refreshResolver = fn }

// State returns the last balancing state the balancer published, or
// SHUTDOWN once the channel is closed.
func (ch *Channel) State() connectivity.State {
	return connectivity.State(ch.state.Load())
}

// UpdateResolvedAddresses delivers a resolver result to the balancer on
// the synchronization context. An empty address list is surfaced as a
// name resolution error unless the balancer declares it can handle one.
func (ch *Channel) UpdateResolvedAddresses(ra balancer.ResolvedAddresses) {
	ch.syncCtx.Execute(func() {
		if ch.closed.Load() {
			return
		}
		if len(ra.AddressGroups) == 0 && !balancer.CanHandleEmptyAddressList(ch.bal) {
			ch.bal.HandleNameResolutionError(
				status.New(codes.Unavailable, "name resolver returned an empty address list"))
			return
		}
		ch.bal.HandleResolvedAddresses(ra)
	})
}

// ReportResolverError delivers a name resolution failure to the
// balancer.
func (ch *Channel) ReportResolverError(st status.Status) {
	ch.syncCtx.Execute(func() {
		if !ch.closed.Load() {
			ch.bal.HandleNameResolutionError(st)
		}
	})
}

// CallOption mirrors the picker-visible per-call options.
type CallOption = balancer.CallOptions

// NewStream routes one RPC through the current picker and starts a
// stream on the chosen subchannel's transport. The RPC buffers while no
// subchannel is usable, and fails immediately on picker errors (unless
// wait-for-ready) and drops.
func (ch *Channel) NewStream(ctx context.Context, method string, md *metadata.MD, opts CallOption) (*transport.Stream, error) {
	if ch.closed.Load() {
		return nil, status.New(codes.Unavailable, "channel is shut down").Err()
	}
	info := balancer.PickInfo{FullMethod: method, Headers: md, CallOptions: opts}
	for {
		sc, tracerF, err := ch.pw.pick(ctx, info, func(sc balancer.Subchannel) bool {
			impl, ok := sc.(*subchannel)
			return ok && impl.readyTransport() != nil
		})
		if err != nil {
			return nil, err
		}
		tr := sc.(*subchannel).readyTransport()
		if tr == nil {
			// Lost the transport between pick and use; re-pick.
			continue
		}
		s, err := tr.NewStream(ctx, &transport.CallHdr{
			Method:    method,
			Authority: ch.authority,
			Scheme:    ch.scheme,
			UserAgent: ch.userAgent,
			Metadata:  md,
		})
		if err != nil {
			return nil, err
		}
		if tracerF != nil {
			tracer := tracerF(info)
			go func() {
				<-s.Done()
				st, _ := s.Status()
				tracer.Ended(st)
			}()
		}
		return s, nil
	}
}

// Close shuts the channel down: the balancer releases its subchannels
// and buffered RPCs fail with UNAVAILABLE.
func (ch *Channel) Close() {
	if !ch.closed.CompareAndSwap(false, true) {
		return
	}
	ch.syncCtx.Execute(func() {
		ch.bal.Shutdown()
	})
	ch.pw.close(status.New(codes.Unavailable, "channel is shut down"))
	ch.state.Store(int32(connectivity.Shutdown))
}

// notifySubchannelState forwards a subchannel state change to the
// balancer. Synchronization context only.
func (ch *Channel) notifySubchannelState(sc *subchannel, s connectivity.State) {
	if ch.closed.Load() && s != connectivity.Shutdown {
		return
	}
	ch.bal.HandleSubchannelState(sc, s)
}

// channelHelper is the balancer.Helper handed to the policy.
type channelHelper struct {
	ch *Channel
}

var _ balancer.Helper = (*channelHelper)(nil)

func (h *channelHelper) CreateSubchannel(groups []balancer.AddressGroup, attrs *attributes.Attributes) balancer.Subchannel {
	return newSubchannel(h.ch, groups, attrs)
}

func (h *channelHelper) UpdateSubchannelAddresses(sc balancer.Subchannel, groups []balancer.AddressGroup) {
	if impl, ok := sc.(*subchannel); ok {
		impl.updateAddresses(groups)
	}
}

func (h *channelHelper) CreateOOBChannel(group balancer.AddressGroup, authority string) balancer.OOBChannel {
	sc := newSubchannel(h.ch, []balancer.AddressGroup{group}, nil)
	sc.Connect()
	return &oobChannel{sc: sc, authority: authority}
}

func (h *channelHelper) UpdateBalancingState(state connectivity.State, picker balancer.SubchannelPicker) {
	h.ch.state.Store(int32(state))
	h.ch.pw.updatePicker(picker)
}

func (h *channelHelper) RefreshNameResolution() {
	if h.ch.refreshResolver != nil {
		h.ch.refreshResolver()
		return
	}
	level.Debug(h.ch.logger).Log("msg", "refresh requested with no resolver attached")
}

func (h *channelHelper) SynchronizationContext() *grpcsync.SynchronizationContext {
	return h.ch.syncCtx
}

func (h *channelHelper) ScheduledExecutor() balancer.Scheduler { return h.ch.syncCtx }

func (h *channelHelper) Authority() string { return h.ch.authority }

func (h *channelHelper) Logger() log.Logger { return h.ch.logger }
