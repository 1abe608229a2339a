package grpcmux

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ferrylight/grpcmux/attributes"
	"github.com/ferrylight/grpcmux/balancer"
	"github.com/ferrylight/grpcmux/connectivity"
	"github.com/ferrylight/grpcmux/transport"
)

// subchannel is the channel's balancer.Subchannel implementation: a
// logical connection bound to equivalent address groups, owning at most
// one active transport. A transport displaced by shutdown is tracked as
// prior until its connection terminates; address updates keep the active
// transport.
type subchannel struct {
	ch     *Channel
	attrs  *attributes.Attributes
	logger log.Logger

	mu     sync.Mutex
	groups []balancer.AddressGroup
	state  connectivity.State
	active *transport.Client
	prior  []*transport.Client
	// dialing guards against concurrent connection attempts.
	dialing bool
}

var _ balancer.Subchannel = (*subchannel)(nil)

func newSubchannel(ch *Channel, groups []balancer.AddressGroup, attrs *attributes.Attributes) *subchannel {
	return &subchannel{
		ch:     ch,
		attrs:  attrs,
		logger: log.With(ch.logger, "component", "subchannel"),
		groups: groups,
		state:  connectivity.Idle,
	}
}

func (sc *subchannel) Addresses() []balancer.AddressGroup {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.groups
}

func (sc *subchannel) Attributes() *attributes.Attributes { return sc.attrs }

// Connect starts a connection attempt unless one is in flight or the
// subchannel already has a transport. Dialing happens off the
// synchronization context; only the resulting state change is published
// on it.
func (sc *subchannel) Connect() {
	sc.mu.Lock()
	if sc.state != connectivity.Idle && sc.state != connectivity.TransientFailure {
		sc.mu.Unlock()
		return
	}
	if sc.dialing {
		sc.mu.Unlock()
		return
	}
	sc.dialing = true
	var addr string
	for _, g := range sc.groups {
		if len(g.Addresses) > 0 {
			addr = g.Addresses[0].Addr
			break
		}
	}
	sc.mu.Unlock()

	sc.setState(connectivity.Connecting)
	go sc.establish(addr)
}

func (sc *subchannel) establish(addr string) {
	fail := func(err error) {
		level.Warn(sc.logger).Log("msg", "connection attempt failed", "addr", addr, "err", err)
		sc.mu.Lock()
		sc.dialing = false
		sc.mu.Unlock()
		sc.setState(connectivity.TransientFailure)
	}

	if addr == "" {
		fail(errNoAddresses)
		return
	}
	rwc, err := sc.ch.dialer(context.Background(), addr)
	if err != nil {
		fail(err)
		return
	}
	fr, err := transport.NewNetFramer(rwc, sc.logger)
	if err != nil {
		fail(err)
		return
	}
	ct := transport.NewClient(fr, nil, sc.logger)
	go fr.Serve(ct)
	go sc.watch(ct)

	sc.mu.Lock()
	sc.dialing = false
	if sc.state == connectivity.Shutdown {
		sc.mu.Unlock()
		ct.Close()
		return
	}
	sc.active = ct
	sc.mu.Unlock()
	sc.setState(connectivity.Ready)
}

// watch waits for the transport to terminate and returns the subchannel
// to IDLE if it was the active one.
func (sc *subchannel) watch(ct *transport.Client) {
	<-ct.Done()
	sc.mu.Lock()
	wasActive := sc.active == ct
	if wasActive {
		sc.active = nil
	}
	for i, p := range sc.prior {
		if p == ct {
			sc.prior = append(sc.prior[:i], sc.prior[i+1:]...)
			break
		}
	}
	shutdown := sc.state == connectivity.Shutdown
	sc.mu.Unlock()
	if wasActive && !shutdown {
		sc.setState(connectivity.Idle)
	}
}

// Shutdown is terminal: the active transport moves to the prior list
// and is closed, and the subchannel reports SHUTDOWN.
func (sc *subchannel) Shutdown() {
	sc.mu.Lock()
	if sc.state == connectivity.Shutdown {
		sc.mu.Unlock()
		return
	}
	sc.state = connectivity.Shutdown
	active := sc.active
	sc.active = nil
	if active != nil {
		sc.prior = append(sc.prior, active)
	}
	sc.mu.Unlock()

	if active != nil {
		active.Close()
	}
	sc.ch.syncCtx.Execute(func() {
		sc.ch.notifySubchannelState(sc, connectivity.Shutdown)
	})
}

// updateAddresses rebinds the subchannel. The active transport is kept;
// a stricter implementation would compare address sets and drain.
func (sc *subchannel) updateAddresses(groups []balancer.AddressGroup) {
	sc.mu.Lock()
	sc.groups = groups
	sc.mu.Unlock()
}

// readyTransport returns the active transport if the subchannel is
// READY.
func (sc *subchannel) readyTransport() *transport.Client {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != connectivity.Ready {
		return nil
	}
	return sc.active
}

// setState publishes a state change to the balancer on the
// synchronization context.
func (sc *subchannel) setState(s connectivity.State) {
	sc.ch.syncCtx.Execute(func() {
		sc.mu.Lock()
		if sc.state == connectivity.Shutdown {
			sc.mu.Unlock()
			return
		}
		sc.state = s
		sc.mu.Unlock()
		sc.ch.notifySubchannelState(sc, s)
	})
}

// oobChannel is a minimal out-of-band channel: a dedicated subchannel
// with its own authority.
type oobChannel struct {
	sc        *subchannel
	authority string
}

func (o *oobChannel) Shutdown() { o.sc.Shutdown() }
