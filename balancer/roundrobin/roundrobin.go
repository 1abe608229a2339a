// Package roundrobin implements a balancer that creates one subchannel
// per address group and rotates READY subchannels across picks.
package roundrobin

import (
	"go.uber.org/atomic"

	"github.com/ferrylight/grpcmux/balancer"
	"github.com/ferrylight/grpcmux/codes"
	"github.com/ferrylight/grpcmux/connectivity"
	"github.com/ferrylight/grpcmux/status"
)

// Name is the policy name.
const Name = "round_robin"

type builder struct{}

// NewBuilder returns the round-robin balancer builder.
func NewBuilder() balancer.Builder { return builder{} }

func (builder) Name() string { return Name }

func (builder) Build(helper balancer.Helper) balancer.Balancer {
	return &rrBalancer{
		helper: helper,
		subs:   make(map[balancer.Subchannel]connectivity.State),
	}
}

type rrBalancer struct {
	helper balancer.Helper

	// subs tracks every live subchannel and its last reported state.
	// Only touched on the synchronization context.
	subs    map[balancer.Subchannel]connectivity.State
	lastErr status.Status
}

func (b *rrBalancer) HandleResolvedAddresses(ra balancer.ResolvedAddresses) {
	seen := make(map[string]bool, len(ra.AddressGroups))
	existing := make(map[string]balancer.Subchannel, len(b.subs))
	for sc := range b.subs {
		existing[groupKey(sc.Addresses())] = sc
	}

	for _, group := range ra.AddressGroups {
		key := groupKey([]balancer.AddressGroup{group})
		seen[key] = true
		if _, ok := existing[key]; ok {
			continue
		}
		sc := b.helper.CreateSubchannel([]balancer.AddressGroup{group}, nil)
		b.subs[sc] = connectivity.Idle
		sc.Connect()
	}

	// Drop subchannels whose addresses disappeared.
	for key, sc := range existing {
		if !seen[key] {
			sc.Shutdown()
			delete(b.subs, sc)
		}
	}
	b.updatePicker()
}

func (b *rrBalancer) HandleNameResolutionError(st status.Status) {
	b.lastErr = st
	if len(b.subs) == 0 {
		b.helper.UpdateBalancingState(connectivity.TransientFailure, errPicker{st: st})
	}
}

func (b *rrBalancer) HandleSubchannelState(sc balancer.Subchannel, state connectivity.State) {
	if _, ok := b.subs[sc]; !ok {
		return
	}
	if state == connectivity.Shutdown {
		delete(b.subs, sc)
		return
	}
	b.subs[sc] = state
	if state == connectivity.Idle {
		sc.Connect()
	}
	b.updatePicker()
}

func (b *rrBalancer) Shutdown() {
	for sc := range b.subs {
		sc.Shutdown()
	}
	b.subs = make(map[balancer.Subchannel]connectivity.State)
}

func (b *rrBalancer) updatePicker() {
	var ready []balancer.Subchannel
	connecting := false
	for sc, st := range b.subs {
		switch st {
		case connectivity.Ready:
			ready = append(ready, sc)
		case connectivity.Connecting, connectivity.Idle:
			connecting = true
		}
	}
	switch {
	case len(ready) > 0:
		b.helper.UpdateBalancingState(connectivity.Ready, NewPicker(ready))
	case connecting:
		b.helper.UpdateBalancingState(connectivity.Connecting, bufferPicker{})
	default:
		st := b.lastErr
		if st.IsOK() {
			st = status.New(codes.Unavailable, "all subchannels in transient failure")
		}
		b.helper.UpdateBalancingState(connectivity.TransientFailure, errPicker{st: st})
	}
}

func groupKey(groups []balancer.AddressGroup) string {
	key := ""
	for _, g := range groups {
		for _, a := range g.Addresses {
			key += a.Addr + ";"
		}
	}
	return key
}

// Picker rotates across a fixed set of READY subchannels. The cursor is
// the picker's only mutable state.
type Picker struct {
	subs []balancer.Subchannel
	next atomic.Uint32
}

// NewPicker returns a picker over the given READY subchannels.
func NewPicker(subs []balancer.Subchannel) *Picker {
	return &Picker{subs: subs}
}

func (p *Picker) Pick(balancer.PickInfo) balancer.PickResult {
	n := p.next.Inc() - 1
	return balancer.PickSubchannel(p.subs[int(n)%len(p.subs)], nil)
}

type bufferPicker struct{}

func (bufferPicker) Pick(balancer.PickInfo) balancer.PickResult {
	return balancer.PickNoResult()
}

type errPicker struct{ st status.Status }

func (p errPicker) Pick(balancer.PickInfo) balancer.PickResult {
	return balancer.PickError(p.st)
}
