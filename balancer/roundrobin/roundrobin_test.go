package roundrobin

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrylight/grpcmux/attributes"
	"github.com/ferrylight/grpcmux/balancer"
	"github.com/ferrylight/grpcmux/codes"
	"github.com/ferrylight/grpcmux/connectivity"
	"github.com/ferrylight/grpcmux/grpcsync"
	"github.com/ferrylight/grpcmux/status"
)

type fakeSubchannel struct {
	groups    []balancer.AddressGroup
	connects  int
	shutdowns int
}

func (f *fakeSubchannel) Connect()                           { f.connects++ }
func (f *fakeSubchannel) Shutdown()                          { f.shutdowns++ }
func (f *fakeSubchannel) Addresses() []balancer.AddressGroup { return f.groups }
func (f *fakeSubchannel) Attributes() *attributes.Attributes { return nil }

type fakeHelper struct {
	syncCtx *grpcsync.SynchronizationContext
	created []*fakeSubchannel

	state  connectivity.State
	picker balancer.SubchannelPicker
}

func newFakeHelper() *fakeHelper {
	return &fakeHelper{syncCtx: grpcsync.New(nil)}
}

func (h *fakeHelper) CreateSubchannel(groups []balancer.AddressGroup, _ *attributes.Attributes) balancer.Subchannel {
	sc := &fakeSubchannel{groups: groups}
	h.created = append(h.created, sc)
	return sc
}

func (h *fakeHelper) UpdateSubchannelAddresses(sc balancer.Subchannel, groups []balancer.AddressGroup) {
	sc.(*fakeSubchannel).groups = groups
}

func (h *fakeHelper) CreateOOBChannel(balancer.AddressGroup, string) balancer.OOBChannel {
	return nil
}

func (h *fakeHelper) UpdateBalancingState(state connectivity.State, picker balancer.SubchannelPicker) {
	h.state = state
	h.picker = picker
}

func (h *fakeHelper) RefreshNameResolution() {}

func (h *fakeHelper) SynchronizationContext() *grpcsync.SynchronizationContext { return h.syncCtx }

func (h *fakeHelper) ScheduledExecutor() balancer.Scheduler { return h.syncCtx }

func (h *fakeHelper) Authority() string { return "test" }

func (h *fakeHelper) Logger() log.Logger { return log.NewNopLogger() }

func groups(addrs ...string) []balancer.AddressGroup {
	var out []balancer.AddressGroup
	for _, a := range addrs {
		out = append(out, balancer.AddressGroup{Addresses: []balancer.Address{{Addr: a}}})
	}
	return out
}

func resolved(addrs ...string) balancer.ResolvedAddresses {
	return balancer.ResolvedAddresses{AddressGroups: groups(addrs...)}
}

func TestCreatesSubchannelPerGroup(t *testing.T) {
	h := newFakeHelper()
	b := NewBuilder().Build(h)

	b.HandleResolvedAddresses(resolved("a:1", "b:2"))
	require.Len(t, h.created, 2)
	for _, sc := range h.created {
		assert.Equal(t, 1, sc.connects)
	}
	assert.Equal(t, connectivity.Connecting, h.state)
}

func TestReadySubchannelsRotate(t *testing.T) {
	h := newFakeHelper()
	b := NewBuilder().Build(h)
	b.HandleResolvedAddresses(resolved("a:1", "b:2"))

	b.HandleSubchannelState(h.created[0], connectivity.Ready)
	b.HandleSubchannelState(h.created[1], connectivity.Ready)
	require.Equal(t, connectivity.Ready, h.state)

	seen := map[balancer.Subchannel]int{}
	for i := 0; i < 10; i++ {
		res := h.picker.Pick(balancer.PickInfo{FullMethod: "svc/M"})
		require.True(t, res.HasResult())
		seen[res.Subchannel()]++
	}
	assert.Equal(t, 5, seen[h.created[0]])
	assert.Equal(t, 5, seen[h.created[1]])
}

func TestNoReadySubchannelsBuffer(t *testing.T) {
	h := newFakeHelper()
	b := NewBuilder().Build(h)
	b.HandleResolvedAddresses(resolved("a:1"))

	require.Equal(t, connectivity.Connecting, h.state)
	res := h.picker.Pick(balancer.PickInfo{})
	assert.False(t, res.HasResult())
}

func TestAllTransientFailureFails(t *testing.T) {
	h := newFakeHelper()
	b := NewBuilder().Build(h)
	b.HandleResolvedAddresses(resolved("a:1"))

	b.HandleSubchannelState(h.created[0], connectivity.TransientFailure)
	require.Equal(t, connectivity.TransientFailure, h.state)
	res := h.picker.Pick(balancer.PickInfo{})
	require.True(t, res.HasResult())
	assert.Equal(t, codes.Unavailable, res.Status().Code())
}

func TestRemovedAddressesShutDownSubchannels(t *testing.T) {
	h := newFakeHelper()
	b := NewBuilder().Build(h)
	b.HandleResolvedAddresses(resolved("a:1", "b:2"))
	b.HandleResolvedAddresses(resolved("a:1"))

	assert.Equal(t, 0, h.created[0].shutdowns)
	assert.Equal(t, 1, h.created[1].shutdowns)
}

func TestIdleSubchannelReconnects(t *testing.T) {
	h := newFakeHelper()
	b := NewBuilder().Build(h)
	b.HandleResolvedAddresses(resolved("a:1"))

	b.HandleSubchannelState(h.created[0], connectivity.Ready)
	b.HandleSubchannelState(h.created[0], connectivity.Idle)
	assert.Equal(t, 2, h.created[0].connects)
}

func TestResolutionErrorWithNoSubchannels(t *testing.T) {
	h := newFakeHelper()
	b := NewBuilder().Build(h)

	b.HandleNameResolutionError(status.New(codes.Unavailable, "dns failed"))
	require.Equal(t, connectivity.TransientFailure, h.state)
	res := h.picker.Pick(balancer.PickInfo{})
	assert.Equal(t, "dns failed", res.Status().Message())
}

func TestShutdownReleasesSubchannels(t *testing.T) {
	h := newFakeHelper()
	b := NewBuilder().Build(h)
	b.HandleResolvedAddresses(resolved("a:1", "b:2"))

	b.Shutdown()
	for _, sc := range h.created {
		assert.Equal(t, 1, sc.shutdowns)
	}
}

func TestPickerConcurrentSafety(t *testing.T) {
	p := NewPicker([]balancer.Subchannel{&fakeSubchannel{}, &fakeSubchannel{}})
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				p.Pick(balancer.PickInfo{})
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("picker deadlocked")
		}
	}
}
