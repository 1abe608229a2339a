package grpcmux

import (
	"context"
	"sync"

	"github.com/ferrylight/grpcmux/balancer"
	"github.com/ferrylight/grpcmux/status"
)

// pickerWrapper holds the latest picker published by the balancer and
// buffers RPCs that cannot be placed yet. Every picker update wakes all
// buffered RPCs so they re-pick against the new picker.
type pickerWrapper struct {
	mu sync.Mutex
	// picker is the current picker; nil until the balancer publishes
	// the first one.
	picker balancer.SubchannelPicker
	// blockingCh is closed and replaced on each picker update;
	// buffered RPCs wait on it.
	blockingCh chan struct{}
	// closedStatus, once set, terminates all picks.
	closedStatus status.Status
	closed       bool
}

func newPickerWrapper() *pickerWrapper {
	return &pickerWrapper{blockingCh: make(chan struct{})}
}

// updatePicker publishes a new picker and wakes every buffered RPC.
func (pw *pickerWrapper) updatePicker(p balancer.SubchannelPicker) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return
	}
	pw.picker = p
	close(pw.blockingCh)
	pw.blockingCh = make(chan struct{})
}

// close terminates the wrapper: buffered and future picks fail with st.
func (pw *pickerWrapper) close(st status.Status) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return
	}
	pw.closed = true
	pw.closedStatus = st
	close(pw.blockingCh)
}

// pick routes one RPC. It blocks while the RPC is buffered, and returns
// the chosen subchannel once a pick proceeds on a subchannel for which
// usable reports true.
func (pw *pickerWrapper) pick(ctx context.Context, info balancer.PickInfo, usable func(balancer.Subchannel) bool) (balancer.Subchannel, balancer.StreamTracerFactory, error) {
	for {
		pw.mu.Lock()
		if pw.closed {
			st := pw.closedStatus
			pw.mu.Unlock()
			return nil, nil, st.Err()
		}
		p := pw.picker
		ch := pw.blockingCh
		pw.mu.Unlock()

		if p == nil {
			if err := pw.wait(ctx, ch); err != nil {
				return nil, nil, err
			}
			continue
		}

		res := p.Pick(info)
		switch {
		case !res.HasResult():
			if rc, ok := p.(balancer.ConnectionRequester); ok {
				rc.RequestConnection()
			}
			if err := pw.wait(ctx, ch); err != nil {
				return nil, nil, err
			}
		case res.IsDrop():
			// Drops fail immediately regardless of wait-for-ready.
			return nil, nil, res.Status().Err()
		case !res.Status().IsOK():
			if !info.CallOptions.WaitForReady {
				return nil, nil, res.Status().Err()
			}
			if err := pw.wait(ctx, ch); err != nil {
				return nil, nil, err
			}
		default:
			sc := res.Subchannel()
			if usable(sc) {
				return sc, res.StreamTracerFactory(), nil
			}
			// The chosen subchannel is not READY; buffer until the
			// balancer publishes a new picker.
			if err := pw.wait(ctx, ch); err != nil {
				return nil, nil, err
			}
		}
	}
}

// wait blocks until the picker changes or the context ends.
func (pw *pickerWrapper) wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	case <-ch:
		return nil
	}
}
