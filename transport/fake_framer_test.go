package transport

import (
	"sync"

	"golang.org/x/net/http2"

	"github.com/ferrylight/grpcmux/metadata"
)

// fakeFramer records outbound frames so tests can drive the multiplexer
// without a real connection.
type fakeFramer struct {
	mu sync.Mutex

	headers []headersWrite
	data    []dataWrite
	rsts    []rstWrite
	windows []windowWrite
	flushes int
	closed  bool

	// failNextHeaders makes the next WriteHeaders fail with this error.
	failNextHeaders error
}

type headersWrite struct {
	streamID  uint32
	pairs     []metadata.Pair
	endStream bool
}

type dataWrite struct {
	streamID  uint32
	payload   []byte
	endStream bool
}

type rstWrite struct {
	streamID uint32
	code     http2.ErrCode
}

type windowWrite struct {
	streamID uint32
	n        int
}

func newFakeFramer() *fakeFramer { return &fakeFramer{} }

func (f *fakeFramer) WriteHeaders(streamID uint32, headers []metadata.Pair, endStream bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNextHeaders; err != nil {
		f.failNextHeaders = nil
		return err
	}
	f.headers = append(f.headers, headersWrite{streamID: streamID, pairs: headers, endStream: endStream})
	return nil
}

func (f *fakeFramer) WriteData(streamID uint32, data []byte, endStream bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, dataWrite{streamID: streamID, payload: data, endStream: endStream})
	return nil
}

func (f *fakeFramer) WriteRstStream(streamID uint32, code http2.ErrCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rsts = append(f.rsts, rstWrite{streamID: streamID, code: code})
	return nil
}

func (f *fakeFramer) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeFramer) ReturnProcessedBytes(streamID uint32, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, windowWrite{streamID: streamID, n: n})
	return nil
}

func (f *fakeFramer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFramer) headerWrites() []headersWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]headersWrite, len(f.headers))
	copy(out, f.headers)
	return out
}

func (f *fakeFramer) rstWrites() []rstWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rstWrite, len(f.rsts))
	copy(out, f.rsts)
	return out
}

func (f *fakeFramer) dataWrites() []dataWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dataWrite, len(f.data))
	copy(out, f.data)
	return out
}

var _ Framer = (*fakeFramer)(nil)
