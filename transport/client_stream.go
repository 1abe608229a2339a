package transport

import (
	"context"
	"io"
	"sync"

	"go.uber.org/atomic"

	"github.com/ferrylight/grpcmux/codes"
	"github.com/ferrylight/grpcmux/metadata"
	"github.com/ferrylight/grpcmux/status"
)

// streamState tracks the per-RPC lifecycle. CLOSED is terminal; inbound
// events addressed to a closed stream are ignored.
type streamState int32

const (
	// statePending: created, not yet admitted by the multiplexer.
	statePending streamState = iota
	// stateHeadersSent: HEADERS written, awaiting the response prelude.
	stateHeadersSent
	// stateOpen: response headers received, messages may arrive.
	stateOpen
	// stateHalfClosedRemote: peer half-closed via DATA endStream,
	// awaiting trailers or connection close.
	stateHalfClosedRemote
	// stateClosed: final status reported.
	stateClosed
)

// Message is a single length-prefixed message recovered from DATA
// frames. Decompression is the caller's concern.
type Message struct {
	Data       []byte
	Compressed bool
}

// Stream is the client-side view of one RPC mapped onto one HTTP/2
// stream. The transport mutates it only on the multiplexer's I/O
// context; accessors are safe from any goroutine.
type Stream struct {
	ct     *Client
	ctx    context.Context
	method string

	id    atomic.Uint32
	state atomic.Int32

	mu      sync.Mutex
	header  *metadata.MD
	trailer *metadata.MD
	st      status.Status
	stSet   bool
	rbuf    []byte
	msgs    []Message

	headerCh chan struct{}
	done     chan struct{}
	// notify wakes at most one RecvMsg waiter per send.
	notify chan struct{}
}

func newStream(ctx context.Context, ct *Client, method string) *Stream {
	return &Stream{
		ct:       ct,
		ctx:      ctx,
		method:   method,
		headerCh: make(chan struct{}),
		done:     make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// Method returns the fully-qualified "service/method" name.
func (s *Stream) Method() string { return s.method }

// Context returns the stream's context.
func (s *Stream) Context() context.Context { return s.ctx }

// ID returns the assigned HTTP/2 stream id, or zero while pending.
func (s *Stream) ID() uint32 { return s.id.Load() }

// Done is closed once the final status has been reported.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Header returns the response headers, blocking until they arrive or the
// stream fails. On failure it returns the stream's status error.
func (s *Stream) Header(ctx context.Context) (*metadata.MD, error) {
	select {
	case <-s.headerCh:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header == nil && s.stSet && !s.st.IsOK() {
		return nil, s.st.Err()
	}
	return s.header, nil
}

// Trailer returns the trailer metadata. It is only populated once the
// stream is done.
func (s *Stream) Trailer() *metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailer
}

// Status returns the final status and whether it has been reported yet.
func (s *Stream) Status() (status.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st, s.stSet
}

// RecvMsg returns the next message. It returns io.EOF after an OK
// stream is drained, and the status error once a failed stream is
// drained.
func (s *Stream) RecvMsg(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.msgs) > 0 {
			msg := s.msgs[0]
			s.msgs = s.msgs[1:]
			s.mu.Unlock()
			// No credit is returned for a closed stream; its id has
			// already left the multiplexer's table.
			if id := s.ID(); id != 0 && s.loadState() != stateClosed {
				s.ct.ReturnProcessedBytes(id, prologueLen+len(msg.Data))
			}
			return msg, nil
		}
		if s.stSet {
			st := s.st
			s.mu.Unlock()
			if st.IsOK() {
				return Message{}, io.EOF
			}
			return Message{}, st.Err()
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, status.FromContextError(ctx.Err()).Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Send frames msg and writes it as a DATA frame, blocking until the
// write completes. The stream must have been admitted.
func (s *Stream) Send(ctx context.Context, msg []byte, endStream bool) error {
	id := s.ID()
	if id == 0 {
		return status.New(codes.Internal, "send on stream awaiting admission").Err()
	}
	done := make(chan error, 1)
	s.ct.Write(SendFrame{StreamID: id, Payload: FrameMessage(msg, false), EndStream: endStream, Done: done})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}

// Cancel closes the stream locally with CANCELLED. Cancelling an
// already-closed stream is a successful no-op.
func (s *Stream) Cancel(ctx context.Context) error {
	done := make(chan error, 1)
	s.ct.Write(CancelStream{Stream: s, Done: done})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}

func (s *Stream) loadState() streamState {
	return streamState(s.state.Load())
}

func (s *Stream) setState(st streamState) {
	s.state.Store(int32(st))
}

// setID records the assigned stream id at admission time. I/O context only.
func (s *Stream) setID(id uint32) {
	s.id.Store(id)
	s.setState(stateHeadersSent)
}

// transportHeadersReceived handles an inbound HEADERS frame. With
// endStream set the frame carries trailers and terminates the stream.
// I/O context only.
func (s *Stream) transportHeadersReceived(pairs []metadata.Pair, endStream bool) error {
	if s.loadState() == stateClosed {
		return nil
	}
	md, err := FromWireHeaders(pairs)
	if err != nil {
		return status.New(codes.Internal, err.Error()).WithCause(err).Err()
	}
	if endStream {
		st := DecodeStatus(md, s.ct.logger)
		s.transportReportStatus(st, UserMetadata(md))
		return nil
	}
	switch s.loadState() {
	case stateHeadersSent:
		s.mu.Lock()
		s.header = UserMetadata(md)
		s.mu.Unlock()
		s.setState(stateOpen)
		close(s.headerCh)
		return nil
	default:
		return status.New(codes.Internal, "unexpected HEADERS frame on open stream").Err()
	}
}

// transportDataReceived handles an inbound DATA frame, reassembling
// length-prefixed messages. I/O context only.
func (s *Stream) transportDataReceived(data []byte, endOfStream bool) error {
	switch s.loadState() {
	case stateClosed:
		return nil
	case stateOpen, stateHalfClosedRemote:
	default:
		return status.New(codes.Internal, "DATA frame received before headers").Err()
	}

	s.mu.Lock()
	s.rbuf = append(s.rbuf, data...)
	delivered := false
	for len(s.rbuf) >= prologueLen {
		compressed, length, err := ParseMessagePrologue(s.rbuf[:prologueLen])
		if err != nil {
			s.mu.Unlock()
			return status.New(codes.Internal, err.Error()).WithCause(err).Err()
		}
		if uint32(len(s.rbuf)-prologueLen) < length {
			break
		}
		msg := make([]byte, length)
		copy(msg, s.rbuf[prologueLen:prologueLen+int(length)])
		s.rbuf = s.rbuf[prologueLen+int(length):]
		s.msgs = append(s.msgs, Message{Data: msg, Compressed: compressed})
		delivered = true
	}
	s.mu.Unlock()

	if delivered {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	if endOfStream {
		s.setState(stateHalfClosedRemote)
	}
	return nil
}

// transportReportStatus records the final status. At most one status is
// ever reported; later calls are ignored. I/O context only.
func (s *Stream) transportReportStatus(st status.Status, trailer *metadata.MD) {
	if s.loadState() == stateClosed {
		return
	}
	wasPreOpen := s.loadState() == statePending || s.loadState() == stateHeadersSent
	s.setState(stateClosed)

	s.mu.Lock()
	s.st = st
	s.stSet = true
	if trailer == nil {
		trailer = &metadata.MD{}
	}
	s.trailer = trailer
	s.mu.Unlock()

	if wasPreOpen {
		// unblock Header waiters
		close(s.headerCh)
	}
	close(s.done)

	if id := s.ID(); id != 0 {
		s.ct.streamInactive(id)
	}
}
