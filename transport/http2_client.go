package transport

import (
	"container/list"
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/net/http2"

	"github.com/ferrylight/grpcmux/codes"
	"github.com/ferrylight/grpcmux/grpcsync"
	"github.com/ferrylight/grpcmux/metadata"
	"github.com/ferrylight/grpcmux/status"
)

// Command is a write command accepted by Client.Write. The concrete
// types are CreateStream, SendFrame and CancelStream; any other type is
// a programming error and panics.
type Command interface {
	completion() chan error
}

// CreateStream asks the multiplexer to admit a new stream. The stream is
// enqueued and admitted once the connection has capacity; Done receives
// nil after the HEADERS frame is written, or the failure.
type CreateStream struct {
	Headers []metadata.Pair
	Stream  *Stream
	Done    chan error
}

// SendFrame writes an HTTP/2 DATA frame carrying an already-framed
// payload on an admitted stream.
type SendFrame struct {
	StreamID  uint32
	Payload   []byte
	EndStream bool
	Done      chan error
}

// CancelStream closes the stream locally with CANCELLED. Cancelling an
// already-closed stream succeeds without effect.
type CancelStream struct {
	Stream *Stream
	Done   chan error
}

func (c CreateStream) completion() chan error { return c.Done }
func (c SendFrame) completion() chan error    { return c.Done }
func (c CancelStream) completion() chan error { return c.Done }

// NewCompletion returns a channel suitable for a command's Done field.
// Completion channels must have capacity for one result so the I/O
// context never blocks signalling them.
func NewCompletion() chan error {
	return make(chan error, 1)
}

func signal(done chan error, err error) {
	if done == nil {
		return
	}
	select {
	case done <- err:
	default:
	}
}

// pendingStream is a stream creation awaiting admission.
type pendingStream struct {
	headers []metadata.Pair
	stream  *Stream
	done    chan error
}

// Client multiplexes RPC streams over a single HTTP/2 connection. All of
// its mutable state is confined to one I/O context: write commands and
// inbound framer events are transferred onto it, and no locking happens
// inside.
//
// Client implements EventSink; the framer's read loop feeds it directly.
type Client struct {
	logger log.Logger
	fr     Framer
	ioCtx  *grpcsync.SynchronizationContext

	// Everything below is I/O context state.
	hc      *conn
	pending *list.List // of *pendingStream
	connErr error
	closed  bool

	done chan struct{}
}

// NewClient returns a multiplexer writing through fr and serializing on
// ioCtx. A nil ioCtx gets a private context; a nil logger is silent.
func NewClient(fr Framer, ioCtx *grpcsync.SynchronizationContext, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if ioCtx == nil {
		ioCtx = grpcsync.New(logger)
	}
	return &Client{
		logger:  logger,
		fr:      fr,
		ioCtx:   ioCtx,
		hc:      newConn(),
		pending: list.New(),
		done:    make(chan struct{}),
	}
}

// Done is closed when the connection has terminated and every stream,
// pending or active, has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// ConnectionError returns the first fatal cause recorded on the
// connection, if any. I/O context only.
func (c *Client) ConnectionError() error { return c.connErr }

// Write dispatches a command onto the I/O context. If no other goroutine
// is draining the context, the command runs inline before Write returns,
// including any framer writes it makes; results arrive on the command's
// completion channel.
func (c *Client) Write(cmd Command) {
	switch cmd := cmd.(type) {
	case CreateStream:
		c.ioCtx.Execute(func() { c.createStream(cmd) })
	case SendFrame:
		c.ioCtx.Execute(func() { c.sendFrame(cmd) })
	case CancelStream:
		c.ioCtx.Execute(func() { c.cancelStream(cmd) })
	default:
		panic("transport: Write called with unexpected command type")
	}
}

// NewStream creates a stream for the given call and blocks until it has
// been admitted (HEADERS written) or failed. The context only bounds the
// wait: a stream admitted after ctx expires is cancelled.
func (c *Client) NewStream(ctx context.Context, hdr *CallHdr) (*Stream, error) {
	s := newStream(ctx, c, hdr.Method)
	done := NewCompletion()
	c.Write(CreateStream{Headers: RequestHeaders(hdr, c.logger), Stream: s, Done: done})
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		c.Write(CancelStream{Stream: s, Done: NewCompletion()})
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// createStream enqueues the request and runs admission.
func (c *Client) createStream(cmd CreateStream) {
	c.pending.PushBack(&pendingStream{headers: cmd.Headers, stream: cmd.Stream, done: cmd.Done})
	c.createPendingStreams()
}

// sendFrame writes a DATA frame. There is no separate outbound flow
// controller here, so the write is flushed directly.
func (c *Client) sendFrame(cmd SendFrame) {
	if err := c.fr.WriteData(cmd.StreamID, cmd.Payload, cmd.EndStream); err != nil {
		signal(cmd.Done, err)
		return
	}
	signal(cmd.Done, c.fr.Flush())
}

// cancelStream closes the stream with CANCELLED. A stream still awaiting
// admission is dequeued; an admitted stream whose HTTP/2 stream is still
// live gets a RST_STREAM(CANCEL).
func (c *Client) cancelStream(cmd CancelStream) {
	s := cmd.Stream
	if s.loadState() == stateClosed {
		signal(cmd.Done, nil)
		return
	}

	id := s.ID()
	_, live := c.hc.lookup(id)
	cancelled := status.New(codes.Canceled, "call cancelled")
	s.transportReportStatus(cancelled, nil)

	if id == 0 {
		if ps := c.removePendingStream(s); ps != nil {
			signal(ps.done, cancelled.Err())
		}
		signal(cmd.Done, nil)
		return
	}
	if live {
		if err := c.fr.WriteRstStream(id, http2.ErrCodeCancel); err != nil {
			signal(cmd.Done, err)
			return
		}
	}
	signal(cmd.Done, nil)
}

// createPendingStreams admits queued streams in FIFO order until the
// queue empties, the connection is going away, the id pool is exhausted,
// or the peer's concurrency limit is reached.
func (c *Client) createPendingStreams() {
	goAwayStatus := c.goAwayStatus()
	for c.pending.Len() > 0 {
		if c.hc.idsExhausted || c.hc.nextID > maxStreamID {
			// No ids remain. Admission never resumes on this connection.
			c.hc.idsExhausted = true
			c.failPendingStreams(goAwayStatus)
			return
		}
		if c.hc.goAway {
			c.failPendingStreams(goAwayStatus)
			return
		}
		if !c.hc.acceptingNewStreams() {
			// At the peer's MAX_CONCURRENT_STREAMS limit; resume when a
			// stream becomes inactive.
			return
		}

		front := c.pending.Front()
		c.pending.Remove(front)
		ps := front.Value.(*pendingStream)
		id, _ := c.hc.allocID()

		if err := c.fr.WriteHeaders(id, ps.headers, false); err != nil {
			ps.stream.transportReportStatus(status.FromError(err), nil)
			signal(ps.done, err)
			continue
		}
		ps.stream.setID(id)
		c.hc.register(id, ps.stream)
		signal(ps.done, nil)
		c.fr.Flush()
	}
}

// goAwayStatus computes the status used to terminate streams on
// connection loss.
func (c *Client) goAwayStatus() status.Status {
	if c.connErr != nil {
		return status.FromError(c.connErr)
	}
	return status.New(codes.Unavailable, "connection going away")
}

// failPendingStreams drains the admission queue, closing every queued
// stream with st.
func (c *Client) failPendingStreams(st status.Status) {
	for c.pending.Len() > 0 {
		front := c.pending.Front()
		c.pending.Remove(front)
		ps := front.Value.(*pendingStream)
		ps.stream.transportReportStatus(st, nil)
		signal(ps.done, st.Err())
	}
}

func (c *Client) removePendingStream(s *Stream) *pendingStream {
	for e := c.pending.Front(); e != nil; e = e.Next() {
		if ps := e.Value.(*pendingStream); ps.stream == s {
			c.pending.Remove(e)
			return ps
		}
	}
	return nil
}

// streamInactive drops the id from the property table and tries to admit
// a pending stream into the freed slot. Called whenever a stream reports
// its final status.
func (c *Client) streamInactive(id uint32) {
	c.hc.remove(id)
	if !c.closed {
		c.createPendingStreams()
	}
}

// ReturnProcessedBytes credits n consumed bytes back to inbound flow
// control for the stream. May be called from any goroutine.
func (c *Client) ReturnProcessedBytes(streamID uint32, n int) {
	c.ioCtx.Execute(func() {
		if _, ok := c.hc.lookup(streamID); !ok {
			level.Error(c.logger).Log(
				"msg", "cannot return processed bytes for unknown stream",
				"stream_id", streamID,
				"code", codes.Internal.String(),
			)
			return
		}
		if err := c.fr.ReturnProcessedBytes(streamID, n); err != nil {
			level.Error(c.logger).Log("msg", "window update failed", "err", err)
		}
	})
}

// EventSink implementation. Each event is transferred onto the I/O
// context before touching multiplexer state.

func (c *Client) OnHeaders(streamID uint32, headers []metadata.Pair, endStream bool) {
	c.ioCtx.Execute(func() {
		s, ok := c.hc.lookup(streamID)
		if !ok {
			return
		}
		if err := s.transportHeadersReceived(headers, endStream); err != nil {
			c.streamError(streamID, err)
		}
	})
}

func (c *Client) OnData(streamID uint32, data []byte, endOfStream bool) {
	c.ioCtx.Execute(func() {
		s, ok := c.hc.lookup(streamID)
		if !ok {
			return
		}
		if err := s.transportDataReceived(data, endOfStream); err != nil {
			c.streamError(streamID, err)
		}
	})
}

// OnRstStream reports UNKNOWN with empty trailers. The HTTP/2 error code
// is deliberately not mapped to a richer status.
func (c *Client) OnRstStream(streamID uint32, errCode http2.ErrCode) {
	c.ioCtx.Execute(func() {
		s, ok := c.hc.lookup(streamID)
		if !ok {
			return
		}
		s.transportReportStatus(status.New(codes.Unknown, ""), nil)
	})
}

func (c *Client) OnGoAway(lastStreamID uint32, errCode http2.ErrCode, debugData []byte) {
	c.ioCtx.Execute(func() {
		level.Info(c.logger).Log(
			"msg", "received GOAWAY",
			"last_stream_id", lastStreamID,
			"err_code", errCode.String(),
			"debug", string(debugData),
		)
		c.hc.goAway = true
		c.hc.goAwayReceived = true
		c.hc.lastKnownID = lastStreamID
		c.goingAway()
	})
}

func (c *Client) OnSettings(maxConcurrentStreams uint32, hasMaxConcurrent bool) {
	c.ioCtx.Execute(func() {
		if !hasMaxConcurrent {
			return
		}
		c.hc.maxConcurrent = maxConcurrentStreams
		c.createPendingStreams()
	})
}

func (c *Client) OnStreamError(streamID uint32, err error) {
	c.ioCtx.Execute(func() { c.streamError(streamID, err) })
}

// OnConnectionError records the first fatal cause and tears the
// connection down; the read loop's termination completes shutdown.
func (c *Client) OnConnectionError(err error) {
	c.ioCtx.Execute(func() {
		level.Warn(c.logger).Log("msg", "connection error", "err", err)
		if c.connErr == nil {
			c.connErr = err
		}
		c.fr.Close()
	})
}

func (c *Client) OnClosed() {
	c.ioCtx.Execute(func() { c.channelInactive() })
}

// streamError closes the stream with a status derived from the cause and
// resets it on the wire. I/O context only.
func (c *Client) streamError(streamID uint32, err error) {
	if s, ok := c.hc.lookup(streamID); ok {
		s.transportReportStatus(status.FromError(err), nil)
	}
	if err := c.fr.WriteRstStream(streamID, http2.ErrCodeInternal); err != nil {
		level.Warn(c.logger).Log("msg", "failed to reset stream", "stream_id", streamID, "err", err)
	}
}

// goingAway fails all pending streams and, when the GOAWAY came from the
// peer, closes every active stream past the peer's last known id.
func (c *Client) goingAway() {
	goAwayStatus := c.goAwayStatus()
	c.failPendingStreams(goAwayStatus)

	if c.hc.goAwayReceived {
		last := c.hc.lastKnownID
		for _, s := range c.hc.streams() {
			if s.ID() > last {
				s.transportReportStatus(goAwayStatus, nil)
			}
		}
	}
}

// channelInactive terminates every remaining stream once the connection
// is gone.
func (c *Client) channelInactive() {
	if c.closed {
		return
	}
	c.closed = true
	c.hc.goAway = true

	goAwayStatus := c.goAwayStatus()
	c.failPendingStreams(goAwayStatus)
	for _, s := range c.hc.streams() {
		s.transportReportStatus(goAwayStatus, nil)
	}
	close(c.done)
}

// Close tears down the connection and fails every pending and active
// stream with the goaway-status, whether or not a read loop is running.
// A later closure report from the read loop has no further effect.
func (c *Client) Close() error {
	err := c.fr.Close()
	c.ioCtx.Execute(func() { c.channelInactive() })
	return err
}

var _ EventSink = (*Client)(nil)
