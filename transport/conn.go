package transport

import "math"

// maxStreamID is the largest stream id a client may allocate.
const maxStreamID = math.MaxInt32

// conn is the client's local view of the HTTP/2 connection: the id
// allocator, the peer's concurrency limit, the table associating open
// stream ids with their client streams, and GOAWAY bookkeeping.
//
// All fields are touched only on the multiplexer's I/O context, so no
// locking is needed.
type conn struct {
	// nextID is the next stream id to allocate. Client ids are odd.
	nextID uint64

	// maxConcurrent is the peer's SETTINGS_MAX_CONCURRENT_STREAMS.
	maxConcurrent uint32

	// active maps assigned stream ids to their streams. This is the
	// property table tying HTTP/2 streams back to client streams;
	// entries are removed when a stream closes so ids do not leak.
	active map[uint32]*Stream

	// idsExhausted is set once the id pool runs out; admission never
	// resumes on this connection.
	idsExhausted bool

	goAway         bool
	goAwayReceived bool
	lastKnownID    uint32
}

func newConn() *conn {
	return &conn{
		nextID:        1,
		maxConcurrent: math.MaxUint32,
		active:        make(map[uint32]*Stream),
	}
}

// allocID hands out the next odd stream id, or reports exhaustion.
func (c *conn) allocID() (uint32, bool) {
	if c.idsExhausted || c.nextID > maxStreamID {
		c.idsExhausted = true
		return 0, false
	}
	id := uint32(c.nextID)
	c.nextID += 2
	return id, true
}

// acceptingNewStreams reports whether the peer's concurrency limit
// allows another stream.
func (c *conn) acceptingNewStreams() bool {
	return uint32(len(c.active)) < c.maxConcurrent
}

func (c *conn) register(id uint32, s *Stream) {
	c.active[id] = s
}

func (c *conn) lookup(id uint32) (*Stream, bool) {
	s, ok := c.active[id]
	return s, ok
}

func (c *conn) remove(id uint32) {
	delete(c.active, id)
}

// streams returns a snapshot of the active streams; callers may close
// streams while iterating.
func (c *conn) streams() []*Stream {
	out := make([]*Stream, 0, len(c.active))
	for _, s := range c.active {
		out = append(out, s)
	}
	return out
}
