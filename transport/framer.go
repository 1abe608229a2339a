package transport

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ferrylight/grpcmux/metadata"
)

// EventSink receives inbound framer events. The multiplexer implements
// it; implementations of Framer invoke it from their read loop, and the
// sink is responsible for transferring events onto the I/O context.
type EventSink interface {
	OnHeaders(streamID uint32, headers []metadata.Pair, endStream bool)
	OnData(streamID uint32, data []byte, endOfStream bool)
	OnRstStream(streamID uint32, errCode http2.ErrCode)
	OnGoAway(lastStreamID uint32, errCode http2.ErrCode, debugData []byte)
	// OnSettings reports the peer's MAX_CONCURRENT_STREAMS when present
	// in a SETTINGS frame.
	OnSettings(maxConcurrentStreams uint32, hasMaxConcurrent bool)
	OnStreamError(streamID uint32, err error)
	OnConnectionError(err error)
	// OnClosed fires once when the framer's read loop terminates.
	OnClosed()
}

// Framer is the outbound half of the HTTP/2 framer collaborator. All
// methods are invoked on the multiplexer's I/O context.
type Framer interface {
	WriteHeaders(streamID uint32, headers []metadata.Pair, endStream bool) error
	WriteData(streamID uint32, data []byte, endStream bool) error
	WriteRstStream(streamID uint32, code http2.ErrCode) error
	Flush() error
	// ReturnProcessedBytes credits n consumed bytes back to inbound
	// flow control for the given stream.
	ReturnProcessedBytes(streamID uint32, n int) error
	Close() error
}

const (
	defaultMaxFrameSize      = 16 * 1024
	initialHeaderTableSize   = 4096
	defaultMaxHeaderListSize = 16 << 20
)

// NetFramer adapts a raw connection into the Framer contract using
// golang.org/x/net/http2 framing and HPACK. Writes may come from the
// I/O context while SETTINGS/PING acknowledgements come from the read
// loop, so the write path is guarded by a mutex.
type NetFramer struct {
	logger log.Logger
	rwc    io.ReadWriteCloser

	wmu          sync.Mutex
	bw           *bufio.Writer
	fr           *http2.Framer
	henc         *hpack.Encoder
	hbuf         bytes.Buffer
	maxFrameSize uint32
}

// NewNetFramer performs the client side of the HTTP/2 handshake (preface
// plus an empty SETTINGS frame) on rwc and returns the framer. The
// caller must run Serve to pump inbound frames.
func NewNetFramer(rwc io.ReadWriteCloser, logger log.Logger) (*NetFramer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	bw := bufio.NewWriter(rwc)
	fr := http2.NewFramer(bw, bufio.NewReader(rwc))
	fr.ReadMetaHeaders = hpack.NewDecoder(initialHeaderTableSize, nil)
	fr.MaxHeaderListSize = defaultMaxHeaderListSize

	nf := &NetFramer{
		logger:       logger,
		rwc:          rwc,
		bw:           bw,
		fr:           fr,
		maxFrameSize: defaultMaxFrameSize,
	}
	nf.henc = hpack.NewEncoder(&nf.hbuf)

	if _, err := bw.WriteString(http2.ClientPreface); err != nil {
		return nil, errors.Wrap(err, "writing client preface")
	}
	if err := fr.WriteSettings(); err != nil {
		return nil, errors.Wrap(err, "writing initial settings")
	}
	if err := bw.Flush(); err != nil {
		return nil, errors.Wrap(err, "flushing handshake")
	}
	return nf, nil
}

// Serve reads frames until the connection fails or closes, dispatching
// events to sink. It always ends with OnClosed.
func (nf *NetFramer) Serve(sink EventSink) {
	defer sink.OnClosed()
	for {
		frame, err := nf.fr.ReadFrame()
		if err != nil {
			if se, ok := err.(http2.StreamError); ok {
				sink.OnStreamError(se.StreamID, se)
				continue
			}
			if err != io.EOF {
				sink.OnConnectionError(errors.Wrap(err, "reading frame"))
			}
			return
		}
		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			pairs := make([]metadata.Pair, 0, len(f.Fields))
			for _, hf := range f.Fields {
				pairs = append(pairs, metadata.Pair{Key: hf.Name, Value: []byte(hf.Value)})
			}
			sink.OnHeaders(f.StreamID, pairs, f.StreamEnded())
		case *http2.DataFrame:
			// the frame buffer is reused by the next read
			data := make([]byte, len(f.Data()))
			copy(data, f.Data())
			sink.OnData(f.StreamID, data, f.StreamEnded())
		case *http2.RSTStreamFrame:
			sink.OnRstStream(f.StreamID, f.ErrCode)
		case *http2.GoAwayFrame:
			sink.OnGoAway(f.LastStreamID, f.ErrCode, f.DebugData())
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			nf.handleSettings(f, sink)
		case *http2.PingFrame:
			if !f.IsAck() {
				nf.writeLocked(func() error { return nf.fr.WritePing(true, f.Data) }, true)
			}
		case *http2.WindowUpdateFrame:
			// outbound flow control is the encoder's concern
		default:
			level.Debug(nf.logger).Log("msg", "ignoring frame", "type", frame.Header().Type.String())
		}
	}
}

func (nf *NetFramer) handleSettings(f *http2.SettingsFrame, sink EventSink) {
	var maxStreams uint32
	hasMaxStreams := false
	f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			maxStreams, hasMaxStreams = s.Val, true
		case http2.SettingMaxFrameSize:
			nf.wmu.Lock()
			nf.maxFrameSize = s.Val
			nf.wmu.Unlock()
		}
		return nil
	})
	nf.writeLocked(func() error { return nf.fr.WriteSettingsAck() }, true)
	sink.OnSettings(maxStreams, hasMaxStreams)
}

func (nf *NetFramer) writeLocked(write func() error, flush bool) error {
	nf.wmu.Lock()
	defer nf.wmu.Unlock()
	if err := write(); err != nil {
		return err
	}
	if flush {
		return nf.bw.Flush()
	}
	return nil
}

// WriteHeaders HPACK-encodes the header list and writes it, emitting
// CONTINUATION frames as needed for large blocks.
func (nf *NetFramer) WriteHeaders(streamID uint32, headers []metadata.Pair, endStream bool) error {
	nf.wmu.Lock()
	defer nf.wmu.Unlock()
	nf.hbuf.Reset()
	for _, p := range headers {
		if err := nf.henc.WriteField(hpack.HeaderField{Name: p.Key, Value: string(p.Value)}); err != nil {
			return errors.Wrap(err, "hpack encoding")
		}
	}
	block := nf.hbuf.Bytes()
	first := true
	for first || len(block) > 0 {
		frag := block
		if uint32(len(frag)) > nf.maxFrameSize {
			frag = frag[:nf.maxFrameSize]
		}
		block = block[len(frag):]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = nf.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = nf.fr.WriteContinuation(streamID, endHeaders, frag)
		}
		if err != nil {
			return errors.Wrap(err, "writing headers")
		}
	}
	return nil
}

// WriteData writes payload as DATA frames, splitting at the peer's
// maximum frame size. Flushing is left to the caller.
func (nf *NetFramer) WriteData(streamID uint32, data []byte, endStream bool) error {
	nf.wmu.Lock()
	defer nf.wmu.Unlock()
	for {
		chunk := data
		if uint32(len(chunk)) > nf.maxFrameSize {
			chunk = chunk[:nf.maxFrameSize]
		}
		data = data[len(chunk):]
		last := len(data) == 0
		if err := nf.fr.WriteData(streamID, endStream && last, chunk); err != nil {
			return errors.Wrap(err, "writing data")
		}
		if last {
			return nil
		}
	}
}

func (nf *NetFramer) WriteRstStream(streamID uint32, code http2.ErrCode) error {
	return nf.writeLocked(func() error { return nf.fr.WriteRSTStream(streamID, code) }, true)
}

func (nf *NetFramer) Flush() error {
	nf.wmu.Lock()
	defer nf.wmu.Unlock()
	return nf.bw.Flush()
}

// ReturnProcessedBytes sends WINDOW_UPDATE credit at both the stream and
// connection level.
func (nf *NetFramer) ReturnProcessedBytes(streamID uint32, n int) error {
	if n <= 0 {
		return nil
	}
	return nf.writeLocked(func() error {
		if err := nf.fr.WriteWindowUpdate(streamID, uint32(n)); err != nil {
			return err
		}
		return nf.fr.WriteWindowUpdate(0, uint32(n))
	}, true)
}

func (nf *NetFramer) Close() error {
	return nf.rwc.Close()
}

var _ Framer = (*NetFramer)(nil)
