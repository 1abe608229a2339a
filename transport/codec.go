package transport

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ferrylight/grpcmux/codes"
	"github.com/ferrylight/grpcmux/metadata"
	"github.com/ferrylight/grpcmux/status"
)

// Metadata keys used to carry the RPC status in trailers.
const (
	statusKey  = "grpc-status"
	messageKey = "grpc-message"
)

// Message prologue layout: a 1-byte flags field followed by a 4-byte
// big-endian length. Bit 0 of the flags indicates compression; the
// remaining bits of the low-order mask are reserved.
const (
	prologueLen = 5

	flagCompressed  = 0x1
	compressionMask = 0x7
)

const maxMessageSize = 100 * 1024 * 1024 // 100mb

// ToWireHeaders converts metadata to its HTTP/2 header representation.
// Binary values (keys with the "-bin" suffix) are base64-encoded. Other
// values must be printable ASCII; a non-compliant value is dropped from
// the output after logging a warning.
func ToWireHeaders(md *metadata.MD, logger log.Logger) []metadata.Pair {
	out := make([]metadata.Pair, 0, md.Len())
	for _, p := range md.All() {
		key := strings.ToLower(p.Key)
		if metadata.IsBinaryKey(key) {
			enc := base64.StdEncoding.EncodeToString(p.Value)
			out = append(out, metadata.Pair{Key: key, Value: []byte(enc)})
			continue
		}
		if !isPrintableASCII(p.Value) {
			level.Warn(logger).Log(
				"msg", "dropping metadata entry with invalid ASCII characters",
				"key", key,
			)
			continue
		}
		out = append(out, metadata.Pair{Key: key, Value: p.Value})
	}
	return out
}

// FromWireHeaders converts HTTP/2 headers back to metadata, decoding
// base64 binary values. Both padded and unpadded encodings are accepted.
// An undecodable binary value makes the whole conversion fail.
func FromWireHeaders(pairs []metadata.Pair) (*metadata.MD, error) {
	md := &metadata.MD{}
	for _, p := range pairs {
		key := strings.ToLower(p.Key)
		if metadata.IsBinaryKey(key) {
			v, err := decodeBinaryValue(string(p.Value))
			if err != nil {
				return nil, fmt.Errorf("malformed binary metadata value for %q: %v", key, err)
			}
			md.Append(key, v)
			continue
		}
		md.Append(key, p.Value)
	}
	return md, nil
}

func decodeBinaryValue(v string) ([]byte, error) {
	if len(v)%4 == 0 {
		return base64.StdEncoding.DecodeString(v)
	}
	return base64.RawStdEncoding.DecodeString(v)
}

func isPrintableASCII(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// EncodeStatus appends the grpc-status and grpc-message trailer entries
// for st to md.
func EncodeStatus(st status.Status, md *metadata.MD) {
	md.Append(statusKey, []byte(strconv.Itoa(int(st.Code()))))
	if st.Message() != "" {
		md.Append(messageKey, []byte(st.Message()))
	}
}

// DecodeStatus extracts the RPC status from trailer metadata. A code
// outside the canonical set decodes to UNKNOWN with a logged warning;
// missing or unparseable grpc-status is an INTERNAL status.
func DecodeStatus(md *metadata.MD, logger log.Logger) status.Status {
	raw, ok := md.Get(statusKey)
	if !ok {
		return status.New(codes.Internal, "malformed trailers: missing grpc-status")
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 {
		return status.Newf(codes.Internal, "malformed grpc-status %q", raw)
	}
	code := codes.Code(n)
	if !code.Valid() {
		level.Warn(logger).Log("msg", "unknown status code on the wire", "code", n)
		code = codes.Unknown
	}
	msg := ""
	if m, ok := md.Get(messageKey); ok {
		msg = string(m)
	}
	return status.New(code, msg)
}

// WriteMessagePrologue writes the 5-byte message prologue into b.
func WriteMessagePrologue(b []byte, compressed bool, length uint32) {
	if compressed {
		b[0] = flagCompressed
	} else {
		b[0] = 0
	}
	binary.BigEndian.PutUint32(b[1:prologueLen], length)
}

// ParseMessagePrologue decodes the 5-byte message prologue. Reserved
// compression bits and oversized lengths are rejected.
func ParseMessagePrologue(b []byte) (compressed bool, length uint32, err error) {
	flags := b[0]
	if flags&compressionMask > flagCompressed {
		return false, 0, fmt.Errorf("reserved compression flag bits set: %#x", flags)
	}
	length = binary.BigEndian.Uint32(b[1:prologueLen])
	if length > maxMessageSize {
		return false, 0, fmt.Errorf("message of %d bytes exceeds maximum of %d", length, maxMessageSize)
	}
	return flags&flagCompressed != 0, length, nil
}

// FrameMessage returns msg with its prologue prepended, ready to be sent
// as the payload of DATA frames.
func FrameMessage(msg []byte, compressed bool) []byte {
	buf := make([]byte, prologueLen+len(msg))
	WriteMessagePrologue(buf[:prologueLen], compressed, uint32(len(msg)))
	copy(buf[prologueLen:], msg)
	return buf
}

// MethodFromPath converts an HTTP/2 request path to the fully-qualified
// "service/method" name. It reports false for malformed paths, i.e. any
// path that does not begin with "/".
func MethodFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, "/") {
		return "", false
	}
	return path[1:], true
}

// CallHdr carries the per-RPC fields needed to build request headers.
type CallHdr struct {
	// Method is the fully-qualified "service/method" name.
	Method    string
	Authority string
	Scheme    string
	UserAgent string
	// Metadata holds the caller's outgoing metadata, appended after the
	// reserved headers.
	Metadata *metadata.MD
}

// RequestHeaders assembles the wire headers for a call: pseudo-headers
// first, then the reserved gRPC headers, then user metadata run through
// the codec.
func RequestHeaders(hdr *CallHdr, logger log.Logger) []metadata.Pair {
	scheme := hdr.Scheme
	if scheme == "" {
		scheme = "http"
	}
	pairs := []metadata.Pair{
		{Key: ":method", Value: []byte("POST")},
		{Key: ":scheme", Value: []byte(scheme)},
		{Key: ":path", Value: []byte("/" + hdr.Method)},
		{Key: ":authority", Value: []byte(hdr.Authority)},
		{Key: "te", Value: []byte("trailers")},
		{Key: "content-type", Value: []byte("application/grpc")},
	}
	if hdr.UserAgent != "" {
		pairs = append(pairs, metadata.Pair{Key: "user-agent", Value: []byte(hdr.UserAgent)})
	}
	if hdr.Metadata.Len() > 0 {
		pairs = append(pairs, ToWireHeaders(hdr.Metadata, logger)...)
	}
	return pairs
}

// isReservedHeader reports whether key is consumed by the transport
// itself and should not surface as user metadata.
func isReservedHeader(key string) bool {
	if strings.HasPrefix(key, ":") {
		return true
	}
	switch key {
	case statusKey, messageKey, "content-type", "te", "user-agent":
		return true
	}
	return false
}

// UserMetadata filters wire-level entries out of decoded headers,
// returning only caller-visible metadata.
func UserMetadata(md *metadata.MD) *metadata.MD {
	out := &metadata.MD{}
	for _, p := range md.All() {
		if isReservedHeader(strings.ToLower(p.Key)) {
			continue
		}
		out.Append(p.Key, p.Value)
	}
	return out
}
