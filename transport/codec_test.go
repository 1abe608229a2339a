package transport

import (
	"bytes"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrylight/grpcmux/codes"
	"github.com/ferrylight/grpcmux/metadata"
	"github.com/ferrylight/grpcmux/status"
)

func TestHeaderRoundTrip(t *testing.T) {
	md := &metadata.MD{}
	md.Append("plain", []byte("hello world"))
	md.Append("repeated", []byte("one"))
	md.Append("repeated", []byte("two"))
	md.Append("custom-bin", []byte{0, 1, 2, 253, 254, 255})

	wire := ToWireHeaders(md, log.NewNopLogger())
	back, err := FromWireHeaders(wire)
	require.NoError(t, err)

	require.Equal(t, md.Len(), back.Len())
	for i, p := range md.All() {
		q := back.All()[i]
		assert.Equal(t, p.Key, q.Key)
		if diff := cmp.Diff(p.Value, q.Value); diff != "" {
			t.Errorf("value mismatch for %s (-want +got):\n%s", p.Key, diff)
		}
	}
}

func TestBinaryHeaderWireForm(t *testing.T) {
	md := &metadata.MD{}
	md.Append("trace-bin", []byte{0x00, 0x01, 0xff})
	wire := ToWireHeaders(md, log.NewNopLogger())
	require.Len(t, wire, 1)
	assert.Equal(t, "trace-bin", wire[0].Key)
	assert.Equal(t, "AAH/", string(wire[0].Value))

	md = &metadata.MD{}
	md.Append("custom-bin", []byte{0, 1, 2, 253, 254, 255})
	wire = ToWireHeaders(md, log.NewNopLogger())
	require.Len(t, wire, 1)
	assert.Equal(t, "AAEC/f7/", string(wire[0].Value))
}

func TestBinaryHeaderDecodeAcceptsPaddedAndUnpadded(t *testing.T) {
	for _, encoded := range []string{"AAEC", "AAECAQ==", "AAECAQ"} {
		back, err := FromWireHeaders([]metadata.Pair{{Key: "k-bin", Value: []byte(encoded)}})
		require.NoError(t, err, "encoding %q", encoded)
		_, ok := back.Get("k-bin")
		assert.True(t, ok)
	}
}

func TestBinaryHeaderDecodeRejectsGarbage(t *testing.T) {
	_, err := FromWireHeaders([]metadata.Pair{{Key: "k-bin", Value: []byte("!!not base64!!")}})
	require.Error(t, err)
}

func TestNonCompliantASCIIValueDroppedWithWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogfmtLogger(&buf)

	md := &metadata.MD{}
	md.Append("bad", []byte("abc\x01"))
	md.Append("good", []byte("abc"))
	wire := ToWireHeaders(md, logger)

	require.Len(t, wire, 1)
	assert.Equal(t, "good", wire[0].Key)
	assert.Contains(t, buf.String(), "invalid ASCII")
	assert.Contains(t, buf.String(), "bad")
}

func TestStatusRoundTrip(t *testing.T) {
	md := &metadata.MD{}
	EncodeStatus(status.New(codes.NotFound, "missing thing"), md)

	v, ok := md.Get("grpc-status")
	require.True(t, ok)
	assert.Equal(t, "5", string(v))

	st := DecodeStatus(md, log.NewNopLogger())
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "missing thing", st.Message())
}

func TestDecodeStatusOKHasNoMessage(t *testing.T) {
	md := &metadata.MD{}
	EncodeStatus(status.OK, md)
	_, ok := md.Get("grpc-message")
	assert.False(t, ok)
	st := DecodeStatus(md, log.NewNopLogger())
	assert.True(t, st.IsOK())
}

func TestDecodeStatusUnknownCodeWarns(t *testing.T) {
	var buf bytes.Buffer
	md := &metadata.MD{}
	md.Append("grpc-status", []byte("42"))
	st := DecodeStatus(md, log.NewLogfmtLogger(&buf))
	assert.Equal(t, codes.Unknown, st.Code())
	assert.Contains(t, buf.String(), "unknown status code")
}

func TestDecodeStatusMalformed(t *testing.T) {
	md := &metadata.MD{}
	st := DecodeStatus(md, log.NewNopLogger())
	assert.Equal(t, codes.Internal, st.Code())

	md.Append("grpc-status", []byte("notanumber"))
	st = DecodeStatus(md, log.NewNopLogger())
	assert.Equal(t, codes.Internal, st.Code())
}

func TestMessagePrologue(t *testing.T) {
	framed := FrameMessage([]byte("payload"), false)
	require.Len(t, framed, prologueLen+7)

	compressed, length, err := ParseMessagePrologue(framed[:prologueLen])
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, uint32(7), length)

	var b [prologueLen]byte
	WriteMessagePrologue(b[:], true, 3)
	compressed, length, err = ParseMessagePrologue(b[:])
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Equal(t, uint32(3), length)
}

func TestMessagePrologueRejectsReservedFlags(t *testing.T) {
	b := []byte{0x4, 0, 0, 0, 1}
	_, _, err := ParseMessagePrologue(b)
	require.Error(t, err)
}

func TestMethodFromPath(t *testing.T) {
	m, ok := MethodFromPath("/svc/Method")
	require.True(t, ok)
	assert.Equal(t, "svc/Method", m)

	_, ok = MethodFromPath("svc/Method")
	assert.False(t, ok)
	_, ok = MethodFromPath("")
	assert.False(t, ok)
}

func TestRequestHeaders(t *testing.T) {
	md := metadata.Pairs("x-user", "abc")
	pairs := RequestHeaders(&CallHdr{
		Method:    "svc/M",
		Authority: "example.com",
		Scheme:    "https",
		UserAgent: "grpcmux-test",
		Metadata:  md,
	}, log.NewNopLogger())

	get := func(key string) string {
		for _, p := range pairs {
			if p.Key == key {
				return string(p.Value)
			}
		}
		return ""
	}
	assert.Equal(t, "POST", get(":method"))
	assert.Equal(t, "https", get(":scheme"))
	assert.Equal(t, "/svc/M", get(":path"))
	assert.Equal(t, "example.com", get(":authority"))
	assert.Equal(t, "trailers", get("te"))
	assert.Equal(t, "application/grpc", get("content-type"))
	assert.Equal(t, "grpcmux-test", get("user-agent"))
	assert.Equal(t, "abc", get("x-user"))
}

func TestUserMetadataFiltersReserved(t *testing.T) {
	md := &metadata.MD{}
	md.Append(":status", []byte("200"))
	md.Append("content-type", []byte("application/grpc"))
	md.Append("grpc-status", []byte("0"))
	md.Append("x-app", []byte("yes"))
	got := UserMetadata(md)
	require.Equal(t, 1, got.Len())
	_, ok := got.Get("x-app")
	assert.True(t, ok)
}
