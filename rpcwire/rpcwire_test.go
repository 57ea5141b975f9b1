package rpcwire

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// encodeStringMessage builds the bytes of a trivial single-string-field
// protobuf message, the same shape Ping("abc") would produce as its
// request payload.
func encodeStringMessage(s string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, s)
	return b
}

// TestPingFrameSizes pins the Ping("abc") wire layout: args_size must
// equal 5 and total_size must equal 4 + header_size + args_size.
func TestPingFrameSizes(t *testing.T) {
	args := encodeStringMessage("abc")
	if len(args) != 5 {
		t.Fatalf("encoded args length = %d, want 5", len(args))
	}

	h := Header{ServiceName: "Echo", MethodName: "Ping"}
	frame := Encode(h, args)

	totalSize := byteOrder.Uint32(frame[0:4])
	headerSize := byteOrder.Uint32(frame[4:8])

	if got, want := totalSize, uint32(4+int(headerSize)+len(args)); got != want {
		t.Fatalf("total_size = %d, want %d", got, want)
	}

	parsed, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if parsed.Header.ServiceName != "Echo" || parsed.Header.MethodName != "Ping" {
		t.Fatalf("got header %+v, want ServiceName=Echo MethodName=Ping", parsed.Header)
	}
	if parsed.Header.ArgsSize != 5 {
		t.Fatalf("parsed ArgsSize = %d, want 5", parsed.Header.ArgsSize)
	}
	if !bytes.Equal(parsed.Args, args) {
		t.Fatalf("parsed args = %v, want %v", parsed.Args, args)
	}
}

func TestWriteFrameThenReadFrameRoundTrip(t *testing.T) {
	h := Header{ServiceName: "Svc", MethodName: "Method"}
	args := encodeStringMessage("payload")

	var buf bytes.Buffer
	if err := WriteFrame(&buf, h, args); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	want := h
	want.ArgsSize = uint32(len(args))
	if got.Header != want {
		t.Fatalf("got header %+v, want %+v (ArgsSize filled in by Encode)", got.Header, want)
	}
	if !bytes.Equal(got.Args, args) {
		t.Fatalf("got args %v, want %v", got.Args, args)
	}
}

func TestReadFrameTwoFramesBackToBack(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, Header{ServiceName: "A", MethodName: "One"}, encodeStringMessage("x"))
	WriteFrame(&buf, Header{ServiceName: "B", MethodName: "Two"}, encodeStringMessage("yy"))

	first, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("first ReadFrame: %v", err)
	}
	if first.Header.ServiceName != "A" {
		t.Fatalf("first frame service = %q, want A", first.Header.ServiceName)
	}

	second, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("second ReadFrame: %v", err)
	}
	if second.Header.ServiceName != "B" {
		t.Fatalf("second frame service = %q, want B", second.Header.ServiceName)
	}
}

func TestReadFrameShortBodyErrors(t *testing.T) {
	// Claim a total_size far larger than the bytes actually supplied.
	var sizePrefix [4]byte
	byteOrder.PutUint32(sizePrefix[:], 1000)
	_, err := ReadFrame(bytes.NewReader(sizePrefix[:]))
	if err == nil {
		t.Fatal("expected error reading a truncated frame body")
	}
}

func TestUnmarshalHeaderIgnoresUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)
	b = protowire.AppendTag(b, fieldServiceName, protowire.BytesType)
	b = protowire.AppendString(b, "Svc")

	h, err := UnmarshalHeader(b)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if h.ServiceName != "Svc" {
		t.Fatalf("ServiceName = %q, want Svc", h.ServiceName)
	}
}
