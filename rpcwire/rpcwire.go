// Package rpcwire implements the length-framed wire codec the RPC
// dispatcher speaks: a 4-byte total size, a 4-byte header size, a
// protobuf-encoded header, and a protobuf-encoded argument payload.
//
// The header is hand-encoded field-by-field with protowire rather than
// through protoc-generated accessors: the codec owns only the framing
// contract, and callers bring their own message types for the payload.
package rpcwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Header field numbers, matching the header protobuf message described
// in the RPC wire format: service_name (1), method_name (2), args_size
// (3).
const (
	fieldServiceName protowire.Number = 1
	fieldMethodName  protowire.Number = 2
	fieldArgsSize    protowire.Number = 3
)

// Header carries the routing metadata for one RPC frame.
type Header struct {
	ServiceName string
	MethodName  string
	ArgsSize    uint32
}

// Marshal encodes h as a protobuf message byte-for-byte compatible with
// a generated message carrying those three fields in ascending field
// order.
func (h Header) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldServiceName, protowire.BytesType)
	b = protowire.AppendString(b, h.ServiceName)
	b = protowire.AppendTag(b, fieldMethodName, protowire.BytesType)
	b = protowire.AppendString(b, h.MethodName)
	b = protowire.AppendTag(b, fieldArgsSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.ArgsSize))
	return b
}

// UnmarshalHeader parses a header message, tolerating fields out of
// order or a reordered wire encoding (as any protobuf consumer must).
func UnmarshalHeader(b []byte) (Header, error) {
	var h Header
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Header{}, fmt.Errorf("rpcwire: bad header tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldServiceName:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Header{}, fmt.Errorf("rpcwire: bad service_name: %w", protowire.ParseError(n))
			}
			h.ServiceName = s
			b = b[n:]
		case fieldMethodName:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Header{}, fmt.Errorf("rpcwire: bad method_name: %w", protowire.ParseError(n))
			}
			h.MethodName = s
			b = b[n:]
		case fieldArgsSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Header{}, fmt.Errorf("rpcwire: bad args_size: %w", protowire.ParseError(n))
			}
			h.ArgsSize = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Header{}, fmt.Errorf("rpcwire: bad unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return h, nil
}

// Frame is a fully parsed wire frame: the header plus the raw,
// still-encoded argument bytes (the caller parses args into its own
// request message type).
type Frame struct {
	Header Header
	Args   []byte
}

// byteOrder is fixed to little-endian; every platform this module
// targets writes its native 32-bit sizes that way.
var byteOrder = binary.LittleEndian

// Encode serializes a frame as
// [u32 total_size][u32 header_size][header_bytes][args_bytes].
// total_size covers everything after itself: 4 (header_size field) +
// len(headerBytes) + len(args).
func Encode(h Header, args []byte) []byte {
	h.ArgsSize = uint32(len(args))
	headerBytes := h.Marshal()

	totalSize := uint32(4 + len(headerBytes) + len(args))

	out := make([]byte, 4+totalSize)
	byteOrder.PutUint32(out[0:4], totalSize)
	byteOrder.PutUint32(out[4:8], uint32(len(headerBytes)))
	copy(out[8:8+len(headerBytes)], headerBytes)
	copy(out[8+len(headerBytes):], args)
	return out
}

// ReadFrame reads exactly one frame from r: 4 bytes of total size, then
// that many more bytes, then splits header/args by the embedded header
// size. Any short read or malformed frame returns an error; callers
// performing a processing loop over a connection should treat a read
// error here as connection termination, per the wire contract.
func ReadFrame(r io.Reader) (Frame, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Frame{}, err
	}
	totalSize := byteOrder.Uint32(sizeBuf[:])
	if totalSize < 4 {
		return Frame{}, fmt.Errorf("rpcwire: total_size %d smaller than header_size field", totalSize)
	}

	rest := make([]byte, totalSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, fmt.Errorf("rpcwire: short read of frame body: %w", err)
	}

	headerSize := byteOrder.Uint32(rest[0:4])
	if uint64(4+headerSize) > uint64(len(rest)) {
		return Frame{}, fmt.Errorf("rpcwire: header_size %d exceeds frame body %d", headerSize, len(rest))
	}

	headerBytes := rest[4 : 4+headerSize]
	args := rest[4+headerSize:]

	h, err := UnmarshalHeader(headerBytes)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Args: args}, nil
}

// WriteFrame encodes and writes a complete frame in one call.
func WriteFrame(w io.Writer, h Header, args []byte) error {
	_, err := w.Write(Encode(h, args))
	return err
}
