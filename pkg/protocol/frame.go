package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNeedMoreData   = errors.New("need more data")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is one length-delimited protocol message
type Frame struct {
	Type    uint8  // Message class (4 bits)
	Variant uint8  // Sub-tag for send/blast classes (4 bits)
	Payload []byte // Opaque payload
}

// Header returns the packed type/variant byte
func (f *Frame) Header() byte {
	return HeaderByte(f.Type, f.Variant)
}

// Encode encodes the frame to bytes
func (f *Frame) Encode() []byte {
	return AppendFrame(nil, f.Type, f.Variant, f.Payload)
}

// Encode builds a complete frame from its parts
func Encode(typ, variant uint8, payload []byte) []byte {
	return AppendFrame(nil, typ, variant, payload)
}

// HeaderLen returns the size of the header (type byte + length field) for a payload of n bytes
func HeaderLen(n int) int {
	switch {
	case n <= MaxShortLength:
		return 2
	case n < 0xFFFF:
		return 4
	default:
		return 6
	}
}

// AppendHeader appends the type byte and length field for a payload of n bytes
func AppendHeader(dst []byte, typ, variant uint8, n int) []byte {
	dst = append(dst, HeaderByte(typ, variant))
	switch {
	case n <= MaxShortLength:
		dst = append(dst, byte(n))
	case n < 0xFFFF:
		dst = append(dst, lengthMarker16)
		dst = binary.LittleEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, lengthMarker32)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(n))
	}
	return dst
}

// AppendFrame appends a complete frame to dst
func AppendFrame(dst []byte, typ, variant uint8, payload []byte) []byte {
	dst = AppendHeader(dst, typ, variant, len(payload))
	return append(dst, payload...)
}

// TryDecode decodes the first complete frame in buf.
// The returned payload aliases buf.
func TryDecode(buf []byte, maxSize int) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrNeedMoreData
	}

	typ, variant := SplitHeader(buf[0])

	var size uint64
	offset := 2
	switch buf[1] {
	case lengthMarker16:
		if len(buf) < 4 {
			return Frame{}, 0, ErrNeedMoreData
		}
		size = uint64(binary.LittleEndian.Uint16(buf[2:4]))
		offset = 4
	case lengthMarker32:
		if len(buf) < 6 {
			return Frame{}, 0, ErrNeedMoreData
		}
		size = uint64(binary.LittleEndian.Uint32(buf[2:6]))
		offset = 6
	default:
		size = uint64(buf[1])
	}

	if maxSize > 0 && size > uint64(maxSize) {
		return Frame{}, 0, fmt.Errorf("%w: payload length %d exceeds %d", ErrMalformedFrame, size, maxSize)
	}

	end := uint64(offset) + size
	if uint64(len(buf)) < end {
		return Frame{}, 0, ErrNeedMoreData
	}

	return Frame{
		Type:    typ,
		Variant: variant,
		Payload: buf[offset:end:end],
	}, int(end), nil
}

// Decoder is a streaming frame parser over a growing per-connection buffer
type Decoder struct {
	buf     []byte
	start   int
	maxSize int
}

// NewDecoder creates a decoder that rejects payloads larger than maxSize
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Write appends received bytes to the buffer
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame. The payload is only valid until the
// following call to Write or Compact.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := TryDecode(d.buf[d.start:], d.maxSize)
	if err != nil {
		return Frame{}, err
	}
	d.start += n
	return f, nil
}

// Compact discards consumed bytes, moving any partial frame to the front
func (d *Decoder) Compact() {
	if d.start == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.start:])
	d.buf = d.buf[:n]
	d.start = 0
}

// Buffered returns the number of unconsumed bytes
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.start
}

// Reset drops all buffered data
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.start = 0
}
