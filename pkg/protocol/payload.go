package protocol

import (
	"encoding/binary"
	"errors"
)

var ErrShortPayload = errors.New("payload too short")

// Builder assembles a little-endian payload
type Builder struct {
	buf []byte
}

// NewBuilder creates a builder with the given initial capacity
func NewBuilder(capacity int) *Builder {
	return &Builder{buf: make([]byte, 0, capacity)}
}

// Byte appends one byte
func (b *Builder) Byte(v uint8) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// Bool appends 1 or 0
func (b *Builder) Bool(v bool) *Builder {
	if v {
		return b.Byte(1)
	}
	return b.Byte(0)
}

// Uint16 appends a little-endian uint16
func (b *Builder) Uint16(v uint16) *Builder {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
	return b
}

// String appends raw string bytes
func (b *Builder) String(s string) *Builder {
	b.buf = append(b.buf, s...)
	return b
}

// ShortString appends a length byte followed by the string (truncated to 255 bytes)
func (b *Builder) ShortString(s string) *Builder {
	if len(s) > MaxNameLength {
		s = s[:MaxNameLength]
	}
	b.buf = append(b.buf, byte(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// Bytes appends raw bytes
func (b *Builder) Bytes(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// Payload returns the built payload
func (b *Builder) Payload() []byte {
	return b.buf
}

// Frame wraps the payload in a frame of the given type
func (b *Builder) Frame(typ, variant uint8) []byte {
	return Encode(typ, variant, b.buf)
}

// Reader is a bounds-checked little-endian payload reader
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a reader over p
func NewReader(p []byte) *Reader {
	return &Reader{buf: p}
}

// Len returns the number of unread bytes
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Byte reads one byte
func (r *Reader) Byte() (uint8, error) {
	if r.Len() < 1 {
		return 0, ErrShortPayload
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

// Uint16 reads a little-endian uint16
func (r *Reader) Uint16() (uint16, error) {
	if r.Len() < 2 {
		return 0, ErrShortPayload
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

// ShortString reads a length-prefixed string
func (r *Reader) ShortString() (string, error) {
	n, err := r.Byte()
	if err != nil {
		return "", err
	}
	if r.Len() < int(n) {
		return "", ErrShortPayload
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

// Rest returns all unread bytes
func (r *Reader) Rest() []byte {
	rest := r.buf[r.off:]
	r.off = len(r.buf)
	return rest
}
