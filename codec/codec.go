// Package codec packs and unpacks the big-endian integers used on the GAIA
// wire and provides the 16-bit byte-pair swap used between wire order and
// storage word order.
package codec

import "encoding/binary"

// PutU8 writes v at buf[off] and returns the number of bytes written.
func PutU8(buf []byte, off int, v uint8) int {
	buf[off] = v
	return 1
}

// PutU16 writes v big-endian at buf[off:] and returns the number of bytes written.
func PutU16(buf []byte, off int, v uint16) int {
	binary.BigEndian.PutUint16(buf[off:], v)
	return 2
}

// PutU32 writes v big-endian at buf[off:] and returns the number of bytes written.
func PutU32(buf []byte, off int, v uint32) int {
	binary.BigEndian.PutUint32(buf[off:], v)
	return 4
}

// U8 returns the first byte of buf.
func U8(buf []byte) uint8 {
	return buf[0]
}

// U16 decodes a big-endian uint16 from the start of buf.
func U16(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

// U32 decodes a big-endian uint32 from the start of buf.
func U32(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

// SwapBytePairs copies count bytes from in to out, exchanging the two bytes
// of every 16-bit word. in and out may be the same slice.
//
// An odd count is silently ignored and out is left untouched.
func SwapBytePairs(in, out []byte, count int) {
	if count%2 != 0 {
		return
	}
	for i := 0; i < count; i += 2 {
		a, b := in[i], in[i+1]
		out[i], out[i+1] = b, a
	}
}

// Cursor reads big-endian fields from a buffer, advancing as it goes.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor returns a cursor positioned at the start of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// ReadU8 reads one byte and advances by 1.
func (c *Cursor) ReadU8() uint8 {
	v := c.buf[c.off]
	c.off++
	return v
}

// ReadU16 reads a big-endian uint16 and advances by 2.
func (c *Cursor) ReadU16() uint16 {
	v := U16(c.buf[c.off:])
	c.off += 2
	return v
}

// ReadU32 reads a big-endian uint32 and advances by 4.
func (c *Cursor) ReadU32() uint32 {
	v := U32(c.buf[c.off:])
	c.off += 4
	return v
}

// Bytes returns the next n bytes without copying and advances by n.
func (c *Cursor) Bytes(n int) []byte {
	v := c.buf[c.off : c.off+n]
	c.off += n
	return v
}

// Offset returns the number of bytes consumed so far.
func (c *Cursor) Offset() int {
	return c.off
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.off
}
