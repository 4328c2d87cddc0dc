// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package payload implements the binary tuple encoding used for every value
// passed between the host and a guest plugin.
//
// A Payload is a byte buffer with a read cursor. Writes append to the end of
// the buffer; reads consume from the cursor. The encoding carries no type
// tags: host and guest agree on the order and types of values per exported
// function.
//
// Wire format (little-endian throughout):
//   - int64: 8 bytes, two's complement
//   - float32: 4 bytes, IEEE-754 bit pattern
//   - bytes: int64 length prefix followed by the raw bytes
//   - string: encoded exactly like bytes, using the UTF-8 representation
package payload

import (
	"encoding/binary"
	"math"

	"github.com/samber/oops"
)

// CodeBufferUnderrun is the oops code for reads past the end of a payload.
const CodeBufferUnderrun = "BUFFER_UNDERRUN"

const (
	sizeI64 = 8
	sizeF32 = 4
)

// Payload is a growable byte buffer with a read cursor.
//
// The zero value is an empty payload ready for use. A Payload is not safe for
// concurrent use.
type Payload struct {
	buf []byte
	off int
}

// New returns an empty payload.
func New() *Payload {
	return &Payload{}
}

// FromBytes returns a payload positioned at the start of a copy of b.
// The caller keeps ownership of b.
func FromBytes(b []byte) *Payload {
	buf := make([]byte, len(b))
	copy(buf, b)
	return &Payload{buf: buf}
}

// Bytes returns the full encoded contents, independent of the read cursor.
// The returned slice aliases the payload's storage.
func (p *Payload) Bytes() []byte {
	return p.buf
}

// Clone returns an independent copy of the encoded contents.
func (p *Payload) Clone() []byte {
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}

// Len returns the total number of encoded bytes.
func (p *Payload) Len() int {
	return len(p.buf)
}

// Remaining returns the number of unread bytes.
func (p *Payload) Remaining() int {
	return len(p.buf) - p.off
}

// Rewind moves the read cursor back to the start.
func (p *Payload) Rewind() {
	p.off = 0
}

// WriteI64 appends a signed 64-bit integer.
func (p *Payload) WriteI64(v int64) {
	p.buf = binary.LittleEndian.AppendUint64(p.buf, uint64(v)) //nolint:gosec // two's complement reinterpretation
}

// WriteF32 appends a 32-bit float.
func (p *Payload) WriteF32(v float32) {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, math.Float32bits(v))
}

// WriteBytes appends a length-prefixed byte string.
func (p *Payload) WriteBytes(b []byte) {
	p.WriteI64(int64(len(b)))
	p.buf = append(p.buf, b...)
}

// WriteString appends length-prefixed UTF-8 text.
func (p *Payload) WriteString(s string) {
	p.WriteI64(int64(len(s)))
	p.buf = append(p.buf, s...)
}

// ReadI64 consumes a signed 64-bit integer.
func (p *Payload) ReadI64() (int64, error) {
	b, err := p.take(sizeI64, "i64")
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil //nolint:gosec // two's complement reinterpretation
}

// ReadF32 consumes a 32-bit float.
func (p *Payload) ReadF32() (float32, error) {
	b, err := p.take(sizeF32, "f32")
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// ReadBytes consumes a length-prefixed byte string. The returned slice is a
// copy owned by the caller. On error the cursor is left where it was.
func (p *Payload) ReadBytes() ([]byte, error) {
	start := p.off
	n, err := p.ReadI64()
	if err != nil {
		return nil, err
	}
	if avail := p.Remaining(); n < 0 || n > int64(avail) {
		p.off = start
		return nil, oops.Code(CodeBufferUnderrun).
			With("kind", "bytes").
			With("length", n).
			With("remaining", avail).
			Errorf("payload underrun: byte string of length %d exceeds remaining data", n)
	}
	out := make([]byte, n)
	copy(out, p.buf[p.off:p.off+int(n)])
	p.off += int(n)
	return out, nil
}

// ReadString consumes length-prefixed text. The bytes are returned as-is;
// no UTF-8 validation is performed.
func (p *Payload) ReadString() (string, error) {
	b, err := p.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *Payload) take(n int, kind string) ([]byte, error) {
	if p.Remaining() < n {
		return nil, oops.Code(CodeBufferUnderrun).
			With("kind", kind).
			With("length", n).
			With("remaining", p.Remaining()).
			Errorf("payload underrun: need %d bytes for %s, have %d", n, kind, p.Remaining())
	}
	b := p.buf[p.off : p.off+n]
	p.off += n
	return b, nil
}
