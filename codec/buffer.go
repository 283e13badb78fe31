// Package codec implements the growable byte buffer used to encode and
// decode application payloads: little-endian scalars, length-prefixed
// strings and byte slices, and a bit-packed boolean stream.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Error reports a decode or encode failure together with the operation
// and buffer offset at which it occurred.
type Error struct {
	Op     string
	Offset int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func errAt(op string, offset int, err error) error {
	return &Error{Op: op, Offset: offset, Err: err}
}

var errShortBuffer = fmt.Errorf("short buffer")

const minCapacity = 16

// Buffer is a growable byte buffer with a cursor and a bit accumulator for
// packing consecutive boolean writes into single bytes. The same type
// serves both write mode (construct empty, then append) and read mode
// (construct from received bytes, then consume).
type Buffer struct {
	buf    []byte
	pos    int // read/write cursor
	length int // logical length, the high-water mark of written bytes

	bitAcc byte
	bitPos int // 0..8, bits currently occupied in bitAcc
}

// New returns an empty Buffer ready for writing, with room for at least
// capacity bytes before it must grow.
func New(capacity int) *Buffer {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// NewFromBytes returns a Buffer in read mode over a copy of data.
func NewFromBytes(data []byte) *Buffer {
	b := make([]byte, len(data))
	copy(b, data)
	return &Buffer{buf: b, length: len(data)}
}

// Len reports the logical length of the buffer (bytes written, or bytes
// available to read).
func (b *Buffer) Len() int { return b.length }

// Pos reports the current read/write cursor.
func (b *Buffer) Pos() int { return b.pos }

// ToBytes returns a copy of the logical prefix of the buffer.
func (b *Buffer) ToBytes() []byte {
	out := make([]byte, b.length)
	copy(out, b.buf[:b.length])
	return out
}

// Data returns a view of the underlying buffer up to the logical length.
// Callers must not retain it across further writes.
func (b *Buffer) Data() []byte {
	return b.buf[:b.length]
}

func (b *Buffer) grow(needed int) {
	want := b.pos + needed
	if want <= len(b.buf) {
		return
	}
	newCap := len(b.buf) * 2
	if newCap < want {
		newCap = want
	}
	nb := make([]byte, newCap)
	copy(nb, b.buf)
	b.buf = nb
}

// flushBitsWrite emits the partial accumulator byte, if any, before a
// non-bool write so scalars always land on a byte boundary.
func (b *Buffer) flushBitsWrite() {
	if b.bitPos > 0 {
		b.appendByte(b.bitAcc)
		b.bitAcc = 0
		b.bitPos = 0
	}
}

// flushBitsRead realigns to the next byte boundary before a non-bool read.
func (b *Buffer) flushBitsRead() {
	b.bitPos = 0
}

func (b *Buffer) appendByte(v byte) {
	b.grow(1)
	b.buf[b.pos] = v
	b.pos++
	if b.pos > b.length {
		b.length = b.pos
	}
}

func (b *Buffer) appendBytes(v []byte) {
	b.grow(len(v))
	copy(b.buf[b.pos:], v)
	b.pos += len(v)
	if b.pos > b.length {
		b.length = b.pos
	}
}

func (b *Buffer) readN(op string, n int) ([]byte, error) {
	if b.pos+n > b.length {
		return nil, errAt(op, b.pos, errShortBuffer)
	}
	out := b.buf[b.pos : b.pos+n]
	b.pos += n
	return out, nil
}

// WriteBool packs v into the shared bit accumulator, least-significant
// bit first, flushing the byte once 8 bits have accumulated.
func (b *Buffer) WriteBool(v bool) {
	if v {
		b.bitAcc |= 1 << uint(b.bitPos)
	}
	b.bitPos++
	if b.bitPos == 8 {
		b.appendByte(b.bitAcc)
		b.bitAcc = 0
		b.bitPos = 0
	}
}

// ReadBool consumes a fresh byte when the accumulator is empty, otherwise
// extracts the next bit in LSB-first order.
func (b *Buffer) ReadBool() (bool, error) {
	if b.bitPos == 0 {
		raw, err := b.readN("ReadBool", 1)
		if err != nil {
			return false, err
		}
		b.bitAcc = raw[0]
	}
	bit := (b.bitAcc>>uint(b.bitPos))&1 == 1
	b.bitPos = (b.bitPos + 1) % 8
	return bit, nil
}

func (b *Buffer) WriteU8(v uint8) {
	b.flushBitsWrite()
	b.appendByte(v)
}

func (b *Buffer) ReadU8() (uint8, error) {
	b.flushBitsRead()
	raw, err := b.readN("ReadU8", 1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

func (b *Buffer) WriteI16(v int16) {
	b.flushBitsWrite()
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(v))
	b.appendBytes(tmp[:])
}

func (b *Buffer) ReadI16() (int16, error) {
	b.flushBitsRead()
	raw, err := b.readN("ReadI16", 2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(raw)), nil
}

func (b *Buffer) WriteI32(v int32) {
	b.flushBitsWrite()
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	b.appendBytes(tmp[:])
}

func (b *Buffer) ReadI32() (int32, error) {
	b.flushBitsRead()
	raw, err := b.readN("ReadI32", 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(raw)), nil
}

func (b *Buffer) WriteI64(v int64) {
	b.flushBitsWrite()
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	b.appendBytes(tmp[:])
}

func (b *Buffer) ReadI64() (int64, error) {
	b.flushBitsRead()
	raw, err := b.readN("ReadI64", 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(raw)), nil
}

func (b *Buffer) WriteF32(v float32) {
	b.WriteI32(int32(math.Float32bits(v)))
}

func (b *Buffer) ReadF32() (float32, error) {
	v, err := b.ReadI32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(v)), nil
}

func (b *Buffer) WriteF64(v float64) {
	b.WriteI64(int64(math.Float64bits(v)))
}

func (b *Buffer) ReadF64() (float64, error) {
	v, err := b.ReadI64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(v)), nil
}

// WriteString writes an i32 byte length followed by the raw UTF-8 bytes.
func (b *Buffer) WriteString(s string) {
	b.WriteI32(int32(len(s)))
	b.flushBitsWrite()
	b.appendBytes([]byte(s))
}

func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadI32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", errAt("ReadString", b.pos, fmt.Errorf("negative length %d", n))
	}
	b.flushBitsRead()
	raw, err := b.readN("ReadString", int(n))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// WriteBytes writes v, optionally prefixed with its i32 length.
func (b *Buffer) WriteBytes(v []byte, prefixed bool) {
	if prefixed {
		b.WriteI32(int32(len(v)))
	}
	b.flushBitsWrite()
	b.appendBytes(v)
}

// ReadBytes reads either a caller-supplied length or a prefixed one
// (when length < 0) and returns a copy of the bytes consumed.
func (b *Buffer) ReadBytes(length int) ([]byte, error) {
	n := length
	if n < 0 {
		l, err := b.ReadI32()
		if err != nil {
			return nil, err
		}
		n = int(l)
	}
	b.flushBitsRead()
	raw, err := b.readN("ReadBytes", n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}
