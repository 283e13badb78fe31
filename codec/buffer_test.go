package codec

import "testing"

func TestRoundTripScalars(t *testing.T) {
	w := New(4)
	w.WriteU8(7)
	w.WriteI16(-300)
	w.WriteI32(123456)
	w.WriteI64(-987654321)
	w.WriteF32(3.5)
	w.WriteF64(2.71828)
	w.WriteString("hello, koneko")
	w.WriteBytes([]byte{1, 2, 3}, true)
	w.WriteBytes([]byte{9, 9}, false)

	r := NewFromBytes(w.ToBytes())

	if v, err := r.ReadU8(); err != nil || v != 7 {
		t.Fatalf("ReadU8 = %v, %v", v, err)
	}
	if v, err := r.ReadI16(); err != nil || v != -300 {
		t.Fatalf("ReadI16 = %v, %v", v, err)
	}
	if v, err := r.ReadI32(); err != nil || v != 123456 {
		t.Fatalf("ReadI32 = %v, %v", v, err)
	}
	if v, err := r.ReadI64(); err != nil || v != -987654321 {
		t.Fatalf("ReadI64 = %v, %v", v, err)
	}
	if v, err := r.ReadF32(); err != nil || v != 3.5 {
		t.Fatalf("ReadF32 = %v, %v", v, err)
	}
	if v, err := r.ReadF64(); err != nil || v != 2.71828 {
		t.Fatalf("ReadF64 = %v, %v", v, err)
	}
	if v, err := r.ReadString(); err != nil || v != "hello, koneko" {
		t.Fatalf("ReadString = %q, %v", v, err)
	}
	if v, err := r.ReadBytes(-1); err != nil || len(v) != 3 || v[2] != 3 {
		t.Fatalf("ReadBytes(prefixed) = %v, %v", v, err)
	}
	if v, err := r.ReadBytes(2); err != nil || v[0] != 9 {
		t.Fatalf("ReadBytes(explicit) = %v, %v", v, err)
	}
}

func TestBoolPackingFlushesOnScalarWrite(t *testing.T) {
	w := New(4)
	w.WriteBool(true)
	w.WriteBool(false)
	w.WriteBool(true)
	w.WriteU8(0xAB) // flushes the 3-bit accumulator into its own byte first

	data := w.ToBytes()
	if len(data) != 2 {
		t.Fatalf("expected 2 bytes, got %d (%v)", len(data), data)
	}
	// bits 0,1,2 set as 1,0,1 LSB-first => 0b00000101
	if data[0] != 0x05 {
		t.Fatalf("flushed bit byte = %#x, want 0x05", data[0])
	}
	if data[1] != 0xAB {
		t.Fatalf("scalar byte = %#x, want 0xAB", data[1])
	}
}

func TestBoolPackingEightBitsPerByte(t *testing.T) {
	w := New(4)
	bits := []bool{true, false, true, true, false, false, true, false}
	for _, v := range bits {
		w.WriteBool(v)
	}
	data := w.ToBytes()
	if len(data) != 1 {
		t.Fatalf("expected exactly 1 byte, got %d", len(data))
	}

	r := NewFromBytes(data)
	for i, want := range bits {
		got, err := r.ReadBool()
		if err != nil {
			t.Fatalf("ReadBool[%d]: %v", i, err)
		}
		if got != want {
			t.Fatalf("ReadBool[%d] = %v, want %v", i, got, want)
		}
	}
}

func TestMixedBoolAndScalarAlignment(t *testing.T) {
	w := New(4)
	w.WriteBool(true)
	w.WriteI32(42)
	w.WriteBool(false)
	w.WriteString("x")

	r := NewFromBytes(w.ToBytes())
	b1, _ := r.ReadBool()
	i, err := r.ReadI32()
	if err != nil || i != 42 {
		t.Fatalf("ReadI32 after bool flush = %v, %v", i, err)
	}
	b2, _ := r.ReadBool()
	s, err := r.ReadString()
	if err != nil || s != "x" {
		t.Fatalf("ReadString after bool flush = %q, %v", s, err)
	}
	if !b1 || b2 {
		t.Fatalf("bool values corrupted: %v %v", b1, b2)
	}
}

func TestReadPastLengthErrors(t *testing.T) {
	r := NewFromBytes([]byte{1, 2})
	if _, err := r.ReadI32(); err == nil {
		t.Fatal("expected error reading past logical length")
	}
}

func TestGrowthDoubles(t *testing.T) {
	w := New(1) // clamped up to minCapacity internally
	for i := 0; i < 200; i++ {
		w.WriteU8(uint8(i))
	}
	if w.Len() != 200 {
		t.Fatalf("Len() = %d, want 200", w.Len())
	}
	// 16 -> 32 -> 64 -> 128 -> 256
	if got := len(w.buf); got != 256 {
		t.Fatalf("capacity = %d, want 256 after doubling from 16", got)
	}
}
