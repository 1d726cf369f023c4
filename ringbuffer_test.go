package confluence

import (
	"encoding/binary"
	"testing"
)

func TestRingMixBuffer_EmptyAndAvail(t *testing.T) {
	b, err := NewRingMixBuffer(FormatS16LE, 2, 16, 4)
	if err != nil {
		t.Fatalf("NewRingMixBuffer failed: %v", err)
	}
	if !b.Empty() {
		t.Fatal("fresh buffer should be empty")
	}
	if b.Avail() != 0 {
		t.Fatalf("fresh buffer avail = %d, want 0", b.Avail())
	}
}

func TestRingMixBuffer_AddThenRead_SingleClient(t *testing.T) {
	channels := 2
	periodFrames := uint64(4)
	b, err := NewRingMixBuffer(FormatS16LE, channels, 16, periodFrames)
	if err != nil {
		t.Fatalf("NewRingMixBuffer failed: %v", err)
	}

	frames := 4
	data := make([]byte, frames*channels*2)
	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			idx := (f*channels + ch) * 2
			binary.LittleEndian.PutUint16(data[idx:], uint16(int16(100+f)))
		}
	}

	var offset int64
	consumed := b.Add(&offset, data, defaultMixThreshold)
	if consumed != len(data) {
		t.Fatalf("Add consumed %d bytes, want %d", consumed, len(data))
	}

	out := make([]byte, frames*channels*2)
	scale := []float64{1.0, 1.0}
	n := b.Read(out, frames*channels, scale)
	if n != frames*channels {
		t.Fatalf("Read produced %d samples, want %d", n, frames*channels)
	}

	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			idx := (f*channels + ch) * 2
			got := int16(binary.LittleEndian.Uint16(out[idx:]))
			want := int16(100 + f)
			if got != want {
				t.Errorf("frame %d ch %d = %d, want %d", f, ch, got, want)
			}
		}
	}

	if !b.Empty() {
		t.Fatal("buffer should be empty after full read")
	}
}

func TestRingMixBuffer_MixesTwoClients(t *testing.T) {
	channels := 1
	b, err := NewRingMixBuffer(FormatS16LE, channels, 16, 2)
	if err != nil {
		t.Fatalf("NewRingMixBuffer failed: %v", err)
	}

	mkData := func(vals ...int16) []byte {
		data := make([]byte, len(vals)*2)
		for i, v := range vals {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
		}
		return data
	}

	var off1, off2 int64
	b.Add(&off1, mkData(1000, 2000), defaultMixThreshold)
	b.Add(&off2, mkData(500, -500), defaultMixThreshold)

	out := make([]byte, 4)
	scale := []float64{1.0}
	n := b.Read(out, 2, scale)
	if n != 2 {
		t.Fatalf("Read produced %d samples, want 2", n)
	}

	got0 := int16(binary.LittleEndian.Uint16(out[0:]))
	got1 := int16(binary.LittleEndian.Uint16(out[2:]))
	if got0 != 1500 {
		t.Errorf("sample 0 = %d, want 1500", got0)
	}
	if got1 != 1500 {
		t.Errorf("sample 1 = %d, want 1500", got1)
	}
}

func TestRingMixBuffer_ZeroOnRead(t *testing.T) {
	b, err := NewRingMixBuffer(FormatS16LE, 1, 16, 2)
	if err != nil {
		t.Fatalf("NewRingMixBuffer failed: %v", err)
	}

	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], uint16(int16(12345)))
	binary.LittleEndian.PutUint16(data[2:], uint16(int16(-12345)))

	var offset int64
	b.Add(&offset, data, defaultMixThreshold)

	out := make([]byte, 4)
	b.Read(out, 2, []float64{1.0})

	for _, v := range b.acc32 {
		if v != 0 {
			t.Fatalf("accumulator cell not zeroed after read: %d", v)
		}
	}
}

func TestRingMixBuffer_SilenceSumsToSilence(t *testing.T) {
	channels := 2
	b, err := NewRingMixBuffer(FormatS16LE, channels, 16, 4)
	if err != nil {
		t.Fatalf("NewRingMixBuffer failed: %v", err)
	}

	silence := make([]byte, 4*channels*2)
	var off1, off2, off3 int64
	b.Add(&off1, silence, defaultMixThreshold)
	b.Add(&off2, silence, defaultMixThreshold)
	b.Add(&off3, silence, defaultMixThreshold)

	out := make([]byte, 4*channels*2)
	scale := make([]float64, channels)
	for i := range scale {
		scale[i] = 1.0
	}
	n := b.Read(out, 4*channels, scale)
	if n != 4*channels {
		t.Fatalf("Read produced %d samples, want %d", n, 4*channels)
	}
	for _, bb := range out {
		if bb != 0 {
			t.Fatalf("expected silence, got non-zero byte %d", bb)
		}
	}
}

func TestRingMixBuffer_ClearIsIdempotent(t *testing.T) {
	b, err := NewRingMixBuffer(FormatU8, 1, 16, 2)
	if err != nil {
		t.Fatalf("NewRingMixBuffer failed: %v", err)
	}

	var offset int64
	b.Add(&offset, []byte{0x90, 0x70}, defaultMixThreshold)

	b.Clear()
	b.Clear()

	if !b.Empty() {
		t.Fatal("buffer should be empty after Clear")
	}
	for _, v := range b.acc16 {
		if v != 0 {
			t.Fatalf("accumulator cell not zeroed after Clear: %d", v)
		}
	}
}

func TestRingMixBuffer_U8Centering(t *testing.T) {
	b, err := NewRingMixBuffer(FormatU8, 1, 16, 2)
	if err != nil {
		t.Fatalf("NewRingMixBuffer failed: %v", err)
	}

	var offset int64
	b.Add(&offset, []byte{0x80, 0x80}, defaultMixThreshold) // silence in U8 is 0x80

	out := make([]byte, 2)
	b.Read(out, 2, []float64{1.0})
	for i, bb := range out {
		if bb != 0x80 {
			t.Errorf("sample %d = 0x%02x, want 0x80", i, bb)
		}
	}
}

func TestRingMixBuffer_S24RoundTrip(t *testing.T) {
	b, err := NewRingMixBuffer(FormatS24LE, 1, 16, 2)
	if err != nil {
		t.Fatalf("NewRingMixBuffer failed: %v", err)
	}

	wire := make([]byte, 8)
	binary.LittleEndian.PutUint32(wire[0:], uint32(int32(-1000))&0x00FFFFFF)
	binary.LittleEndian.PutUint32(wire[4:], uint32(int32(1000))&0x00FFFFFF)

	var offset int64
	b.Add(&offset, wire, defaultMixThreshold)

	out := make([]byte, 8)
	b.Read(out, 2, []float64{1.0})

	got0 := binary.LittleEndian.Uint32(out[0:])
	if got0&0x00800000 != 0 {
		got0 |= 0xFF000000
	}
	if int32(got0) != -1000 {
		t.Errorf("sample 0 = %d, want -1000", int32(got0))
	}
}

func TestRingMixBuffer_AdmissionTruncatesAtThreshold(t *testing.T) {
	channels := 1
	periodFrames := uint64(4)
	b, err := NewRingMixBuffer(FormatS16LE, channels, 64, periodFrames)
	if err != nil {
		t.Fatalf("NewRingMixBuffer failed: %v", err)
	}

	// One client tries to push far more than (mixThreshold+1) periods in
	// a single call; Add must not advance the client beyond that limit.
	frames := 64
	data := make([]byte, frames*2)
	var offset int64
	consumed := b.Add(&offset, data, 2)

	maxBytes := 3 * int(periodFrames) * 2 // (threshold+1) periods, 2 bytes/sample
	if consumed > maxBytes {
		t.Fatalf("Add consumed %d bytes, want <= %d", consumed, maxBytes)
	}
}
