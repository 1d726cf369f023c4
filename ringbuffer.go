// ringbuffer.go: fixed-capacity circular accumulator for sample-accurate mixing
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// Grounded on original_source/src/bluealsa-mix-buffer.c, translated from a
// tagged C union into a format-indexed Go struct: each format is backed by
// its own accumulator slice (acc16/acc32/acc64), chosen once at
// construction; addSample/readSample switch on the format once per sample.

package confluence

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

const (
	s24Min int32 = -0x00800000
	s24Max int32 = 0x007FFFFF
)

// RingMixBuffer is the shared summing space described in spec §4.1. One
// writer (the mix worker, via Add) and one reader (the transport thread,
// via Read) share it; mixOffset is the synchronization boundary between
// them and is therefore atomic, while end is owned exclusively by the
// worker and is serialized by Coordinator.mu.
type RingMixBuffer struct {
	format    Format
	channels  int
	frameSize int    // bytes per frame on the wire
	size      uint64 // capacity in samples; one extra empty frame reserved
	period    uint64 // one transfer period, in samples

	mixOffset atomic.Uint64 // next sample to be read; single writer, shared reader
	end       uint64        // one-past-last sample written; worker-owned

	acc16 []int16 // U8 accumulator, centered at 0
	acc32 []int32 // S16LE / S24LE accumulator
	acc64 []int64 // S32LE accumulator
}

// NewRingMixBuffer allocates a zeroed accumulator sized for bufferFrames
// frames of capacity (plus the one reserved empty frame that distinguishes
// a full buffer from an empty one) and periodFrames frames per transfer.
func NewRingMixBuffer(format Format, channels int, bufferFrames, periodFrames uint64) (*RingMixBuffer, error) {
	if channels < 1 || channels > 8 {
		return nil, fmt.Errorf("confluence: channels must be 1..8, got %d", channels)
	}

	b := &RingMixBuffer{
		format:   format,
		channels: channels,
		size:     (1 + bufferFrames) * uint64(channels),
		period:   periodFrames * uint64(channels),
	}

	switch format {
	case FormatU8:
		b.frameSize = channels * 1
		b.acc16 = make([]int16, b.size)
	case FormatS16LE:
		b.frameSize = channels * 2
		b.acc32 = make([]int32, b.size)
	case FormatS24LE:
		b.frameSize = channels * 4
		b.acc32 = make([]int32, b.size)
	case FormatS32LE:
		b.frameSize = channels * 4
		b.acc64 = make([]int64, b.size)
	default:
		return nil, fmt.Errorf("confluence: invalid format %v", format)
	}

	return b, nil
}

// Release tears down the buffer. It is idempotent.
func (b *RingMixBuffer) Release() {
	b.acc16 = nil
	b.acc32 = nil
	b.acc64 = nil
	b.size = 0
	b.mixOffset.Store(0)
	b.end = 0
}

func calcAvail(size, start, end uint64) uint64 {
	if end >= start {
		return end - start
	}
	return size + end - start
}

// Empty reports whether the mix has no unread samples.
func (b *RingMixBuffer) Empty() bool {
	return b.mixOffset.Load() == b.end
}

// Avail returns the number of samples available to read right now.
func (b *RingMixBuffer) Avail() uint64 {
	return calcAvail(b.size, b.mixOffset.Load(), b.end)
}

// AtThreshold reports whether the unread samples reach
// mixThreshold*period/channels. Since period is counted in samples, with
// more than one channel this holds before mixThreshold full periods have
// accumulated.
func (b *RingMixBuffer) AtThreshold(mixThreshold int) bool {
	avail := calcAvail(b.size, b.mixOffset.Load(), b.end)
	return avail >= uint64(mixThreshold)*b.period/uint64(b.channels)
}

// Delay returns the number of samples that separate the mix read
// pointer from offset. A negative offset is interpreted as already
// being that many samples ahead of the read pointer.
func (b *RingMixBuffer) Delay(offset int64) uint64 {
	mixOffset := b.mixOffset.Load()
	pos := b.resolve(mixOffset, offset)
	return calcAvail(b.size, mixOffset, pos)
}

func (b *RingMixBuffer) resolve(mixOffset uint64, offset int64) uint64 {
	if offset < 0 {
		return (mixOffset + uint64(-offset)) % b.size
	}
	return uint64(offset) % b.size
}

// Add admits a client's stream of raw wire-format bytes into the mix.
// offset is the client's current position in the mix, updated in place;
// admission truncates at (mixThreshold+1) periods ahead of the read
// pointer so no single client can advance further than that, per spec
// invariant I2. Only whole frames are ever consumed.
//
// The caller must already hold whatever lock serializes concurrent
// writers (Coordinator.mu); Add itself does no locking.
func (b *RingMixBuffer) Add(offset *int64, data []byte, mixThreshold int) int {
	mixOffset := b.mixOffset.Load()
	avail := calcAvail(b.size, mixOffset, b.end)

	start := b.resolve(mixOffset, *offset)

	frames := len(data) / b.frameSize
	samples := uint64(frames) * uint64(b.channels)

	// Do not allow this client to advance more than one threshold window
	// ahead of the others.
	if start < mixOffset {
		start += b.size
	}
	limit := mixOffset + uint64(mixThreshold+1)*b.period
	if start >= limit {
		return 0
	}
	if start+samples > limit {
		samples = limit - start
	}

	pos := start
	var n uint64
	for n = 0; n < samples; n++ {
		if pos+n >= b.size {
			pos -= b.size
		}
		b.addSample(pos+n, data, n)
	}

	*offset = int64(pos + n)

	if calcAvail(b.size, mixOffset, uint64(*offset)) > avail {
		b.end = uint64(*offset)
	}

	return int(samples) * b.frameSize / b.channels
}

func (b *RingMixBuffer) addSample(idx uint64, data []byte, n uint64) {
	switch b.format {
	case FormatU8:
		b.acc16[idx] += int16(data[n]) - 0x80
	case FormatS16LE:
		v := int16(binary.LittleEndian.Uint16(data[2*n : 2*n+2]))
		b.acc32[idx] += int32(v)
	case FormatS24LE:
		v := binary.LittleEndian.Uint32(data[4*n : 4*n+4])
		if v&0x00800000 != 0 {
			v |= 0xFF000000
		}
		b.acc32[idx] += int32(v)
	case FormatS32LE:
		v := int32(binary.LittleEndian.Uint32(data[4*n : 4*n+4]))
		b.acc64[idx] += int64(v)
	}
}

// Read drains up to one period of mixed frames from the buffer into dst,
// applying a per-channel scale with clipping, narrowing to the wire
// format, and zeroing each cell as it is consumed (spec invariant I3).
// It returns the number of samples produced, always a whole number of
// frames and never more than one period or the number available.
func (b *RingMixBuffer) Read(dst []byte, samples int, scale []float64) int {
	start := b.mixOffset.Load()
	end := b.end

	samples -= samples % b.channels
	if uint64(samples) > b.period {
		samples = int(b.period)
	}
	avail := calcAvail(b.size, start, end)
	if uint64(samples) > avail {
		samples = int(avail)
	}

	outOffset := 0
	pos := start
	var n uint64
	for n = 0; uint64(n) < uint64(samples); n += uint64(b.channels) {
		if pos+n >= b.size {
			pos -= b.size
		}
		for ch := 0; ch < b.channels; ch++ {
			outOffset += b.readSample(pos+n+uint64(ch), ch, dst[outOffset:], scale[ch])
		}
	}

	b.mixOffset.Store(pos + n)
	return samples
}

func (b *RingMixBuffer) readSample(idx uint64, ch int, dst []byte, scale float64) int {
	switch b.format {
	case FormatU8:
		s := b.acc16[idx]
		if scale == 0.0 {
			s = 0
		} else {
			v := float64(s) * scale
			s = clampInt16(int64(v), -128, 127)
		}
		dst[0] = byte(0x80 + s)
		b.acc16[idx] = 0
		return 1
	case FormatS16LE:
		s := b.acc32[idx]
		if scale == 0.0 {
			s = 0
		} else {
			// Unity-gain identity path: skip the multiply so bit-exact
			// pass-through audio is reproduced exactly, per spec §4.1.
			if scale < 0.99 {
				s = int32(float64(s) * scale)
			}
			s = clampInt32(int64(s), -32768, 32767)
		}
		binary.LittleEndian.PutUint16(dst[:2], uint16(int16(s)))
		b.acc32[idx] = 0
		return 2
	case FormatS24LE:
		s := b.acc32[idx]
		if scale == 0.0 {
			s = 0
		} else {
			v := float64(s) * scale
			s = clampInt32(int64(v), s24Min, s24Max)
		}
		wire := uint32(s) & 0x00FFFFFF
		binary.LittleEndian.PutUint32(dst[:4], wire)
		b.acc32[idx] = 0
		return 4
	case FormatS32LE:
		s := b.acc64[idx]
		if scale == 0.0 {
			s = 0
		} else {
			v := float64(s) * scale
			s = clampInt64(int64(v), -2147483648, 2147483647)
		}
		binary.LittleEndian.PutUint32(dst[:4], uint32(int32(s)))
		b.acc64[idx] = 0
		return 4
	default:
		return 0
	}
}

func clampInt16(v int64, lo, hi int16) int16 {
	if v > int64(hi) {
		return hi
	}
	if v < int64(lo) {
		return lo
	}
	return int16(v)
}

func clampInt32(v int64, lo, hi int32) int32 {
	if v > int64(hi) {
		return hi
	}
	if v < int64(lo) {
		return lo
	}
	return int32(v)
}

func clampInt64(v, lo, hi int64) int64 {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}

// Clear resets the buffer to empty and zeroes every accumulator cell. It
// is idempotent.
func (b *RingMixBuffer) Clear() {
	b.mixOffset.Store(0)
	b.end = 0
	for i := range b.acc16 {
		b.acc16[i] = 0
	}
	for i := range b.acc32 {
		b.acc32[i] = 0
	}
	for i := range b.acc64 {
		b.acc64[i] = 0
	}
}
