// config.go: sample format parsing, tunable parsing, and syscall retry helpers
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package confluence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Format identifies one of the four wire sample formats this engine can
// mix. The internal accumulator for each format is strictly wider than
// the wire format, so that summing clients cannot overflow before a
// read clips and narrows the result.
type Format uint8

const (
	// FormatU8 is unsigned 8-bit PCM, centered at 0x80.
	FormatU8 Format = iota
	// FormatS16LE is signed 16-bit little-endian PCM.
	FormatS16LE
	// FormatS24LE is signed 24-bit audio packed into 32-bit little-endian words.
	FormatS24LE
	// FormatS32LE is signed 32-bit little-endian PCM.
	FormatS32LE
	// FormatS24_3LE is signed 24-bit audio packed into 3 bytes with no
	// padding. The mix buffer only ever accumulates word-aligned samples,
	// so this format is recognized for ParseFormat/String purposes but is
	// never one of the four formats Enabled accepts.
	FormatS24_3LE
)

// String returns the canonical wire-format name.
func (f Format) String() string {
	switch f {
	case FormatU8:
		return "U8"
	case FormatS16LE:
		return "S16LE"
	case FormatS24LE:
		return "S24LE"
	case FormatS32LE:
		return "S32LE"
	case FormatS24_3LE:
		return "S24_3LE"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// BytesPerSample returns the wire width, in bytes, of one sample of
// this format (not one frame — multiply by channel count for that).
func (f Format) BytesPerSample() int {
	switch f {
	case FormatU8:
		return 1
	case FormatS16LE:
		return 2
	case FormatS24LE:
		return 4
	case FormatS32LE:
		return 4
	case FormatS24_3LE:
		return 3
	default:
		return 0
	}
}

// ParseFormat converts a wire-format name such as "S16LE" into a Format.
// Matching is case-insensitive. S24-in-32 may be spelled "S24LE" or
// "S24_4LE" to match the naming used by the transports that embed this
// package.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(s) {
	case "U8":
		return FormatU8, nil
	case "S16LE", "S16_2LE":
		return FormatS16LE, nil
	case "S24LE", "S24_4LE":
		return FormatS24LE, nil
	case "S32LE", "S32_4LE":
		return FormatS32LE, nil
	case "S24_3LE":
		return FormatS24_3LE, nil
	default:
		return 0, fmt.Errorf("confluence: unknown sample format %q", s)
	}
}

// ParseDuration converts duration strings like "300ms" or "2s" to a
// time.Duration. It accepts everything time.ParseDuration accepts, plus
// a bare integer interpreted as a count of milliseconds, since tunables
// such as DrainTimeout are most often configured that way.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("confluence: empty duration string")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("confluence: invalid duration %q: %w", s, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// retryEINTR runs op, transparently retrying for as long as it fails
// with EINTR. This is the only retry policy the engine applies to any
// syscall: a client pipe returning EAGAIN, a closed peer, or any other
// error is reported to the caller immediately rather than retried.
func retryEINTR(op func() (int, error)) (int, error) {
	for {
		n, err := op()
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
