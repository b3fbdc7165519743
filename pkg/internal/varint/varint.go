// Package varint decodes the variable-length integer encoding the Go
// runtime uses throughout its pcln metadata tables.
package varint

import "errors"

// ErrTruncated is returned when the buffer ends before the encoding does.
var ErrTruncated = errors.New("truncated varint")

// MaxLen is the longest possible encoding. Encoded values never exceed 32
// bits, so five 7-bit groups always suffice.
const MaxLen = 5

// Read decodes one unsigned varint from buf starting at off. The value is
// split into 7-bit groups, least significant group first; bit 7 of each byte
// signals a following group. Returns the decoded value and the first unread
// offset, for chaining.
func Read(buf []byte, off int) (uint32, int, error) {
	var value uint64
	shift := uint(0)
	for i := 0; i < MaxLen; i++ {
		if off < 0 || off >= len(buf) {
			return 0, off, ErrTruncated
		}
		b := buf[off]
		off++
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return uint32(value), off, nil
}

// Zigzag undoes the sign folding applied to stack-delta values: odd encodes
// negative, even encodes non-negative.
func Zigzag(v uint32) int64 {
	if v&1 != 0 {
		return -int64((uint64(v) + 1) >> 1)
	}
	return int64(v >> 1)
}

// Append encodes v onto dst, the inverse of Read. Used to build synthetic
// tables in tests.
func Append(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// AppendZigzag sign-folds d and appends its varint encoding.
func AppendZigzag(dst []byte, d int64) []byte {
	var v uint32
	if d < 0 {
		v = uint32(-d)*2 - 1
	} else {
		v = uint32(d) * 2
	}
	return Append(dst, v)
}
