package proc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MemoryReader is like io.ReaderAt over the address space of the target
// process. Implementations either fill buf entirely or return an error.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// ErrShortRead is wrapped by implementations when the target returned fewer
// bytes than requested, usually because the range crosses an unmapped page.
var ErrShortRead = errors.New("short read")

// ReadUintRaw reads an unsigned integer of size bytes, little endian, from
// addr. Size must be 1, 2, 4 or 8.
func ReadUintRaw(mem MemoryReader, addr uint64, size int) (uint64, error) {
	var buf [8]byte
	if size <= 0 || size > 8 {
		return 0, fmt.Errorf("invalid integer size %d", size)
	}
	if _, err := mem.ReadMemory(buf[:size], addr); err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf[:2])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf[:4])), nil
	case 8:
		return binary.LittleEndian.Uint64(buf[:8]), nil
	}
	return 0, fmt.Errorf("invalid integer size %d", size)
}

// ReadCString reads a NUL terminated string starting at addr, giving up
// after max bytes. The string is read in small chunks so that a name sitting
// close to the end of a mapping can still be recovered.
func ReadCString(mem MemoryReader, addr uint64, max int) (string, error) {
	const chunk = 64
	out := make([]byte, 0, chunk)
	for len(out) < max {
		n := chunk
		if len(out)+n > max {
			n = max - len(out)
		}
		buf := make([]byte, n)
		if _, err := mem.ReadMemory(buf, addr+uint64(len(out))); err != nil {
			// Retry a single byte at a time, the terminator may sit
			// just before an unmapped page.
			var b [1]byte
			for len(out) < max {
				if _, err1 := mem.ReadMemory(b[:], addr+uint64(len(out))); err1 != nil {
					if len(out) == 0 {
						return "", err
					}
					return string(out), nil
				}
				if b[0] == 0 {
					return string(out), nil
				}
				out = append(out, b[0])
			}
			return string(out), nil
		}
		for i := 0; i < n; i++ {
			if buf[i] == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf...)
	}
	return string(out), nil
}
