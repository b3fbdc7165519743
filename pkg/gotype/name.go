package gotype

import (
	"encoding/binary"

	"github.com/go-loupe/loupe/pkg/gosym"
	"github.com/go-loupe/loupe/pkg/internal/varint"
)

// Names in the type section are length prefixed strings following a
// flag byte. Go 1.17 changed the length prefix from a big-endian
// uint16 to a varint, so decoding is steered by the recovered version
// bounds.

// typeName decodes the name of a type record. off is the section
// offset of the length prefix, just past the flag byte. The min bound
// picks the encoding when the bounds straddle the 1.17 change.
func typeName(section []byte, off uint64, vers gosym.Bounds, tflag uint8) (string, bool) {
	var name string
	var ok bool
	if vers.Min <= 16 {
		name, ok = u16Name(section, off)
	} else {
		name, ok = varintName(section, off)
	}
	if !ok {
		return "", false
	}
	// Some names carry an extraneous leading asterisk.
	if tflag&tflagExtraStar != 0 && name != "" {
		name = name[1:]
	}
	return name, true
}

// fieldName decodes the name of a struct field or interface method.
// These records kept the uint16 prefix through Go 1.16 and use the
// varint from 1.17 on.
func fieldName(section []byte, off uint64, vers gosym.Bounds) (string, bool) {
	if vers.Min <= 16 {
		return u16Name(section, off)
	}
	return varintName(section, off)
}

func varintName(section []byte, off uint64) (string, bool) {
	if off >= uint64(len(section)) {
		return "", false
	}
	length, next, err := varint.Read(section, int(off))
	if err != nil || uint64(next)+uint64(length) > uint64(len(section)) {
		return "", false
	}
	return string(section[next : next+int(length)]), true
}

func u16Name(section []byte, off uint64) (string, bool) {
	if off+2 > uint64(len(section)) {
		return "", false
	}
	length := uint64(binary.BigEndian.Uint16(section[off:]))
	start := off + 2
	if start+length > uint64(len(section)) {
		return "", false
	}
	return string(section[start : start+length]), true
}
