package gotype

import (
	"encoding/binary"
	"fmt"

	"github.com/elliotchance/orderedmap"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/go-loupe/loupe/pkg/gosym"
	"github.com/go-loupe/loupe/pkg/logflags"
)

// Graph is the recovered runtime type graph, keyed by the runtime
// address of each type record. Iteration order is recovery order,
// which is deterministic for a given binary.
type Graph struct {
	// Types and Etypes delimit the runtime type section.
	Types, Etypes uint64

	nodes *orderedmap.OrderedMap
}

// Lookup returns the type whose record lives at addr, or nil. A nil
// graph misses everything.
func (g *Graph) Lookup(addr uint64) *Type {
	if g == nil {
		return nil
	}
	v, ok := g.nodes.Get(addr)
	if !ok {
		return nil
	}
	return v.(*Type)
}

// Len returns the number of recovered types.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return g.nodes.Len()
}

// FindByName returns the first type recovered under the given name,
// or nil.
func (g *Graph) FindByName(name string) *Type {
	if g == nil {
		return nil
	}
	for el := g.nodes.Front(); el != nil; el = el.Next() {
		if t := el.Value.(*Type); t.Header.Name == name {
			return t
		}
	}
	return nil
}

// graphBuilder parses type records out of a copy of the type section.
// Each record may reference further records by address; the builder
// chases references depth first, memoizing by address, and tolerates
// locally invalid branches. Address links become pointers in a final
// fixup pass once every reachable record has been visited.
type graphBuilder struct {
	section []byte
	types   uint64
	etypes  uint64
	vers    gosym.Bounds
	ptrSize int
	nodes   *orderedmap.OrderedMap
	log     *logrus.Entry
	skipped int
}

func newGraphBuilder(section []byte, types, etypes uint64, vers gosym.Bounds, ptrSize int) *graphBuilder {
	return &graphBuilder{
		section: section,
		types:   types,
		etypes:  etypes,
		vers:    vers,
		ptrSize: ptrSize,
		nodes:   orderedmap.NewOrderedMap(),
		log:     logflags.GoTypeLogger(),
	}
}

// parseType decodes the record at the given section offset, inserting
// it into the graph and chasing the records it references. A failed
// reference halts recursion into that branch only; the error returned
// here concerns the record itself.
func (b *graphBuilder) parseType(off uint64) error {
	addr := b.types + off
	if _, ok := b.nodes.Get(addr); ok {
		return nil
	}

	ptr := uint64(b.ptrSize)
	width := 4*ptr + 16
	if off+width > uint64(len(b.section)) {
		return fmt.Errorf("type record at %#x overruns the section", addr)
	}

	// The record header layout has been stable since the layouts this
	// package supports: size and ptrbytes words, then hash, four
	// bytes of flags, the equal func and gcdata words, and two
	// trailing offsets.
	hdr := Header{
		Size:       readWord(b.section[off:], b.ptrSize),
		PtrBytes:   readWord(b.section[off+ptr:], b.ptrSize),
		Hash:       binary.LittleEndian.Uint32(b.section[off+2*ptr:]),
		TFlag:      b.section[off+2*ptr+4],
		Align:      b.section[off+2*ptr+5],
		FieldAlign: b.section[off+2*ptr+6],
	}
	kindByte := b.section[off+2*ptr+7]
	nameOff := binary.LittleEndian.Uint32(b.section[off+4*ptr+8:])
	ptrToThis := binary.LittleEndian.Uint32(b.section[off+4*ptr+12:])

	hdr.Kind = Kind(kindByte & kindMask)
	if hdr.Kind > UnsafePointer {
		return fmt.Errorf("type record at %#x has impossible kind %d", addr, kindByte&kindMask)
	}

	// The offset skips the flag byte that precedes every name.
	name, ok := typeName(b.section, uint64(nameOff)+1, b.vers, hdr.TFlag)
	if !ok {
		return fmt.Errorf("type record at %#x has an undecodable name", addr)
	}
	hdr.Name = name

	t := &Type{Header: hdr, Addr: addr, vers: b.vers}
	children, err := b.parseTail(t, off+width)
	if err != nil {
		return err
	}

	// Insert before recursing so reference cycles terminate.
	b.nodes.Set(addr, t)

	for _, child := range children {
		b.chase(t, child)
	}
	if ptrToThis != 0 && ptrToThis != 0xffffffff {
		if err := b.parseType(uint64(ptrToThis)); err != nil {
			b.skip(err)
		}
	}
	return nil
}

// chase follows one referenced record address. References outside the
// section and records that fail to parse are abandoned without
// affecting the referencing type.
func (b *graphBuilder) chase(from *Type, addr uint64) {
	if addr < b.types || addr >= b.etypes {
		b.skip(fmt.Errorf("%s references %#x outside the type section", from.Header.Name, addr))
		return
	}
	if err := b.parseType(addr - b.types); err != nil {
		b.skip(err)
	}
}

func (b *graphBuilder) skip(err error) {
	b.skipped++
	b.log.Debugf("skipping branch: %v", err)
}

// parseTail decodes the kind-specific data following the record
// header and returns the addresses of the records it references.
func (b *graphBuilder) parseTail(t *Type, pos uint64) ([]uint64, error) {
	ptr := uint64(b.ptrSize)
	switch t.Header.Kind {
	case Array:
		words, ok := b.words(pos, 3)
		if !ok {
			return nil, truncatedTail(t)
		}
		t.elemAddr = words[0]
		t.Len = words[2]
		// The element type and the derived slice type both matter to
		// the graph.
		return words[:2], nil

	case Chan:
		words, ok := b.words(pos, 2)
		if !ok {
			return nil, truncatedTail(t)
		}
		t.elemAddr = words[0]
		t.Dir = words[1]
		return words[:1], nil

	case Func:
		// Parameter counts are two uint16s padded out to a word. Bit
		// 15 of the out count marks a variadic signature.
		if pos+4 > uint64(len(b.section)) {
			return nil, truncatedTail(t)
		}
		inCount := uint64(binary.LittleEndian.Uint16(b.section[pos:]))
		outCount := uint64(binary.LittleEndian.Uint16(b.section[pos+2:]))
		pos += ptr
		t.Variadic = outCount&0x8000 != 0
		outCount &= 0x7fff
		if t.Header.TFlag&tflagUncommon != 0 {
			// An uncommonType sits between the counts and the
			// parameter array. Its width does not depend on the
			// word size.
			pos += 16
		}
		in, ok := b.words(pos, int(inCount))
		if !ok {
			return nil, truncatedTail(t)
		}
		out, ok := b.words(pos+inCount*ptr, int(outCount))
		if !ok {
			return nil, truncatedTail(t)
		}
		t.inAddrs = in
		t.outAddrs = out
		return append(append([]uint64{}, in...), out...), nil

	case Interface:
		return b.parseInterfaceTail(t, pos)

	case Map:
		words, ok := b.words(pos, 3)
		if !ok {
			return nil, truncatedTail(t)
		}
		t.keyAddr = words[0]
		t.elemAddr = words[1]
		t.bucketAddr = words[2]
		return words, nil

	case Pointer, Slice:
		words, ok := b.words(pos, 1)
		if !ok {
			return nil, truncatedTail(t)
		}
		t.elemAddr = words[0]
		return words, nil

	case Struct:
		return b.parseStructTail(t, pos)
	}
	return nil, nil
}

// parseInterfaceTail decodes the method table of an interface type.
// Method records whose address falls outside the section, or whose
// name does not decode, are skipped rather than failing the record,
// matching how partially stripped binaries look in practice.
func (b *graphBuilder) parseInterfaceTail(t *Type, pos uint64) ([]uint64, error) {
	ptr := uint64(b.ptrSize)
	// The package path word is skipped.
	words, ok := b.words(pos+ptr, 2)
	if !ok {
		return nil, truncatedTail(t)
	}
	base, count := words[0], words[1]

	// Each method record is two uint32s. Cap the walk at what the
	// section could possibly hold so a corrupt count cannot spin.
	if max := (b.etypes - b.types) / 8; count > max {
		count = max
	}

	var children []uint64
	for i := uint64(0); i < count; i++ {
		rec := base + i*8
		if rec < b.types || rec+8 > b.etypes {
			continue
		}
		off := rec - b.types
		nameOff := binary.LittleEndian.Uint32(b.section[off:])
		typeOff := binary.LittleEndian.Uint32(b.section[off+4:])

		name, ok := fieldName(b.section, uint64(nameOff)+1, b.vers)
		if !ok {
			continue
		}
		typeAddr := b.types + uint64(typeOff)
		t.Methods = append(t.Methods, IMethod{Name: name, typeAddr: typeAddr})
		children = append(children, typeAddr)
	}
	return children, nil
}

// parseStructTail decodes the field table of a struct type. Field
// records outside the section are skipped.
func (b *graphBuilder) parseStructTail(t *Type, pos uint64) ([]uint64, error) {
	ptr := uint64(b.ptrSize)
	// The package path word is skipped.
	words, ok := b.words(pos, 3)
	if !ok {
		return nil, truncatedTail(t)
	}
	base, count := words[1], words[2]

	recSize := 3 * ptr
	if max := (b.etypes - b.types) / recSize; count > max {
		count = max
	}

	var children []uint64
	for i := uint64(0); i < count; i++ {
		rec := base + i*recSize
		if rec < b.types || rec+recSize > b.etypes {
			continue
		}
		fw, _ := b.words(rec-b.types, 3)
		namePtr, typeAddr, offset := fw[0], fw[1], fw[2]

		if namePtr < b.types {
			return nil, fmt.Errorf("struct %s has a field name outside the type section", t.Header.Name)
		}
		name, ok := fieldName(b.section, namePtr-b.types+1, b.vers)
		if !ok {
			return nil, fmt.Errorf("struct %s has an undecodable field name", t.Header.Name)
		}

		// From 1.9 through 1.18 the field offset is stored shifted
		// left by one, the low bit flagging an embedded field.
		if b.vers.Min >= 9 && b.vers.Max <= 18 {
			offset >>= 1
		}
		t.Fields = append(t.Fields, &StructField{Name: name, Offset: offset, typeAddr: typeAddr})
		children = append(children, typeAddr)
	}

	// List fields in ascending offset order.
	slices.SortStableFunc(t.Fields, func(a, b *StructField) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})
	return children, nil
}

// words reads n consecutive pointer-sized words at the given section
// offset.
func (b *graphBuilder) words(off uint64, n int) ([]uint64, bool) {
	ptr := uint64(b.ptrSize)
	if n < 0 || off+uint64(n)*ptr > uint64(len(b.section)) {
		return nil, false
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = readWord(b.section[off+uint64(i)*ptr:], b.ptrSize)
	}
	return out, true
}

func truncatedTail(t *Type) error {
	return fmt.Errorf("%s type record at %#x is truncated", t.Header.Kind, t.Addr)
}

// finish links every recorded address reference to its node, if one
// was recovered, and returns the completed graph.
func (b *graphBuilder) finish() *Graph {
	g := &Graph{Types: b.types, Etypes: b.etypes, nodes: b.nodes}
	for el := b.nodes.Front(); el != nil; el = el.Next() {
		t := el.Value.(*Type)
		t.Elem = g.Lookup(t.elemAddr)
		t.Key = g.Lookup(t.keyAddr)
		t.Bucket = g.Lookup(t.bucketAddr)
		if len(t.inAddrs) > 0 {
			t.In = make([]*Type, len(t.inAddrs))
			for i, a := range t.inAddrs {
				t.In[i] = g.Lookup(a)
			}
		}
		if len(t.outAddrs) > 0 {
			t.Out = make([]*Type, len(t.outAddrs))
			for i, a := range t.outAddrs {
				t.Out[i] = g.Lookup(a)
			}
		}
		for i := range t.Methods {
			t.Methods[i].Type = g.Lookup(t.Methods[i].typeAddr)
		}
		for _, f := range t.Fields {
			f.Type = g.Lookup(f.typeAddr)
		}
	}
	if b.skipped > 0 {
		b.log.Debugf("recovered %d types, abandoned %d branches", b.nodes.Len(), b.skipped)
	}
	return g
}
