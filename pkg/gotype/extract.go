package gotype

import (
	"encoding/binary"
	"math"
	"unicode"
	"unicode/utf8"

	"github.com/go-loupe/loupe/pkg/proc"
)

// extractEnv carries the state of one speculative decode: target
// memory, pointer width, the recovered graph for dynamic type
// lookups, and the set of pointers already followed.
type extractEnv struct {
	mem     proc.MemoryReader
	ptrSize int
	graph   *Graph
	seen    map[uint64]bool
}

// Extract decodes a value of type t at addr in target memory. depth
// bounds recursion into composite types; once it runs out nested
// content is reported as an UnparsedValue. Each pointer is followed
// at most once per call. g resolves dynamic types for interface
// values and may be nil.
func (t *Type) Extract(mem proc.MemoryReader, ptrSize int, g *Graph, addr uint64, depth int) Value {
	env := &extractEnv{mem: mem, ptrSize: ptrSize, graph: g, seen: make(map[uint64]bool)}
	return t.extract(env, addr, depth)
}

func (t *Type) extract(env *extractEnv, addr uint64, depth int) Value {
	switch t.Header.Kind {
	case Bool:
		v, ok := env.readUint(addr, 1)
		if !ok || v > 1 {
			return BadValue{}
		}
		return BoolValue{valueScore: 1, V: v == 1}
	case Int:
		return env.intAt(addr, env.ptrSize)
	case Int8:
		return env.intAt(addr, 1)
	case Int16:
		return env.intAt(addr, 2)
	case Int32:
		return env.intAt(addr, 4)
	case Int64:
		return env.intAt(addr, 8)
	case Uint:
		return env.uintAt(addr, env.ptrSize)
	case Uint8:
		return env.uintAt(addr, 1)
	case Uint16:
		return env.uintAt(addr, 2)
	case Uint32:
		return env.uintAt(addr, 4)
	case Uint64:
		return env.uintAt(addr, 8)
	case Uintptr, UnsafePointer:
		v, ok := env.readUint(addr, env.ptrSize)
		if !ok {
			return BadValue{}
		}
		return PointerValue{valueScore: 1, Addr: v}
	case Float32:
		b, ok := env.readBytes(addr, 4)
		if !ok {
			return BadValue{}
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(b))
		return FloatValue{valueScore: 1, V: float64(f)}
	case Float64:
		b, ok := env.readBytes(addr, 8)
		if !ok {
			return BadValue{}
		}
		return FloatValue{valueScore: 1, V: math.Float64frombits(binary.LittleEndian.Uint64(b))}
	case Complex64:
		b, ok := env.readBytes(addr, 8)
		if !ok {
			return BadValue{}
		}
		r := math.Float32frombits(binary.LittleEndian.Uint32(b))
		i := math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))
		return ComplexValue{valueScore: 1, R: float64(r), I: float64(i)}
	case Complex128:
		b, ok := env.readBytes(addr, 16)
		if !ok {
			return BadValue{}
		}
		r := math.Float64frombits(binary.LittleEndian.Uint64(b))
		i := math.Float64frombits(binary.LittleEndian.Uint64(b[8:]))
		return ComplexValue{valueScore: 1, R: r, I: i}
	case Array:
		return t.extractArray(env, addr, depth)
	case Interface:
		return t.extractInterface(env, addr, depth)
	case Map:
		return t.extractMap(env, addr, depth)
	case Pointer:
		return env.deref(t.Elem, addr, depth)
	case Slice:
		return t.extractSlice(env, addr, depth)
	case String:
		return env.extractString(addr)
	case Struct:
		return t.extractStruct(env, addr, depth)
	case Chan, Func:
		// Opaque reference kinds: report the location itself.
		return PointerValue{valueScore: 1, Addr: addr}
	default:
		return BadValue{}
	}
}

func (env *extractEnv) intAt(addr uint64, size int) Value {
	v, ok := env.readUint(addr, size)
	if !ok {
		return BadValue{}
	}
	switch size {
	case 1:
		v = uint64(int64(int8(v)))
	case 2:
		v = uint64(int64(int16(v)))
	case 4:
		v = uint64(int64(int32(v)))
	}
	return IntValue{valueScore: 1, V: v, Signed: true}
}

func (env *extractEnv) uintAt(addr uint64, size int) Value {
	v, ok := env.readUint(addr, size)
	if !ok {
		return BadValue{}
	}
	return IntValue{valueScore: 1, V: v}
}

// elemStride is the spacing of consecutive elements of t in an array
// or slice: the size rounded up to the alignment.
func elemStride(t *Type) (uint64, bool) {
	align := uint64(t.Header.Align)
	if align == 0 {
		return 0, false
	}
	stride := (t.Header.Size + align - 1) / align * align
	if stride == 0 {
		return 0, false
	}
	return stride, true
}

func (t *Type) extractArray(env *extractEnv, addr uint64, depth int) Value {
	if t.Elem == nil {
		return BadValue{}
	}
	stride, ok := elemStride(t.Elem)
	if !ok {
		return BadValue{}
	}
	// The declared size must be exactly the elements laid end to end,
	// and the base must be aligned for the element type.
	if addr%uint64(t.Elem.Header.Align) != 0 ||
		t.Header.Size%stride != 0 || t.Header.Size/stride != t.Len {
		return BadValue{}
	}
	if depth <= 0 {
		return UnparsedValue{valueScore: 1, Addr: addr}
	}
	if t.Len == 0 {
		return ArrayValue{valueScore: 1}
	}
	elems := make([]Value, 0, t.Len)
	sum := 0.0
	for i := uint64(0); i < t.Len; i++ {
		elem := t.Elem.extract(env, addr+i*stride, depth-1)
		if _, bad := elem.(BadValue); bad {
			return BadValue{}
		}
		sum += elem.Heuristic()
		elems = append(elems, elem)
	}
	return ArrayValue{valueScore: valueScore(sum / float64(len(elems))), Elems: elems}
}

// deref follows a pointer to child at addr. Shared by pointer and
// interface extraction.
func (env *extractEnv) deref(child *Type, addr uint64, depth int) Value {
	if child == nil {
		return BadValue{}
	}
	ptr, ok := env.readUint(addr, env.ptrSize)
	if !ok {
		return BadValue{}
	}
	if ptr == 0 {
		// Valid but null. These come up, at reduced confidence.
		return PointerValue{valueScore: valueScore(Medium.Float())}
	}
	if env.seen[ptr] {
		// Circular reference. Slightly downgrade confidence.
		return UnparsedValue{valueScore: valueScore(High.Float()), Addr: ptr}
	}
	env.seen[ptr] = true
	v := child.extract(env, ptr, depth)
	if _, bad := v.(BadValue); bad {
		// The pointee is not of this type. Either the memory does not
		// exist or the data there is illegal.
		return PointerValue{Addr: ptr}
	}
	return v
}

func (t *Type) extractInterface(env *extractEnv, addr uint64, depth int) Value {
	// An interface value is two words: a type (or itab) pointer, then
	// the data pointer.
	var typePtr uint64
	var typeOK, failNicely bool
	if len(t.Methods) == 0 {
		typePtr, typeOK = env.readUint(addr, env.ptrSize)
		failNicely = typeOK
	} else {
		itab, ok := env.readUint(addr, env.ptrSize)
		if ok {
			failNicely = true
			typePtr, typeOK = env.readUint(itab+uint64(env.ptrSize), env.ptrSize)
		}
	}
	if typeOK {
		// Treat it like dereferencing a pointer of the dynamic type.
		return env.deref(env.graph.Lookup(typePtr), addr+uint64(env.ptrSize), depth)
	}
	if failNicely {
		return PointerValue{valueScore: valueScore(Low.Float()), Addr: addr + uint64(env.ptrSize)}
	}
	return BadValue{}
}

func (t *Type) extractSlice(env *extractEnv, addr uint64, depth int) Value {
	if t.Elem == nil {
		return BadValue{}
	}
	stride, ok := elemStride(t.Elem)
	if !ok {
		return BadValue{}
	}
	ptr := uint64(env.ptrSize)
	base, ok1 := env.readUint(addr, env.ptrSize)
	length, ok2 := env.readUint(addr+ptr, env.ptrSize)
	capacity, ok3 := env.readUint(addr+2*ptr, env.ptrSize)
	if !ok1 || !ok2 || !ok3 || base%uint64(t.Elem.Header.Align) != 0 || capacity < length {
		return BadValue{}
	}
	if capacity == 0 {
		// A capacity of 0 is quite unusual.
		return SliceValue{valueScore: valueScore(Low.Float()), Base: base, Len: length, Cap: capacity}
	}
	// Most live slices have length close to capacity, and neither is
	// normally enormous.
	lengthScore := math.Min(
		rateLength(length, sliceLenThreshold, sliceLenSoftness),
		rateLength(capacity, 2*sliceLenThreshold, 2*sliceLenSoftness),
	)
	if depth <= 0 {
		return UnparsedValue{valueScore: valueScore(lengthScore), Addr: base}
	}
	if length == 0 {
		return SliceValue{valueScore: valueScore(lengthScore), Base: base, Len: length, Cap: capacity}
	}
	num := length
	if num > longSlice {
		num = longSlice
	}
	elems := make([]Value, 0, num)
	sum := 0.0
	for i := uint64(0); i < num; i++ {
		elem := t.Elem.extract(env, base+i*stride, depth-1)
		if _, bad := elem.(BadValue); bad {
			// Bad underlying memory. Keep the header information at
			// low confidence.
			return SliceValue{valueScore: valueScore(Low.Float()), Base: base, Len: length, Cap: capacity}
		}
		sum += elem.Heuristic()
		elems = append(elems, elem)
	}
	score := (lengthScore + sum/float64(num)) / 2
	return SliceValue{valueScore: valueScore(score), Base: base, Len: length, Cap: capacity, Elems: elems}
}

func (env *extractEnv) extractString(addr uint64) Value {
	ptr := uint64(env.ptrSize)
	base, ok1 := env.readUint(addr, env.ptrSize)
	length, ok2 := env.readUint(addr+ptr, env.ptrSize)
	if !ok1 || !ok2 {
		return BadValue{}
	}
	if length == 0 {
		// Go strings are immutable, so the empty string rarely
		// appears as a real value. Probably something else.
		return StringValue{valueScore: valueScore(Low.Float()), Base: base, Data: []byte{}}
	}
	score := rateLength(length, stringLenThreshold, stringLenSoftness)
	num := length
	if num > longString {
		num = longString
	}
	data, ok := env.readBytes(base, int(num))
	if !ok {
		// The header decoded but the content is unreadable. Keep base
		// and length at a severely reduced score.
		return StringValue{valueScore: valueScore(score * 0.2), Base: base, Len: length}
	}
	runes, printable := 0, 0
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		runes++
		if unicode.IsPrint(r) {
			printable++
		}
		i += size
	}
	if runes > 0 {
		score = (score + float64(printable)/float64(runes)) / 2
	} else {
		score /= 2
	}
	return StringValue{valueScore: valueScore(score), Base: base, Len: length, Data: data}
}

func (t *Type) extractStruct(env *extractEnv, addr uint64, depth int) Value {
	if depth <= 0 {
		return UnparsedValue{valueScore: 1, Addr: addr}
	}
	if len(t.Fields) == 0 {
		return StructValue{valueScore: 1}
	}
	fields := make([]FieldValue, 0, len(t.Fields))
	sum := 0.0
	for _, f := range t.Fields {
		var v Value = BadValue{}
		if f.Type != nil {
			v = f.Type.extract(env, addr+f.Offset, depth-1)
		}
		if _, bad := v.(BadValue); bad {
			// Later fields may be uninitialised while earlier ones
			// hold good information, so keep the prefix.
			break
		}
		sum += v.Heuristic()
		fields = append(fields, FieldValue{Name: f.Name, Val: v})
	}
	if len(fields) == 0 {
		return BadValue{}
	}
	return StructValue{valueScore: valueScore(sum / float64(len(fields))), Fields: fields}
}

func (t *Type) extractMap(env *extractEnv, addr uint64, depth int) Value {
	if t.Bucket == nil {
		return BadValue{}
	}
	// 1.24 introduced the swiss table layout. The bound is only
	// lifted to 24 when the new implementation is certain.
	if t.vers.Min < 24 {
		return t.extractBucketMap(env, addr, depth)
	}
	return t.extractSwissMap(env, addr, depth)
}

// readUint reads a little-endian unsigned integer of the given byte
// size, refusing ranges that fall outside the target address space.
func (env *extractEnv) readUint(addr uint64, size int) (uint64, bool) {
	if !env.readable(addr, size) {
		return 0, false
	}
	v, err := proc.ReadUintRaw(env.mem, addr, size)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (env *extractEnv) readBytes(addr uint64, size int) ([]byte, bool) {
	if !env.readable(addr, size) {
		return nil, false
	}
	buf := make([]byte, size)
	if _, err := env.mem.ReadMemory(buf, addr); err != nil {
		return nil, false
	}
	return buf, true
}

func (env *extractEnv) readable(addr uint64, size int) bool {
	if size <= 0 {
		return false
	}
	end := addr + uint64(size)
	if env.ptrSize == 4 {
		return end <= 1<<32
	}
	return end == 0 || end > addr
}
