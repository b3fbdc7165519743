package gotype_test

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/go-loupe/loupe/pkg/gotype"
)

// fakeMem serves reads out of a set of mapped regions and counts them,
// so tests can assert how much memory a decode touched.
type fakeMem struct {
	regions map[uint64][]byte
	reads   int
}

func (m *fakeMem) ReadMemory(buf []byte, addr uint64) (int, error) {
	m.reads++
	for base, data := range m.regions {
		if addr >= base && addr+uint64(len(buf)) <= base+uint64(len(data)) {
			copy(buf, data[addr-base:])
			return len(buf), nil
		}
	}
	return 0, errors.New("unmapped read")
}

// blob is a fixed size little endian byte builder for synthetic target
// memory.
type blob []byte

func (b blob) put16(off int, v uint16)    { binary.LittleEndian.PutUint16(b[off:], v) }
func (b blob) put32(off int, v uint32)    { binary.LittleEndian.PutUint32(b[off:], v) }
func (b blob) put64(off int, v uint64)    { binary.LittleEndian.PutUint64(b[off:], v) }
func (b blob) putBytes(off int, p []byte) { copy(b[off:], p) }

const extractDepth = 3

// decode parses the type notation and extracts a value of that type at
// addr.
func decode(t *testing.T, mem *fakeMem, repr string, addr uint64, depth int) gotype.Value {
	t.Helper()
	typ := modernParser().Parse(repr)
	if typ == nil {
		t.Fatalf("Parse(%q) = nil", repr)
	}
	return typ.Extract(mem, 8, nil, addr, depth)
}

func TestExtractBool(t *testing.T) {
	mem := &fakeMem{regions: map[uint64][]byte{0x1000: {0, 1, 2}}}

	cases := []struct {
		addr uint64
		want string
		h    float64
	}{
		{0x1000, "false", 1},
		{0x1001, "true", 1},
		{0x1002, "?", 0}, // 2 is not a legal bool image
		{0x9000, "?", 0}, // unmapped
	}
	for _, tc := range cases {
		v := decode(t, mem, "bool", tc.addr, extractDepth)
		if v.String() != tc.want || v.Heuristic() != tc.h {
			t.Errorf("bool at %#x = %q (%v), want %q (%v)", tc.addr, v, v.Heuristic(), tc.want, tc.h)
		}
	}
}

func TestExtractIntKinds(t *testing.T) {
	b := make(blob, 8)
	b.put64(0, 0xfffffffffffffffe)
	mem := &fakeMem{regions: map[uint64][]byte{0x1000: b}}

	// Sign extension works from the width of the type, not the width
	// of the word.
	cases := []struct {
		repr string
		want string
	}{
		{"int8", "-2"},
		{"int16", "-2"},
		{"int32", "-2"},
		{"int64", "-2"},
		{"int", "-2"},
		{"uint8", "254"},
		{"uint16", "65534"},
		{"uint32", "4294967294"},
		{"uint64", "18446744073709551614"},
		{"uint", "18446744073709551614"},
	}
	for _, tc := range cases {
		v := decode(t, mem, tc.repr, 0x1000, extractDepth)
		if v.String() != tc.want || v.Confidence() != gotype.High {
			t.Errorf("%s = %q (%v), want %q", tc.repr, v, v.Confidence(), tc.want)
		}
	}
}

func TestExtractFloatComplex(t *testing.T) {
	b := make(blob, 16)
	mem := &fakeMem{regions: map[uint64][]byte{0x1000: b}}

	b.put32(0, math.Float32bits(3.5))
	if v := decode(t, mem, "float32", 0x1000, extractDepth); v.String() != "3.5" {
		t.Errorf("float32 = %q, want 3.5", v)
	}

	b.put64(0, math.Float64bits(-0.25))
	if v := decode(t, mem, "float64", 0x1000, extractDepth); v.String() != "-0.25" {
		t.Errorf("float64 = %q, want -0.25", v)
	}

	b.put32(0, math.Float32bits(1.5))
	b.put32(4, math.Float32bits(2))
	if v := decode(t, mem, "complex64", 0x1000, extractDepth); v.String() != "(1.5+2i)" {
		t.Errorf("complex64 = %q, want (1.5+2i)", v)
	}

	b.put64(0, math.Float64bits(1.5))
	b.put64(8, math.Float64bits(2))
	if v := decode(t, mem, "complex128", 0x1000, extractDepth); v.String() != "(1.5+2i)" {
		t.Errorf("complex128 = %q, want (1.5+2i)", v)
	}
}

func TestExtractWordKinds(t *testing.T) {
	b := make(blob, 8)
	b.put64(0, 0xcafe)
	mem := &fakeMem{regions: map[uint64][]byte{0x1000: b}}

	for _, repr := range []string{"uintptr", "unsafe.Pointer", "func()", "chan int"} {
		v := decode(t, mem, repr, 0x1000, extractDepth)
		if v.String() != "0xcafe" || v.Confidence() != gotype.High {
			t.Errorf("%s = %q (%v), want 0xcafe", repr, v, v.Confidence())
		}
	}
}

func TestExtractString(t *testing.T) {
	const header, content = 0x1000, 0x2000

	str := func(base, length uint64) *fakeMem {
		h := make(blob, 16)
		h.put64(0, base)
		h.put64(8, length)
		return &fakeMem{regions: map[uint64][]byte{
			header:  h,
			content: []byte("hello\x00\x01\x02\x03"),
		}}
	}

	v := decode(t, str(content, 5), "string", header, extractDepth)
	if v.String() != "hello" || v.Heuristic() != 1 {
		t.Errorf("string = %q (%v), want hello (1)", v, v.Heuristic())
	}

	// Unprintable content halves the score.
	v = decode(t, str(content+5, 4), "string", header, extractDepth)
	if v.Heuristic() != 0.5 || v.Confidence() != gotype.Medium {
		t.Errorf("binary string heuristic = %v (%v), want 0.5", v.Heuristic(), v.Confidence())
	}

	// An unreadable content pointer keeps the header at a fraction of
	// its score.
	v = decode(t, str(0x666000, 5), "string", header, extractDepth)
	if want := "<string @0x666000 #5>"; v.String() != want {
		t.Errorf("string = %q, want %q", v, want)
	}
	if math.Abs(v.Heuristic()-0.2) > 1e-12 {
		t.Errorf("unreadable string heuristic = %v, want 0.2", v.Heuristic())
	}

	// Empty strings are legal but are usually something else.
	v = decode(t, str(content, 0), "string", header, extractDepth)
	if v.String() != "" || v.Confidence() != gotype.Low {
		t.Errorf("empty string = %q (%v), want low confidence", v, v.Confidence())
	}
}

func TestExtractLongString(t *testing.T) {
	const header, content = 0x1000, 0x2000
	h := make(blob, 16)
	h.put64(0, content)
	h.put64(8, 2000)
	mem := &fakeMem{regions: map[uint64][]byte{
		header:  h,
		content: blob(strings.Repeat("m", 2000)),
	}}

	// Only the first kilobyte is fetched, so the value renders as an
	// incomplete header even though the memory is all there.
	v := decode(t, mem, "string", header, extractDepth)
	if want := "<string @0x2000 #2000>"; v.String() != want {
		t.Errorf("String() = %q, want %q", v, want)
	}
	want := (1.0 + 200.0/2160.0) / 2
	if math.Abs(v.Heuristic()-want) > 1e-12 {
		t.Errorf("heuristic = %v, want %v", v.Heuristic(), want)
	}
}

func TestExtractSliceOfInts(t *testing.T) {
	const header, content = 0x1000, 0x2000
	h := make(blob, 24)
	h.put64(0, content)
	h.put64(8, 3)
	h.put64(16, 3)
	c := make(blob, 24)
	for i, v := range []uint64{10, 20, 30} {
		c.put64(8*i, v)
	}
	mem := &fakeMem{regions: map[uint64][]byte{header: h, content: c}}

	v := decode(t, mem, "[]uint64", header, extractDepth)
	if v.String() != "[10, 20, 30]" {
		t.Errorf("slice = %q, want [10, 20, 30]", v)
	}
	if v.Heuristic() != 1 || v.Confidence() != gotype.High {
		t.Errorf("heuristic = %v (%v), want 1", v.Heuristic(), v.Confidence())
	}

	sv, ok := v.(gotype.SliceValue)
	if !ok || sv.Base != content || sv.Len != 3 || sv.Cap != 3 {
		t.Errorf("header = %+v, want base %#x 3/3", sv, uint64(content))
	}
}

func TestExtractSliceEdges(t *testing.T) {
	const header = 0x1000
	build := func(base, length, capacity uint64) *fakeMem {
		h := make(blob, 24)
		h.put64(0, base)
		h.put64(8, length)
		h.put64(16, capacity)
		return &fakeMem{regions: map[uint64][]byte{header: h}}
	}

	// Capacity below length is not a slice.
	if v := decode(t, build(0x2000, 5, 3), "[]uint64", header, extractDepth); v.String() != "?" {
		t.Errorf("cap<len = %q, want ?", v)
	}

	// A misaligned base is not a slice either.
	if v := decode(t, build(0x2001, 1, 1), "[]uint64", header, extractDepth); v.String() != "?" {
		t.Errorf("misaligned = %q, want ?", v)
	}

	// Zero capacity decodes, suspiciously.
	v := decode(t, build(0x2000, 0, 0), "[]uint64", header, extractDepth)
	if v.String() != "<slice @0x2000 #0/0>" || v.Confidence() != gotype.Low {
		t.Errorf("cap 0 = %q (%v)", v, v.Confidence())
	}

	// Empty but with capacity keeps the full length score.
	v = decode(t, build(0x2000, 0, 8), "[]uint64", header, extractDepth)
	if v.String() != "<slice @0x2000 #0/8>" || v.Heuristic() != 1 {
		t.Errorf("len 0 = %q (%v)", v, v.Heuristic())
	}

	// Unreadable content demotes to the header at low confidence.
	v = decode(t, build(0x666000, 2, 2), "[]uint64", header, extractDepth)
	if v.String() != "<slice @0x666000 #2/2>" || v.Confidence() != gotype.Low {
		t.Errorf("unreadable = %q (%v)", v, v.Confidence())
	}

	// Out of depth, only the header is validated.
	v = decode(t, build(0x2000, 3, 3), "[]uint64", header, 0)
	if v.String() != "0x2000.." || v.Heuristic() != 1 {
		t.Errorf("depth 0 = %q (%v)", v, v.Heuristic())
	}
}

func TestExtractSliceTruncates(t *testing.T) {
	const header, content = 0x1000, 0x2000
	h := make(blob, 24)
	h.put64(0, content)
	h.put64(8, 150)
	h.put64(16, 150)
	c := make(blob, 150)
	mem := &fakeMem{regions: map[uint64][]byte{header: h, content: c}}

	v := decode(t, mem, "[]uint8", header, extractDepth)
	sv, ok := v.(gotype.SliceValue)
	if !ok {
		t.Fatalf("got %T (%q)", v, v)
	}
	if len(sv.Elems) != 100 || sv.Len != 150 {
		t.Errorf("decoded %d of %d elements, want 100 of 150", len(sv.Elems), sv.Len)
	}
	if !strings.HasSuffix(v.String(), "...50 more]") {
		t.Errorf("String() = %q, want ...50 more] suffix", v)
	}
}

func TestExtractPointer(t *testing.T) {
	const p1, p2 = 0x1000, 0x2000

	b1 := make(blob, 8)
	b2 := make(blob, 8)
	mem := &fakeMem{regions: map[uint64][]byte{p1: b1, p2: b2}}

	// A pointer chain decodes through to the pointee.
	b1.put64(0, p2)
	b2.put64(0, 77)
	v := decode(t, mem, "*uint64", p1, extractDepth)
	if v.String() != "77" || v.Heuristic() != 1 {
		t.Errorf("*uint64 = %q (%v), want 77", v, v.Heuristic())
	}

	// Null pointers are common enough to keep at medium confidence.
	b1.put64(0, 0)
	v = decode(t, mem, "*uint64", p1, extractDepth)
	if v.String() != "0x0" || v.Confidence() != gotype.Medium {
		t.Errorf("null = %q (%v), want 0x0 medium", v, v.Confidence())
	}

	// A pointee that fails to decode drops the pointer to junk but
	// keeps the address.
	b1.put64(0, p2)
	b2[0] = 9
	v = decode(t, mem, "*bool", p1, extractDepth)
	if v.String() != "0x2000" || v.Confidence() != gotype.Junk {
		t.Errorf("bad pointee = %q (%v), want 0x2000 junk", v, v.Confidence())
	}
}

func TestExtractPointerCycle(t *testing.T) {
	const p1, p2 = 0x1000, 0x2000
	b1 := make(blob, 8)
	b2 := make(blob, 8)
	b1.put64(0, p2)
	b2.put64(0, p2) // points back at itself
	mem := &fakeMem{regions: map[uint64][]byte{p1: b1, p2: b2}}

	v := decode(t, mem, "**uint64", p1, 10)
	if v.String() != "0x2000.." {
		t.Errorf("cycle = %q, want 0x2000..", v)
	}
	if v.Heuristic() != gotype.High.Float() || v.Confidence() != gotype.High {
		t.Errorf("cycle heuristic = %v (%v), want 0.7", v.Heuristic(), v.Confidence())
	}
}

func TestExtractStruct(t *testing.T) {
	b := make(blob, 16)
	b.put64(0, 7)
	b[8] = 1
	mem := &fakeMem{regions: map[uint64][]byte{0x1000: b}}

	v := decode(t, mem, "struct { n uint64; ok bool }", 0x1000, extractDepth)
	if v.String() != "{n: 7, ok: true}" || v.Heuristic() != 1 {
		t.Errorf("struct = %q (%v)", v, v.Heuristic())
	}

	// A field that fails to decode ends the struct but keeps the
	// fields before it.
	b[8] = 9
	v = decode(t, mem, "struct { n uint64; ok bool }", 0x1000, extractDepth)
	if v.String() != "{n: 7}" {
		t.Errorf("prefix = %q, want {n: 7}", v)
	}

	// If the first field already fails there is nothing to keep.
	v = decode(t, mem, "struct { ok bool; n uint64 }", 0x1008, extractDepth)
	if v.String() != "?" {
		t.Errorf("bad first field = %q, want ?", v)
	}
}

func TestExtractStructDepthZeroReadsNothing(t *testing.T) {
	mem := &fakeMem{}

	v := decode(t, mem, "struct { a uint64; b uint64 }", 0x1000, 0)
	if v.String() != "0x1000.." || v.Heuristic() != 1 {
		t.Errorf("depth 0 struct = %q (%v)", v, v.Heuristic())
	}
	if mem.reads != 0 {
		t.Errorf("depth 0 struct read memory %d times, want 0", mem.reads)
	}
}

func TestExtractArray(t *testing.T) {
	b := make(blob, 8)
	for i, v := range []uint16{1, 2, 3, 4} {
		b.put16(2*i, v)
	}
	mem := &fakeMem{regions: map[uint64][]byte{0x1000: b}}

	v := decode(t, mem, "[4]uint16", 0x1000, extractDepth)
	if v.String() != "[1, 2, 3, 4]" || v.Heuristic() != 1 {
		t.Errorf("array = %q (%v)", v, v.Heuristic())
	}

	// The base must be aligned for the element type.
	if v := decode(t, mem, "[2]uint16", 0x1001, extractDepth); v.String() != "?" {
		t.Errorf("misaligned = %q, want ?", v)
	}

	// Out of depth the array is only validated, not read.
	v = decode(t, mem, "[4]uint16", 0x1000, 0)
	if v.String() != "0x1000.." || v.Heuristic() != 1 {
		t.Errorf("depth 0 = %q (%v)", v, v.Heuristic())
	}

	if v := decode(t, mem, "[0]uint64", 0x1000, extractDepth); v.String() != "[]" || v.Heuristic() != 1 {
		t.Errorf("empty = %q (%v)", v, v.Heuristic())
	}
}
