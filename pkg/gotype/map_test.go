package gotype_test

import (
	"testing"

	"github.com/go-loupe/loupe/pkg/gosym"
	"github.com/go-loupe/loupe/pkg/gotype"
)

// Bucket map images for go1.18 era binaries: an hmap header over an
// array of 144 byte buckets (8 topbits, 8 uint64 keys, 8 uint64
// elems, overflow pointer).
//
// The seed values below have exactly the expected number of adjacent
// bit flips, so the entropy term of the confidence is 1 and the
// assertions stay exact.

const (
	hmapAddr   = 0x1000
	bucketAddr = 0x2000
	goodSeed32 = 0x5555
	goodSeed64 = 0x55555555
)

func oldMapType(t *testing.T) *gotype.Type {
	t.Helper()
	p := gotype.NewParser(nil, gosym.Bounds{Min: 18, Max: 18}, 8)
	typ := p.Parse("map[uint64]uint64")
	if typ == nil {
		t.Fatal("Parse(map[uint64]uint64) = nil")
	}
	return typ
}

func buildHmap(count uint64, shift uint8, seed uint32, buckets uint64) blob {
	h := make(blob, 24)
	h.put64(0, count)
	h[9] = shift
	h.put32(12, seed)
	h.put64(16, buckets)
	return h
}

// buildBucket fills the first cells of one bucket with the given
// entries, marking them live with top hash 5.
func buildBucket(entries [][2]uint64, overflow uint64) blob {
	b := make(blob, 144)
	for i, kv := range entries {
		b[i] = 5
		b.put64(8+8*i, kv[0])
		b.put64(72+8*i, kv[1])
	}
	b.put64(136, overflow)
	return b
}

func TestExtractBucketMap(t *testing.T) {
	mem := &fakeMem{regions: map[uint64][]byte{
		hmapAddr:   buildHmap(2, 0, goodSeed32, bucketAddr),
		bucketAddr: buildBucket([][2]uint64{{11, 111}, {22, 222}}, 0),
	}}

	v := oldMapType(t).Extract(mem, 8, nil, hmapAddr, 2)
	if v.String() != "[11: 111, 22: 222]" {
		t.Errorf("map = %q, want [11: 111, 22: 222]", v)
	}
	if v.Heuristic() != 1 || v.Confidence() != gotype.High {
		t.Errorf("heuristic = %v (%v), want 1", v.Heuristic(), v.Confidence())
	}
}

func TestExtractBucketMapOverflow(t *testing.T) {
	const next = 0x3000
	mem := &fakeMem{regions: map[uint64][]byte{
		hmapAddr:   buildHmap(2, 0, goodSeed32, bucketAddr),
		bucketAddr: buildBucket([][2]uint64{{1, 10}}, next),
		next:       buildBucket([][2]uint64{{2, 20}}, 0),
	}}

	v := oldMapType(t).Extract(mem, 8, nil, hmapAddr, 2)
	if v.String() != "[1: 10, 2: 20]" {
		t.Errorf("map = %q, want [1: 10, 2: 20]", v)
	}
}

func TestExtractBucketMapEmpty(t *testing.T) {
	// An empty map never touches the bucket array, and its confidence
	// is carried by the seed entropy alone.
	mem := &fakeMem{regions: map[uint64][]byte{
		hmapAddr: buildHmap(0, 0, goodSeed32, 0x666000),
	}}
	v := oldMapType(t).Extract(mem, 8, nil, hmapAddr, 2)
	if v.String() != "[]" || v.Confidence() != gotype.High {
		t.Errorf("empty map = %q (%v)", v, v.Confidence())
	}

	// A low entropy seed looks like a counter, not a map.
	mem = &fakeMem{regions: map[uint64][]byte{
		hmapAddr: buildHmap(0, 0, 1, 0x666000),
	}}
	v = oldMapType(t).Extract(mem, 8, nil, hmapAddr, 2)
	if v.String() != "[]" || v.Confidence() != gotype.Junk {
		t.Errorf("counter seed = %q (%v), want junk", v, v.Confidence())
	}
}

func TestExtractBucketMapDepthZero(t *testing.T) {
	mem := &fakeMem{regions: map[uint64][]byte{
		hmapAddr: buildHmap(2, 0, goodSeed32, bucketAddr),
	}}
	v := oldMapType(t).Extract(mem, 8, nil, hmapAddr, 0)
	if v.String() != "0x1000.." || v.Heuristic() != 1 {
		t.Errorf("depth 0 = %q (%v)", v, v.Heuristic())
	}
}

func TestExtractBucketMapHugeShift(t *testing.T) {
	// A bucket shift beyond any real map is walked only up to the cap,
	// and the walk dies on the first unmapped bucket rather than
	// spinning through 2^40 of them.
	mem := &fakeMem{regions: map[uint64][]byte{
		hmapAddr:   buildHmap(3, 40, goodSeed32, bucketAddr),
		bucketAddr: buildBucket([][2]uint64{{1, 10}}, 0),
	}}
	v := oldMapType(t).Extract(mem, 8, nil, hmapAddr, 2)
	if v.String() != "?" {
		t.Errorf("huge shift = %q, want ?", v)
	}
}

// Swiss map images for go1.24 era binaries: a header pointing at a
// directory of tables whose 136 byte groups hold a control word and 8
// key/elem slots.

func swissMapType(t *testing.T) *gotype.Type {
	t.Helper()
	p := gotype.NewParser(nil, gosym.Bounds{Min: 24, Max: 24}, 8)
	typ := p.Parse("map[uint64]uint64")
	if typ == nil {
		t.Fatal("Parse(map[uint64]uint64) = nil")
	}
	return typ
}

func buildSwissHeader(length, seed, dirPtr, dirLen uint64) blob {
	h := make(blob, 32)
	h.put64(0, length)
	h.put64(8, seed)
	h.put64(16, dirPtr)
	h.put64(24, dirLen)
	return h
}

// buildSwissGroup lays out one group with the first len(entries) slots
// full. A control byte with bit 7 set marks an empty slot.
func buildSwissGroup(entries [][2]uint64) blob {
	g := make(blob, 136)
	ctrl := uint64(0)
	for i := 0; i < 8; i++ {
		if i >= len(entries) {
			ctrl |= 0x80 << (8 * uint(i))
		}
	}
	g.put64(0, ctrl)
	for i, kv := range entries {
		g.put64(8+16*i, kv[0])
		g.put64(16+16*i, kv[1])
	}
	return g
}

func buildSwissTable(groups uint64) blob {
	tb := make(blob, 32)
	tb.put64(16, groups) // group array base
	tb.put64(24, 0)      // stored group count, one less than the total
	return tb
}

func TestExtractSwissMapSmall(t *testing.T) {
	const group = 0x2000
	mem := &fakeMem{regions: map[uint64][]byte{
		hmapAddr: buildSwissHeader(2, goodSeed64, group, 0),
		group:    buildSwissGroup([][2]uint64{{7, 70}, {8, 80}}),
	}}

	v := swissMapType(t).Extract(mem, 8, nil, hmapAddr, 1)
	if v.String() != "[7: 70, 8: 80]" {
		t.Errorf("map = %q, want [7: 70, 8: 80]", v)
	}
	if v.Heuristic() != 1 || v.Confidence() != gotype.High {
		t.Errorf("heuristic = %v (%v), want 1", v.Heuristic(), v.Confidence())
	}
}

func TestExtractSwissMapDirectory(t *testing.T) {
	const (
		dir    = 0x2000
		table1 = 0x3000
		table2 = 0x4000
		group1 = 0x5000
		group2 = 0x6000
	)
	d := make(blob, 16)
	d.put64(0, table1)
	d.put64(8, table2)
	mem := &fakeMem{regions: map[uint64][]byte{
		hmapAddr: buildSwissHeader(2, goodSeed64, dir, 2),
		dir:      d,
		table1:   buildSwissTable(group1),
		table2:   buildSwissTable(group2),
		group1:   buildSwissGroup([][2]uint64{{1, 10}}),
		group2:   buildSwissGroup([][2]uint64{{2, 20}}),
	}}

	v := swissMapType(t).Extract(mem, 8, nil, hmapAddr, 1)
	if v.String() != "[1: 10, 2: 20]" {
		t.Errorf("map = %q, want [1: 10, 2: 20]", v)
	}
}

func TestExtractSwissMapEmpty(t *testing.T) {
	mem := &fakeMem{regions: map[uint64][]byte{
		hmapAddr: buildSwissHeader(0, goodSeed64, 0x666000, 0),
	}}
	v := swissMapType(t).Extract(mem, 8, nil, hmapAddr, 1)
	if v.String() != "[]" || v.Confidence() != gotype.High {
		t.Errorf("empty map = %q (%v)", v, v.Confidence())
	}
}

func TestExtractSwissMapGuards(t *testing.T) {
	const (
		dir   = 0x2000
		table = 0x3000
	)
	d := make(blob, 8)
	d.put64(0, table)

	// A stored count beyond the group cap fails instead of walking a
	// fabricated group array.
	huge := buildSwissTable(0x7000)
	huge.put64(24, 1<<20)
	mem := &fakeMem{regions: map[uint64][]byte{
		hmapAddr: buildSwissHeader(5, goodSeed64, dir, 1),
		dir:      d,
		table:    huge,
	}}
	if v := swissMapType(t).Extract(mem, 8, nil, hmapAddr, 1); v.String() != "?" {
		t.Errorf("huge stored count = %q, want ?", v)
	}

	// An implausible directory length dies on the directory read
	// instead of chasing table pointers out of thin air.
	mem = &fakeMem{regions: map[uint64][]byte{
		hmapAddr: buildSwissHeader(5, goodSeed64, dir, 100000),
		dir:      d,
	}}
	if v := swissMapType(t).Extract(mem, 8, nil, hmapAddr, 1); v.String() != "?" {
		t.Errorf("huge directory = %q, want ?", v)
	}
}
