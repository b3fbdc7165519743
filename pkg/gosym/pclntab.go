// Package gosym recovers the Go runtime's function table from a stopped
// process and answers pc and name queries against it.
//
// The table layout changed with go1.2, go1.16, go1.18 and go1.20; each era
// announces itself with a distinct magic word in the first four bytes. All
// eras share the same 8 byte prefix and the same varint encoded pcsp
// programs, so most of the decoding below is common, parameterized by a few
// header offsets.
package gosym

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/derekparker/trie"

	"github.com/go-loupe/loupe/pkg/internal/varint"
	"github.com/go-loupe/loupe/pkg/logflags"
	"github.com/go-loupe/loupe/pkg/proc"
)

// Magic words at the start of the table, one per layout era.
const (
	magic2to15  uint32 = 0xfffffffb
	magic16to17 uint32 = 0xfffffffa
	magic18to19 uint32 = 0xfffffff0
	magic20to24 uint32 = 0xfffffff1
)

// maxFuncNameRead caps how many bytes of a single function name are read
// from the target.
const maxFuncNameRead = 256

// ErrNotGoBinary is returned when no candidate parses as a function table.
var ErrNotGoBinary = errors.New("not a Go binary")

var (
	errShortTable = errors.New("table shorter than its header claims")
	errBadPrefix  = errors.New("implausible header prefix")
	errMisaligned = errors.New("function map is misaligned")
)

// StackDelta records that from runtime address PC up to the next entry the
// frame base sits Delta bytes above the stack pointer.
type StackDelta struct {
	PC    uint64
	Delta int64
}

// Func is a single function table record.
type Func struct {
	Name string
	// FileEntry is the link time address of the function's first
	// instruction.
	FileEntry uint64
	// StackDeltas is sorted by PC, in runtime space.
	StackDeltas []StackDelta
}

// Entry pairs a function with its runtime entry address.
type Entry struct {
	Entry uint64
	Fn    *Func
}

// Table is a parsed function table.
type Table struct {
	// Entries is sorted by Entry ascending; the runtime lays the table out
	// that way and depends on it just like we do.
	Entries []Entry
	// MaxPC is the sentinel address just past the code the table covers,
	// in runtime space. MaxPCFile is the same address in file space.
	MaxPC     uint64
	MaxPCFile uint64
	// Base is the file address the table starts at.
	Base uint64
	// Bounds is the range of Go releases that could have produced the
	// table.
	Bounds       Bounds
	PtrSize      int
	MinInstrSize int

	names *trie.Trie
}

// Parse tries each candidate location in order and returns the first one
// that decodes as a function table. Function names are read out of the live
// process through mem; translate maps file addresses to runtime addresses.
func Parse(cands []proc.TableCandidate, mem proc.MemoryReader, translate func(uint64) uint64) (*Table, error) {
	log := logflags.GoSymLogger()
	for _, cand := range cands {
		tbl, err := parseCandidate(cand, mem, translate)
		if err != nil {
			log.Debugf("rejected table candidate at %#x (%s): %v", cand.Base, cand.SectionName, err)
			continue
		}
		log.Debugf("function table at %#x (%s): %d funcs, %s", cand.Base, cand.SectionName, len(tbl.Entries), tbl.Bounds)
		return tbl, nil
	}
	return nil, ErrNotGoBinary
}

func parseCandidate(cand proc.TableCandidate, mem proc.MemoryReader, translate func(uint64) uint64) (*Table, error) {
	data := cand.Data
	if len(data) < 8 {
		return nil, errShortTable
	}
	magic := binary.LittleEndian.Uint32(data)
	pad := binary.LittleEndian.Uint16(data[4:6])
	minInstr := int(data[6])
	ptrSize := int(data[7])
	if pad != 0 || (minInstr != 1 && minInstr != 2 && minInstr != 4) || (ptrSize != 4 && ptrSize != 8) {
		return nil, errBadPrefix
	}

	p := &tableParser{
		base:      cand.Base,
		data:      data,
		mem:       mem,
		translate: translate,
		ptrSize:   ptrSize,
		minInstr:  minInstr,
	}

	var readHeader func() error
	var makeFuncs func() error
	switch magic {
	case magic20to24:
		p.bounds = Bounds{20, 24}
		readHeader, makeFuncs = p.header18to24, p.funcs18to24
	case magic18to19:
		p.bounds = Bounds{18, 19}
		readHeader, makeFuncs = p.header18to24, p.funcs18to24
	case magic16to17:
		p.bounds = Bounds{16, 17}
		readHeader, makeFuncs = p.header16to17, p.funcs16to17
	case magic2to15:
		p.bounds = Bounds{2, 15}
		readHeader, makeFuncs = p.header2to15, p.funcs2to15
	default:
		return nil, errBadPrefix
	}

	if err := readHeader(); err != nil {
		return nil, err
	}
	if err := makeFuncs(); err != nil {
		return nil, err
	}

	tbl := &Table{
		Entries:      p.entries,
		MaxPC:        translate(p.maxPCFile),
		MaxPCFile:    p.maxPCFile,
		Base:         cand.Base,
		Bounds:       p.bounds,
		PtrSize:      ptrSize,
		MinInstrSize: minInstr,
	}
	tbl.Bounds = tbl.narrowBounds()
	tbl.buildNames()
	return tbl, nil
}

// tableParser holds the header fields while the function map is decoded.
// Fields that a layout era does not have stay zero.
type tableParser struct {
	base      uint64
	data      []byte
	mem       proc.MemoryReader
	translate func(uint64) uint64

	ptrSize  int
	minInstr int
	bounds   Bounds

	numFuncs    uint64
	numFiles    uint64
	textStart   uint64
	funcNameOff uint64
	cuOff       uint64
	fileOff     uint64
	pcOff       uint64
	pcLnOff     uint64

	unnamed   int
	entries   []Entry
	maxPCFile uint64
}

// word returns the i-th pointer sized little endian word of the table.
func (p *tableParser) word(i uint64) (uint64, error) {
	size := uint64(p.ptrSize)
	if i >= uint64(len(p.data))/size {
		return 0, errShortTable
	}
	off := i * size
	if p.ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(p.data[off:])), nil
	}
	return binary.LittleEndian.Uint64(p.data[off:]), nil
}

// u32 returns the i-th uint32 of the table.
func (p *tableParser) u32(i uint64) (uint32, error) {
	if i >= uint64(len(p.data))/4 {
		return 0, errShortTable
	}
	return binary.LittleEndian.Uint32(p.data[i*4:]), nil
}

// hdrStart is the word index just past the 8 byte prefix.
func (p *tableParser) hdrStart() uint64 {
	return 8 / uint64(p.ptrSize)
}

func (p *tableParser) readWords(dsts []*uint64) error {
	b := p.hdrStart()
	for i, dst := range dsts {
		w, err := p.word(b + uint64(i))
		if err != nil {
			return err
		}
		*dst = w
	}
	return nil
}

func (p *tableParser) header18to24() error {
	return p.readWords([]*uint64{
		&p.numFuncs, &p.numFiles, &p.textStart, &p.funcNameOff,
		&p.cuOff, &p.fileOff, &p.pcOff, &p.pcLnOff,
	})
}

func (p *tableParser) header16to17() error {
	return p.readWords([]*uint64{
		&p.numFuncs, &p.numFiles, &p.funcNameOff,
		&p.cuOff, &p.fileOff, &p.pcOff, &p.pcLnOff,
	})
}

func (p *tableParser) header2to15() error {
	if err := p.readWords([]*uint64{&p.numFuncs}); err != nil {
		return err
	}
	p.pcLnOff = 8 + uint64(p.ptrSize)
	return nil
}

// checkFuncMapFits rejects tables whose claimed function count cannot fit in
// the candidate bytes, before anything is allocated for them.
func (p *tableParser) checkFuncMapFits(start, elemSize uint64) error {
	elems := uint64(len(p.data)) / elemSize
	if start >= elems || 2*p.numFuncs+1 > elems-start {
		return errShortTable
	}
	return nil
}

// funcs18to24 decodes the function map for go1.18 through go1.24: entries
// are uint32 pairs of text offset and funcinfo offset.
func (p *tableParser) funcs18to24() error {
	if p.pcLnOff%4 != 0 {
		return errMisaligned
	}
	start := p.pcLnOff / 4
	if err := p.checkFuncMapFits(start, 4); err != nil {
		return err
	}
	nameTab := p.base + p.funcNameOff

	p.entries = make([]Entry, 0, p.numFuncs)
	for i := uint64(0); i < p.numFuncs; i++ {
		entryOff, err := p.u32(start + 2*i)
		if err != nil {
			return err
		}
		infoOff, err := p.u32(start + 2*i + 1)
		if err != nil {
			return err
		}
		entry := p.textStart + uint64(entryOff)
		funcinfo := (p.pcLnOff + uint64(infoOff) + 4) / 4
		nameOff, err := p.u32(funcinfo)
		if err != nil {
			return err
		}
		pcsp, err := p.u32(funcinfo + 3)
		if err != nil {
			return err
		}
		deltas, err := p.stackDeltas(p.pcOff+uint64(pcsp), entry)
		if err != nil {
			return err
		}
		p.addFunc(entry, nameTab+uint64(nameOff), deltas)
	}

	end, err := p.u32(start + 2*p.numFuncs)
	if err != nil {
		return err
	}
	p.maxPCFile = p.textStart + uint64(end)
	return nil
}

// funcs16to17 decodes the function map for go1.16 and go1.17: entries are
// pointer sized pairs of absolute entry address and funcinfo offset.
func (p *tableParser) funcs16to17() error {
	size := uint64(p.ptrSize)
	if p.pcLnOff%size != 0 {
		return errMisaligned
	}
	start := p.pcLnOff / size
	if err := p.checkFuncMapFits(start, size); err != nil {
		return err
	}
	nameTab := p.base + p.funcNameOff

	p.entries = make([]Entry, 0, p.numFuncs)
	for i := uint64(0); i < p.numFuncs; i++ {
		entry, err := p.word(start + 2*i)
		if err != nil {
			return err
		}
		infoOff, err := p.word(start + 2*i + 1)
		if err != nil {
			return err
		}
		funcinfo := (p.pcLnOff + infoOff + size) / 4
		nameOff, err := p.u32(funcinfo)
		if err != nil {
			return err
		}
		pcsp, err := p.u32(funcinfo + 3)
		if err != nil {
			return err
		}
		deltas, err := p.stackDeltas(p.pcOff+uint64(pcsp), entry)
		if err != nil {
			return err
		}
		p.addFunc(entry, nameTab+uint64(nameOff), deltas)
	}

	end, err := p.word(start + 2*p.numFuncs)
	if err != nil {
		return err
	}
	p.maxPCFile = end
	return nil
}

// funcs2to15 decodes the original function map: pointer sized pairs, name
// offsets relative to the table base, pcsp offsets absolute.
func (p *tableParser) funcs2to15() error {
	size := uint64(p.ptrSize)
	if p.pcLnOff%size != 0 {
		return errMisaligned
	}
	start := p.pcLnOff / size
	if err := p.checkFuncMapFits(start, size); err != nil {
		return err
	}

	p.entries = make([]Entry, 0, p.numFuncs)
	for i := uint64(0); i < p.numFuncs; i++ {
		entry, err := p.word(start + 2*i)
		if err != nil {
			return err
		}
		infoOff, err := p.word(start + 2*i + 1)
		if err != nil {
			return err
		}
		funcinfo := (infoOff + size) / 4
		nameOff, err := p.u32(funcinfo)
		if err != nil {
			return err
		}
		pcsp, err := p.u32(funcinfo + 3)
		if err != nil {
			return err
		}
		deltas, err := p.stackDeltas(uint64(pcsp), entry)
		if err != nil {
			return err
		}
		p.addFunc(entry, p.base+uint64(nameOff), deltas)
	}

	end, err := p.word(start + 2*p.numFuncs)
	if err != nil {
		return err
	}
	p.maxPCFile = end
	return nil
}

// stackDeltas decodes the pcsp program of the function whose file entry is
// entry. Recorded pc values and the terminator comparison are both in
// runtime space. The program is a sequence of zig-zag folded sp delta and pc
// delta varint pairs; a zero sp delta past the entry terminates it.
func (p *tableParser) stackDeltas(off, entry uint64) ([]StackDelta, error) {
	if off > uint64(len(p.data)) {
		return nil, errShortTable
	}
	pc := p.translate(entry)
	entryPC := pc
	spdelta := int64(-1)
	var deltas []StackDelta
	pos := int(off)
	for {
		v, next, err := varint.Read(p.data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		if v == 0 && pc > entryPC {
			break
		}
		pcdelta, next, err := varint.Read(p.data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		spdelta += varint.Zigzag(v)
		deltas = append(deltas, StackDelta{PC: pc, Delta: spdelta})
		pc += uint64(pcdelta) * uint64(p.minInstr)
	}
	return deltas, nil
}

// addFunc reads the function name out of the live process and appends the
// record. entry and nameAddr are file addresses.
func (p *tableParser) addFunc(entry, nameAddr uint64, deltas []StackDelta) {
	name, err := proc.ReadCString(p.mem, p.translate(nameAddr), maxFuncNameRead)
	if err != nil {
		name = fmt.Sprintf("Unnamed_%d", p.unnamed)
		p.unnamed++
	}
	p.entries = append(p.entries, Entry{
		Entry: p.translate(entry),
		Fn:    &Func{Name: name, FileEntry: entry, StackDeltas: deltas},
	})
}
