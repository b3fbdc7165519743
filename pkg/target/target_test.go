package target

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/go-loupe/loupe/pkg/config"
	"github.com/go-loupe/loupe/pkg/gotype"
	"github.com/go-loupe/loupe/pkg/internal/varint"
	"github.com/go-loupe/loupe/pkg/proc"
)

// The fixture is a miniature but complete Go image: a go1.20 era function
// table, a moduledata pointing at a type section holding main.Greeter, and
// a few planted values in memory. Load bias is zero so file and runtime
// addresses coincide.
const (
	tblBase   = 0x100000
	textBase  = 0x200000
	typesBase = 0x300000
	linksBase = 0x340000
	dataBase  = 0x400000
	stackBase = 0x500000
	objAddr   = 0x600000
	strAddr   = 0x610000
)

type fakeMem struct {
	regions map[uint64][]byte
}

func (m *fakeMem) ReadMemory(buf []byte, addr uint64) (int, error) {
	for base, data := range m.regions {
		if addr >= base && addr+uint64(len(buf)) <= base+uint64(len(data)) {
			copy(buf, data[addr-base:])
			return len(buf), nil
		}
	}
	return 0, errors.New("unmapped read")
}

func (m *fakeMem) put(addr uint64, data []byte) { m.regions[addr] = data }

func (m *fakeMem) putWords(addr uint64, ws ...uint64) {
	buf := make([]byte, 8*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint64(buf[8*i:], w)
	}
	m.put(addr, buf)
}

type fakeRegs struct {
	pc, sp uint64
	named  map[string]uint64
}

func (r *fakeRegs) PC() uint64 { return r.pc }
func (r *fakeRegs) SP() uint64 { return r.sp }

func (r *fakeRegs) Get(name string) (uint64, error) {
	if v, ok := r.named[name]; ok {
		return v, nil
	}
	return 0, proc.ErrUnknownRegister
}

func (r *fakeRegs) Slice() []proc.Register {
	var out []proc.Register
	for name, v := range r.named {
		out = proc.AppendUint64Register(out, name, v)
	}
	return out
}

type fakeProcess struct {
	bi      *proc.BinaryInfo
	mem     *fakeMem
	regs    *fakeRegs
	flushes int
}

func (p *fakeProcess) Pid() int                    { return 42 }
func (p *fakeProcess) BinInfo() *proc.BinaryInfo   { return p.bi }
func (p *fakeProcess) Memory() proc.MemoryReader   { return p.mem }
func (p *fakeProcess) FlushMemoryCache()           { p.flushes++ }
func (p *fakeProcess) Detach() error               { return nil }

func (p *fakeProcess) Registers() (proc.Registers, error) {
	if p.regs == nil {
		return nil, errors.New("no registers")
	}
	return p.regs, nil
}

// buildFuncTable lays out a go1.20 table with main.main at textBase,
// main.(*Greeter).Greet at textBase+0x100 and runtime.evacuate at
// textBase+0x200.
func buildFuncTable() []byte {
	b := make([]byte, 0x280)
	binary.LittleEndian.PutUint32(b, 0xfffffff1)
	b[6] = 1 // minimum instruction size
	b[7] = 8 // pointer size
	for i, w := range []uint64{3, 1, textBase, 0x100, 0, 0, 0x160, 0x1a0} {
		binary.LittleEndian.PutUint64(b[8+8*i:], w)
	}
	// name strings
	copy(b[0x100:], "main.main\x00")
	copy(b[0x10a:], "main.(*Greeter).Greet\x00")
	copy(b[0x120:], "runtime.evacuate\x00")
	// pcsp programs: delta 8 after four bytes, then flat
	prog := varint.AppendZigzag(nil, 1)
	prog = varint.Append(prog, 4)
	prog = varint.AppendZigzag(prog, 8)
	prog = varint.Append(prog, 0x20)
	prog = varint.Append(prog, 0)
	copy(b[0x160:], prog)
	// function map: entry offset, funcinfo offset pairs plus sentinel
	for i, v := range []uint32{0x0, 0x20, 0x100, 0x30, 0x200, 0x40, 0x280} {
		binary.LittleEndian.PutUint32(b[0x1a0+4*i:], v)
	}
	// funcinfo blocks: name offset, two ignored words, pcsp offset
	for i, fi := range []struct{ name, pcsp uint32 }{{0, 0}, {0x0a, 0}, {0x20, 0}} {
		base := 0x1a0 + 0x24 + 0x10*i
		binary.LittleEndian.PutUint32(b[base:], fi.name)
		binary.LittleEndian.PutUint32(b[base+12:], fi.pcsp)
	}
	return b
}

// typeSection assembles the type records and returns the section bytes and
// the section offsets of the int and main.Greeter records.
func typeSection() (section []byte, intOff, greeterOff uint64) {
	var buf []byte
	name := func(s string) uint32 {
		off := uint32(len(buf))
		buf = append(buf, 0)
		buf = varint.Append(buf, uint32(len(s)))
		buf = append(buf, s...)
		return off
	}
	record := func(size uint64, align uint8, kind gotype.Kind, nameOff uint32, tail ...uint64) uint64 {
		off := uint64(len(buf))
		hdr := make([]byte, 48)
		binary.LittleEndian.PutUint64(hdr[0:], size)
		hdr[20] = 0 // tflag
		hdr[21] = align
		hdr[22] = align
		hdr[23] = byte(kind)
		binary.LittleEndian.PutUint32(hdr[40:], nameOff)
		buf = append(buf, hdr...)
		for _, w := range tail {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], w)
			buf = append(buf, b[:]...)
		}
		return off
	}
	words := func(ws ...uint64) uint64 {
		off := uint64(len(buf))
		for _, w := range ws {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], w)
			buf = append(buf, b[:]...)
		}
		return off
	}

	nInt := name("int")
	nGreeter := name("main.Greeter")
	nID := name("id")
	nCount := name("count")

	intOff = record(8, 8, gotype.Int, nInt)

	fields := words(
		typesBase+uint64(nID), typesBase+intOff, 0,
		typesBase+uint64(nCount), typesBase+intOff, 8,
	)
	greeterOff = record(16, 8, gotype.Struct, nGreeter,
		0, typesBase+fields, 2)
	return buf, intOff, greeterOff
}

// newFixture assembles the whole image and attaches a target to it.
func newFixture(t *testing.T) (*Target, *fakeProcess) {
	t.Helper()

	tbl := buildFuncTable()
	types, intOff, greeterOff := typeSection()

	links := make([]byte, 8)
	binary.LittleEndian.PutUint32(links, uint32(intOff))
	binary.LittleEndian.PutUint32(links[4:], uint32(greeterOff))

	md := make([]byte, 46*8)
	put := func(i int, w uint64) { binary.LittleEndian.PutUint64(md[8*i:], w) }
	put(0, tblBase) // the needle: moduledata references the pclntab
	put(20, textBase)
	put(21, textBase+0x280)
	put(37, typesBase)
	put(38, typesBase+uint64(len(types)))
	put(44, linksBase)
	put(45, 2)

	mem := &fakeMem{regions: map[uint64][]byte{}}
	mem.put(tblBase, tbl)
	mem.put(typesBase, types)
	mem.put(linksBase, links)
	mem.put(strAddr, []byte("hello world"))
	mem.putWords(objAddr, 7, 11) // a plausible Greeter value

	bi := proc.NewBinaryFromSections(proc.AMD64Arch(), 0, []proc.SectionContent{
		{Name: ".gopclntab", Addr: tblBase, Data: tbl},
		{Name: ".noptrdata", Addr: dataBase, Data: md},
	})

	p := &fakeProcess{bi: bi, mem: mem}
	tgt, err := New(p, &config.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tgt, p
}

func TestAnalyse(t *testing.T) {
	tgt, _ := newFixture(t)

	if got := tgt.Bounds(); got.Min != 20 || got.Max != 24 {
		t.Errorf("bounds = %s, want go1.20 to go1.24", got)
	}
	if !tgt.TypesRecovered() {
		t.Fatal("type graph was not recovered")
	}
	if n := tgt.NumTypes(); n != 2 {
		t.Errorf("recovered %d types, want 2", n)
	}

	e, err := tgt.FindFunction("main.main")
	if err != nil {
		t.Fatalf("FindFunction(main.main): %v", err)
	}
	if e.Entry != textBase {
		t.Errorf("main.main entry = %#x, want %#x", e.Entry, uint64(textBase))
	}

	// An address resolves to the containing function.
	e, err = tgt.FindFunction("0x200104")
	if err != nil {
		t.Fatalf("FindFunction(0x200104): %v", err)
	}
	if e.Fn.Name != "main.(*Greeter).Greet" {
		t.Errorf("function at 0x200104 = %q", e.Fn.Name)
	}

	// A unique prefix resolves too; a miss reports ErrNotFound.
	if _, err := tgt.FindFunction("runtime.ev"); err != nil {
		t.Errorf("FindFunction(runtime.ev): %v", err)
	}
	if _, err := tgt.FindFunction("nonesuch"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindFunction(nonesuch) = %v, want ErrNotFound", err)
	}

	names := tgt.FuncsMatching("main.")
	if len(names) != 2 {
		t.Errorf("FuncsMatching(main.) = %v", names)
	}
}

func TestGetType(t *testing.T) {
	tgt, _ := newFixture(t)

	rendered, size, err := tgt.GetType("main.Greeter", 2)
	if err != nil {
		t.Fatalf("GetType: %v", err)
	}
	if size != 16 {
		t.Errorf("size = %d, want 16", size)
	}
	want := "struct { id int; count int }"
	if rendered != want {
		t.Errorf("rendered = %q, want %q", rendered, want)
	}

	if _, _, err := tgt.GetType("main.Missing", 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetType(main.Missing) = %v, want ErrNotFound", err)
	}
}

func TestUnpack(t *testing.T) {
	tgt, p := newFixture(t)

	const hdrAddr, elemsAddr = 0x700000, 0x710000
	p.mem.putWords(elemsAddr, 1, 2, 3)
	p.mem.putWords(hdrAddr, elemsAddr, 3, 3)

	v, err := tgt.Unpack("[]int", hdrAddr, 2)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got := v.String(); got != "[1, 2, 3]" {
		t.Errorf("value = %q, want [1, 2, 3]", got)
	}
	if h := v.Heuristic(); h != 1.0 {
		t.Errorf("heuristic = %v, want 1.0", h)
	}

	// The recovered struct type decodes by name.
	v, err = tgt.Unpack("main.Greeter", objAddr, 2)
	if err != nil {
		t.Fatalf("Unpack(main.Greeter): %v", err)
	}
	if got := v.String(); got != "{id: 7, count: 11}" {
		t.Errorf("value = %q", got)
	}

	if _, err := tgt.Unpack("[]int", 0xdead0000, 2); !errors.Is(err, ErrBadData) {
		t.Errorf("Unpack(unmapped) = %v, want ErrBadData", err)
	}
	if _, err := tgt.Unpack("notatype{", hdrAddr, 2); err == nil {
		t.Error("Unpack with a bad type expression did not fail")
	}
}

func TestBacktrace(t *testing.T) {
	tgt, p := newFixture(t)

	// main.main stopped at +4 with a return address into the method.
	p.mem.putWords(stackBase+8, textBase+0x104)
	p.regs = &fakeRegs{pc: textBase + 4, sp: stackBase}

	frames, err := tgt.Backtrace(16)
	if err != nil {
		t.Fatalf("Backtrace: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2: %+v", len(frames), frames)
	}
	if frames[0].Name != "main.main" || frames[0].Base != stackBase+8 {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	if frames[1].Name != "main.(*Greeter).Greet" || frames[1].Offset != 4 {
		t.Errorf("frame 1 = %+v", frames[1])
	}
}

func TestReanalyse(t *testing.T) {
	tgt, p := newFixture(t)

	tgt.stringGuesses.Add(strAddr, 11)
	before := tgt.tbl

	if err := tgt.Reanalyse(); err != nil {
		t.Fatalf("Reanalyse: %v", err)
	}
	if tgt.tbl == before {
		t.Error("Reanalyse kept the old table")
	}
	if p.flushes == 0 {
		t.Error("Reanalyse did not flush the memory cache")
	}
	if _, ok := tgt.stringGuesses.Get(strAddr); ok {
		t.Error("Reanalyse kept a stale guess")
	}

	// A failed rebuild keeps the current state.
	good := p.bi
	p.bi = proc.NewBinaryFromSections(proc.AMD64Arch(), 0, nil)
	if err := tgt.Reanalyse(); err == nil {
		t.Fatal("Reanalyse with no sections did not fail")
	}
	if tgt.tbl == nil {
		t.Error("failed Reanalyse dropped the installed table")
	}
	p.bi = good
}

func TestFormatValue(t *testing.T) {
	tgt, p := newFixture(t)
	p.mem.putWords(0x720000, 1)
	v, err := tgt.Unpack("int", 0x720000, 1)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got := FormatValue(v); !strings.Contains(got, "1 (") {
		t.Errorf("FormatValue = %q", got)
	}
}
