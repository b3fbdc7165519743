// Package target ties the recovered function table and type graph to one
// attached process and answers queries against them. A Target is an explicit
// handle: all derived state lives in it, nothing is process wide, and two
// targets can coexist in one host.
package target

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/go-loupe/loupe/pkg/config"
	"github.com/go-loupe/loupe/pkg/gosym"
	"github.com/go-loupe/loupe/pkg/gotype"
	"github.com/go-loupe/loupe/pkg/internal/lra"
	"github.com/go-loupe/loupe/pkg/logflags"
	"github.com/go-loupe/loupe/pkg/proc"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("not found")

// ErrNoTypes is returned by type queries when the moduledata could not be
// recovered and the target is function-table only.
var ErrNoTypes = errors.New("no type information recovered")

// ErrBadData is returned by Unpack when the requested decode yields nothing
// believable.
var ErrBadData = errors.New("impossible data or non-existent memory")

// Target is the analysis handle over one attached process.
type Target struct {
	p   proc.Process
	cfg *config.Config
	log *logrus.Entry

	tbl    *gosym.Table
	graph  *gotype.Graph
	parser *gotype.Parser

	typeGuesses   *lra.Cache[uint64, *gotype.Type]
	stringGuesses *lra.Cache[uint64, uint64]

	// Stop state refreshed by StopHook.
	regs     proc.Registers
	prevFunc uint64
}

// analysis is the derived state rebuilt as a unit, so that a failed
// reanalysis never leaves a half-swapped target behind.
type analysis struct {
	tbl    *gosym.Table
	graph  *gotype.Graph
	parser *gotype.Parser
}

// New analyses the process and returns a handle over it. The function table
// is mandatory; the type graph is best effort, and a target without one
// still answers function and stack queries.
func New(p proc.Process, cfg *config.Config) (*Target, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	t := &Target{p: p, cfg: cfg, log: logflags.TargetLogger()}
	st, err := t.analyse()
	if err != nil {
		return nil, err
	}
	t.install(st)
	return t, nil
}

func (t *Target) analyse() (*analysis, error) {
	bi := t.p.BinInfo()
	tbl, err := gosym.Parse(bi.TableCandidates(), t.p.Memory(), bi.FileToRuntime)
	if err != nil {
		return nil, err
	}
	t.log.Debugf("%d functions, %s, %d byte pointers", len(tbl.Entries), tbl.Bounds, tbl.PtrSize)

	graph, err := gotype.BuildGraph(bi, t.p.Memory(), tbl)
	if err != nil {
		// Function queries keep working without types.
		t.log.Debugf("type recovery unavailable: %v", err)
		graph = nil
	} else {
		t.log.Debugf("recovered %d types", graph.Len())
	}
	return &analysis{
		tbl:    tbl,
		graph:  graph,
		parser: gotype.NewParser(graph, tbl.Bounds, tbl.PtrSize),
	}, nil
}

// install swaps in freshly built state and empties the guess caches, which
// hold pointers into the previous graph.
func (t *Target) install(st *analysis) {
	t.tbl = st.tbl
	t.graph = st.graph
	t.parser = st.parser
	t.typeGuesses = lra.New[uint64, *gotype.Type](t.cfg.GetTypeGuessCacheSize())
	t.stringGuesses = lra.New[uint64, uint64](t.cfg.GetStringGuessCacheSize())
	t.prevFunc = 0
}

// Reanalyse discards every piece of derived state and rebuilds it from the
// live process. On failure the previous state stays installed.
func (t *Target) Reanalyse() error {
	t.p.FlushMemoryCache()
	st, err := t.analyse()
	if err != nil {
		return err
	}
	t.install(st)
	return nil
}

// Bounds returns the recovered Go version bounds.
func (t *Target) Bounds() gosym.Bounds { return t.tbl.Bounds }

// Table returns the recovered function table.
func (t *Target) Table() *gosym.Table { return t.tbl }

// Memory returns the target memory reader.
func (t *Target) Memory() proc.MemoryReader { return t.p.Memory() }

// BinInfo returns the executable image of the target.
func (t *Target) BinInfo() *proc.BinaryInfo { return t.p.BinInfo() }

// TypesRecovered reports whether the type graph is available.
func (t *Target) TypesRecovered() bool { return t.graph != nil }

// NumTypes returns the number of recovered types.
func (t *Target) NumTypes() int { return t.graph.Len() }

// Registers returns the register set captured by the last StopHook,
// reading it fresh when no stop has been observed yet.
func (t *Target) Registers() (proc.Registers, error) {
	if t.regs != nil {
		return t.regs, nil
	}
	return t.p.Registers()
}

// FindFunction resolves spec, a runtime address or a function name, to a
// function table entry. An address resolves to the function containing it; a
// name must match exactly, or be the unique prefix of a single function.
func (t *Target) FindFunction(spec string) (gosym.Entry, error) {
	if addr, err := strconv.ParseUint(spec, 0, 64); err == nil {
		if e, ok := t.tbl.FindPC(addr); ok {
			return e, nil
		}
		return gosym.Entry{}, fmt.Errorf("no function at %#x: %w", addr, ErrNotFound)
	}
	if e, ok := t.tbl.FindName(spec); ok {
		return e, nil
	}
	if matches := t.tbl.FuncsMatching(spec); len(matches) == 1 {
		return matches[0], nil
	}
	return gosym.Entry{}, fmt.Errorf("no function named %q: %w", spec, ErrNotFound)
}

// FuncsMatching returns the names of the functions starting with prefix,
// sorted. An empty prefix lists every function.
func (t *Target) FuncsMatching(prefix string) []string {
	var names []string
	if prefix == "" {
		for _, e := range t.tbl.Entries {
			names = append(names, e.Fn.Name)
		}
		return names
	}
	for _, e := range t.tbl.FuncsMatching(prefix) {
		names = append(names, e.Fn.Name)
	}
	return names
}

// GetType resolves spec, a runtime address or a type name, to a recovered
// type and renders its underlying type to depth. The size in bytes is
// returned alongside.
func (t *Target) GetType(spec string, depth int) (string, uint64, error) {
	if t.graph == nil {
		return "", 0, ErrNoTypes
	}
	var typ *gotype.Type
	if addr, err := strconv.ParseUint(spec, 0, 64); err == nil {
		typ = t.graph.Lookup(addr)
	}
	if typ == nil {
		typ = t.graph.FindByName(spec)
	}
	if typ == nil {
		return "", 0, fmt.Errorf("no type %q: %w", spec, ErrNotFound)
	}
	return typ.Render(depth), typ.Header.Size, nil
}

// Unpack decodes a value of the named type at addr. The type expression is
// resolved against the recovered graph first and synthesized from notation
// otherwise. A decode that yields nothing believable returns ErrBadData.
func (t *Target) Unpack(typeExpr string, addr uint64, depth int) (gotype.Value, error) {
	typ := t.parser.Parse(typeExpr)
	if typ == nil {
		return nil, fmt.Errorf("cannot resolve type %q", typeExpr)
	}
	v := typ.Extract(t.p.Memory(), t.tbl.PtrSize, t.graph, addr, depth)
	if _, bad := v.(gotype.BadValue); bad {
		return nil, ErrBadData
	}
	return v, nil
}

// Frame is one resolved backtrace frame.
type Frame struct {
	// PC is the program counter inside the frame's function; for every
	// frame but the newest it is a return address.
	PC uint64
	// Base is the frame base, zero when the walk could not resolve it.
	Base uint64
	// Name is the containing function's name, empty when pc resolves to no
	// function.
	Name string
	// Offset is pc relative to the function entry, or pc itself when Name
	// is empty.
	Offset uint64
}

// Backtrace walks the call chain from the current stop, at most max frames
// deep. Architectures without stack saved return addresses yield an empty
// walk, not an error.
func (t *Target) Backtrace(max int) ([]Frame, error) {
	regs, err := t.Registers()
	if err != nil {
		return nil, err
	}
	arch := t.p.BinInfo().Arch
	raw := t.tbl.Walk(t.p.Memory(), regs.PC(), regs.SP(), arch.RetAddrSize(), max)
	frames := make([]Frame, 0, len(raw))
	for _, f := range raw {
		name, off := t.tbl.NameOffset(f.PC)
		frames = append(frames, Frame{PC: f.PC, Base: f.Base, Name: name, Offset: off})
	}
	return frames, nil
}

// FormatValue renders an extracted value with its confidence grade, the way
// every layer above prints decode results.
func FormatValue(v gotype.Value) string {
	return fmt.Sprintf("%s (%s)", v, v.Confidence())
}

// shortName drops the package path qualifier from a recovered function
// name, keeping the final path element.
func shortName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
