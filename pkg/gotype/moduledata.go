package gotype

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-loupe/loupe/pkg/gosym"
	"github.com/go-loupe/loupe/pkg/logflags"
	"github.com/go-loupe/loupe/pkg/proc"
)

// ErrNoModuleData is returned when no moduledata candidate checks out
// against the function table, leaving the binary without recoverable
// type information.
var ErrNoModuleData = errors.New("module data not found")

// Binary is the view of the loaded executable that graph recovery
// needs: raw section bytes by name and translation of link time
// addresses into the running process.
type Binary interface {
	SectionData(name string) ([]byte, uint64, error)
	FileToRuntime(addr uint64) uint64
}

// moduleDataSectionNames lists the sections the moduledata structure
// can live in. Only the first section present in the binary is
// scanned.
var moduleDataSectionNames = []string{".noptrdata", "__noptrdata", ".data"}

// Guards against walking garbage if a candidate passes the pc bounds
// check with corrupt section fields anyway.
const (
	maxTypeSection = 1 << 31
	maxTypelinks   = 1 << 24
)

// mdLayout gives the indexes of the moduledata fields this package
// needs, with the structure viewed as an array of pointer sized
// words. Fields move between releases, so the indexes are selected by
// the version bounds recovered from the function table.
type mdLayout struct {
	minPC, maxPC     int
	types, etypes    int
	typelinks, nlink int
}

var (
	mdLayout7      = &mdLayout{10, 11, 25, 26, 27, 28}
	mdLayout8to15  = &mdLayout{10, 11, 25, 26, 30, 31}
	mdLayout16to17 = &mdLayout{20, 21, 35, 36, 40, 41}
	mdLayout18to19 = &mdLayout{20, 21, 35, 36, 42, 43}
	mdLayout20to24 = &mdLayout{20, 21, 37, 38, 44, 45}
)

func layoutFor(vers gosym.Bounds) *mdLayout {
	switch {
	case vers.Min == 7 && vers.Max == 7:
		return mdLayout7
	case vers.Min >= 8 && vers.Max <= 15:
		return mdLayout8to15
	case vers.Min >= 16 && vers.Max <= 17:
		return mdLayout16to17
	case vers.Min >= 18 && vers.Max <= 19:
		return mdLayout18to19
	case vers.Min >= 20 && vers.Max <= 24:
		return mdLayout20to24
	}
	return nil
}

// BuildGraph locates the moduledata structure of the binary described
// by tbl and recovers its type graph. The data sections are scanned
// for the file address of the function table, which the moduledata
// references; each hit is validated against the table's pc bounds
// before its type section is walked.
func BuildGraph(bi Binary, mem proc.MemoryReader, tbl *gosym.Table) (*Graph, error) {
	log := logflags.GoTypeLogger()

	layout := layoutFor(tbl.Bounds)
	if layout == nil {
		log.Debugf("no moduledata layout for %s", tbl.Bounds)
		return nil, ErrNoModuleData
	}
	if len(tbl.Entries) == 0 {
		return nil, ErrNoModuleData
	}

	// The scanned bytes come from the binary file, so the needle and
	// every candidate word are link time addresses, same as the
	// function table records.
	needle := make([]byte, tbl.PtrSize)
	if tbl.PtrSize == 4 {
		binary.LittleEndian.PutUint32(needle, uint32(tbl.Base))
	} else {
		binary.LittleEndian.PutUint64(needle, tbl.Base)
	}

	for _, name := range moduleDataSectionNames {
		data, _, err := bi.SectionData(name)
		if err != nil {
			continue
		}
		for pos := 0; ; {
			idx := bytes.Index(data[pos:], needle)
			if idx < 0 {
				break
			}
			at := pos + idx
			pos = at + 1
			if at%tbl.PtrSize != 0 {
				continue
			}
			g, err := parseModuleData(bi, mem, tbl, layout, data, at)
			if err != nil {
				log.Debugf("moduledata candidate at %s+%#x rejected: %v", name, at, err)
				continue
			}
			log.Debugf("moduledata at %s+%#x: %d types", name, at, g.Len())
			return g, nil
		}
		break
	}
	return nil, ErrNoModuleData
}

// parseModuleData validates one candidate position and, if it is the
// real moduledata, reads the type section out of the live process and
// builds the graph.
func parseModuleData(bi Binary, mem proc.MemoryReader, tbl *gosym.Table, layout *mdLayout, data []byte, at int) (*Graph, error) {
	word := func(i int) (uint64, bool) {
		off := at + i*tbl.PtrSize
		if off+tbl.PtrSize > len(data) {
			return 0, false
		}
		return readWord(data[off:], tbl.PtrSize), true
	}

	minPC, ok1 := word(layout.minPC)
	maxPC, ok2 := word(layout.maxPC)
	if !ok1 || !ok2 {
		return nil, errors.New("candidate runs past the section end")
	}
	// The pc bounds must agree with the function table. This is what
	// tells real moduledata from a stray copy of the table address.
	if minPC != tbl.Entries[0].Fn.FileEntry || maxPC != tbl.MaxPCFile {
		return nil, errors.New("pc bounds do not match the function table")
	}

	typesFile, ok1 := word(layout.types)
	etypesFile, ok2 := word(layout.etypes)
	linksFile, ok3 := word(layout.typelinks)
	nlink, ok4 := word(layout.nlink)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, errors.New("candidate runs past the section end")
	}
	if etypesFile <= typesFile {
		return nil, errors.New("empty type section")
	}
	if size := etypesFile - typesFile; size > maxTypeSection {
		return nil, fmt.Errorf("implausible type section size %#x", size)
	}
	if nlink > maxTypelinks {
		return nil, fmt.Errorf("implausible typelink count %d", nlink)
	}

	// The moduledata words are link time addresses; the type section
	// and typelink array live in the running process.
	types := bi.FileToRuntime(typesFile)
	// Translate the final byte rather than the end sentinel, which
	// can sit just past its mapping.
	etypes := bi.FileToRuntime(etypesFile-1) + 1
	links := bi.FileToRuntime(linksFile)
	if etypes <= types {
		return nil, errors.New("type section translates out of order")
	}

	section := make([]byte, etypes-types)
	if _, err := mem.ReadMemory(section, types); err != nil {
		return nil, fmt.Errorf("reading type section: %v", err)
	}

	b := newGraphBuilder(section, types, etypes, tbl.Bounds, tbl.PtrSize)
	for i := uint64(0); i < nlink; i++ {
		off, err := proc.ReadUintRaw(mem, links+4*i, 4)
		if err != nil {
			b.skip(fmt.Errorf("typelink %d is unreadable: %v", i, err))
			continue
		}
		if err := b.parseType(off); err != nil {
			b.skip(err)
		}
	}
	if b.nodes.Len() == 0 {
		return nil, errors.New("no types recovered")
	}
	return b.finish(), nil
}
