package proc

import (
	"debug/elf"
	"errors"
	"fmt"

	"rsc.io/binaryregexp"
)

// BinaryInfo holds information on the binary being executed by the target
// process, read from the executable file rather than from process memory.
type BinaryInfo struct {
	// Path is the path of the executable on disk.
	Path string
	// Arch is the architecture the executable was built for.
	Arch *Arch
	// LoadBias is the difference between the addresses the file was linked
	// at and the addresses it is mapped at. Zero for non relocated
	// executables.
	LoadBias uint64

	ef            *elf.File
	elfType       elf.Type
	firstLoadAddr uint64
	sections      []Section
	sectionData   map[string]sectionContent
}

// Section describes an allocated section of the executable.
type Section struct {
	Name string
	// Addr is the link time virtual address of the section.
	Addr uint64
	Size uint64
}

// SectionContent is a section together with its bytes, for images that are
// assembled in memory rather than opened from a file.
type SectionContent struct {
	Name string
	Addr uint64
	Data []byte
}

type sectionContent struct {
	addr uint64
	data []byte
}

// TableCandidate is a range of the executable that may hold the runtime's
// function table. Base is the file address of the first byte of Data.
type TableCandidate struct {
	SectionName string
	Base        uint64
	Data        []byte
}

var errNotELF = errors.New("not an ELF executable")

// OpenBinary opens the executable at path and loads its section table.
// LoadBias starts at zero, callers that attach to a running process adjust
// it from the memory mappings.
func OpenBinary(path string) (*BinaryInfo, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotELF, err)
	}
	arch, err := ArchFromELF(ef.Machine)
	if err != nil {
		ef.Close()
		return nil, err
	}

	bi := &BinaryInfo{
		Path:        path,
		Arch:        arch,
		ef:          ef,
		elfType:     ef.Type,
		sectionData: make(map[string]sectionContent),
	}

	first := true
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if first || prog.Vaddr < bi.firstLoadAddr {
			bi.firstLoadAddr = prog.Vaddr
			first = false
		}
	}
	for _, sec := range ef.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		bi.sections = append(bi.sections, Section{Name: sec.Name, Addr: sec.Addr, Size: sec.Size})
	}
	return bi, nil
}

// NewBinaryFromSections assembles a BinaryInfo over preloaded section
// contents instead of an executable on disk. Callers that capture an image
// some other way, such as from a memory dump, use this.
func NewBinaryFromSections(arch *Arch, loadBias uint64, secs []SectionContent) *BinaryInfo {
	bi := &BinaryInfo{
		Arch:        arch,
		LoadBias:    loadBias,
		elfType:     elf.ET_EXEC,
		sectionData: make(map[string]sectionContent),
	}
	for _, sec := range secs {
		bi.sections = append(bi.sections, Section{Name: sec.Name, Addr: sec.Addr, Size: uint64(len(sec.Data))})
		bi.sectionData[sec.Name] = sectionContent{addr: sec.Addr, data: sec.Data}
	}
	return bi
}

// Close releases the executable file.
func (bi *BinaryInfo) Close() error {
	if bi.ef == nil {
		return nil
	}
	return bi.ef.Close()
}

// BiasFromMapping derives the load bias from the start address of the first
// executable mapping. Fixed position executables are mapped where they were
// linked.
func (bi *BinaryInfo) BiasFromMapping(mapStart uint64) uint64 {
	if bi.elfType == elf.ET_EXEC {
		return 0
	}
	return mapStart - bi.firstLoadAddr
}

// FileToRuntime translates a link time address to the address it is mapped
// at in the running process.
func (bi *BinaryInfo) FileToRuntime(addr uint64) uint64 {
	return addr + bi.LoadBias
}

// RuntimeToFile is the inverse of FileToRuntime.
func (bi *BinaryInfo) RuntimeToFile(addr uint64) uint64 {
	return addr - bi.LoadBias
}

// Sections returns the allocated sections of the executable.
func (bi *BinaryInfo) Sections() []Section {
	return bi.sections
}

// SectionData returns the contents and the file address of the named
// section. Contents are read from disk once and kept.
func (bi *BinaryInfo) SectionData(name string) ([]byte, uint64, error) {
	if c, ok := bi.sectionData[name]; ok {
		return c.data, c.addr, nil
	}
	if bi.ef == nil {
		return nil, 0, fmt.Errorf("no section %q", name)
	}
	sec := bi.ef.Section(name)
	if sec == nil {
		return nil, 0, fmt.Errorf("no section %q", name)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, 0, err
	}
	bi.sectionData[name] = sectionContent{addr: sec.Addr, data: data}
	return data, sec.Addr, nil
}

// Names used for the function table section across linkers and platforms.
var pclntabSectionNames = []string{
	".gopclntab",
	".data.rel.ro.gopclntab",
	"__gopclntab",
}

// tableMagicRE matches the 8 byte prefix of every function table version:
// one of the four known magic words, two zero bytes, a plausible minimum
// instruction size and a plausible pointer size.
var tableMagicRE = binaryregexp.MustCompile(`(\xf1|\xf0|\xfa|\xfb)\xff\xff\xff\x00\x00[\x01\x02\x04][\x04\x08]`)

// TableCandidates returns the places the function table may live, most
// likely first. If the executable still has a named table section only that
// is returned, otherwise every allocated section is scanned for the table
// prefix. Stripped and packed binaries lose section names but keep the
// bytes.
func (bi *BinaryInfo) TableCandidates() []TableCandidate {
	var cands []TableCandidate
	for _, name := range pclntabSectionNames {
		data, addr, err := bi.SectionData(name)
		if err != nil || len(data) == 0 {
			continue
		}
		cands = append(cands, TableCandidate{SectionName: name, Base: addr, Data: data})
	}
	if len(cands) > 0 {
		return cands
	}

	for _, sec := range bi.sections {
		data, addr, err := bi.SectionData(sec.Name)
		if err != nil || len(data) < 16 {
			continue
		}
		for _, loc := range tableMagicRE.FindAllIndex(data, -1) {
			start := addr + uint64(loc[0])
			// The table always starts pointer aligned; the candidate's own
			// pointer size byte is trustworthy because the pattern vetted it.
			if start%uint64(data[loc[0]+7]) != 0 {
				continue
			}
			cands = append(cands, TableCandidate{
				SectionName: sec.Name,
				Base:        start,
				Data:        data[loc[0]:],
			})
		}
	}
	return cands
}
