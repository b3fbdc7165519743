package proc

import (
	"debug/elf"
	"fmt"
)

// Arch represents a CPU architecture of a target process. The zero value is
// not usable, get one from the constructors or from ArchFromELF.
type Arch struct {
	// Name is the go runtime name of the architecture.
	Name string

	ptrSize     int
	retAddrSize int
	argRegs     []string
}

// PtrSize returns the size of a pointer on this architecture.
func (a *Arch) PtrSize() int {
	return a.ptrSize
}

// RetAddrSize returns the width of the return address a call pushes on the
// stack. It is zero on architectures that keep the return address in a link
// register, where frame pointer walking is not supported.
func (a *Arch) RetAddrSize() int {
	return a.retAddrSize
}

// ArgRegisters returns the names of the registers the internal calling
// convention passes arguments in, in order.
func (a *Arch) ArgRegisters() []string {
	return a.argRegs
}

// AMD64Arch returns an initialized Arch for amd64.
func AMD64Arch() *Arch {
	return &Arch{
		Name:        "amd64",
		ptrSize:     8,
		retAddrSize: 8,
		argRegs:     []string{"rax", "rbx", "rcx", "rdi", "rsi", "r8", "r9", "r10", "r11"},
	}
}

// I386Arch returns an initialized Arch for 386.
func I386Arch() *Arch {
	return &Arch{
		Name:        "386",
		ptrSize:     4,
		retAddrSize: 4,
		argRegs:     []string{"eax", "ebx", "ecx", "edi", "esi"},
	}
}

// ARM64Arch returns an initialized Arch for arm64.
func ARM64Arch() *Arch {
	return &Arch{
		Name:    "arm64",
		ptrSize: 8,
		argRegs: []string{
			"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
			"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
		},
	}
}

// ARMArch returns an initialized Arch for arm.
func ARMArch() *Arch {
	return &Arch{
		Name:    "arm",
		ptrSize: 4,
		argRegs: []string{"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7"},
	}
}

// PPC64Arch returns an initialized Arch for ppc64le.
func PPC64Arch() *Arch {
	return &Arch{
		Name:    "ppc64le",
		ptrSize: 8,
		argRegs: []string{"r3", "r4", "r5", "r6", "r7", "r8", "r9", "r10"},
	}
}

// ArchFromELF maps an ELF machine to an Arch.
func ArchFromELF(machine elf.Machine) (*Arch, error) {
	switch machine {
	case elf.EM_X86_64:
		return AMD64Arch(), nil
	case elf.EM_386:
		return I386Arch(), nil
	case elf.EM_AARCH64:
		return ARM64Arch(), nil
	case elf.EM_ARM:
		return ARMArch(), nil
	case elf.EM_PPC64:
		return PPC64Arch(), nil
	}
	return nil, fmt.Errorf("unsupported architecture %v", machine)
}
