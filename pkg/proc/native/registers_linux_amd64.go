package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-loupe/loupe/pkg/proc"
)

type amd64Registers struct {
	regs sys.PtraceRegs
}

// currentRegs reads the general purpose registers of the stopped process.
func currentRegs(pid int) (proc.Registers, error) {
	r := &amd64Registers{}
	if err := sys.PtraceGetRegs(pid, &r.regs); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *amd64Registers) PC() uint64 { return r.regs.Rip }

func (r *amd64Registers) SP() uint64 { return r.regs.Rsp }

func (r *amd64Registers) Get(name string) (uint64, error) {
	switch name {
	case "rip":
		return r.regs.Rip, nil
	case "rsp":
		return r.regs.Rsp, nil
	case "rbp":
		return r.regs.Rbp, nil
	case "rax":
		return r.regs.Rax, nil
	case "rbx":
		return r.regs.Rbx, nil
	case "rcx":
		return r.regs.Rcx, nil
	case "rdx":
		return r.regs.Rdx, nil
	case "rdi":
		return r.regs.Rdi, nil
	case "rsi":
		return r.regs.Rsi, nil
	case "r8":
		return r.regs.R8, nil
	case "r9":
		return r.regs.R9, nil
	case "r10":
		return r.regs.R10, nil
	case "r11":
		return r.regs.R11, nil
	case "r12":
		return r.regs.R12, nil
	case "r13":
		return r.regs.R13, nil
	case "r14":
		return r.regs.R14, nil
	case "r15":
		return r.regs.R15, nil
	case "eflags":
		return r.regs.Eflags, nil
	case "cs":
		return r.regs.Cs, nil
	case "ss":
		return r.regs.Ss, nil
	case "fs_base":
		return r.regs.Fs_base, nil
	case "gs_base":
		return r.regs.Gs_base, nil
	}
	return 0, proc.ErrUnknownRegister
}

func (r *amd64Registers) Slice() []proc.Register {
	var regs []proc.Register
	regs = proc.AppendUint64Register(regs, "rip", r.regs.Rip)
	regs = proc.AppendUint64Register(regs, "rsp", r.regs.Rsp)
	regs = proc.AppendUint64Register(regs, "rax", r.regs.Rax)
	regs = proc.AppendUint64Register(regs, "rbx", r.regs.Rbx)
	regs = proc.AppendUint64Register(regs, "rcx", r.regs.Rcx)
	regs = proc.AppendUint64Register(regs, "rdx", r.regs.Rdx)
	regs = proc.AppendUint64Register(regs, "rdi", r.regs.Rdi)
	regs = proc.AppendUint64Register(regs, "rsi", r.regs.Rsi)
	regs = proc.AppendUint64Register(regs, "rbp", r.regs.Rbp)
	regs = proc.AppendUint64Register(regs, "r8", r.regs.R8)
	regs = proc.AppendUint64Register(regs, "r9", r.regs.R9)
	regs = proc.AppendUint64Register(regs, "r10", r.regs.R10)
	regs = proc.AppendUint64Register(regs, "r11", r.regs.R11)
	regs = proc.AppendUint64Register(regs, "r12", r.regs.R12)
	regs = proc.AppendUint64Register(regs, "r13", r.regs.R13)
	regs = proc.AppendUint64Register(regs, "r14", r.regs.R14)
	regs = proc.AppendUint64Register(regs, "r15", r.regs.R15)
	regs = proc.AppendUint64Register(regs, "eflags", r.regs.Eflags)
	return regs
}
