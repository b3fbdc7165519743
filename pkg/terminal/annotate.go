package terminal

import (
	"fmt"
	"strconv"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-loupe/loupe/pkg/proc"
)

// maxInstrLen is the longest x86 instruction encoding.
const maxInstrLen = 15

// defaultStackWords is how many stack words the stack command shows when no
// count is given.
const defaultStackWords = 16

func regs(t *Term, args string) error {
	r, err := t.tgt.Registers()
	if err != nil {
		return err
	}
	for _, reg := range r.Slice() {
		line := fmt.Sprintf("%8s = %#016x", reg.Name, reg.Value)
		if note := t.annotate(reg.Value, 0); note != "" {
			line += "  " + note
		}
		fmt.Fprintln(t.stdout, line)
	}
	return nil
}

func stack(t *Term, args string) error {
	words := defaultStackWords
	if args != "" {
		var err error
		if words, err = strconv.Atoi(args); err != nil || words <= 0 {
			return fmt.Errorf("%q is not a word count", args)
		}
	}
	r, err := t.tgt.Registers()
	if err != nil {
		return err
	}
	sp := r.SP()
	ptrSize := t.tgt.Table().PtrSize
	mem := t.tgt.Memory()
	for i := 0; i < words; i++ {
		addr := sp + uint64(i*ptrSize)
		v, err := proc.ReadUintRaw(mem, addr, ptrSize)
		if err != nil {
			fmt.Fprintf(t.stdout, "%#016x  not accessible\n", addr)
			continue
		}
		line := fmt.Sprintf("%#016x  %#016x", addr, v)
		if note := t.annotate(v, addr); note != "" {
			line += "  " + note
		}
		fmt.Fprintln(t.stdout, line)
	}
	return nil
}

// annotate explains one word of register or stack context. Code pointers
// additionally get their current instruction decoded.
func (t *Term) annotate(value, containingAddr uint64) string {
	desc, ok := t.tgt.DescribePointer(value, containingAddr)
	if !ok {
		return ""
	}
	if name, _ := t.tgt.Table().NameOffset(value); name != "" {
		if ins := t.disasmAt(value); ins != "" {
			desc += "  " + ins
		}
		return t.colored(ansiGreen, desc)
	}
	return t.colored(ansiCyan, desc)
}

// disasmAt decodes the instruction at pc and renders it in Go assembler
// syntax. Call and jump targets that resolve to a recovered function get
// the name appended. Only amd64 is decoded.
func (t *Term) disasmAt(pc uint64) string {
	if t.tgt.BinInfo().Arch.Name != "amd64" {
		return ""
	}
	buf := make([]byte, maxInstrLen)
	if _, err := t.tgt.Memory().ReadMemory(buf, pc); err != nil {
		return ""
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return ""
	}
	patchPCRel(pc, &inst)

	tbl := t.tgt.Table()
	text := x86asm.GoSyntax(inst, pc, func(addr uint64) (string, uint64) {
		name, off := tbl.NameOffset(addr)
		if name == "" {
			return "", 0
		}
		return name, addr - off
	})

	switch inst.Op {
	case x86asm.CALL, x86asm.JMP:
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			if name, _ := tbl.NameOffset(uint64(imm)); name != "" {
				text += " -> " + name
			}
		}
	}
	return text
}

// patchPCRel converts pc relative arguments to absolute addresses.
func patchPCRel(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		if rel, ok := inst.Args[i].(x86asm.Rel); ok {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}
