package gosym

import (
	"github.com/go-loupe/loupe/pkg/proc"
)

// Frame is one walked stack frame. Base is the address of the frame's saved
// return address; it stays zero on the final frame when the walk could not
// resolve it.
type Frame struct {
	PC   uint64
	Base uint64
}

// Walk unwinds the stack from pc and sp using the stack delta tables, the
// same metadata the runtime's own traceback uses. retAddrSize is the width
// of a return address saved on the stack; architectures that keep it in a
// link register report zero and get an empty walk. At most max frames are
// returned.
func (t *Table) Walk(mem proc.MemoryReader, pc, sp uint64, retAddrSize, max int) []Frame {
	if retAddrSize == 0 {
		return nil
	}
	var out []Frame
	for i := 0; i < max; i++ {
		base, ok := t.frameBase(pc, sp)
		if !ok {
			out = append(out, Frame{PC: pc})
			break
		}
		out = append(out, Frame{PC: pc, Base: base})

		raLoc := base
		sp = base + uint64(retAddrSize)

		// On 32 bit targets the saved return address must itself sit
		// inside the 32 bit address space.
		if t.PtrSize == 4 && raLoc+uint64(retAddrSize) > 1<<32 {
			break
		}
		ra, err := proc.ReadUintRaw(mem, raLoc, retAddrSize)
		if err != nil {
			break
		}
		pc = ra
	}
	return out
}

// frameBase resolves the frame base for pc: one search for the function,
// one for the stack delta in effect at pc.
func (t *Table) frameBase(pc, sp uint64) (uint64, bool) {
	e, ok := t.FindPC(pc)
	if !ok {
		return 0, false
	}
	delta, ok := e.Fn.FindDelta(pc)
	if !ok {
		return 0, false
	}
	return sp + uint64(delta), true
}
