package target

import (
	"fmt"
	"regexp"

	"github.com/go-loupe/loupe/pkg/gotype"
	"github.com/go-loupe/loupe/pkg/logflags"
	"github.com/go-loupe/loupe/pkg/proc"
)

// Inference tuning.
const (
	// minPointer is the lowest value treated as a possible pointer; the
	// runtime never maps the first page.
	minPointer = 0x1000
	// objectUnpackDepth is how deep a guessed object is decoded when a
	// guess is validated for display.
	objectUnpackDepth = 3
)

// ptrRecvRE matches the pointer receiver component of a method name, as in
// "main.(*Server).Run".
var ptrRecvRE = regexp.MustCompile(`\.\(\*.*\)\.`)

// StopHook refreshes the stop state and mines the argument registers for
// guesses. Two patterns are looked for across each adjacent register pair:
// a type record address next to a pointer means the second register likely
// holds an object of that type (the compiler materializes type pointers
// next to their operands around allocation and interface conversion), and a
// pointer next to a small integer looks like a string header passed in
// registers. Additionally, on the first stop inside a pointer receiver
// method the receiver type is guessed for the first argument register.
//
// Guesses go into the bounded caches and are only shown after validating
// above the configured confidence threshold at display time.
func (t *Target) StopHook() error {
	t.p.FlushMemoryCache()
	regs, err := t.p.Registers()
	if err != nil {
		return err
	}
	t.regs = regs

	// The register based calling convention arrived in Go 1.17; before
	// that the argument registers carry nothing of interest at a stop.
	if !t.tbl.Bounds.AfterOrEqual(17) {
		return nil
	}

	log := logflags.InferLogger()
	argRegs := t.p.BinInfo().Arch.ArgRegisters()
	vals := make([]uint64, 0, len(argRegs))
	for _, name := range argRegs {
		v, err := regs.Get(name)
		if err != nil {
			break
		}
		vals = append(vals, v)
	}

	for i := 0; i+1 < len(vals); i++ {
		a, b := vals[i], vals[i+1]
		if typ := t.graph.Lookup(a); typ != nil {
			if b >= minPointer {
				log.Debugf("%s/%s look like (type %s, object %#x)", argRegs[i], argRegs[i+1], typ.Header.Name, b)
				t.typeGuesses.Add(b, typ)
			}
			continue
		}
		if a >= minPointer && b < minPointer && b > 0 {
			log.Debugf("%s/%s look like a string header (%#x, %d)", argRegs[i], argRegs[i+1], a, b)
			t.stringGuesses.Add(a, b)
		}
	}

	if e, ok := t.tbl.FindPC(regs.PC()); ok && e.Entry != t.prevFunc {
		t.prevFunc = e.Entry
		if typ := t.receiverType(e.Fn.Name); typ != nil && len(vals) > 0 && vals[0] >= minPointer {
			log.Debugf("receiver of %s: guessing %#x holds %s", e.Fn.Name, vals[0], typ.Header.Name)
			t.typeGuesses.Add(vals[0], typ)
		}
	}
	return nil
}

// receiverType resolves the receiver type of a pointer receiver method
// name. "example.com/web/session.(*Store).Get" has receiver type
// "session.Store": type names qualify by package name, function names by
// the full package path.
func (t *Target) receiverType(funcName string) *gotype.Type {
	loc := ptrRecvRE.FindStringIndex(funcName)
	if loc == nil {
		return nil
	}
	recv := funcName[loc[0]+len(".(*") : loc[1]-len(").")]
	pkg := shortName(funcName[:loc[0]])
	return t.graph.FindByName(pkg + "." + recv)
}

// DescribePointer explains what value appears to point at, walking the
// guess ladder: code, then a type record, then a cached object guess, then
// a cached string guess. containingAddr is the address the value was loaded
// from, or zero for a register; when the value is a type record address the
// word following it in memory is guessed to be an object of that type.
//
// A cached guess that fails validation here is deleted rather than shown.
func (t *Target) DescribePointer(value, containingAddr uint64) (string, bool) {
	if value < minPointer {
		return "", false
	}

	if name, off := t.tbl.NameOffset(value); name != "" {
		if off == 0 {
			return name, true
		}
		return fmt.Sprintf("%s+%#x", name, off), true
	}

	if typ := t.graph.Lookup(value); typ != nil {
		if containingAddr != 0 {
			// The word after a type record pointer is often an object
			// of that type. Remember the pairing for next time.
			ptr := uint64(t.tbl.PtrSize)
			if obj, err := proc.ReadUintRaw(t.p.Memory(), containingAddr+ptr, t.tbl.PtrSize); err == nil && obj >= minPointer {
				t.typeGuesses.Add(obj, typ)
			}
		}
		return "type " + typ.Header.Name, true
	}

	if typ, ok := t.typeGuesses.Get(value); ok {
		v := typ.Extract(t.p.Memory(), t.tbl.PtrSize, t.graph, value, objectUnpackDepth)
		if gotype.Sufficient(v.Confidence(), t.cfg.GetConfidenceThreshold()) {
			return fmt.Sprintf("(%s) %s", typ.Header.Name, v), true
		}
		t.typeGuesses.Delete(value)
	}

	if n, ok := t.stringGuesses.Get(value); ok {
		if s, ok := t.readGuessedString(value, n); ok {
			return fmt.Sprintf("%q", s), true
		}
		t.stringGuesses.Delete(value)
	}
	return "", false
}

// readGuessedString reads and decodes a guessed (pointer, length) string.
func (t *Target) readGuessedString(addr, length uint64) (string, bool) {
	if length == 0 || length > maxGuessedString {
		return "", false
	}
	buf := make([]byte, length)
	if _, err := t.p.Memory().ReadMemory(buf, addr); err != nil {
		return "", false
	}
	return decodeDisplayString(buf)
}
