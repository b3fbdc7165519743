package proc

import (
	"errors"
	"fmt"
)

// Registers is an interface for a generic register set. The interface
// encapsulates the values we need independent of arch. The concrete types
// will be different depending on OS/Arch.
type Registers interface {
	PC() uint64
	SP() uint64
	// Get returns the value of the register with the given architecture
	// name, in lower case. ErrUnknownRegister is returned for names the
	// architecture does not have.
	Get(name string) (uint64, error)
	// Slice returns the general purpose registers in display order.
	Slice() []Register
}

// Register represents a single CPU register and its value at the current
// stop.
type Register struct {
	Name  string
	Value uint64
}

func (r Register) String() string {
	return fmt.Sprintf("%s = %#016x", r.Name, r.Value)
}

// AppendUint64Register appends a word sized register to regs.
func AppendUint64Register(regs []Register, name string, value uint64) []Register {
	return append(regs, Register{Name: name, Value: value})
}

// ErrUnknownRegister is returned when the value of an unknown
// register is requested.
var ErrUnknownRegister = errors.New("unknown register")
