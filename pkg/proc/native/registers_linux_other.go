//go:build linux && !amd64

package native

import (
	"errors"

	"github.com/go-loupe/loupe/pkg/proc"
)

// TODO: read the arm64 regset with PTRACE_GETREGSET.
func currentRegs(pid int) (proc.Registers, error) {
	return nil, errors.New("registers are only supported on linux/amd64")
}
