//go:build !linux

package native

import (
	"errors"

	"github.com/go-loupe/loupe/pkg/proc"
)

// Attach is only implemented on Linux.
func Attach(pid int) (proc.Process, error) {
	return nil, errors.New("attach is only supported on linux")
}
