//go:build !windows

package terminal

import (
	"io"
	"os"
)

// getColorableWriter returns stdout. Only windows needs escape sequence
// translation.
func getColorableWriter() io.Writer {
	return os.Stdout
}
