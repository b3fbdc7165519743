package proc

// Process represents an attached target process. The process stays stopped
// for as long as we hold it; all reads observe one consistent stop.
type Process interface {
	Pid() int
	BinInfo() *BinaryInfo

	// Memory returns a reader for the target address space. The reader is
	// cached, FlushMemoryCache invalidates it.
	Memory() MemoryReader
	FlushMemoryCache()

	// Registers returns the register set of the stopped thread we are
	// attached to.
	Registers() (Registers, error)

	// Detach releases the process and lets it resume.
	Detach() error
}
