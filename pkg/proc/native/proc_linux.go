package native

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	sys "golang.org/x/sys/unix"

	"github.com/go-loupe/loupe/pkg/logflags"
	"github.com/go-loupe/loupe/pkg/proc"
)

// memoryCachePages bounds the page cache at 2MB.
const memoryCachePages = 512

// nativeProcess is a target process stopped with ptrace.
type nativeProcess struct {
	pid     int
	bi      *proc.BinaryInfo
	mem     *proc.CachedMemory
	memFile *os.File

	// vmReadBroken is set when process_vm_readv turns out to be blocked by
	// seccomp or an old kernel; reads go through /proc/pid/mem from then on.
	vmReadBroken bool
	detached     bool
}

// Attach stops the process pid and opens its executable. The process stays
// stopped until Detach.
//
// Every later ptrace request must come from the thread that issued the
// attach, so the calling goroutine is pinned to its OS thread for the whole
// session.
func Attach(pid int) (proc.Process, error) {
	runtime.LockOSThread()

	if err := ptraceAttach(pid); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("could not attach to pid %d: %v", pid, err)
	}
	var status sys.WaitStatus
	if _, err := sys.Wait4(pid, &status, 0, nil); err != nil {
		ptraceDetach(pid, 0)
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("waiting for pid %d to stop: %v", pid, err)
	}

	p := &nativeProcess{pid: pid}

	exe := fmt.Sprintf("/proc/%d/exe", pid)
	bi, err := proc.OpenBinary(exe)
	if err != nil {
		p.Detach()
		return nil, err
	}
	p.bi = bi
	if path, err := os.Readlink(exe); err == nil {
		bi.Path = path
	}

	mapStart, err := p.exeMappingStart(bi.Path)
	if err != nil {
		p.Detach()
		return nil, err
	}
	bi.LoadBias = bi.BiasFromMapping(mapStart)

	// The mem file keeps working where process_vm_readv is filtered.
	if f, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid)); err == nil {
		p.memFile = f
	}

	cache, err := proc.NewCachedMemory(&rawMemory{p: p}, memoryCachePages)
	if err != nil {
		p.Detach()
		return nil, err
	}
	p.mem = cache

	logflags.TargetLogger().Debugf("attached to pid %d (%s), load bias %#x", pid, bi.Path, bi.LoadBias)
	return p, nil
}

func (p *nativeProcess) Pid() int { return p.pid }

func (p *nativeProcess) BinInfo() *proc.BinaryInfo { return p.bi }

func (p *nativeProcess) Memory() proc.MemoryReader { return p.mem }

func (p *nativeProcess) FlushMemoryCache() { p.mem.Flush() }

func (p *nativeProcess) Registers() (proc.Registers, error) {
	return currentRegs(p.pid)
}

// Detach lets the process resume and releases every handle on it.
func (p *nativeProcess) Detach() error {
	if p.detached {
		return nil
	}
	p.detached = true
	err := ptraceDetach(p.pid, 0)
	if p.memFile != nil {
		p.memFile.Close()
	}
	if p.bi != nil {
		p.bi.Close()
	}
	runtime.UnlockOSThread()
	return err
}

// exeMappingStart returns the lowest address the executable is mapped at,
// read from /proc/pid/maps. The mappings are listed in ascending address
// order, so the first line naming the executable is the one we want.
func (p *nativeProcess) exeMappingStart(exe string) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var fallback uint64
	hasFallback := false
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		fields := strings.Fields(scan.Text())
		if len(fields) < 6 {
			continue
		}
		path := strings.TrimSuffix(strings.Join(fields[5:], " "), " (deleted)")
		start, err := strconv.ParseUint(strings.Split(fields[0], "-")[0], 16, 64)
		if err != nil {
			continue
		}
		if path == exe {
			return start, nil
		}
		if !hasFallback && strings.HasPrefix(path, "/") {
			fallback, hasFallback = start, true
		}
	}
	if err := scan.Err(); err != nil {
		return 0, err
	}
	if hasFallback {
		return fallback, nil
	}
	return 0, fmt.Errorf("no executable mapping found for pid %d", p.pid)
}

// rawMemory reads the target address space directly, without caching.
type rawMemory struct {
	p *nativeProcess
}

func (m *rawMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	p := m.p
	if !p.vmReadBroken {
		n, err := processVmRead(p.pid, uintptr(addr), buf)
		if err == nil && n == len(buf) {
			return n, nil
		}
		if err == sys.ENOSYS || err == sys.EPERM {
			p.vmReadBroken = true
		}
	}
	if p.memFile == nil {
		return 0, fmt.Errorf("reading %d bytes at %#x: process_vm_readv unavailable", len(buf), addr)
	}
	n, err := p.memFile.ReadAt(buf, int64(addr))
	if err != nil {
		return n, fmt.Errorf("reading %d bytes at %#x: %w", len(buf), addr, proc.ErrShortRead)
	}
	return n, nil
}
