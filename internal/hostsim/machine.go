//go:build linux

// Package hostsim runs the kernel memory subsystem inside a regular Linux
// process. Physical memory is a memfd mapped at a fixed offset, the heap
// region is a reserved address range and every TLB flush re-maps the flushed
// page to the frame stored in the simulated page tables, so heap accesses hit
// exactly the physical memory chosen by the kernel's mapper.
package hostsim

import (
	"io"
	"unsafe"

	"github.com/AarnavSrivastava/morb-os/kernel"
	"github.com/AarnavSrivastava/morb-os/kernel/kfmt"
	"github.com/AarnavSrivastava/morb-os/kernel/kmain"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/pmm"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/vmm"
	"github.com/AarnavSrivastava/morb-os/kernel/sync"
	"github.com/AarnavSrivastava/morb-os/multiboot"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// rootTableAddr is the physical address of the top level page table.
	rootTableAddr = uintptr(0x1000)

	// infoAddr is the physical address of the multiboot info block.
	infoAddr = uintptr(0x2000)

	// lowMemEnd is the end of the conventional memory region.
	lowMemEnd = uintptr(0x9fc00)

	// highMemStart is where memory above the legacy hole starts.
	highMemStart = uintptr(0x100000)

	// MinRAMSize is the smallest supported amount of simulated RAM.
	MinRAMSize = 2 * uintptr(mm.Mb)
)

var errAlreadyBooted = errors.New("the kernel memory subsystem can only be booted once per process")

var (
	// booted tracks whether a Machine already initialized the kernel
	// singletons.
	booted bool

	// mmapPtrFn is mocked by tests to simulate remapping failures.
	mmapPtrFn = unix.MmapPtr
)

// Config describes the simulated machine.
type Config struct {
	// RAMSize is the amount of simulated physical memory. It is rounded up
	// to a page and must be at least MinRAMSize.
	RAMSize uintptr

	// CmdLine is passed to the kernel through the multiboot info block.
	CmdLine string

	// KernelStart and KernelEnd describe the physical range occupied by
	// the (imaginary) kernel image. The frame source never hands it out.
	KernelStart, KernelEnd uintptr

	// Output receives kernel log output. Lines are prefixed with "[kernel] ".
	// A nil Output discards it.
	Output io.Writer
}

// Machine is a simulated machine with its own physical memory.
type Machine struct {
	cfg Config

	memfd int
	ram   []byte

	window []byte

	irq *InterruptCounter

	// flushErr records the first failure of the TLB flush hook which has
	// no way of returning errors to the mapper.
	flushErr error
}

// NewMachine allocates the simulated physical memory and writes the
// multiboot info block into it.
func NewMachine(cfg Config) (*Machine, error) {
	cfg.RAMSize = mm.AlignUp(cfg.RAMSize, mm.PageSize)
	if cfg.RAMSize < MinRAMSize {
		return nil, errors.Errorf("RAM size must be at least %d bytes; got %d", MinRAMSize, cfg.RAMSize)
	}

	if cfg.KernelEnd == 0 {
		cfg.KernelStart, cfg.KernelEnd = highMemStart, highMemStart+512*uintptr(mm.Kb)
	}

	memfd, err := unix.MemfdCreate("morb-os-ram", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "creating memfd for physical memory")
	}

	m := &Machine{cfg: cfg, memfd: memfd, irq: &InterruptCounter{enabled: true}}
	if err = unix.Ftruncate(memfd, int64(cfg.RAMSize)); err != nil {
		_ = m.Close()
		return nil, errors.Wrap(err, "sizing physical memory")
	}

	if m.ram, err = unix.Mmap(memfd, 0, int(cfg.RAMSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		_ = m.Close()
		return nil, errors.Wrap(err, "mapping physical memory")
	}

	info := multiboot.NewInfoBuilder().
		AddMemoryMap(m.MemoryMap()...).
		AddCmdLine(cfg.CmdLine).
		Bytes()
	if uintptr(len(info)) > mm.PageSize {
		_ = m.Close()
		return nil, errors.New("multiboot info block does not fit in its page")
	}
	copy(m.ram[infoAddr:], info)

	return m, nil
}

// MemoryMap returns the memory regions reported to the kernel. The first
// three pages (null page, root page table, boot info) and the legacy hole
// are reserved.
func (m *Machine) MemoryMap() []multiboot.MemoryMapEntry {
	return []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: uint64(infoAddr + mm.PageSize), Type: multiboot.MemReserved},
		{PhysAddress: uint64(infoAddr + mm.PageSize), Length: uint64(lowMemEnd - infoAddr - mm.PageSize), Type: multiboot.MemAvailable},
		{PhysAddress: uint64(lowMemEnd), Length: uint64(highMemStart - lowMemEnd), Type: multiboot.MemReserved},
		{PhysAddress: uint64(highMemStart), Length: uint64(m.cfg.RAMSize - highMemStart), Type: multiboot.MemAvailable},
	}
}

// PhysOffset returns the virtual address at which simulated physical memory
// starts.
func (m *Machine) PhysOffset() uintptr {
	return uintptr(unsafe.Pointer(&m.ram[0]))
}

// RootFrame returns the frame holding the top level page table.
func (m *Machine) RootFrame() mm.Frame {
	return mm.FrameFromAddress(rootTableAddr)
}

// HeapWindow returns the base address of the virtual range reserved for the
// heap or 0 before Boot.
func (m *Machine) HeapWindow() uintptr {
	if m.window == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.window[0]))
}

// Interrupts returns the interrupt controller installed by Boot.
func (m *Machine) Interrupts() *InterruptCounter {
	return m.irq
}

// PhysRead copies len(p) bytes of simulated physical memory starting at
// physAddr into p.
func (m *Machine) PhysRead(physAddr uintptr, p []byte) error {
	if physAddr >= uintptr(len(m.ram)) || uintptr(len(p)) > uintptr(len(m.ram))-physAddr {
		return errors.Errorf("physical range [0x%x, 0x%x) is outside RAM", physAddr, physAddr+uintptr(len(p)))
	}
	if len(p) == 0 {
		return nil
	}

	kernel.Memcopy(uintptr(unsafe.Pointer(&m.ram[physAddr])), uintptr(unsafe.Pointer(&p[0])), uintptr(len(p)))
	return nil
}

// Boot runs the kernel memory bootstrap against the simulated machine and
// backs heapSize bytes of heap. The kernel singletons can only be
// initialized once per process.
func (m *Machine) Boot(heapSize uintptr) error {
	if booted {
		return errAlreadyBooted
	}

	if err := m.reserveWindow(heapSize); err != nil {
		return err
	}

	if m.cfg.Output != nil {
		kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: m.cfg.Output, Prefix: []byte("[kernel] ")})
	} else {
		kfmt.SetOutputSink(io.Discard)
	}
	sync.SetInterruptController(m.irq)
	vmm.SetTLBFlusher(m.flushTLBEntry)

	booted = true
	multiboot.SetInfoPtr(m.PhysOffset() + infoAddr)
	kerr := kmain.InitMemory(m.cfg.KernelStart, m.cfg.KernelEnd, m.PhysOffset(), m.RootFrame(), m.HeapWindow(), heapSize)
	if m.flushErr != nil {
		return errors.Wrap(m.flushErr, "emulating page table updates")
	}
	if kerr != nil {
		return errors.Wrap(kerr, "initializing kernel memory")
	}

	kfmt.Printf("[hostsim] frames used: %d\n", pmm.AllocatedFrames())
	return nil
}

// reserveWindow reserves an inaccessible address range for heapSize bytes of
// heap. Pages become accessible as the kernel maps them.
func (m *Machine) reserveWindow(heapSize uintptr) error {
	window, err := unix.Mmap(-1, 0, int(mm.AlignUp(heapSize, mm.PageSize)), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return errors.Wrap(err, "reserving heap window")
	}
	m.window = window
	return nil
}

// flushTLBEntry emulates the MMU: pages inside the heap window are backed by
// the memfd offset of the frame they are mapped to.
func (m *Machine) flushTLBEntry(virtAddr uintptr) {
	base := m.HeapWindow()
	if virtAddr < base || virtAddr >= base+uintptr(len(m.window)) {
		return
	}

	page := mm.AlignDown(virtAddr, mm.PageSize)
	prot, flags, offset := unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, int64(0)
	fd := -1

	if physAddr, err := vmm.Translate(page); err == nil {
		if physAddr+mm.PageSize > m.cfg.RAMSize {
			m.scratchPage(page, errors.Errorf("page 0x%x mapped to frame 0x%x outside RAM", page, physAddr))
			return
		}
		prot, flags, offset, fd = unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, int64(physAddr), m.memfd
	}

	if _, err := mmapPtrFn(fd, offset, unsafe.Pointer(page), mm.PageSize, prot, flags); err != nil {
		m.scratchPage(page, errors.Wrapf(err, "remapping page 0x%x", page))
	}
}

// scratchPage records a failed remap and backs page with private memory. The
// mapper cannot observe the failure, so the heap bootstrap keeps writing to
// the window until Boot reports the error.
func (m *Machine) scratchPage(page uintptr, cause error) {
	m.recordFlushErr(cause)

	if _, err := unix.MmapPtr(-1, 0, unsafe.Pointer(page), mm.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED); err != nil {
		m.recordFlushErr(errors.Wrapf(err, "backing page 0x%x with scratch memory", page))
	}
}

func (m *Machine) recordFlushErr(err error) {
	if m.flushErr == nil {
		m.flushErr = err
	}
}

// Close releases the simulated memory. The kernel heap must not be used
// afterwards.
func (m *Machine) Close() error {
	var firstErr error
	if m.window != nil {
		if err := unix.Munmap(m.window); err != nil {
			firstErr = errors.Wrap(err, "unmapping heap window")
		}
		m.window = nil
	}

	if m.ram != nil {
		if err := unix.Munmap(m.ram); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "unmapping physical memory")
		}
		m.ram = nil
	}

	if m.memfd >= 0 {
		if err := unix.Close(m.memfd); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "closing memfd")
		}
		m.memfd = -1
	}

	return firstErr
}
