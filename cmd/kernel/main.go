// Command kernel is the RISC-V 64-bit kernel entry point named in
// spec.md §6 ("Kernel-to-bootloader ABI: ... invoked with the
// signature (hart_id, device_tree_ptr) -> noreturn") and §2's boot
// sequencing: parse the device tree, build the memory inventory,
// initialize the free-page allocator and mode-aware addressing, build
// and switch to the kernel AddressSpace, then release the other harts.
//
// Grounded on gopher-os-gopher-os's kernel/kmain.go: a single exported,
// go:noinline Kmain(multibootInfoPtr uintptr), invoked by out-of-scope
// rt0/startup assembly, that never returns. KernelMain follows the same
// shape generalized to spec.md §6's two-argument ABI and to §2's hart
// dispatch (hart 0 initializes once; every other hart spins on a boot
// flag before joining).
package main

import (
	"unsafe"

	"sync/atomic"

	"rvkernel/internal/addrspace"
	"rvkernel/internal/buildcfg"
	"rvkernel/internal/fdt"
	"rvkernel/internal/freelist"
	"rvkernel/internal/kfmt"
	"rvkernel/internal/meminv"
	"rvkernel/internal/pageptr"
	"rvkernel/internal/power"
	"rvkernel/internal/uart"
	"rvkernel/internal/uartlog"
)

// uartBase is the NS16550-compatible register block address on QEMU's
// RISC-V "virt" machine. The logger must be usable before the device
// tree (which also describes /soc/serial@*) can be parsed, so this one
// address is a boundary constant rather than a discovered one (spec.md
// §1: the serial-port logger is out of scope beyond its contract).
const uartBase = 0x1000_0000

// maxDeviceTreeBytes bounds the slice this package is willing to read
// the firmware-supplied blob through. fdt.New itself validates every
// offset against the blob it's given, so this only needs to be at least
// as large as any real device tree blob QEMU or U-Boot hands off
// (typically tens of KiB); 4 MiB is a generous boundary-contract bound,
// not a parsed value.
const maxDeviceTreeBytes = 4 << 20

// Linker-script symbols describing the kernel image's own sections
// (spec.md §6: "the link script and startup assembly are boundary
// artifacts; only their contract... is specified"). These are resolved
// by that out-of-scope script and are declared, not defined, here — the
// same way internal/buildcfg documents STACKS without allocating it.
var (
	textStart, textEnd     uintptr
	rodataStart, rodataEnd uintptr
	dataStart, dataEnd     uintptr
)

// bootComplete is the process-wide atomic boot-complete flag (spec.md
// §5: "Other harts spin on an atomic boot-complete flag (Acquire load
// against a Release store)").
var bootComplete uint32

// kernelSpace is the kernel AddressSpace hart 0 builds; the other harts
// read it only after their Acquire load of bootComplete.
var kernelSpace *addrspace.Space

// KernelMain is the kernel's Rust-level-entry analogue (spec.md §6):
// `_start` installs a per-hart stack using the STACKS symbol and then
// jumps here with (hart_id, device_tree_ptr) in the first two argument
// registers. It never returns.
//
//go:noinline
func KernelMain(hartID uint64, deviceTreePtr uintptr) {
	if hartID == 0 {
		kernelSpace = hart0Init(deviceTreePtr)
		pageptr.SwitchToVirtual()
		atomic.StoreUint32(&bootComplete, 1) // Release
	} else {
		for atomic.LoadUint32(&bootComplete) == 0 { // Acquire
		}
		kernelSpace.MakeCurrent(installSatp)
	}

	// No scheduler is specified yet (spec.md §1 Non-goals: "SMP
	// scheduling"); every hart idles once it has joined the kernel
	// address space (hart 0 inside hart0Init, the others above).
	for {
	}
}

func hart0Init(deviceTreePtr uintptr) *addrspace.Space {
	u := uart.New(uartBase)
	u.Init()
	uartlog.Install(u)
	uartlog.Banner("boot", "hart 0 entering kernel")

	blob := unsafe.Slice((*byte)(unsafe.Pointer(deviceTreePtr)), maxDeviceTreeBytes)
	dt, err := fdt.New(blob)
	if !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}

	inv, err := meminv.Build(dt)
	if !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}
	uartlog.Banner("boot", kfmt.Dec(int64(inv.RAMCount))+" RAM region(s), "+
		kfmt.Dec(int64(inv.MMIOCount))+" MMIO region(s)")

	pageptr.Init(inv.HighestRAMEnd())

	pool := &freelist.Pool{}
	seedFreePages(pool, inv, roundUp(dataEnd, buildcfg.PageSize))
	uartlog.Banner("boot", kfmt.Dec(int64(pool.Len()))+" free page(s) available")

	layout := addrspace.KernelLayout{
		TextBase:   textStart,
		TextSize:   textEnd - textStart,
		RodataBase: rodataStart,
		RodataSize: rodataEnd - rodataStart,
		DataBase:   dataStart,
		DataSize:   dataEnd - dataStart,
	}
	space, err := addrspace.New(inv, layout, pageptr.Base(), pool)
	if !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}

	space.MakeCurrent(installSatp)
	uartlog.Banner("boot", "kernel address space active")
	return space
}

// seedFreePages transfers every RAM page at or above reserveEnd into
// pool, one contiguous run per RAM region (spec.md §3: "Page frames
// created once by MemoryInventory scan, transferred to FreePageList").
// Pages below reserveEnd belong to the kernel image itself and are
// never freed.
func seedFreePages(pool *freelist.Pool, inv *meminv.Inventory, reserveEnd uintptr) {
	for i := 0; i < inv.RAMCount; i++ {
		r := inv.RAM[i]
		start := r.Base
		if reserveEnd > start {
			start = reserveEnd
		}
		start = roundUp(start, buildcfg.PageSize)
		end := r.End()
		if start >= end {
			continue
		}
		last := end - buildcfg.PageSize
		count := int((last-start)/buildcfg.PageSize) + 1
		pool.SeedRun(start, last, count)
	}
}

func roundUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// installSatp would execute `csrw satp, ...` to switch the hart's root
// page table (spec.md §4.5 AddressSpace.make_current). RISC-V CSR
// access has no Go-expressible equivalent without an assembly stub,
// which belongs to the out-of-scope startup assembly (spec.md §1) —
// the same simplification internal/power takes for `wfi`. Left as a
// documented no-op boundary hook.
func installSatp(rootPhysical uintptr) {
	_ = rootPhysical
}

func main() {
	// Never reached in the freestanding image: control arrives at
	// KernelMain directly from the boundary startup assembly, not
	// through a hosted runtime's call to main (spec.md §6). This
	// exists only so the package satisfies `package main`'s contract.
	for {
	}
}
