// Package pageptr implements PagePointer (spec.md §4.1): a page-aligned
// address carrier that is aware of the kernel's two global addressing
// modes, physical (MMU off) and virtual (MMU on, kernel occupies a high
// linear window of all RAM).
//
// Grounded on the teacher's mem.Dmap / mem.Vdirect pair (mem/dmap.go),
// which plays the same "physical page, accessed through one fixed
// virtual offset" role for x86-64's direct map, generalized to the
// mode-aware carrier spec.md §4.1 and §9 ("Mode transition") require.
package pageptr

import (
	"sync/atomic"

	"rvkernel/internal/buildcfg"
	"rvkernel/internal/kerr"
)

// virtualMode is set once, at the hart-0 mode transition (spec.md §5:
// "Mode transition to virtual addressing is a Release from hart 0;
// other harts observe it via Acquire"). 0 = physical mode, 1 = virtual.
var virtualMode uint32

// vbase is the kernel's linear RAM window base, computed once at boot
// (spec.md §4.1: "VBASE is computed at boot as
// align_down(HIGHEST_REPRESENTABLE_VIRT - highest_RAM_end, PAGE_SIZE)").
var vbase uintptr

// ramSpan is the size of the linear RAM window, i.e. highest_RAM_end
// rounded up to a page boundary; from_virtual uses it to bound-check.
var ramSpan uintptr

// ramEnd is the highest physical address reported by the memory
// inventory, page-aligned up. It bounds from_physical.
var ramEnd uintptr

var initialized uint32

// Init computes VBASE from the highest RAM end address discovered by
// the memory inventory scan. It must run exactly once, on hart 0,
// before any PagePointer is constructed, and before SwitchToVirtual.
func Init(highestRamEnd uintptr) {
	if !atomic.CompareAndSwapUint32(&initialized, 0, 1) {
		kerr.Panicf("pageptr: Init called twice")
	}
	aligned := roundUp(highestRamEnd, buildcfg.PageSize)
	ramEnd = aligned
	ramSpan = aligned
	vbase = alignDown(buildcfg.HighestRepresentableVirt-uint64(aligned), buildcfg.PageSize)
}

func alignDown(v uint64, align uintptr) uintptr {
	a := uint64(align)
	return uintptr(v &^ (a - 1))
}

func roundUp(v uintptr, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// SwitchToVirtual is the Release-ordered flag flip performed by hart 0
// once the kernel address space is active (spec.md §5). Other harts
// must call InVirtualMode (an Acquire load) before trusting AsUsize() results
// cached across the transition.
func SwitchToVirtual() {
	atomic.StoreUint32(&virtualMode, 1)
}

// InVirtualMode reports whether the kernel has switched to virtual
// addressing, with Acquire ordering relative to SwitchToVirtual.
func InVirtualMode() bool {
	return atomic.LoadUint32(&virtualMode) == 1
}

// Base returns VBASE. Panics if Init has not run.
func Base() uintptr {
	if atomic.LoadUint32(&initialized) == 0 {
		kerr.Panicf("pageptr: Base() before Init")
	}
	return vbase
}

// Ptr is a page-aligned address carrier for a value of type T. The zero
// value is not a valid pointer; construct with FromPhysical or
// FromVirtual. Ptr stores the virtual form internally and derives the
// physical form by subtracting VBASE, so a single field suffices.
type Ptr[T any] struct {
	virt uintptr
}

// FromPhysical builds a Ptr from a physical address. It rejects null,
// misaligned, or out-of-RAM addresses (spec.md §4.1, §7).
func FromPhysical[T any](p uintptr) (Ptr[T], kerr.Error) {
	if p == 0 {
		return Ptr[T]{}, kerr.E(kerr.NullAddress)
	}
	if p&buildcfg.PageMask != 0 {
		return Ptr[T]{}, kerr.E(kerr.UnalignedAddress)
	}
	if p >= ramEnd {
		return Ptr[T]{}, kerr.E(kerr.OutOfRange)
	}
	return Ptr[T]{virt: Base() + p}, kerr.E(kerr.Ok)
}

// FromVirtual builds a Ptr from a virtual address already inside the
// linear RAM window [VBASE, VBASE+RAM_SPAN). It rejects null,
// misaligned, or out-of-window addresses.
func FromVirtual[T any](v uintptr) (Ptr[T], kerr.Error) {
	if v == 0 {
		return Ptr[T]{}, kerr.E(kerr.NullAddress)
	}
	if v&buildcfg.PageMask != 0 {
		return Ptr[T]{}, kerr.E(kerr.UnalignedAddress)
	}
	base := Base()
	if v < base || v >= base+ramSpan {
		return Ptr[T]{}, kerr.E(kerr.OutOfRange)
	}
	return Ptr[T]{virt: v}, kerr.E(kerr.Ok)
}

// AsUsize returns the address a caller should actually dereference
// right now: the virtual form when the kernel is in virtual mode, the
// physical form otherwise. This is the one place mode-sensitivity is
// resolved, so that no caller needs to cache a raw integer across the
// mode transition (spec.md §9).
func (p Ptr[T]) AsUsize() uintptr {
	if InVirtualMode() {
		return p.virt
	}
	return p.virt - Base()
}

// Physical returns the physical address regardless of current mode,
// used when building page-table entries (which always store physical
// page numbers, spec.md §3).
func (p Ptr[T]) Physical() uintptr {
	return p.virt - Base()
}

// IsZero reports whether p was never initialized via FromPhysical/FromVirtual.
func (p Ptr[T]) IsZero() bool {
	return p.virt == 0
}
