// Package pagebox implements PageBox (spec.md Glossary: "Owning
// smart-handle to a page-sized typed allocation").
//
// Grounded on xtra-kernel's memory/mmu/page_box.rs: a typed wrapper
// around one allocated page, returned to the allocator once the caller
// is done with it. Rust expresses the "free on scope exit" half with
// Drop; Go has no destructors, so Box here follows the teacher's own
// convention for owned kernel resources (mem.Pg_t instances are
// refcounted and explicitly Refdown'd, never relying on a finalizer) and
// exposes an explicit Free method instead.
package pagebox

import (
	"unsafe"

	"rvkernel/internal/buildcfg"
	"rvkernel/internal/kerr"
	"rvkernel/internal/pageptr"
)

// Allocator supplies and reclaims physical pages.
type Allocator interface {
	AllocPage() (paddr uintptr, ok bool)
	FreePage(paddr uintptr)
}

// Box owns one page of physical memory, typed as T. T must fit within a
// single page (spec.md "page-sized typed allocation").
type Box[T any] struct {
	ptr   pageptr.Ptr[T]
	paddr uintptr
	alloc Allocator
	freed bool
}

// New allocates a fresh page from alloc, zeros the T value at its start
// (the rest of the page is left as it was), and returns a Box wrapping it
// as a *T. Panics if T does not fit in one page (the same
// assert page_box.rs makes at construction).
func New[T any](alloc Allocator) (*Box[T], kerr.Error) {
	var zero T
	if unsafe.Sizeof(zero) > buildcfg.PageSize {
		kerr.Panicf("pagebox: type too large to fit in one page")
	}

	paddr, ok := alloc.AllocPage()
	if !ok {
		return nil, kerr.E(kerr.OutOfMemory)
	}
	b, err := FromPhysical[T](paddr, alloc)
	if !err.IsZero() {
		alloc.FreePage(paddr)
		return nil, err
	}
	*b.Get() = zero
	return b, kerr.E(kerr.Ok)
}

// FromPhysical wraps an already-allocated physical page as a Box,
// taking ownership of it: the page is freed to alloc when Free is
// called (spec.md "Owning smart-handle").
func FromPhysical[T any](paddr uintptr, alloc Allocator) (*Box[T], kerr.Error) {
	var zero T
	if unsafe.Sizeof(zero) > buildcfg.PageSize {
		kerr.Panicf("pagebox: type too large to fit in one page")
	}
	ptr, err := pageptr.FromPhysical[T](paddr)
	if !err.IsZero() {
		return nil, err
	}
	return &Box[T]{ptr: ptr, paddr: paddr, alloc: alloc}, kerr.E(kerr.Ok)
}

// Get returns a pointer to the boxed value. Panics if the Box has
// already been freed.
func (b *Box[T]) Get() *T {
	if b.freed {
		kerr.Panicf("pagebox: use after Free")
	}
	return (*T)(unsafe.Pointer(b.ptr.AsUsize()))
}

// Physical returns the physical address backing the box, e.g. to hand
// to PageTable.Map when installing it into an address space.
func (b *Box[T]) Physical() uintptr {
	return b.paddr
}

// Free returns the underlying page to the allocator. The Box must not
// be used afterward. Safe to call at most once.
func (b *Box[T]) Free() {
	if b.freed {
		kerr.Panicf("pagebox: double Free")
	}
	b.freed = true
	b.alloc.FreePage(b.paddr)
}
