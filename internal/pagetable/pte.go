// Package pagetable implements the SV39 page-table engine: PageTableEntry
// (spec.md §3, §4.3) and PageTable (spec.md §3, §4.4).
//
// Grounded on xtra-kernel's arch/riscv_64/mmu/sv39/page_table_entry.rs
// for the exact bit layout and state-machine rules, and on the teacher's
// mem package (mem/mem.go's PTE_P/PTE_W/... constants and Pmap_t type)
// for idiom: plain bitmask constants over a typed integer, semantic
// accessor methods, and panics for "wrong state" programmer errors
// rather than returned errors (spec.md §4.3: "calling the wrong one
// panics (programmer error, not a runtime error)").
package pagetable

import (
	"rvkernel/internal/freelist"
	"rvkernel/internal/kerr"
)

// Perm is a combination of Readable, Writable, Executable, User, Global.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser
	PermGlobal
)

// Management is the two-bit PageManagement variant stored in a PTE's
// software-reserved bits (spec.md §3).
type Management uint8

const (
	Manual Management = iota
	Automatic
	CopyOnWrite
	CowOwner
)

// Bit layout, from low bit (spec.md §3): V R W X U G A D RSW[2] PPN[44] reserved.
const (
	bitV = 1 << 0
	bitR = 1 << 1
	bitW = 1 << 2
	bitX = 1 << 3
	bitU = 1 << 4
	bitG = 1 << 5
	bitA = 1 << 6
	bitD = 1 << 7

	rswShift = 8
	rswMask  = uint64(0b11) << rswShift

	ppnShift = 10
	ppnBits  = 44
	ppnMask  = ((uint64(1) << ppnBits) - 1) << ppnShift

	reservedMask = ^uint64((1 << 54) - 1) // bits 54..63 reserved-high; PPN is bits 10..53
)

// pageSize must match buildcfg.PageSize; duplicated as an untyped const
// here purely to keep pte.go self-contained for bit-math review
// (buildcfg imports nothing from pagetable, so there is no import cycle
// to avoid).
const pageSize = 4096

// PTE is one 64-bit SV39 page-table entry. The zero value is Invalid.
type PTE uint64

// IsValid reports whether the entry is in any valid state (table-pointer
// or leaf) as opposed to Invalid.
func (e PTE) IsValid() bool {
	return uint64(e)&bitV != 0
}

// IsTablePointer reports whether the entry points at a child PageTable:
// valid, with R=W=X all clear (spec.md §3).
func (e PTE) IsTablePointer() bool {
	if !e.IsValid() {
		return false
	}
	return uint64(e)&(bitR|bitW|bitX) == 0
}

// IsLeaf reports whether the entry maps a data page: valid and not a
// table pointer.
func (e PTE) IsLeaf() bool {
	return e.IsValid() && !e.IsTablePointer()
}

// GetPhysicalAddress returns the leaf's mapped physical page address.
// Panics if called on a table-pointer entry (spec.md §4.3: mutually
// exclusive accessors).
func (e PTE) GetPhysicalAddress() uintptr {
	if e.IsTablePointer() {
		kerr.Panicf("pagetable: GetPhysicalAddress called on table-pointer entry")
	}
	ppn := (uint64(e) & ppnMask) >> ppnShift
	return uintptr(ppn) << 12
}

// GetTablePointer returns the physical address of the child PageTable.
// Panics if called on anything but a table-pointer entry.
func (e PTE) GetTablePointer() uintptr {
	if !e.IsTablePointer() {
		kerr.Panicf("pagetable: GetTablePointer called on non-table-pointer entry")
	}
	ppn := (uint64(e) & ppnMask) >> ppnShift
	return uintptr(ppn) << 12
}

func withPPN(e PTE, paddr uintptr) PTE {
	if paddr%pageSize != 0 {
		kerr.Panicf("pagetable: address not page aligned")
	}
	ppn := uint64(paddr) >> 12
	if ppn > (uint64(1)<<44)-1 {
		kerr.Panicf("pagetable: address too large for sv39 ppn")
	}
	v := uint64(e) &^ ppnMask
	v |= (ppn << ppnShift) & ppnMask
	return PTE(v)
}

// newTablePointer builds a valid, permission-less entry pointing at the
// child table at childPaddr.
func newTablePointer(childPaddr uintptr) PTE {
	e := PTE(bitV)
	e = withPPN(e, childPaddr)
	return e
}

// newLeaf builds a valid leaf entry mapping paddr with the given
// permissions and management; accessed/dirty start clear.
func newLeaf(paddr uintptr, perm Perm, mgmt Management) PTE {
	v := uint64(bitV)
	if perm&PermRead != 0 {
		v |= bitR
	}
	if perm&PermWrite != 0 {
		v |= bitW
	}
	if perm&PermExec != 0 {
		v |= bitX
	}
	if perm&PermUser != 0 {
		v |= bitU
	}
	if perm&PermGlobal != 0 {
		v |= bitG
	}
	v |= uint64(mgmt) << rswShift
	e := PTE(v)
	return withPPN(e, paddr)
}

// Perm returns the entry's permission bits. Only meaningful for leaves.
func (e PTE) Perm() Perm {
	var p Perm
	v := uint64(e)
	if v&bitR != 0 {
		p |= PermRead
	}
	if v&bitW != 0 {
		p |= PermWrite
	}
	if v&bitX != 0 {
		p |= PermExec
	}
	if v&bitU != 0 {
		p |= PermUser
	}
	if v&bitG != 0 {
		p |= PermGlobal
	}
	return p
}

// GetPageManagement decodes the two software-reserved bits (spec.md §3).
func (e PTE) GetPageManagement() Management {
	return Management((uint64(e) & rswMask) >> rswShift)
}

// IsAccessed/IsDirty/ClearAccessed/ClearDirty mirror the hardware-set A/D bits.
func (e PTE) IsAccessed() bool { return uint64(e)&bitA != 0 }
func (e PTE) IsDirty() bool    { return uint64(e)&bitD != 0 }

func (e PTE) clearAccessedDirty() PTE {
	return PTE(uint64(e) &^ (bitA | bitD))
}

// invalidate performs the entry's destructor work (spec.md §4.3
// set_invalid): if it's a table-pointer, the child table and every
// Automatic leaf beneath it is dropped recursively and its pages
// returned to free; if it's an Automatic leaf with a nonzero PPN, the
// mapped page is returned to free; otherwise nothing is freed. The cell
// is then zeroed. Called with the free list the caller already holds
// locked (spec.md §5).
func (e PTE) invalidate(free *freelist.List, freeTable func(childPaddr uintptr, free *freelist.List)) PTE {
	if e.IsTablePointer() {
		freeTable(e.GetTablePointer(), free)
	} else if e.IsLeaf() && e.GetPageManagement() == Automatic {
		if paddr := e.GetPhysicalAddress(); paddr != 0 {
			free.Insert(paddr)
		}
	}
	return PTE(0)
}
