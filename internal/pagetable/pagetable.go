package pagetable

import (
	"unsafe"

	"rvkernel/internal/freelist"
	"rvkernel/internal/kerr"
	"rvkernel/internal/pageptr"
)

// Vpn splits shift amounts for SV39 (spec.md Glossary).
const (
	vpnShift2 = 30
	vpnShift1 = 21
	vpnShift0 = 12
	vpnMask   = 0x1ff
)

// Table is one page-table page: 512 entries, exactly PAGE_SIZE bytes,
// naturally page-aligned when allocated from the page pool (spec.md §3,
// §4.4).
type Table [512]PTE

func tableAt(paddr uintptr) *Table {
	ptr, err := pageptr.FromPhysical[Table](paddr)
	if !err.IsZero() {
		kerr.Panicf("pagetable: invalid child table address")
	}
	return (*Table)(unsafe.Pointer(ptr.AsUsize()))
}

// Allocator supplies and reclaims physical pages for page-table
// construction. Implemented by freelist.Pool in the real kernel; a fake
// backed by host memory in tests.
type Allocator interface {
	AllocPage() (paddr uintptr, ok bool)
	FreePage(paddr uintptr)
}

// Root owns the top-level Table of an address space. It is not itself
// synchronized — spec.md §4.5 has AddressSpace hold a mutex around every
// call into it.
type Root struct {
	table     *Table
	rootPaddr uintptr
	alloc     Allocator
}

// NewRoot takes a freshly allocated page and zeros it, establishing an
// empty (all-Invalid) root table (spec.md §4.4 "Construction").
func NewRoot(rootPaddr uintptr, alloc Allocator) *Root {
	t := tableAt(rootPaddr)
	*t = Table{}
	return &Root{table: t, rootPaddr: rootPaddr, alloc: alloc}
}

func vpns(vaddr uintptr) (vpn2, vpn1, vpn0 int, offset uintptr) {
	offset = vaddr & (pageSize - 1)
	vpn2 = int((vaddr >> vpnShift2) & vpnMask)
	vpn1 = int((vaddr >> vpnShift1) & vpnMask)
	vpn0 = int((vaddr >> vpnShift0) & vpnMask)
	return
}

// createdChild records one freshly allocated intermediate table so
// walkCreate's caller can unwind it if a later level fails to allocate
// (spec.md §9 "Failure atomicity": no freshly created child table may
// be left dangling on an error path).
type createdChild struct {
	parent *Table
	index  int
	paddr  uintptr
}

// walkCreate walks the two intermediate levels from the root, creating
// a fresh child table for any Invalid entry it passes through, and
// returns the final-level table plus the VPN[0] slot for the caller to
// fill in. On failure it unwinds every child table it created during
// this call before returning, leaving the root exactly as it found it.
func (r *Root) walkCreate(vaddr uintptr) (*Table, int, kerr.Error) {
	if vaddr%pageSize != 0 {
		kerr.Panicf("pagetable: vaddr not page aligned")
	}
	vpn2, vpn1, vpn0, _ := vpns(vaddr)

	var created []createdChild
	t := r.table
	for _, vpn := range []int{vpn2, vpn1} {
		e := t[vpn]
		switch {
		case !e.IsValid():
			childPaddr, ok := r.alloc.AllocPage()
			if !ok {
				r.unwind(created)
				return nil, 0, kerr.E(kerr.OutOfMemory)
			}
			child := tableAt(childPaddr)
			*child = Table{}
			t[vpn] = newTablePointer(childPaddr)
			created = append(created, createdChild{parent: t, index: vpn, paddr: childPaddr})
			t = child
		case e.IsLeaf():
			r.unwind(created)
			return nil, 0, kerr.E(kerr.AlreadyMapped)
		default:
			t = tableAt(e.GetTablePointer())
		}
	}
	return t, vpn0, kerr.E(kerr.Ok)
}

// unwind reverses a partial walkCreate: each recorded child table's
// parent slot is reset to Invalid and the page is returned to the
// allocator, last-created first.
func (r *Root) unwind(created []createdChild) {
	for i := len(created) - 1; i >= 0; i-- {
		c := created[i]
		c.parent[c.index] = PTE(0)
		r.alloc.FreePage(c.paddr)
	}
}

// Map installs a vaddr->paddr translation with the given permissions and
// management (spec.md §4.4 map). Intermediate Invalid entries are
// upgraded to table pointers as needed; an intermediate leaf or an
// already-mapped leaf slot fails without leaking any freshly allocated
// child table (spec.md §9 "Failure atomicity").
func (r *Root) Map(vaddr, paddr uintptr, perm Perm, mgmt Management) kerr.Error {
	if vaddr%pageSize != 0 || paddr%pageSize != 0 {
		kerr.Panicf("pagetable: Map: unaligned address")
	}
	if paddr == 0 {
		kerr.Panicf("pagetable: Map: paddr must not be zero")
	}

	leaf, vpn0, err := r.walkCreate(vaddr)
	if !err.IsZero() {
		return err
	}
	if leaf[vpn0].IsValid() {
		return kerr.E(kerr.AlreadyMapped)
	}
	leaf[vpn0] = newLeaf(paddr, perm, mgmt)
	return kerr.E(kerr.Ok)
}

// walkExisting walks to the leaf slot for vaddr without creating
// anything, failing if any intermediate entry is Invalid or a leaf at
// too-high a level (spec.md §4.4 unmap/translate).
func (r *Root) walkExisting(vaddr uintptr) (*Table, int, kerr.Error) {
	if vaddr%pageSize != 0 {
		kerr.Panicf("pagetable: vaddr not page aligned")
	}
	vpn2, vpn1, vpn0, _ := vpns(vaddr)

	t := r.table
	for _, vpn := range []int{vpn2, vpn1} {
		e := t[vpn]
		if !e.IsValid() {
			return nil, 0, kerr.E(kerr.IntermediateInvalid)
		}
		if e.IsLeaf() {
			return nil, 0, kerr.E(kerr.IntermediateMistyped)
		}
		t = tableAt(e.GetTablePointer())
	}
	return t, vpn0, kerr.E(kerr.Ok)
}

// Unmap removes the mapping at vaddr, returning the physical frame the
// caller must itself return to the allocator iff management was Manual
// (spec.md §4.4 unmap). For Automatic/COW leaves the entry's own
// invalidate() reclaims or preserves the frame per spec.md §3's
// PageManagement semantics, and Unmap returns ok=false.
func (r *Root) Unmap(vaddr uintptr, free *freelist.List) (frame uintptr, ok bool, err kerr.Error) {
	leaf, vpn0, werr := r.walkExisting(vaddr)
	if !werr.IsZero() {
		return 0, false, werr
	}
	e := leaf[vpn0]
	if !e.IsValid() {
		return 0, false, kerr.E(kerr.NotMapped)
	}
	if !e.IsLeaf() {
		return 0, false, kerr.E(kerr.IntermediateMistyped)
	}

	mgmt := e.GetPageManagement()
	var manualFrame uintptr
	if mgmt == Manual {
		manualFrame = e.GetPhysicalAddress()
	}

	leaf[vpn0] = e.invalidate(free, r.freeChildTable)

	if mgmt == Manual {
		return manualFrame, true, kerr.E(kerr.Ok)
	}
	return 0, false, kerr.E(kerr.Ok)
}

// freeChildTable recursively drops a child table (and any further
// descendant tables/Automatic leaves) when a table-pointer entry is
// invalidated (spec.md §4.3 set_invalid, §9 "Ownership cycles: none").
func (r *Root) freeChildTable(childPaddr uintptr, free *freelist.List) {
	child := tableAt(childPaddr)
	for i := range child {
		e := child[i]
		if !e.IsValid() {
			continue
		}
		child[i] = e.invalidate(free, r.freeChildTable)
	}
	free.Insert(childPaddr)
}

// Translate walks to the leaf for vaddr and returns the mapped physical
// address plus the page offset (spec.md §4.4 translate).
func (r *Root) Translate(vaddr uintptr) (paddr uintptr, err kerr.Error) {
	_, _, _, offset := vpns(vaddr)

	leaf, slot, werr := r.walkExisting(vaddr &^ (pageSize - 1))
	if !werr.IsZero() {
		return 0, werr
	}
	e := leaf[slot]
	if !e.IsValid() {
		return 0, kerr.E(kerr.NotMapped)
	}
	if !e.IsLeaf() {
		return 0, kerr.E(kerr.IntermediateMistyped)
	}
	return e.GetPhysicalAddress() + offset, kerr.E(kerr.Ok)
}

// TranslatePerm is like Translate but also returns the leaf's
// permission set, used by tests and AddressSpace construction checks
// (spec.md §8 S3: "translate(0x1000_0000) returns a permission set with
// U=false").
func (r *Root) TranslatePerm(vaddr uintptr) (paddr uintptr, perm Perm, err kerr.Error) {
	_, _, _, offset := vpns(vaddr)
	leaf, slot, werr := r.walkExisting(vaddr &^ (pageSize - 1))
	if !werr.IsZero() {
		return 0, 0, werr
	}
	e := leaf[slot]
	if !e.IsValid() {
		return 0, 0, kerr.E(kerr.NotMapped)
	}
	if !e.IsLeaf() {
		return 0, 0, kerr.E(kerr.IntermediateMistyped)
	}
	return e.GetPhysicalAddress() + offset, e.Perm(), kerr.E(kerr.Ok)
}

// RootPhysical returns the physical address of the root table, for
// installing into satp on make_current.
func (r *Root) RootPhysical() uintptr {
	return r.rootPaddr
}
