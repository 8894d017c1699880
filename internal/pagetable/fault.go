package pagetable

import (
	"unsafe"

	"rvkernel/internal/kerr"
	"rvkernel/internal/pageptr"
)

// HandleCOWFault resolves a write fault on a CopyOnWrite or CowOwner leaf
// at vaddr (spec.md §3's PageManagement states; the fault operation
// itself is not named by spec.md — SPEC_FULL.md's supplemented
// features). Grounded on the teacher's Vm_t.Sys_pgfault (vm/as.go):
// the same "if this is the only remaining reference, reclaim the frame
// in place; otherwise copy it" shortcut, adapted from the teacher's
// per-page refcount to the single bit of information this PTE encoding
// (xtra-kernel's PageManagement: CopyOnWrite/CowOwner, no refcount)
// actually carries.
//
// soleOwner is supplied by the caller (the AddressSpace/fork layer,
// which is the only place that knows whether a sibling mapping still
// aliases the frame — that bookkeeping lives above this package). When
// true, the frame is reclaimed without copying. resultMgmt/resultPerm
// describe the state the entry settles into once the fault is resolved.
func HandleCOWFault(root *Root, vaddr uintptr, alloc Allocator, soleOwner bool, resultMgmt Management, resultPerm Perm) (newPaddr uintptr, err kerr.Error) {
	leaf, slot, werr := root.walkExisting(vaddr)
	if !werr.IsZero() {
		return 0, werr
	}
	e := leaf[slot]
	if !e.IsValid() || !e.IsLeaf() {
		return 0, kerr.E(kerr.NotMapped)
	}
	mgmt := e.GetPageManagement()
	if mgmt != CopyOnWrite && mgmt != CowOwner {
		return 0, kerr.E(kerr.NotCopyOnWrite)
	}

	oldPaddr := e.GetPhysicalAddress()
	if soleOwner {
		leaf[slot] = newLeaf(oldPaddr, resultPerm, resultMgmt)
		return oldPaddr, kerr.E(kerr.Ok)
	}

	newFrame, ok := alloc.AllocPage()
	if !ok {
		return 0, kerr.E(kerr.OutOfMemory)
	}
	if cerr := copyPage(oldPaddr, newFrame); !cerr.IsZero() {
		alloc.FreePage(newFrame)
		return 0, cerr
	}
	leaf[slot] = newLeaf(newFrame, resultPerm, resultMgmt)
	return newFrame, kerr.E(kerr.Ok)
}

type pageBytes [pageSize]byte

func copyPage(srcPaddr, dstPaddr uintptr) kerr.Error {
	src, err := pageptr.FromPhysical[pageBytes](srcPaddr)
	if !err.IsZero() {
		return err
	}
	dst, err := pageptr.FromPhysical[pageBytes](dstPaddr)
	if !err.IsZero() {
		return err
	}
	srcPage := (*pageBytes)(unsafe.Pointer(src.AsUsize()))
	dstPage := (*pageBytes)(unsafe.Pointer(dst.AsUsize()))
	*dstPage = *srcPage
	return kerr.E(kerr.Ok)
}
