package pagetable

import (
	"testing"
	"unsafe"
)

func ptrAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

func TestHandleCOWFaultSoleOwnerReclaimsInPlace(t *testing.T) {
	ensurePageptr(t)
	pages := testPages(t, 8)
	alloc := newPoolAllocator(pages[1:7])
	frame := pages[7]
	root := NewRoot(pages[0], alloc)

	const vaddr = 0x0000_0200_0000_7000
	if err := root.Map(vaddr, frame, PermRead, CowOwner); !err.IsZero() {
		t.Fatalf("Map: %v", err)
	}

	before := alloc.free.Len()
	got, err := HandleCOWFault(root, vaddr, alloc, true, Manual, PermRead|PermWrite)
	if !err.IsZero() {
		t.Fatalf("HandleCOWFault: %v", err)
	}
	if got != frame {
		t.Fatalf("sole-owner fault should keep the same frame, got %#x want %#x", got, frame)
	}
	if alloc.free.Len() != before {
		t.Fatalf("sole-owner fault should not touch the allocator, free len = %d, want %d", alloc.free.Len(), before)
	}

	paddr, perm, err := root.TranslatePerm(vaddr)
	if !err.IsZero() || paddr != frame {
		t.Fatalf("Translate after fault = (%#x, %v), want %#x", paddr, err, frame)
	}
	if perm&PermWrite == 0 {
		t.Fatal("entry should be writable after sole-owner reclaim")
	}
}

func TestHandleCOWFaultSharedCopies(t *testing.T) {
	ensurePageptr(t)
	pages := testPages(t, 8)
	alloc := newPoolAllocator(pages[1:7])
	frame := pages[7]
	root := NewRoot(pages[0], alloc)

	const vaddr = 0x0000_0240_0000_8000
	if err := root.Map(vaddr, frame, PermRead, CopyOnWrite); !err.IsZero() {
		t.Fatalf("Map: %v", err)
	}

	// Stamp the shared frame so the copy can be checked for content.
	*(*byte)(ptrAt(frame)) = 0x42

	got, err := HandleCOWFault(root, vaddr, alloc, false, Manual, PermRead|PermWrite)
	if !err.IsZero() {
		t.Fatalf("HandleCOWFault: %v", err)
	}
	if got == frame {
		t.Fatal("shared fault should allocate a distinct frame")
	}
	if *(*byte)(ptrAt(got)) != 0x42 {
		t.Fatal("copied frame should carry the original contents")
	}

	paddr, perm, err := root.TranslatePerm(vaddr)
	if !err.IsZero() || paddr != got {
		t.Fatalf("Translate after fault = (%#x, %v), want %#x", paddr, err, got)
	}
	if perm&PermWrite == 0 {
		t.Fatal("copied entry should be writable")
	}
}
