// Package addrspace implements AddressSpace (spec.md §4.5): an owning
// handle to a root PageTable plus a lock, with the standard identity-
// linear kernel layout installed at construction.
//
// Grounded on the teacher's Vm_t (vm/as.go): one sync.Mutex guarding a
// root page table and every operation on it, plus Mem_t/Physmem_t
// (mem/mem.go) for the "pop a page, map it, undo the pop on failure"
// shape of allocate_page. The construction sequence (flash, MMIO,
// .text/.rodata/.data+.bss, linear RAM window) is spec.md §4.5's own,
// since the teacher's x86-64 Vm_t has no SV39 linear-window analogue.
package addrspace

import (
	"sync"

	"rvkernel/internal/freelist"
	"rvkernel/internal/kerr"
	"rvkernel/internal/meminv"
	"rvkernel/internal/pagetable"
)

// KernelLayout names the kernel image's own sections, supplied by the
// linker script (spec.md §6's "section symbols" boundary contract).
// Each region is identity-mapped: virtual address equals physical
// address, since the kernel links and executes at a fixed physical load
// address (spec.md §4.5 steps 3-5).
type KernelLayout struct {
	TextBase, TextSize     uintptr
	RodataBase, RodataSize uintptr
	// DataBase/DataSize spans .data, .bss, the boot stack, and any
	// heap reservation: everything else in the kernel image that is
	// neither executable code nor read-only data (spec.md §4.5 step 5).
	DataBase, DataSize uintptr
}

// Space is an owning handle to a root PageTable plus the mutex spec.md
// §4.5 requires ("Owns a root PageTable and a mutual-exclusion
// primitive"). All operations lock it for the duration of the call.
type Space struct {
	mu   sync.Mutex
	root *pagetable.Root
	pool *freelist.Pool
}

// New allocates a root page table from pool and installs the common
// identity-linear layout (spec.md §4.5, items 1-6): flash and MMIO
// regions, the three kernel sections, and the linear RAM window at
// VBASE. vbase is the linear-window base pageptr.Init computed.
func New(inv *meminv.Inventory, layout KernelLayout, vbase uintptr, pool *freelist.Pool) (*Space, kerr.Error) {
	rootPaddr, ok := pool.AllocPage()
	if !ok {
		return nil, kerr.E(kerr.OutOfMemory)
	}
	root := pagetable.NewRoot(rootPaddr, pool)
	s := &Space{root: root, pool: pool}

	if err := s.buildIdentityLayout(inv, layout, vbase); !err.IsZero() {
		return nil, err
	}
	return s, kerr.E(kerr.Ok)
}

func (s *Space) buildIdentityLayout(inv *meminv.Inventory, layout KernelLayout, vbase uintptr) kerr.Error {
	for i := 0; i < inv.FlashCount; i++ {
		r := inv.Flash[i].Region
		if err := mapRegionIdentity(s.root, r, pagetable.PermRead|pagetable.PermGlobal, pagetable.Manual); !err.IsZero() {
			return err
		}
	}
	for i := 0; i < inv.MMIOCount; i++ {
		r := inv.MMIO[i]
		if err := mapRegionIdentity(s.root, r, pagetable.PermRead|pagetable.PermWrite|pagetable.PermGlobal, pagetable.Manual); !err.IsZero() {
			return err
		}
	}

	sections := []struct {
		r    meminv.Region
		perm pagetable.Perm
	}{
		{meminv.Region{Base: layout.TextBase, Size: layout.TextSize}, pagetable.PermRead | pagetable.PermExec | pagetable.PermGlobal},
		{meminv.Region{Base: layout.RodataBase, Size: layout.RodataSize}, pagetable.PermRead | pagetable.PermGlobal},
		{meminv.Region{Base: layout.DataBase, Size: layout.DataSize}, pagetable.PermRead | pagetable.PermWrite | pagetable.PermGlobal},
	}
	for _, sec := range sections {
		if sec.r.Size == 0 {
			continue
		}
		if err := mapRegionIdentity(s.root, sec.r, sec.perm, pagetable.Manual); !err.IsZero() {
			return err
		}
	}

	for i := 0; i < inv.RAMCount; i++ {
		r := inv.RAM[i]
		if err := mapRegionLinear(s.root, r, vbase, pagetable.PermRead|pagetable.PermWrite|pagetable.PermGlobal, pagetable.Manual); !err.IsZero() {
			return err
		}
	}

	return kerr.E(kerr.Ok)
}

func mapRegionIdentity(root *pagetable.Root, r meminv.Region, perm pagetable.Perm, mgmt pagetable.Management) kerr.Error {
	for p := r.Base; p < r.End(); p += 4096 {
		if err := root.Map(p, p, perm, mgmt); !err.IsZero() {
			return err
		}
	}
	return kerr.E(kerr.Ok)
}

func mapRegionLinear(root *pagetable.Root, r meminv.Region, vbase uintptr, perm pagetable.Perm, mgmt pagetable.Management) kerr.Error {
	for p := r.Base; p < r.End(); p += 4096 {
		if err := root.Map(vbase+p, p, perm, mgmt); !err.IsZero() {
			return err
		}
	}
	return kerr.E(kerr.Ok)
}

// AllocatePage pops a free page and maps it at vaddr with the given
// permissions, Automatic-managed (spec.md §4.5 allocate_page). On
// failure the popped page is returned to the pool before the error
// propagates (spec.md §9 "Failure atomicity").
func (s *Space) AllocatePage(vaddr uintptr, perm pagetable.Perm) kerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool.Lock()
	page, ok := s.pool.List.PopOne()
	s.pool.Unlock()
	if !ok {
		return kerr.E(kerr.OutOfMemory)
	}

	if err := s.root.Map(vaddr, page, perm, pagetable.Automatic); !err.IsZero() {
		s.pool.FreePage(page)
		return err
	}
	return kerr.E(kerr.Ok)
}

// FreePage unmaps vaddr and, if the unmap hands back a frame (Manual
// management), returns it to the pool (spec.md §4.5 free_page).
func (s *Space) FreePage(vaddr uintptr) kerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool.Lock()
	defer s.pool.Unlock()
	frame, ok, err := s.root.Unmap(vaddr, &s.pool.List)
	if !err.IsZero() {
		return err
	}
	if ok {
		s.pool.List.Insert(frame)
	}
	return kerr.E(kerr.Ok)
}

// MapPage installs a caller-owned vaddr->paddr mapping, Manual-managed
// (spec.md §4.5 map_page).
func (s *Space) MapPage(vaddr, paddr uintptr, perm pagetable.Perm) kerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root.Map(vaddr, paddr, perm, pagetable.Manual)
}

// UnmapPage removes a Manual mapping installed by MapPage, panicking if
// the unmap does not hand back a frame (spec.md §4.5 unmap_page:
// "asserts result is Some").
func (s *Space) UnmapPage(vaddr uintptr) kerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool.Lock()
	defer s.pool.Unlock()
	_, ok, err := s.root.Unmap(vaddr, &s.pool.List)
	if !err.IsZero() {
		return err
	}
	if !ok {
		kerr.Panicf("addrspace: UnmapPage: entry was not Manual")
	}
	return kerr.E(kerr.Ok)
}

// Translate delegates to the page table (spec.md §4.5 translate).
func (s *Space) Translate(vaddr uintptr) (uintptr, kerr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root.Translate(vaddr)
}

// TranslatePerm is Translate plus the leaf's permission bits, used by
// tests and boot-time sanity checks (spec.md §8 S3).
func (s *Space) TranslatePerm(vaddr uintptr) (uintptr, pagetable.Perm, kerr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root.TranslatePerm(vaddr)
}

// MakeCurrent installs this address space as active on the current
// hart (spec.md §4.5 make_current: "a full memory barrier with respect
// to all prior writes to this address space's page tables"). install
// is the arch-specific satp write; it is passed in so this package
// never needs a direct RISC-V CSR dependency.
func (s *Space) MakeCurrent(install func(rootPhysical uintptr)) {
	s.mu.Lock()
	root := s.root.RootPhysical()
	s.mu.Unlock()

	// The Lock/Unlock pair above is itself the full memory barrier
	// spec.md requires: every write made under this space's lock
	// happens-before this point, and install's CSR write is a
	// sequentially consistent operation from the hart's perspective.
	install(root)
}
