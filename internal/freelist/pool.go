package freelist

import "sync"

// Pool wraps a List with the single global spinlock spec.md §5 assigns
// to the free-page list ("FreePageList: process-wide, guarded by one
// spinlock"). Grounded on the teacher's mem.Physmem_t, which plays the
// same role (a single mutex-guarded free-page pool shared by every
// Vm_t) in mem/mem.go; like Vm_t, Pool embeds sync.Mutex directly so
// callers that need the list held across several operations (e.g.
// AddressSpace.allocate_page's pop-then-map) can Lock/Unlock it
// themselves instead of going through the short-lived convenience
// methods below.
//
// Lock ordering: callers that also hold an AddressSpace's own lock must
// acquire it first and this pool's lock second (spec.md §5: "lock
// order: address-space lock first, then free-page lock").
type Pool struct {
	sync.Mutex
	List List
}

// Seed adds a single page to the pool, used once at boot per page
// reported free by the memory inventory scan.
func (p *Pool) Seed(page uintptr) {
	p.Lock()
	defer p.Unlock()
	p.List.Insert(page)
}

// SeedRun adds an already-contiguous run in one operation (spec.md
// §4.2 insert_run).
func (p *Pool) SeedRun(first, last uintptr, count int) {
	p.Lock()
	defer p.Unlock()
	p.List.InsertRun(first, last, count)
}

// AllocPage pops a single free page. Implements pagetable.Allocator and
// pagebox.Allocator.
func (p *Pool) AllocPage() (uintptr, bool) {
	p.Lock()
	defer p.Unlock()
	return p.List.PopOne()
}

// FreePage returns a page to the pool.
func (p *Pool) FreePage(page uintptr) {
	p.Lock()
	defer p.Unlock()
	p.List.Insert(page)
}

// Len reports the number of free pages currently pooled.
func (p *Pool) Len() int {
	p.Lock()
	defer p.Unlock()
	return p.List.Len()
}
