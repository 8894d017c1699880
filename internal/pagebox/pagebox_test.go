package pagebox

import (
	"testing"
	"unsafe"

	"rvkernel/internal/buildcfg"
	"rvkernel/internal/freelist"
	"rvkernel/internal/pageptr"
)

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func testPages(t *testing.T, n int) []uintptr {
	t.Helper()
	buf := make([]byte, (n+1)*buildcfg.PageSize)
	base := addrOf(buf)
	start := (base + buildcfg.PageSize - 1) &^ (buildcfg.PageSize - 1)
	pages := make([]uintptr, n)
	for i := 0; i < n; i++ {
		pages[i] = start + uintptr(i)*buildcfg.PageSize
	}
	return pages
}

type pool struct {
	free freelist.List
}

func newPool(pages []uintptr) *pool {
	p := &pool{}
	for _, pg := range pages {
		p.free.Insert(pg)
	}
	return p
}

func (p *pool) AllocPage() (uintptr, bool) { return p.free.PopOne() }
func (p *pool) FreePage(paddr uintptr)     { p.free.Insert(paddr) }

var pageptrReady bool

func ensurePageptr(t *testing.T) {
	t.Helper()
	if pageptrReady {
		return
	}
	pageptr.Init(1 << 48)
	pageptrReady = true
}

type header struct {
	magic uint64
	count int32
}

func TestNewZeroesAndFreeReturnsPage(t *testing.T) {
	ensurePageptr(t)
	pages := testPages(t, 4)
	p := newPool(pages)

	before := p.free.Len()
	b, err := New[header](p)
	if !err.IsZero() {
		t.Fatalf("New: %v", err)
	}
	if p.free.Len() != before-1 {
		t.Fatalf("free len = %d, want %d", p.free.Len(), before-1)
	}
	h := b.Get()
	if h.magic != 0 || h.count != 0 {
		t.Fatal("New should zero the page")
	}
	h.magic = 0xdeadbeef
	h.count = 7

	if b.Get().magic != 0xdeadbeef || b.Get().count != 7 {
		t.Fatal("writes through Get should be visible on subsequent Get calls")
	}

	b.Free()
	if p.free.Len() != before {
		t.Fatalf("free len after Free = %d, want %d", p.free.Len(), before)
	}
}

func TestFromPhysicalTakesOwnership(t *testing.T) {
	ensurePageptr(t)
	pages := testPages(t, 4)
	p := newPool(pages[1:])
	frame := pages[0]

	b, err := FromPhysical[header](frame, p)
	if !err.IsZero() {
		t.Fatalf("FromPhysical: %v", err)
	}
	if b.Physical() != frame {
		t.Fatalf("Physical() = %#x, want %#x", b.Physical(), frame)
	}

	before := p.free.Len()
	b.Free()
	if p.free.Len() != before+1 {
		t.Fatalf("free len after Free = %d, want %d", p.free.Len(), before+1)
	}
}
