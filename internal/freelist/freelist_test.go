package freelist

import (
	"sort"
	"testing"
	"unsafe"

	"rvkernel/internal/buildcfg"
)

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// testPages allocates n page-aligned, contiguous page-sized slots backed
// by real memory and returns their addresses in ascending order. Host
// tests can't pick arbitrary physical addresses the way the kernel can,
// so we over-allocate and round up to a page boundary, the same trick
// gopheros's mm tests use for page-table unit tests against a fake pool.
func testPages(t *testing.T, n int) []uintptr {
	t.Helper()
	buf := make([]byte, (n+1)*buildcfg.PageSize)
	base := uintptr(addrOf(buf))
	start := (base + buildcfg.PageSize - 1) &^ (buildcfg.PageSize - 1)
	pages := make([]uintptr, n)
	for i := 0; i < n; i++ {
		pages[i] = start + uintptr(i)*buildcfg.PageSize
	}
	return pages
}

func TestInsertSortsAscending(t *testing.T) {
	pages := testPages(t, 3)
	var l List
	l.Insert(pages[0])
	l.Insert(pages[2])
	l.Insert(pages[1])
	l.CheckInvariants()

	got := l.ToSlice()
	want := []uintptr{pages[0], pages[1], pages[2]}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestPopRunS1Scenario(t *testing.T) {
	pages := testPages(t, 3)
	var l List
	l.Insert(pages[0])
	l.Insert(pages[2])
	l.Insert(pages[1])

	got, ok := l.PopRun(3)
	if !ok {
		t.Fatal("PopRun(3) failed")
	}
	if got != pages[0] {
		t.Fatalf("PopRun(3) = %#x, want %#x", got, pages[0])
	}
	if l.Len() != 0 {
		t.Fatalf("list not empty after PopRun(3), len=%d", l.Len())
	}
	l.CheckInvariants()
}

func TestInsertPopOneRoundTrip(t *testing.T) {
	pages := testPages(t, 8)
	var l List
	inserted := map[uintptr]bool{}
	for _, p := range pages {
		l.Insert(p)
		inserted[p] = true
	}
	l.CheckInvariants()

	popped := map[uintptr]bool{}
	for {
		p, ok := l.PopOne()
		if !ok {
			break
		}
		popped[p] = true
	}
	l.CheckInvariants()

	if len(popped) != len(inserted) {
		t.Fatalf("popped %d pages, want %d", len(popped), len(inserted))
	}
	for p := range inserted {
		if !popped[p] {
			t.Fatalf("page %#x was never popped", p)
		}
	}
}

func TestInsertRunThenPopRunAnyPrefix(t *testing.T) {
	const runLen = 6
	pages := testPages(t, runLen)
	var l List
	l.InsertRun(pages[0], pages[runLen-1], runLen)
	l.CheckInvariants()
	if l.Len() != runLen {
		t.Fatalf("len = %d, want %d", l.Len(), runLen)
	}

	for n := 1; n <= runLen; n++ {
		pages := testPages(t, runLen)
		var l List
		l.InsertRun(pages[0], pages[runLen-1], runLen)

		got, ok := l.PopRun(n)
		if !ok {
			t.Fatalf("PopRun(%d) failed", n)
		}
		if got != pages[0] {
			t.Fatalf("PopRun(%d) head = %#x, want %#x", n, got, pages[0])
		}
		l.CheckInvariants()
	}
}

func TestInsertRunAdjacentToExistingRun(t *testing.T) {
	pages := testPages(t, 6)
	var l List
	l.InsertRun(pages[0], pages[2], 3)
	l.InsertRun(pages[3], pages[5], 3)
	l.CheckInvariants()

	got, ok := l.PopRun(6)
	if !ok {
		t.Fatal("PopRun(6) across two adjacent runs failed")
	}
	if got != pages[0] {
		t.Fatalf("got %#x, want %#x", got, pages[0])
	}
}

func TestInsertPopFuzz(t *testing.T) {
	const n = 32
	pages := testPages(t, n)
	order := append([]uintptr(nil), pages...)
	// deterministic shuffle
	for i := range order {
		j := (i*7 + 3) % len(order)
		order[i], order[j] = order[j], order[i]
	}

	var l List
	for _, p := range order {
		l.Insert(p)
	}
	l.CheckInvariants()

	got := l.ToSlice()
	want := append([]uintptr(nil), pages...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sorted[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}
