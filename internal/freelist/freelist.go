// Package freelist implements FreePageList (spec.md §3, §4.2): an
// intrusive, doubly-linked, address-sorted list of free physical page
// frames whose bookkeeping lives inside the pages it manages, so no
// separate allocation backs the list itself (spec.md §9 "Intrusive
// lists").
//
// Grounded on xtra-kernel's memory/mmu/free_page_list.rs
// (insert_page / insert_page_list / remove_page / remove_page_list) for
// the algorithm, and on the teacher's mem.Physmem_t free-list bookkeeping
// (mem/mem.go's per-CPU and global free lists, "sync.Mutex"-guarded) for
// the surrounding package shape: one exported type with Lock-free
// internals and the caller responsible for synchronization (spec.md §5:
// "the list itself is not internally synchronized").
package freelist

import (
	"unsafe"

	"rvkernel/internal/buildcfg"
	"rvkernel/internal/kerr"
)

// node is the intrusive bookkeeping record written into the first bytes
// of each free page (spec.md §3 FreePageNode).
type node struct {
	addr uintptr
	prev uintptr // 0 means none
	next uintptr // 0 means none
}

func at(addr uintptr) *node {
	return (*node)(unsafe.Pointer(addr))
}

// List is a sorted, intrusive free-page list. The zero value is an
// empty list. Not internally synchronized — see spec.md §5.
type List struct {
	head uintptr // address of first node, 0 if empty
	tail uintptr // address of last node, 0 if empty
	n    int
}

// Len reports the number of pages currently in the list.
func (l *List) Len() int { return l.n }

func mkNode(addr uintptr, prev, next uintptr) {
	if addr%buildcfg.PageSize != 0 {
		kerr.Panicf("freelist: address not page aligned")
	}
	nd := at(addr)
	nd.addr = addr
	nd.prev = prev
	nd.next = next
}

// Insert places page in sorted position. It panics if page is already
// present or misaligned — callers own the free-page spinlock described
// in spec.md §5, so a duplicate insert is a kernel bug, not a data fault.
func (l *List) Insert(page uintptr) {
	if page%buildcfg.PageSize != 0 || page == 0 {
		kerr.Panicf("freelist: Insert: bad address")
	}

	if l.head == 0 {
		mkNode(page, 0, 0)
		l.head = page
		l.tail = page
		l.n++
		return
	}

	if page > l.tail {
		mkNode(page, l.tail, 0)
		at(l.tail).next = page
		l.tail = page
		l.n++
		return
	}

	if page < l.head {
		mkNode(page, 0, l.head)
		at(l.head).prev = page
		l.head = page
		l.n++
		return
	}

	// Somewhere in the middle: find the node immediately before page.
	cur := l.head
	for cur != 0 {
		if at(cur).addr == page {
			kerr.Panicf("freelist: Insert: duplicate page")
		}
		next := at(cur).next
		if next == 0 || at(next).addr > page {
			break
		}
		if at(next).addr == page {
			kerr.Panicf("freelist: Insert: duplicate page")
		}
		cur = next
	}

	next := at(cur).next
	mkNode(page, cur, next)
	at(cur).next = page
	if next != 0 {
		at(next).prev = page
	} else {
		l.tail = page
	}
	l.n++
}

// InsertRun inserts an already-linked contiguous run [first, last]
// (inclusive, both page addresses) in one operation. It panics if the
// run is not actually contiguous (each page's address + PAGE_SIZE must
// equal the next page's address) or if any address in the run already
// appears in the list.
func (l *List) InsertRun(first, last uintptr, count int) {
	if count <= 0 {
		kerr.Panicf("freelist: InsertRun: count must be positive")
	}
	if count == 1 {
		if first != last {
			kerr.Panicf("freelist: InsertRun: count 1 but first != last")
		}
		l.Insert(first)
		return
	}

	// Link the run internally and validate contiguity.
	addr := first
	for i := 0; i < count; i++ {
		prev := uintptr(0)
		if i > 0 {
			prev = addr - buildcfg.PageSize
		}
		next := uintptr(0)
		if i < count-1 {
			next = addr + buildcfg.PageSize
		}
		mkNode(addr, prev, next)
		addr += buildcfg.PageSize
	}
	if addr-buildcfg.PageSize != last {
		kerr.Panicf("freelist: InsertRun: run does not end at last")
	}

	if l.head == 0 {
		l.head, l.tail = first, last
		l.n += count
		return
	}

	if first > l.tail {
		at(l.tail).next = first
		at(first).prev = l.tail
		l.tail = last
		l.n += count
		return
	}

	if last < l.head {
		at(l.head).prev = last
		at(last).next = l.head
		l.head = first
		l.n += count
		return
	}

	// Splice into the middle.
	cur := l.head
	for cur != 0 {
		next := at(cur).next
		if next == 0 || at(next).addr > last {
			break
		}
		cur = next
	}
	if at(cur).addr >= first {
		kerr.Panicf("freelist: InsertRun: duplicate page")
	}
	next := at(cur).next
	at(cur).next = first
	at(first).prev = cur
	at(last).next = next
	if next != 0 {
		at(next).prev = last
	} else {
		l.tail = last
	}
	l.n += count
}

// PopOne removes and returns the head of the list, or ok=false if the
// list is empty. The node's bookkeeping is zeroed before return.
func (l *List) PopOne() (page uintptr, ok bool) {
	if l.head == 0 {
		return 0, false
	}
	page = l.head
	nd := at(page)
	next := nd.next
	l.head = next
	if next != 0 {
		at(next).prev = 0
	} else {
		l.tail = 0
	}
	l.n--
	nd.addr, nd.prev, nd.next = 0, 0, 0
	return page, true
}

// PopRun finds the first contiguous run of length >= n (earliest-starting
// run wins on a tie) and removes and returns its head. ok=false if no
// such run exists.
func (l *List) PopRun(n int) (page uintptr, ok bool) {
	if n <= 0 {
		kerr.Panicf("freelist: PopRun: n must be positive")
	}
	if n == 1 {
		return l.PopOne()
	}
	if l.head == 0 {
		return 0, false
	}

	cur := l.head
	for cur != 0 {
		last, found := l.findContiguous(cur, n)
		if found {
			prev := at(cur).prev
			next := at(last).next
			if prev != 0 {
				at(prev).next = next
			} else {
				l.head = next
			}
			if next != 0 {
				at(next).prev = prev
			} else {
				l.tail = prev
			}
			at(cur).prev = 0
			at(last).next = 0
			l.n -= n
			return cur, true
		}
		cur = at(cur).next
	}
	return 0, false
}

// findContiguous walks forward from start looking for n-1 further nodes
// each exactly PAGE_SIZE past the previous, returning the last node in
// the run.
func (l *List) findContiguous(start uintptr, n int) (last uintptr, ok bool) {
	cur := start
	for i := 1; i < n; i++ {
		next := at(cur).next
		if next == 0 || next != cur+buildcfg.PageSize {
			return 0, false
		}
		cur = next
	}
	return cur, true
}

// CheckInvariants walks the whole list and panics if any of spec.md
// §4.2's invariants are violated: head.prev/tail.next are none,
// next.prev links back, and addresses strictly increase. Intended for
// use from tests and from debug-build assertions after bulk operations.
func (l *List) CheckInvariants() {
	if l.head == 0 {
		if l.tail != 0 || l.n != 0 {
			kerr.Panicf("freelist: empty list has dangling tail/count")
		}
		return
	}
	if at(l.head).prev != 0 {
		kerr.Panicf("freelist: head.prev != none")
	}
	if at(l.tail).next != 0 {
		kerr.Panicf("freelist: tail.next != none")
	}
	count := 0
	prevAddr := uintptr(0)
	cur := l.head
	for cur != 0 {
		nd := at(cur)
		if nd.addr != cur {
			kerr.Panicf("freelist: node self-address mismatch")
		}
		if count > 0 && nd.addr <= prevAddr {
			kerr.Panicf("freelist: addresses not strictly increasing")
		}
		if nd.next != 0 && at(nd.next).prev != cur {
			kerr.Panicf("freelist: next.prev does not point back")
		}
		prevAddr = nd.addr
		count++
		cur = nd.next
	}
	if count != l.n {
		kerr.Panicf("freelist: count mismatch")
	}
}

// ToSlice drains nothing; it copies the current sequence of addresses
// for diagnostics/testing without mutating the list.
func (l *List) ToSlice() []uintptr {
	out := make([]uintptr, 0, l.n)
	cur := l.head
	for cur != 0 {
		out = append(out, cur)
		cur = at(cur).next
	}
	return out
}
