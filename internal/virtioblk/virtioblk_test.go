package virtioblk

import (
	"runtime"
	"sync/atomic"
	"testing"
	"unsafe"

	"rvkernel/internal/buildcfg"
	"rvkernel/internal/freelist"
	"rvkernel/internal/pageptr"
	"rvkernel/internal/virtio"
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

func pokeReg(base uintptr, off uintptr, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(base+off)), v)
}

// fakeBlockDevice lays out a page of memory as a VirtIO MMIO block
// device register block (spec.md §4.6 offsets), preset to advertise a
// valid block device with no features requiring negotiation refusal.
func fakeBlockDevice(t *testing.T) uintptr {
	t.Helper()
	regs := testPages(t, 1)[0]
	pokeReg(regs, 0x000, virtio.MagicValue)
	pokeReg(regs, 0x004, 2) // version
	pokeReg(regs, 0x008, virtio.BlockDeviceID)
	pokeReg(regs, 0x00C, 0x554D_4551) // vendor "QEMU"
	pokeReg(regs, 0x034, virtio.QueueSize) // queue_num_max
	return regs
}

// loopbackDevice emulates the device side of the read-sector protocol
// (spec.md §4.7, §8 S5): it waits for the driver to advance
// AvailableRing.Index, walks the resulting 3-descriptor chain, writes
// sector (the expected pattern) into the driver's buffer, sets the
// status byte to 0, and advances UsedRing.Index.
func loopbackDevice(t *testing.T, d *Driver, sector []byte) {
	t.Helper()

	avail := d.avail.Get()
	used := d.used.Get()
	table := d.descs.Get()

	var startAvail uint32
	for {
		word := atomic.LoadUint32((*uint32)(unsafe.Pointer(&avail.Flags)))
		if uint16(word>>16) != uint16(startAvail) {
			break
		}
		runtime.Gosched()
	}

	head := avail.Ring[0]
	bufDesc := table[head+1]
	statusDesc := table[head+2]

	buf := (*[SectorSize]byte)(unsafe.Pointer(uintptr(bufDesc.Address)))
	copy(buf[:], sector)
	*(*uint8)(unsafe.Pointer(uintptr(statusDesc.Address))) = 0

	usedWord := atomic.LoadUint32((*uint32)(unsafe.Pointer(&used.Flags)))
	newIndex := uint16(usedWord>>16) + 1
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&used.Flags)), uint32(used.Flags)|uint32(newIndex)<<16)
	used.Ring[0] = virtio.UsedItem{ID: uint32(head), Length: SectorSize}
}

var pageptrReady bool

// ensurePageptr sets up pageptr once per test binary: the queue pages
// are pagebox allocations, which go through pageptr.
func ensurePageptr(t *testing.T) {
	t.Helper()
	if pageptrReady {
		return
	}
	pageptr.Init(1 << 48)
	pageptrReady = true
}

func TestInitNegotiatesAndReadSectorRoundTrips(t *testing.T) {
	ensurePageptr(t)
	// ReadSector spins without yielding, so the loopback goroutine needs a
	// second P to run on while the driver waits.
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(2))
	regs := fakeBlockDevice(t)
	pool := &freelist.Pool{}
	for _, p := range testPages(t, 8) {
		pool.Seed(p)
	}

	driver, err := Init(regs, pool)
	if !err.IsZero() {
		t.Fatalf("Init: %v", err)
	}

	sector := make([]byte, SectorSize)
	for i := range sector {
		sector[i] = byte(i)
	}

	done := make(chan struct{})
	go func() {
		loopbackDevice(t, driver, sector)
		close(done)
	}()

	var buf Sector
	if err := driver.ReadSector(42, &buf); !err.IsZero() {
		t.Fatalf("ReadSector: %v", err)
	}
	<-done

	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("buf[%d] = %d, want %d", i, buf[i], byte(i))
		}
	}
}
