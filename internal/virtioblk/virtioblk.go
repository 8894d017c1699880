// Package virtioblk implements VirtIoBlockDriver (spec.md §4.7): a
// polled, single-threaded sector reader over a split virtqueue.
//
// Grounded directly on original_source's
// `xtra-bootloader/src/virtio.rs` (VirtIoBlockDevice::initialize and
// ::read_sector), translating its static mutable queue-memory statics
// into page-sized pagebox.Box allocations — this repo's page allocator
// already exists as a first-class type, so there is no need for the
// teacher's bare `static mut` arrays.
package virtioblk

import (
	"sync/atomic"
	"unsafe"

	"rvkernel/internal/kerr"
	"rvkernel/internal/pagebox"
	"rvkernel/internal/virtio"
)

// SectorSize is the fixed block size (spec.md §4.7 "caller's 512-byte
// output buffer").
const SectorSize = 512

// Sector is one disk sector's worth of data.
type Sector [SectorSize]byte

// requestScratch bundles the per-request BlockRequest header and
// completion status byte into one page-sized allocation so both have
// stable physical addresses for the descriptor chain (spec.md §4.7
// steps 1-2).
type requestScratch struct {
	request virtio.BlockRequest
	status  uint8
}

// Driver is a handle to one initialized VirtIO block device (spec.md
// §4.7). Not safe for concurrent use — spec.md §5: "no other thread may
// enter this driver concurrently".
type Driver struct {
	dev   virtio.Device
	descs *pagebox.Box[virtio.DescriptorTable]
	avail *pagebox.Box[virtio.AvailableRing]
	used  *pagebox.Box[virtio.UsedRing]
	scr   *pagebox.Box[requestScratch]
}

// maskedFeatures implements spec.md §4.7 step 3: every bit set in deny
// is cleared from the device's offer before driver-features is written
// back.
const (
	featBlkRO        = 5
	featBlkSCSI      = 7
	featBlkConfigWCE = 11
	featBlkMQ        = 12
	featAnyLayout    = 27
	featRingIndirect = 28
	featRingEventIdx = 29
)

func maskedFeatures(offered uint64) uint64 {
	deny := uint64(1)<<featBlkRO |
		uint64(1)<<featBlkSCSI |
		uint64(1)<<featBlkConfigWCE |
		uint64(1)<<featBlkMQ |
		uint64(1)<<featAnyLayout |
		uint64(1)<<featRingEventIdx |
		uint64(1)<<featRingIndirect
	return offered &^ deny
}

// Init performs the VirtIO block device initialization protocol
// (spec.md §4.7 steps 1-9) over the MMIO device at base, allocating
// virtqueue memory from alloc.
func Init(base uintptr, alloc pagebox.Allocator) (*Driver, kerr.Error) {
	dev := virtio.New(base)
	if !dev.IsBlockDevice() {
		return nil, kerr.E(kerr.InvalidBlob)
	}

	dev.SetStatus(0)
	dev.AddStatus(virtio.StatusAcknowledge)
	dev.AddStatus(virtio.StatusDriver)

	features := maskedFeatures(dev.DeviceFeatures())
	dev.SetDriverFeatures(features)

	dev.AddStatus(virtio.StatusFeaturesOK)
	if dev.Status()&virtio.StatusFeaturesOK == 0 {
		dev.AddStatus(virtio.StatusFailed)
		return nil, kerr.E(kerr.FeatureNegotiationFailed)
	}

	dev.SetQueueSelect(0)
	if dev.QueueReady() {
		return nil, kerr.E(kerr.QueueUnavailable)
	}
	max := dev.QueueNumMax()
	if max == 0 || max < virtio.QueueSize {
		return nil, kerr.E(kerr.QueueUnavailable)
	}
	dev.SetQueueNum(virtio.QueueSize)

	descs, err := pagebox.New[virtio.DescriptorTable](alloc)
	if !err.IsZero() {
		return nil, err
	}
	avail, err := pagebox.New[virtio.AvailableRing](alloc)
	if !err.IsZero() {
		descs.Free()
		return nil, err
	}
	used, err := pagebox.New[virtio.UsedRing](alloc)
	if !err.IsZero() {
		descs.Free()
		avail.Free()
		return nil, err
	}
	scr, err := pagebox.New[requestScratch](alloc)
	if !err.IsZero() {
		descs.Free()
		avail.Free()
		used.Free()
		return nil, err
	}

	dev.SetQueueDescriptors(descs.Physical())
	dev.SetQueueAvailable(avail.Physical())
	dev.SetQueueUsed(used.Physical())

	avail.Get().Flags = virtio.AvailFlagNoInterrupt
	used.Get().Flags = virtio.UsedFlagNoNotify

	if status := dev.InterruptStatus(); status != 0 {
		dev.InterruptAck(status)
	}

	dev.SetQueueReady(true)
	dev.AddStatus(virtio.StatusDriverOK)
	if !dev.QueueReady() {
		return nil, kerr.E(kerr.QueueUnavailable)
	}

	return &Driver{dev: dev, descs: descs, avail: avail, used: used, scr: scr}, kerr.E(kerr.Ok)
}

// maxSpinIterations bounds every polling wait (spec.md §5: "The driver
// never blocks the CPU indefinitely: all waits are bounded spins").
const maxSpinIterations = 10_000_000

// loadUsedIndex/storeAvailIndex give the Index field of each ring the
// Acquire/SeqCst visibility spec.md §5 requires ("full (SeqCst) fences
// around AvailableRing.index updates ... an Acquire fence on each
// UsedRing.index read"). sync/atomic has no 16-bit primitive, so each
// reads or writes the ring's leading Flags+Index pair as one
// word-aligned uint32 — Flags occupies the low half on a
// little-endian target, matching the wire layout spec.md §3 specifies.
func loadUsedIndex(r *virtio.UsedRing) uint16 {
	word := atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.Flags)))
	return uint16(word >> 16)
}

func storeAvailIndex(r *virtio.AvailableRing, index uint16) {
	word := uint32(r.Flags) | uint32(index)<<16
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.Flags)), word)
}

// ReadSector performs the read-sector protocol for sector s, writing the
// result into buf (spec.md §4.7 "Read-sector protocol").
func (d *Driver) ReadSector(s uint64, buf *Sector) kerr.Error {
	scratch := d.scr.Get()
	scratch.status = 0xff
	scratch.request = virtio.BlockRequest{Type: virtio.BlockRequestIn, Sector: s}

	table := d.descs.Get()
	table[0] = virtio.Descriptor{
		Address: uint64(uintptr(unsafe.Pointer(&scratch.request))),
		Length:  uint32(unsafe.Sizeof(scratch.request)),
		Flags:   virtio.DescFlagNext,
		Next:    1,
	}
	table[1] = virtio.Descriptor{
		Address: uint64(uintptr(unsafe.Pointer(buf))),
		Length:  SectorSize,
		Flags:   virtio.DescFlagWrite | virtio.DescFlagNext,
		Next:    2,
	}
	table[2] = virtio.Descriptor{
		Address: uint64(uintptr(unsafe.Pointer(&scratch.status))),
		Length:  1,
		Flags:   virtio.DescFlagWrite,
		Next:    0,
	}

	avail := d.avail.Get()
	avail.Ring[avail.Index%virtio.QueueSize] = 0
	storeAvailIndex(avail, avail.Index+1)

	d.dev.NotifyQueue(0)

	used := d.used.Get()
	startIndex := loadUsedIndex(used)
	iterations := 0
	for loadUsedIndex(used) == startIndex {
		iterations++
		if iterations >= maxSpinIterations {
			return kerr.E(kerr.Timeout)
		}
	}

	if scratch.status != 0 {
		return kerr.Ed(kerr.DeviceError, int64(scratch.status))
	}
	return kerr.E(kerr.Ok)
}
