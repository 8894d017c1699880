// Command bootloader is the firmware-run executable named in spec.md
// §1: it runs from firmware, locates a kernel image on disk, and
// transfers control to it. Per spec.md §2, its path is identical to the
// kernel's up through device-tree validation and memory discovery,
// then it discovers a VirtIO block device, locates a FAT32 partition,
// reads the kernel ELF, loads its segments, and jumps to the entry
// point with (hart_id, device_tree_ptr) in the argument registers.
//
// Grounded, like cmd/kernel, on gopher-os-gopher-os's kernel/kmain.go
// for the single-exported-entry-point/never-returns shape, and on
// original_source's `xtra-bootloader/src/main.rs` boot sequence (device
// tree -> memory -> VirtIO -> FAT32 -> ELF -> jump) for the pipeline
// order.
package main

import (
	"unsafe"

	"rvkernel/internal/buildcfg"
	"rvkernel/internal/elfload"
	"rvkernel/internal/fat32"
	"rvkernel/internal/fdt"
	"rvkernel/internal/freelist"
	"rvkernel/internal/kerr"
	"rvkernel/internal/kfmt"
	"rvkernel/internal/mbr"
	"rvkernel/internal/meminv"
	"rvkernel/internal/power"
	"rvkernel/internal/uart"
	"rvkernel/internal/uartlog"
	"rvkernel/internal/util"
	"rvkernel/internal/virtio"
	"rvkernel/internal/virtioblk"
)

const uartBase = 0x1000_0000
const maxDeviceTreeBytes = 4 << 20

// kernelName83 is the 8.3 fixed-width name the kernel image is expected
// to carry on the boot FAT32 partition's root directory.
var kernelName83 = [11]byte{'K', 'E', 'R', 'N', 'E', 'L', ' ', ' ', 'B', 'I', 'N'}

// BootMain is the bootloader's Rust-level-entry analogue (spec.md §6),
// invoked by `_start` with (hart_id, device_tree_ptr). It never
// returns: either it jumps into the loaded kernel, or it surfaces a
// fatal error and calls power.PowerOff.
//
//go:noinline
func BootMain(hartID uint64, deviceTreePtr uintptr) {
	if hartID != 0 {
		// Only hart 0 drives the boot pipeline; spec.md says nothing
		// about secondary-hart behavior during the bootloader stage,
		// unlike §2/§5's explicit kernel hart-dispatch rule, so this
		// is a boundary simplification: other harts simply wait.
		for {
		}
	}

	u := uart.New(uartBase)
	u.Init()
	uartlog.Install(u)
	uartlog.Banner("boot", "bootloader entering")

	blob := unsafe.Slice((*byte)(unsafe.Pointer(deviceTreePtr)), maxDeviceTreeBytes)
	dt, err := fdt.New(blob)
	if !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}

	inv, err := meminv.Build(dt)
	if !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}

	pool := &freelist.Pool{}
	seedFreePages(pool, inv)

	blockBase, err := findBlockDevice(dt)
	if !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}

	driver, err := virtioblk.Init(blockBase, pool)
	if !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}
	uartlog.Banner("boot", "virtio block device ready at "+kfmt.Hex(uint64(blockBase)))

	var sector0 virtioblk.Sector
	if err := driver.ReadSector(0, &sector0); !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}

	record, err := mbr.Parse(sector0[:])
	if !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}
	partition, ok := record.FirstBootablePartition()
	if !ok {
		power.UnrecoverableError("boot", kerr.E(kerr.NotFound))
	}

	vol, err := fat32.Mount(driver, partition)
	if !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}

	entry, found, err := vol.FindEntry(vol.RootCluster(), kernelName83)
	if !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}
	if !found {
		power.UnrecoverableError("boot", kerr.E(kerr.NotFound))
	}

	kernelFile := vol.OpenFile(entry.FirstCluster(), entry.FileSize)
	image, err := elfload.Parse(kernelFile)
	if !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}
	if err := image.LoadSegments(kernelFile); !err.IsZero() {
		power.UnrecoverableError("boot", err)
	}

	transferControl(image.Entry(), hartID, deviceTreePtr)
}

// seedFreePages is the bootloader's own minimal free-page pool, just
// enough to back virtioblk.Init's page-sized virtqueue allocations
// (descriptor table, available/used rings, request scratch). Unlike
// cmd/kernel it never needs to reserve space for a kernel image of its
// own beyond the bootloader's, so every RAM region is seeded in full;
// the bootloader never hands this pool to the kernel, which builds its
// own from scratch after the jump.
func seedFreePages(pool *freelist.Pool, inv *meminv.Inventory) {
	for i := 0; i < inv.RAMCount; i++ {
		r := inv.RAM[i]
		start := roundUp(r.Base, buildcfg.PageSize)
		end := r.End()
		if start >= end {
			continue
		}
		last := end - buildcfg.PageSize
		count := int((last-start)/buildcfg.PageSize) + 1
		pool.SeedRun(start, last, count)
	}
}

func roundUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// findBlockDevice scans the device tree's virtio_mmio@* nodes (spec.md
// §6 device-tree consumption list) for the first device that identifies
// itself as a VirtIO block device (spec.md §4.7 step 1), the same
// node-name scan meminv.Build uses, generalized here to also probe each
// candidate's MMIO register block rather than just recording its
// address.
func findBlockDevice(dt *fdt.DeviceTree) (uintptr, kerr.Error) {
	for _, off := range dt.FindNodesByPrefix("virtio_mmio@") {
		var reg []byte
		dt.IterateProperties(off, func(name string, value []byte) bool {
			if name == "reg" {
				reg = value
			}
			return true
		})
		if len(reg) < 16 {
			continue
		}
		base := uintptr(util.BE64(reg[0:8]))
		dev := virtio.New(base)
		if dev.IsBlockDevice() {
			return base, kerr.E(kerr.Ok)
		}
	}
	return 0, kerr.E(kerr.InvalidBlob)
}

// transferControl jumps to the loaded kernel's entry point with
// (hart_id, device_tree_ptr) in the first two argument registers
// (spec.md §6 Kernel-to-bootloader ABI). Go has no inline-asm indirect
// call through a bare integer address without a trampoline, which
// belongs to the out-of-scope startup assembly (spec.md §1) — the same
// simplification cmd/kernel's installSatp and internal/power's halt()
// take elsewhere in this repo. On real hardware this call never
// returns.
func transferControl(entry uintptr, hartID uint64, deviceTreePtr uintptr) {
	uartlog.Banner("boot", "jumping to kernel entry "+kfmt.Hex(uint64(entry))+
		" with hart "+kfmt.Dec(int64(hartID))+", dtb at "+kfmt.Hex(uint64(deviceTreePtr)))
	for {
	}
}

func main() {
	// Never reached in the freestanding image: control arrives at
	// BootMain directly from firmware, not through a hosted runtime's
	// call to main (spec.md §6). This exists only so the package
	// satisfies `package main`'s contract.
	for {
	}
}
