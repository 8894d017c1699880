// Package meminv implements MemoryInventory (spec.md §3, §2): a
// fixed-capacity catalog of RAM, flash, and MMIO regions discovered from
// the device tree at boot. No heap allocator exists yet at this point in
// boot (spec.md §1 Non-goals), so capacities are fixed arrays, mirroring
// xtra-kernel's `SystemMemory` ([Option<T>; N] arrays for flash/RAM/MMIO
// regions in memory/memory_device.rs).
package meminv

import (
	"rvkernel/internal/fdt"
	"rvkernel/internal/kerr"
	"rvkernel/internal/util"
)

const (
	MaxFlash = 4
	MaxRAM   = 4
	MaxMMIO  = 32
)

// Region is a page-aligned base/length pair (spec.md §3: "each carrying
// base address and length in bytes, both page-aligned").
type Region struct {
	Base uintptr
	Size uintptr
}

// End returns Base+Size.
func (r Region) End() uintptr { return r.Base + r.Size }

// Flash additionally carries the device's bank write width (spec.md §6
// "bank-width (u32 big-endian) for flash").
type Flash struct {
	Region
	BankWidth uint32
}

// Inventory is the fixed-capacity catalog (spec.md §3 MemoryInventory).
type Inventory struct {
	RAM      [MaxRAM]Region
	RAMCount int

	Flash      [MaxFlash]Flash
	FlashCount int

	MMIO      [MaxMMIO]Region
	MMIOCount int
}

// HighestRAMEnd returns the highest RAM region's End(), used to compute
// VBASE (spec.md §4.1).
func (inv *Inventory) HighestRAMEnd() uintptr {
	var highest uintptr
	for i := 0; i < inv.RAMCount; i++ {
		if e := inv.RAM[i].End(); e > highest {
			highest = e
		}
	}
	return highest
}

func trimTrailing(s string) string {
	i := len(s)
	for i > 0 && (s[i-1] == 0 || s[i-1] == ' ') {
		i--
	}
	return s[:i]
}

// Build scans dt for /memory, flash, and /soc/virtio_mmio@*,
// /soc/serial@* nodes and populates an Inventory (spec.md §6's core
// device-tree consumption list), grounded on
// memory_device.rs's MemoryDevice::new/FlashDevice::new property scans,
// generalized from a single-node assumption to the fixed-capacity
// array of every matching node.
func Build(dt *fdt.DeviceTree) (*Inventory, kerr.Error) {
	inv := &Inventory{}

	for _, off := range dt.FindNodesByPrefix("memory@") {
		var reg []byte
		var deviceType string
		dt.IterateProperties(off, func(name string, value []byte) bool {
			switch name {
			case "reg":
				reg = value
			case "device_type":
				deviceType = trimTrailing(string(value))
			}
			return true
		})
		if deviceType != "memory" || len(reg) < 16 {
			continue
		}
		if inv.RAMCount >= MaxRAM {
			return nil, kerr.E(kerr.InvalidBlob)
		}
		base := util.BE64(reg[0:8])
		size := util.BE64(reg[8:16])
		inv.RAM[inv.RAMCount] = Region{Base: uintptr(base), Size: uintptr(size)}
		inv.RAMCount++
	}

	for _, off := range dt.FindNodesByPrefix("flash@") {
		var reg []byte
		var bankWidth uint32
		haveBankWidth := false
		dt.IterateProperties(off, func(name string, value []byte) bool {
			switch name {
			case "reg":
				reg = value
			case "bank-width":
				if len(value) == 4 {
					bankWidth = util.BE32(value)
					haveBankWidth = true
				}
			}
			return true
		})
		if !haveBankWidth || bankWidth == 0 || len(reg) < 16 {
			continue
		}
		if inv.FlashCount >= MaxFlash {
			return nil, kerr.E(kerr.InvalidBlob)
		}
		base := util.BE64(reg[0:8])
		size := util.BE64(reg[8:16])
		inv.Flash[inv.FlashCount] = Flash{
			Region:    Region{Base: uintptr(base), Size: uintptr(size)},
			BankWidth: bankWidth,
		}
		inv.FlashCount++
	}

	for _, prefix := range []string{"virtio_mmio@", "serial@"} {
		for _, off := range dt.FindNodesByPrefix(prefix) {
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
			if inv.MMIOCount >= MaxMMIO {
				return nil, kerr.E(kerr.InvalidBlob)
			}
			base := util.BE64(reg[0:8])
			size := util.BE64(reg[8:16])
			inv.MMIO[inv.MMIOCount] = Region{Base: uintptr(base), Size: uintptr(size)}
			inv.MMIOCount++
		}
	}

	if inv.RAMCount == 0 {
		return nil, kerr.E(kerr.InvalidBlob)
	}
	return inv, kerr.E(kerr.Ok)
}
