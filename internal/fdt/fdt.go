// Package fdt implements DeviceTree (spec.md §6 "Device-tree format"): a
// zero-copy walker over a flattened device tree blob.
//
// Grounded on xtra-bootloader's device_tree.rs: the same header layout,
// the same BEGIN_NODE/END_NODE/PROPERTY/NOP/END structure-block walk,
// and the same flat (non-hierarchical) node-name search — adapted from
// raw-pointer arithmetic over a `*const u8` to slice indexing over a
// Go []byte, and from a `Fn(&DeviceTree, usize, &str) -> bool` visitor
// closure to a Go `func(...) bool` callback of the same shape.
package fdt

import (
	"rvkernel/internal/kerr"
	"rvkernel/internal/util"
)

const magic = 0xD00D_FEED

const (
	beginNode = 0x0000_0001
	endNode   = 0x0000_0002
	property  = 0x0000_0003
	nop       = 0x0000_0004
	end       = 0x0000_0009
)

// DeviceTree is a read-only view over a flattened device tree blob
// (spec.md §6: "magic 0xD00DFEED, big-endian fields").
type DeviceTree struct {
	blob []byte

	TotalSize       uint32
	OffDtStruct     uint32
	OffDtStrings    uint32
	OffMemRsvMap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCpuIDPhys   uint32
	SizeDtStrings   uint32
	SizeDtStruct    uint32
}

// New parses the FDT header out of blob. It validates the magic number
// and that the header fits within the provided slice, but does not walk
// the structure block.
func New(blob []byte) (*DeviceTree, kerr.Error) {
	if len(blob) < 40 {
		return nil, kerr.E(kerr.TruncatedEntry)
	}
	if util.BE32(blob) != magic {
		return nil, kerr.E(kerr.BadMagic)
	}
	dt := &DeviceTree{
		blob:            blob,
		TotalSize:       util.BE32(blob[4:]),
		OffDtStruct:     util.BE32(blob[8:]),
		OffDtStrings:    util.BE32(blob[12:]),
		OffMemRsvMap:    util.BE32(blob[16:]),
		Version:         util.BE32(blob[20:]),
		LastCompVersion: util.BE32(blob[24:]),
		BootCpuIDPhys:   util.BE32(blob[28:]),
		SizeDtStrings:   util.BE32(blob[32:]),
		SizeDtStruct:    util.BE32(blob[36:]),
	}
	if uint64(dt.OffDtStruct)+uint64(dt.SizeDtStruct) > uint64(len(blob)) ||
		uint64(dt.OffDtStrings)+uint64(dt.SizeDtStrings) > uint64(len(blob)) {
		return nil, kerr.E(kerr.InvalidBlob)
	}
	return dt, kerr.E(kerr.Ok)
}

func roundUp4(n uint32) uint32 { return (n + 3) &^ 3 }

func (dt *DeviceTree) structWord(off uint32) (uint32, kerr.Error) {
	base := dt.OffDtStruct
	if uint64(off)+4 > uint64(dt.SizeDtStruct) {
		return 0, kerr.E(kerr.TruncatedEntry)
	}
	p := base + off
	if uint64(p)+4 > uint64(len(dt.blob)) {
		return 0, kerr.E(kerr.TruncatedEntry)
	}
	return util.BE32(dt.blob[p:]), kerr.E(kerr.Ok)
}

// nulString reads a NUL-terminated ASCII string starting at absolute
// blob offset off, returning it and its length including the terminator.
func (dt *DeviceTree) nulString(off uint32) (string, uint32, kerr.Error) {
	i := off
	for {
		if uint64(i) >= uint64(len(dt.blob)) {
			return "", 0, kerr.E(kerr.TruncatedEntry)
		}
		if dt.blob[i] == 0 {
			break
		}
		i++
	}
	return string(dt.blob[off:i]), i - off + 1, kerr.E(kerr.Ok)
}

// IterateBlocks walks the entire structure block, calling fn with the
// offset just past each node's name header and the node's own name
// (spec.md §6; grounded on device_tree.rs's iterate_blocks). Iteration
// stops early if fn returns false.
func (dt *DeviceTree) IterateBlocks(fn func(nameOffset uint32, name string) bool) kerr.Error {
	var off uint32
	for {
		word, err := dt.structWord(off)
		if !err.IsZero() {
			return err
		}
		switch word {
		case beginNode:
			off += 4
			name, size, err := dt.nulString(dt.OffDtStruct + off)
			if !err.IsZero() {
				return err
			}
			off += roundUp4(size)
			if !fn(off, name) {
				return kerr.E(kerr.Ok)
			}
		case endNode:
			off += 4
		case property:
			off += 4
			size, err := dt.structWord(off)
			if !err.IsZero() {
				return err
			}
			off += 8
			off += roundUp4(size)
		case nop:
			off += 4
		case end:
			return kerr.E(kerr.Ok)
		default:
			off += 4
		}
		if off >= dt.SizeDtStruct {
			return kerr.E(kerr.Ok)
		}
	}
}

// FindNodeByName returns the structure-block offset just past the named
// node's header (i.e. where its first property or END_NODE begins), the
// same flat non-hierarchical search device_tree.rs's find_block_by_name
// performs.
func (dt *DeviceTree) FindNodeByName(name string) (offset uint32, ok bool) {
	var found uint32
	hit := false
	dt.IterateBlocks(func(nameOffset uint32, n string) bool {
		if n == name {
			found = nameOffset
			hit = true
			return false
		}
		return true
	})
	return found, hit
}

// FindNodesByPrefix collects the offsets of every node whose name
// starts with prefix, e.g. "virtio_mmio@" (spec.md §6's
// "/soc/virtio_mmio@*").
func (dt *DeviceTree) FindNodesByPrefix(prefix string) []uint32 {
	var offsets []uint32
	dt.IterateBlocks(func(nameOffset uint32, n string) bool {
		if len(n) >= len(prefix) && n[:len(prefix)] == prefix {
			offsets = append(offsets, nameOffset)
		}
		return true
	})
	return offsets
}

// IterateProperties walks the properties of the node beginning at
// nodeOffset (as returned by FindNodeByName/FindNodesByPrefix), calling
// fn with each property's name and raw value bytes, stopping at the
// matching END_NODE or if fn returns false.
func (dt *DeviceTree) IterateProperties(nodeOffset uint32, fn func(name string, value []byte) bool) kerr.Error {
	off := nodeOffset
	depth := 0
	for {
		word, err := dt.structWord(off)
		if !err.IsZero() {
			return err
		}
		switch word {
		case property:
			off += 4
			size, err := dt.structWord(off)
			if !err.IsZero() {
				return err
			}
			nameOff, err := dt.structWord(off + 4)
			if !err.IsZero() {
				return err
			}
			off += 8
			valueStart := dt.OffDtStruct + off
			if uint64(valueStart)+uint64(size) > uint64(len(dt.blob)) {
				return kerr.E(kerr.TruncatedEntry)
			}
			value := dt.blob[valueStart : valueStart+size]
			name, _, err := dt.nulString(dt.OffDtStrings + nameOff)
			if !err.IsZero() {
				return err
			}
			off += roundUp4(size)
			if depth == 0 {
				if !fn(name, value) {
					return kerr.E(kerr.Ok)
				}
			}
		case beginNode:
			// A nested child node: skip its name and recurse depth so
			// we don't mistake its properties for our own, matching
			// the structural nesting the original walker relies on.
			depth++
			off += 4
			_, size, err := dt.nulString(dt.OffDtStruct + off)
			if !err.IsZero() {
				return err
			}
			off += roundUp4(size)
		case endNode:
			if depth == 0 {
				return kerr.E(kerr.Ok)
			}
			depth--
			off += 4
		case nop:
			off += 4
		case end:
			return kerr.E(kerr.Ok)
		default:
			off += 4
		}
		if off >= dt.SizeDtStruct {
			return kerr.E(kerr.Ok)
		}
	}
}

// SplitNullStrings splits a null-separated ASCII property value (spec.md
// §6's "compatible (null-separated ASCII)") into individual strings.
func SplitNullStrings(value []byte) []string {
	var out []string
	start := 0
	for i, b := range value {
		if b == 0 {
			if i > start {
				out = append(out, string(value[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(value) {
		out = append(out, string(value[start:]))
	}
	return out
}
