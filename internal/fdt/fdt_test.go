package fdt

import (
	"testing"

	"rvkernel/internal/util"
)

// buildBlob assembles a minimal well-formed FDT: a root node containing
// a "memory" child with device_type="memory" and reg={base,size}, and a
// "virtio_mmio@10001000" child with a reg property.
func buildBlob(t *testing.T) []byte {
	t.Helper()

	var strOff []byte
	names := map[string]uint32{}
	addName := func(n string) uint32 {
		if off, ok := names[n]; ok {
			return off
		}
		off := uint32(len(strOff))
		strOff = append(strOff, []byte(n)...)
		strOff = append(strOff, 0)
		names[n] = off
		return off
	}

	be32 := func(v uint32) []byte {
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
	pad4 := func(b []byte) []byte {
		for len(b)%4 != 0 {
			b = append(b, 0)
		}
		return b
	}
	nodeName := func(n string) []byte {
		b := append([]byte(n), 0)
		return pad4(b)
	}
	prop := func(name string, value []byte) []byte {
		var out []byte
		out = append(out, be32(property)...)
		out = append(out, be32(uint32(len(value)))...)
		out = append(out, be32(addName(name))...)
		out = append(out, pad4(append([]byte{}, value...))...)
		return out
	}

	var st []byte
	st = append(st, be32(beginNode)...)
	st = append(st, nodeName("")...) // root node, empty name

	// memory node
	st = append(st, be32(beginNode)...)
	st = append(st, nodeName("memory@80000000")...)
	st = append(st, prop("device_type", []byte("memory\x00"))...)
	reg := make([]byte, 16)
	copy(reg[0:8], []byte{0, 0, 0, 0, 0x80, 0, 0, 0})
	copy(reg[8:16], []byte{0, 0, 0, 0, 0x08, 0, 0, 0}) // 128 MiB
	st = append(st, prop("reg", reg)...)
	st = append(st, be32(endNode)...)

	// virtio mmio node
	st = append(st, be32(beginNode)...)
	st = append(st, nodeName("virtio_mmio@10001000")...)
	vreg := make([]byte, 16)
	copy(vreg[0:8], []byte{0, 0, 0, 0, 0x10, 0, 0x10, 0})
	copy(vreg[8:16], []byte{0, 0, 0, 0, 0, 0, 0x10, 0})
	st = append(st, prop("reg", vreg)...)
	st = append(st, prop("compatible", []byte("virtio,mmio\x00"))...)
	st = append(st, be32(endNode)...)

	st = append(st, be32(endNode)...) // end root
	st = append(st, be32(end)...)

	const hdrLen = 40
	offStruct := uint32(hdrLen)
	offStrings := offStruct + uint32(len(st))
	total := offStrings + uint32(len(strOff))

	blob := make([]byte, 0, total)
	blob = append(blob, be32(magic)...)
	blob = append(blob, be32(total)...)
	blob = append(blob, be32(offStruct)...)
	blob = append(blob, be32(offStrings)...)
	blob = append(blob, be32(0)...) // off_mem_rsv_map
	blob = append(blob, be32(17)...)
	blob = append(blob, be32(17)...)
	blob = append(blob, be32(0)...)
	blob = append(blob, be32(uint32(len(strOff)))...)
	blob = append(blob, be32(uint32(len(st)))...)
	blob = append(blob, st...)
	blob = append(blob, strOff...)
	return blob
}

func TestNewValidatesMagic(t *testing.T) {
	blob := buildBlob(t)
	dt, err := New(blob)
	if !err.IsZero() {
		t.Fatalf("New: %v", err)
	}
	if dt.SizeDtStruct == 0 {
		t.Fatal("SizeDtStruct should be nonzero")
	}

	bad := append([]byte(nil), blob...)
	bad[0] = 0
	if _, err := New(bad); err.IsZero() {
		t.Fatal("New should reject bad magic")
	}
}

func TestFindNodeAndIterateProperties(t *testing.T) {
	dt, err := New(buildBlob(t))
	if !err.IsZero() {
		t.Fatalf("New: %v", err)
	}

	off, ok := dt.FindNodeByName("memory@80000000")
	if !ok {
		t.Fatal("expected to find memory node")
	}

	var deviceType string
	var base, size uint64
	dt.IterateProperties(off, func(name string, value []byte) bool {
		switch name {
		case "device_type":
			deviceType = string(value)
		case "reg":
			base = util.BE64(value[0:8])
			size = util.BE64(value[8:16])
		}
		return true
	})

	if deviceType != "memory\x00" {
		t.Fatalf("device_type = %q", deviceType)
	}
	if base != 0x8000_0000 || size != 0x0800_0000 {
		t.Fatalf("reg = (%#x, %#x)", base, size)
	}
}

func TestFindNodesByPrefix(t *testing.T) {
	dt, err := New(buildBlob(t))
	if !err.IsZero() {
		t.Fatalf("New: %v", err)
	}
	offsets := dt.FindNodesByPrefix("virtio_mmio@")
	if len(offsets) != 1 {
		t.Fatalf("found %d virtio_mmio nodes, want 1", len(offsets))
	}

	var compat []string
	dt.IterateProperties(offsets[0], func(name string, value []byte) bool {
		if name == "compatible" {
			compat = SplitNullStrings(value)
		}
		return true
	})
	if len(compat) != 1 || compat[0] != "virtio,mmio" {
		t.Fatalf("compatible = %v", compat)
	}
}
