// Package elfload implements the ELF64 load contract boundary (spec.md
// §6): validating a kernel ELF image and copying its PT_LOAD segments
// into physical memory ahead of a jump to the entry point.
//
// Grounded directly on original_source's `xtra-bootloader/src/elf.rs`
// (Elf64Header, Elf64ProgramHeader, validate_elf_header,
// stream_kernel_segments, load_segment), adapted from its
// FileStream-specific seek/read calls to the standard io.ReadSeeker —
// any source (a fat32.FileReader, a host-side *os.File in tests, an
// in-memory *bytes.Reader) satisfies it, so this package never needs
// its own dependency on internal/fat32.
package elfload

import (
	"bytes"
	"encoding/binary"
	"io"
	"unsafe"

	"rvkernel/internal/kerr"
)

const (
	headerSize        = 64
	programHeaderSize = 56
	maxProgramHeaders = 8

	elfVersion   = 1
	machineRiscV = 0xf3
	typeExec     = 2
	class64      = 2
	dataLE       = 1

	ptLoad = 1
)

var magic = [4]byte{0x7f, 'E', 'L', 'F'}

// Header is the 64-byte ELF64 file header (spec.md §6 "ELF64 load
// contract").
type Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

func (h Header) isValid() bool        { return bytes.Equal(h.Ident[0:4], magic[:]) }
func (h Header) versionOK() bool      { return h.Version == elfVersion }
func (h Header) isExecutable() bool   { return h.Type == typeExec }
func (h Header) isRiscV() bool        { return h.Machine == machineRiscV }
func (h Header) is64Bit() bool        { return h.Ident[4] == class64 }
func (h Header) isLittleEndian() bool { return h.Ident[5] == dataLE }

func validateHeader(h Header) kerr.Error {
	switch {
	case !h.isValid():
		return kerr.E(kerr.BadMagic)
	case !h.versionOK():
		return kerr.E(kerr.InvalidElf)
	case !h.isExecutable():
		return kerr.E(kerr.InvalidElf)
	case !h.isRiscV():
		return kerr.E(kerr.BadMachine)
	case !h.is64Bit():
		return kerr.E(kerr.InvalidElf)
	case !h.isLittleEndian():
		return kerr.E(kerr.InvalidElf)
	}
	return kerr.E(kerr.Ok)
}

func decodeHeader(raw []byte) Header {
	var h Header
	copy(h.Ident[:], raw[0:16])
	h.Type = binary.LittleEndian.Uint16(raw[16:18])
	h.Machine = binary.LittleEndian.Uint16(raw[18:20])
	h.Version = binary.LittleEndian.Uint32(raw[20:24])
	h.Entry = binary.LittleEndian.Uint64(raw[24:32])
	h.Phoff = binary.LittleEndian.Uint64(raw[32:40])
	h.Shoff = binary.LittleEndian.Uint64(raw[40:48])
	h.Flags = binary.LittleEndian.Uint32(raw[48:52])
	h.Ehsize = binary.LittleEndian.Uint16(raw[52:54])
	h.Phentsize = binary.LittleEndian.Uint16(raw[54:56])
	h.Phnum = binary.LittleEndian.Uint16(raw[56:58])
	h.Shentsize = binary.LittleEndian.Uint16(raw[58:60])
	h.Shnum = binary.LittleEndian.Uint16(raw[60:62])
	h.Shstrndx = binary.LittleEndian.Uint16(raw[62:64])
	return h
}

// ProgramHeader is one 56-byte ELF64 program header entry.
type ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func (p ProgramHeader) isLoadable() bool { return p.Type == ptLoad }

func decodeProgramHeader(raw []byte) ProgramHeader {
	return ProgramHeader{
		Type:   binary.LittleEndian.Uint32(raw[0:4]),
		Flags:  binary.LittleEndian.Uint32(raw[4:8]),
		Offset: binary.LittleEndian.Uint64(raw[8:16]),
		Vaddr:  binary.LittleEndian.Uint64(raw[16:24]),
		Paddr:  binary.LittleEndian.Uint64(raw[24:32]),
		Filesz: binary.LittleEndian.Uint64(raw[32:40]),
		Memsz:  binary.LittleEndian.Uint64(raw[40:48]),
		Align:  binary.LittleEndian.Uint64(raw[48:56]),
	}
}

// Image is a validated ELF64 executable ready to have its segments
// copied into memory.
type Image struct {
	Header         Header
	ProgramHeaders []ProgramHeader
}

// Parse reads and validates the ELF header and program header table
// from r (original_source's Elf64Header::new + validate_elf_header +
// the program-header-reading half of stream_kernel_segments).
func Parse(r io.ReadSeeker) (*Image, kerr.Error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, kerr.E(kerr.InvalidElf)
	}
	header := decodeHeader(raw[:])
	if err := validateHeader(header); !err.IsZero() {
		return nil, err
	}
	if int(header.Phnum) > maxProgramHeaders {
		return nil, kerr.E(kerr.TooManyProgramHeaders)
	}

	if _, err := r.Seek(int64(header.Phoff), io.SeekStart); err != nil {
		return nil, kerr.E(kerr.InvalidElf)
	}

	headers := make([]ProgramHeader, header.Phnum)
	var phraw [programHeaderSize]byte
	for i := range headers {
		if _, err := io.ReadFull(r, phraw[:]); err != nil {
			return nil, kerr.E(kerr.InvalidElf)
		}
		headers[i] = decodeProgramHeader(phraw[:])
	}

	return &Image{Header: header, ProgramHeaders: headers}, kerr.E(kerr.Ok)
}

// LoadSegments copies every PT_LOAD segment from r into physical
// memory at its Vaddr, zero-filling the Memsz-Filesz tail (spec.md §6:
// "if p_memsz > p_filesz, the tail is zero-filled"). Vaddr is used
// directly as a raw pointer, matching original_source's
// from_raw_parts_mut(p_vaddr, ...) — the bootloader runs with
// identity-mapped physical memory, so this is exactly where the
// segment belongs.
func (img *Image) LoadSegments(r io.ReadSeeker) kerr.Error {
	for _, ph := range img.ProgramHeaders {
		if !ph.isLoadable() {
			continue
		}
		if err := loadSegment(r, ph); !err.IsZero() {
			return err
		}
	}
	return kerr.E(kerr.Ok)
}

func loadSegment(r io.ReadSeeker, ph ProgramHeader) kerr.Error {
	if _, err := r.Seek(int64(ph.Offset), io.SeekStart); err != nil {
		return kerr.E(kerr.InvalidElf)
	}

	dest := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ph.Vaddr))), ph.Filesz)
	if _, err := io.ReadFull(r, dest); err != nil {
		return kerr.E(kerr.InvalidElf)
	}

	if ph.Memsz > ph.Filesz {
		zero := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ph.Vaddr+ph.Filesz))), ph.Memsz-ph.Filesz)
		for i := range zero {
			zero[i] = 0
		}
	}
	return kerr.E(kerr.Ok)
}

// Entry returns the address control transfers to after loading
// (spec.md §6 Kernel-to-bootloader ABI: invoked as
// `(hart_id, device_tree_ptr) -> noreturn`). Actually transferring
// control is the boot path's job (cmd/bootloader), not this package's
// — Go cannot express a noreturn call through an arbitrary integer
// address without dropping into assembly at the call site.
func (img *Image) Entry() uintptr {
	return uintptr(img.Header.Entry)
}
