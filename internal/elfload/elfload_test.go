package elfload

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unsafe"
)

func putHeader(buf []byte, phoff uint64, phnum uint16, entry uint64) {
	copy(buf[0:4], magic[:])
	buf[4] = class64
	buf[5] = dataLE
	binary.LittleEndian.PutUint16(buf[16:18], typeExec)
	binary.LittleEndian.PutUint16(buf[18:20], machineRiscV)
	binary.LittleEndian.PutUint32(buf[20:24], elfVersion)
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], phoff)
	binary.LittleEndian.PutUint16(buf[56:58], phnum)
}

func putProgramHeader(buf []byte, typ uint32, offset, vaddr, filesz, memsz uint64) {
	binary.LittleEndian.PutUint32(buf[0:4], typ)
	binary.LittleEndian.PutUint64(buf[8:16], offset)
	binary.LittleEndian.PutUint64(buf[16:24], vaddr)
	binary.LittleEndian.PutUint64(buf[32:40], filesz)
	binary.LittleEndian.PutUint64(buf[40:48], memsz)
}

// buildImage constructs a scenario-S6-shaped ELF image: two PT_LOAD
// segments, one of which has memsz > filesz (BSS tail).
func buildImage(t *testing.T) []byte {
	t.Helper()
	const imageSize = 0x2100
	img := make([]byte, imageSize)

	putHeader(img, headerSize, 2, 0xdeadbeef)

	ph := img[headerSize : headerSize+2*programHeaderSize]
	putProgramHeader(ph[0:programHeaderSize], ptLoad, 0x1000, 0x1000, 0x200, 0x400)
	putProgramHeader(ph[programHeaderSize:2*programHeaderSize], ptLoad, 0x2000, 0x2000, 0x100, 0x100)

	for i := 0; i < 0x200; i++ {
		img[0x1000+i] = byte(i)
	}
	for i := 0; i < 0x100; i++ {
		img[0x2000+i] = byte(0x80 + i)
	}
	return img
}

func TestParseValidatesAndReadsProgramHeaders(t *testing.T) {
	img := buildImage(t)
	parsed, err := Parse(bytes.NewReader(img))
	if !err.IsZero() {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.ProgramHeaders) != 2 {
		t.Fatalf("len(ProgramHeaders) = %d, want 2", len(parsed.ProgramHeaders))
	}
	if parsed.Entry() != 0xdeadbeef {
		t.Fatalf("Entry() = %#x, want 0xdeadbeef", parsed.Entry())
	}
	if parsed.ProgramHeaders[0].Filesz != 0x200 || parsed.ProgramHeaders[0].Memsz != 0x400 {
		t.Fatalf("program header 0 = %+v", parsed.ProgramHeaders[0])
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	img := buildImage(t)
	img[0] = 0
	if _, err := Parse(bytes.NewReader(img)); err.IsZero() {
		t.Fatal("Parse should reject a bad magic number")
	}
}

func TestParseRejectsWrongMachine(t *testing.T) {
	img := buildImage(t)
	binary.LittleEndian.PutUint16(img[18:20], 0x3e) // EM_X86_64
	if _, err := Parse(bytes.NewReader(img)); err.IsZero() {
		t.Fatal("Parse should reject a non-RISC-V machine type")
	}
}

func TestLoadSegmentsCopiesDataAndZeroesBSS(t *testing.T) {
	img := buildImage(t)

	seg1 := make([]byte, 0x400)
	seg2 := make([]byte, 0x100)
	for i := range seg1 {
		seg1[i] = 0xAA
	}

	putProgramHeader(img[headerSize:headerSize+programHeaderSize], ptLoad, 0x1000,
		uint64(uintptr(unsafe.Pointer(&seg1[0]))), 0x200, 0x400)
	putProgramHeader(img[headerSize+programHeaderSize:headerSize+2*programHeaderSize], ptLoad, 0x2000,
		uint64(uintptr(unsafe.Pointer(&seg2[0]))), 0x100, 0x100)

	r := bytes.NewReader(img)
	parsed, err := Parse(r)
	if !err.IsZero() {
		t.Fatalf("Parse: %v", err)
	}
	if err := parsed.LoadSegments(r); !err.IsZero() {
		t.Fatalf("LoadSegments: %v", err)
	}

	for i := 0; i < 0x200; i++ {
		if seg1[i] != byte(i) {
			t.Fatalf("seg1[%d] = %d, want %d", i, seg1[i], byte(i))
		}
	}
	for i := 0x200; i < 0x400; i++ {
		if seg1[i] != 0 {
			t.Fatalf("seg1[%d] = %d, want 0 (bss tail)", i, seg1[i])
		}
	}
	for i := 0; i < 0x100; i++ {
		if seg2[i] != byte(0x80+i) {
			t.Fatalf("seg2[%d] = %d, want %d", i, seg2[i], byte(0x80+i))
		}
	}
}
