package fat32

import (
	"bytes"
	"io"
	"testing"

	"rvkernel/internal/kerr"
	"rvkernel/internal/mbr"
	"rvkernel/internal/util"
	"rvkernel/internal/virtioblk"
)

// fakeDisk is an in-memory block device backing a hand-built FAT32
// image, used in place of a real VirtIO device under test.
type fakeDisk struct {
	sectors [][SectorSize]byte
}

func newFakeDisk(n int) *fakeDisk {
	return &fakeDisk{sectors: make([][SectorSize]byte, n)}
}

func (d *fakeDisk) ReadSector(lba uint64, buf *virtioblk.Sector) kerr.Error {
	if int(lba) >= len(d.sectors) {
		return kerr.E(kerr.OutOfRange)
	}
	*buf = d.sectors[lba]
	return kerr.E(kerr.Ok)
}

func name83(s string) [11]byte {
	var n [11]byte
	for i := range n {
		n[i] = ' '
	}
	copy(n[:], s)
	return n
}

// buildImage lays out a minimal one-FAT, one-sector-per-cluster FAT32
// volume: BPB at sector 0, FAT at sector 1, root directory at cluster
// 2 (sector 2) with a single file entry spanning clusters 3 and 4
// (sectors 3 and 4).
func buildImage(t *testing.T, fileSize uint32, fileContent []byte) *fakeDisk {
	t.Helper()
	disk := newFakeDisk(5)

	bpb := &disk.sectors[0]
	util.PutLE16(bpb[offBytesPerSector:], SectorSize)
	bpb[offSectorsPerCluster] = 1
	util.PutLE16(bpb[offReservedSectors:], 1)
	bpb[offNumFATs] = 1
	util.PutLE32(bpb[offFATSize32:], 1)
	util.PutLE32(bpb[offRootCluster:], 2)
	util.PutLE16(bpb[offBootSignature:], bootSignature)

	fat := &disk.sectors[1]
	util.PutLE32(fat[2*4:], 0x0FFFFFFF) // cluster 2 (root dir): EOC
	util.PutLE32(fat[3*4:], 4)          // cluster 3 -> 4
	util.PutLE32(fat[4*4:], 0x0FFFFFFF) // cluster 4: EOC

	rootDir := &disk.sectors[2]
	entry := rootDir[0:32]
	n := name83("KERNEL  BIN")
	copy(entry[0:11], n[:])
	entry[11] = 0 // attributes: regular file
	util.PutLE16(entry[20:], uint16(3>>16))
	util.PutLE16(entry[26:], uint16(3&0xFFFF))
	util.PutLE32(entry[28:], fileSize)

	copy(disk.sectors[3][:], fileContent)
	if len(fileContent) > SectorSize {
		copy(disk.sectors[4][:], fileContent[SectorSize:])
	}

	return disk
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestMountAndFindFile(t *testing.T) {
	content := pattern(600)
	disk := buildImage(t, uint32(len(content)), content)

	vol, err := Mount(disk, mbr.Partition{StartLBA: 0, SizeInSectors: 5})
	if !err.IsZero() {
		t.Fatalf("Mount: %v", err)
	}

	entry, ok, err := vol.FindEntry(vol.RootCluster(), name83("KERNEL  BIN"))
	if !err.IsZero() {
		t.Fatalf("FindEntry: %v", err)
	}
	if !ok {
		t.Fatal("expected to find KERNEL  BIN")
	}
	if entry.FirstCluster() != 3 {
		t.Fatalf("FirstCluster = %d, want 3", entry.FirstCluster())
	}
	if entry.FileSize != uint32(len(content)) {
		t.Fatalf("FileSize = %d, want %d", entry.FileSize, len(content))
	}

	r := vol.OpenFile(entry.FirstCluster(), entry.FileSize)
	got, readErr := io.ReadAll(r)
	if readErr != nil {
		t.Fatalf("ReadAll: %v", readErr)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("file contents did not round-trip through the cluster chain")
	}
}

func TestMountRejectsBadSignature(t *testing.T) {
	disk := buildImage(t, 1, []byte{0})
	util.PutLE16(disk.sectors[0][offBootSignature:], 0)

	if _, err := Mount(disk, mbr.Partition{StartLBA: 0}); err.IsZero() {
		t.Fatal("Mount should reject a bad boot signature")
	}
}

func TestMountRejectsWrongSectorSize(t *testing.T) {
	disk := buildImage(t, 1, []byte{0})
	util.PutLE16(disk.sectors[0][offBytesPerSector:], 1024)

	if _, err := Mount(disk, mbr.Partition{StartLBA: 0}); err.IsZero() {
		t.Fatal("Mount should reject a non-512 bytes-per-sector BPB")
	}
}

func TestFileReaderSeekToUnalignedOffset(t *testing.T) {
	content := pattern(600)
	disk := buildImage(t, uint32(len(content)), content)
	vol, err := Mount(disk, mbr.Partition{StartLBA: 0, SizeInSectors: 5})
	if !err.IsZero() {
		t.Fatalf("Mount: %v", err)
	}

	entry, ok, err := vol.FindEntry(vol.RootCluster(), name83("KERNEL  BIN"))
	if !err.IsZero() || !ok {
		t.Fatalf("FindEntry: ok=%v err=%v", ok, err)
	}

	r := vol.OpenFile(entry.FirstCluster(), entry.FileSize)
	const seekOffset = 64 // not a multiple of SectorSize (512)
	if _, serr := r.Seek(seekOffset, io.SeekStart); serr != nil {
		t.Fatalf("Seek: %v", serr)
	}

	got, readErr := io.ReadAll(r)
	if readErr != nil {
		t.Fatalf("ReadAll: %v", readErr)
	}
	if !bytes.Equal(got, content[seekOffset:]) {
		t.Fatalf("Read after Seek(%d) returned wrong bytes: got %v, want %v",
			seekOffset, got, content[seekOffset:])
	}
}

func TestNextClusterClassifiesEntries(t *testing.T) {
	disk := buildImage(t, 600, pattern(600))
	vol, err := Mount(disk, mbr.Partition{StartLBA: 0})
	if !err.IsZero() {
		t.Fatalf("Mount: %v", err)
	}

	if next, ok := vol.NextCluster(3); !ok || next != 4 {
		t.Fatalf("NextCluster(3) = (%d, %v), want (4, true)", next, ok)
	}
	if _, ok := vol.NextCluster(4); ok {
		t.Fatal("cluster 4 is end-of-chain, NextCluster should report false")
	}
}
