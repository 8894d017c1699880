// Package fat32 implements the FAT32 reader boundary contract (spec.md
// §6): enough of the on-disk format to walk the root directory of a
// FAT32 partition and stream a file's contents cluster by cluster.
//
// Grounded directly on original_source's `xtra-bootloader/src/fat32.rs`
// (Fat, Fat32Volume, FileStream, DirectoryEntry, DirectoryIterator),
// adapted from its bare-metal single-sector-cache-buffer design (a
// fixed MAX_FAT_ENTRIES static array, since the original has no heap)
// to ordinary Go slices, and from its closure-based FileStream/Drop
// pairing to an io.Reader, since this repo runs with a normal Go
// runtime and heap even though the filesystem it reads lives on
// bare-metal firmware media.
package fat32

import (
	"io"

	"rvkernel/internal/kerr"
	"rvkernel/internal/mbr"
	"rvkernel/internal/util"
	"rvkernel/internal/virtioblk"
)

// SectorSize is the only bytes-per-sector value this reader accepts
// (spec.md §6 "behavior on a FAT32 volume with bytes-per-sector ≠ 512:
// current behavior rejects").
const SectorSize = virtioblk.SectorSize

// BlockDevice is the boundary this package reads sectors through.
// *virtioblk.Driver satisfies it directly.
type BlockDevice interface {
	ReadSector(lba uint64, buf *virtioblk.Sector) kerr.Error
}

// BPB field offsets within the first sector of the partition (spec.md
// §6).
const (
	offBytesPerSector    = 0x0B
	offSectorsPerCluster = 0x0D
	offReservedSectors   = 0x0E
	offNumFATs           = 0x10
	offFATSize32         = 0x24
	offRootCluster       = 0x2C
	offBootSignature     = 0x1FE

	bootSignature = 0xAA55

	// End-of-chain / reserved / free FAT entry classification (spec.md
	// §6: "End-of-chain markers in the FAT are values ≥ 0x0FFFFFF8").
	fatEntryMask    = 0x0FFFFFFF
	fatEOCThreshold = 0x0FFFFFF8
	fatReserved     = 0x0FFFFFF7
	fatFree         = 0
)

// Volume is a mounted FAT32 partition: the BPB geometry plus the full
// FAT loaded into memory (original_source's Fat.entries, without the
// teacher's static-buffer size cap — this repo has a heap).
type Volume struct {
	device BlockDevice
	part   mbr.Partition

	bytesPerSector    uint32
	sectorsPerCluster uint32
	reservedSectors   uint32
	numFATs           uint32
	fatSizeSectors    uint32
	rootCluster       uint32
	firstDataSector   uint32

	fat []uint32
}

// Mount reads the BPB and FAT for the FAT32 filesystem on part and
// returns the mounted Volume.
func Mount(device BlockDevice, part mbr.Partition) (*Volume, kerr.Error) {
	var sector virtioblk.Sector
	if err := device.ReadSector(uint64(part.StartLBA), &sector); !err.IsZero() {
		return nil, err
	}

	if util.LE16(sector[offBootSignature:]) != bootSignature {
		return nil, kerr.E(kerr.InvalidFilesystem)
	}

	bytesPerSector := uint32(util.LE16(sector[offBytesPerSector:]))
	if bytesPerSector != SectorSize {
		return nil, kerr.E(kerr.InvalidFilesystem)
	}

	v := &Volume{
		device:            device,
		part:              part,
		bytesPerSector:    bytesPerSector,
		sectorsPerCluster: uint32(sector[offSectorsPerCluster]),
		reservedSectors:   uint32(util.LE16(sector[offReservedSectors:])),
		numFATs:           uint32(sector[offNumFATs]),
		fatSizeSectors:    util.LE32(sector[offFATSize32:]),
		rootCluster:       util.LE32(sector[offRootCluster:]),
	}
	if v.sectorsPerCluster == 0 || v.numFATs == 0 || v.fatSizeSectors == 0 {
		return nil, kerr.E(kerr.InvalidFilesystem)
	}
	v.firstDataSector = v.reservedSectors + v.numFATs*v.fatSizeSectors

	if err := v.loadFAT(); !err.IsZero() {
		return nil, err
	}
	return v, kerr.E(kerr.Ok)
}

// loadFAT reads the first FAT table (original_source's
// Fat::load_fat_table) into v.fat, one 32-bit little-endian entry per
// uint32.
func (v *Volume) loadFAT() kerr.Error {
	entries := make([]uint32, 0, v.fatSizeSectors*SectorSize/4)

	var sector virtioblk.Sector
	fatLBA := uint64(v.part.StartLBA) + uint64(v.reservedSectors)
	for i := uint32(0); i < v.fatSizeSectors; i++ {
		if err := v.device.ReadSector(fatLBA+uint64(i), &sector); !err.IsZero() {
			return err
		}
		for off := 0; off+4 <= SectorSize; off += 4 {
			entries = append(entries, util.LE32(sector[off:]))
		}
	}
	v.fat = entries
	return kerr.E(kerr.Ok)
}

// NextCluster returns the next cluster in cluster's chain, and false
// if cluster is an end-of-chain, reserved, free, or out-of-range entry
// (original_source's Fat::get_next_cluster).
func (v *Volume) NextCluster(cluster uint32) (uint32, bool) {
	cluster &= fatEntryMask
	if int(cluster) >= len(v.fat) {
		return 0, false
	}
	entry := v.fat[cluster] & fatEntryMask
	switch {
	case entry >= fatEOCThreshold:
		return 0, false
	case entry == fatReserved:
		return 0, false
	case entry == fatFree:
		return 0, false
	default:
		return entry, true
	}
}

// clusterSector returns the absolute LBA of sectorInCluster within
// cluster (original_source's Fat32Volume::load_sector).
func (v *Volume) clusterSector(cluster, sectorInCluster uint32) uint64 {
	clusterLBA := v.firstDataSector + (cluster-2)*v.sectorsPerCluster + sectorInCluster
	return uint64(v.part.StartLBA) + uint64(clusterLBA)
}

// ReadClusterSector reads one sector of a cluster into buf.
func (v *Volume) ReadClusterSector(cluster, sectorInCluster uint32, buf *virtioblk.Sector) kerr.Error {
	if cluster < 2 || int(cluster) >= len(v.fat) {
		return kerr.E(kerr.OutOfRange)
	}
	if sectorInCluster >= v.sectorsPerCluster {
		return kerr.E(kerr.OutOfRange)
	}
	return v.device.ReadSector(v.clusterSector(cluster, sectorInCluster), buf)
}

// RootCluster returns the root directory's starting cluster.
func (v *Volume) RootCluster() uint32 { return v.rootCluster }

const entrySize = 32

// DirectoryEntry is one 32-byte FAT32 directory record (spec.md §6,
// original_source's DirectoryEntry).
type DirectoryEntry struct {
	Name             [11]byte
	Attributes       uint8
	FirstClusterHigh uint16
	FirstClusterLow  uint16
	FileSize         uint32
}

const attrDirectory = 0x10

// FirstCluster combines the high/low cluster words.
func (e DirectoryEntry) FirstCluster() uint32 {
	return uint32(e.FirstClusterHigh)<<16 | uint32(e.FirstClusterLow)
}

// IsDirectory reports whether this entry names a subdirectory.
func (e DirectoryEntry) IsDirectory() bool { return e.Attributes&attrDirectory != 0 }

func (e DirectoryEntry) isEndOfDirectory() bool {
	return e.Name == [11]byte{} && e.FileSize == 0
}

func (e DirectoryEntry) isDeleted() bool { return e.Name[0] == 0xE5 }

func decodeDirectoryEntry(raw []byte) DirectoryEntry {
	var e DirectoryEntry
	copy(e.Name[:], raw[0:11])
	e.Attributes = raw[11]
	e.FirstClusterHigh = util.LE16(raw[20:])
	e.FirstClusterLow = util.LE16(raw[26:])
	e.FileSize = util.LE32(raw[28:])
	return e
}

// WalkDirectory streams the directory entries starting at cluster,
// calling fn for each live (non-deleted) entry until fn returns false
// or the end-of-directory marker is reached (original_source's
// DirectoryIterator::iterate).
func (v *Volume) WalkDirectory(cluster uint32, fn func(DirectoryEntry) bool) kerr.Error {
	r := v.OpenFile(cluster, v.directoryStreamSize(cluster))
	var raw [entrySize]byte
	for {
		n, err := io.ReadFull(r, raw[:])
		if n == entrySize {
			entry := decodeDirectoryEntry(raw[:])
			if entry.isEndOfDirectory() {
				return kerr.E(kerr.Ok)
			}
			if !entry.isDeleted() && !fn(entry) {
				return kerr.E(kerr.Ok)
			}
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return kerr.E(kerr.Ok)
			}
			if kerrv, ok := err.(kerr.Error); ok {
				return kerrv
			}
			return kerr.E(kerr.InvalidFilesystem)
		}
	}
}

// directoryStreamSize walks the cluster chain once up front to learn
// its total byte length, since a directory carries no size field of
// its own (original_source's DirectoryIterator::calculate_directory_size).
func (v *Volume) directoryStreamSize(cluster uint32) uint32 {
	clusterBytes := v.sectorsPerCluster * SectorSize
	total := uint32(0)
	for {
		total += clusterBytes
		next, ok := v.NextCluster(cluster)
		if !ok {
			return total
		}
		cluster = next
	}
}

const name83Len = 11

// FindEntry searches the directory at cluster for a file whose 8.3
// name matches name83 (11-byte fixed-width, space-padded) and returns
// it.
func (v *Volume) FindEntry(cluster uint32, name83 [name83Len]byte) (DirectoryEntry, bool, kerr.Error) {
	var found DirectoryEntry
	var hit bool
	err := v.WalkDirectory(cluster, func(e DirectoryEntry) bool {
		if e.Name == name83 {
			found, hit = e, true
			return false
		}
		return true
	})
	return found, hit, err
}

// OpenFile returns an io.Reader over a file's cluster chain, starting
// at startCluster and ending after size bytes (original_source's
// FileStream, reshaped as an io.Reader since this repo has a normal
// heap and doesn't need a shared sector-cache buffer).
func (v *Volume) OpenFile(startCluster uint32, size uint32) *FileReader {
	return &FileReader{vol: v, startCluster: startCluster, cluster: startCluster, size: size}
}

// FileReader streams a FAT32 file's bytes cluster by cluster.
type FileReader struct {
	vol          *Volume
	startCluster uint32
	cluster      uint32
	size         uint32
	read         uint32

	sectorInCluster uint32
	byteInSector    uint32
	buf             virtioblk.Sector
	bufLoaded       bool
}

func (f *FileReader) loadSector() kerr.Error {
	if f.cluster < 2 {
		return kerr.E(kerr.OutOfRange)
	}
	if err := f.vol.ReadClusterSector(f.cluster, f.sectorInCluster, &f.buf); !err.IsZero() {
		return err
	}
	f.bufLoaded = true
	return kerr.E(kerr.Ok)
}

// Read implements io.Reader, returning io.EOF once size bytes have
// been produced, or io.ErrUnexpectedEOF if the cluster chain ends early.
func (f *FileReader) Read(p []byte) (int, error) {
	if f.read >= f.size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && f.read < f.size {
		if !f.bufLoaded {
			if err := f.loadSector(); !err.IsZero() {
				return n, err
			}
		}
		if f.byteInSector >= SectorSize {
			if err := f.advanceSector(); err != nil {
				return n, err
			}
			continue
		}
		p[n] = f.buf[f.byteInSector]
		n++
		f.byteInSector++
		f.read++
	}
	return n, nil
}

// Seek implements io.Seeker over the cluster chain (original_source's
// elf.rs calls FileStream::tell/seek to re-read program headers after
// each segment load; that pair isn't present in the retrieved
// fat32.rs revision, so this repo supplies it directly as the
// standard io.Seeker instead of inventing a bespoke tell/seek pair).
// Only io.SeekStart is supported, which is all elfload needs.
func (f *FileReader) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart || offset < 0 || offset > int64(f.size) {
		return 0, kerr.E(kerr.OutOfRange)
	}

	clusterBytes := f.vol.sectorsPerCluster * SectorSize
	target := uint32(offset)

	cluster := f.startCluster
	for remaining := target / clusterBytes; remaining > 0; remaining-- {
		next, ok := f.vol.NextCluster(cluster)
		if !ok {
			return 0, kerr.E(kerr.OutOfRange)
		}
		cluster = next
	}

	f.cluster = cluster
	f.sectorInCluster = (target % clusterBytes) / SectorSize
	f.byteInSector = target % SectorSize
	f.bufLoaded = false
	f.read = target
	return int64(target), nil
}

// advanceSector moves to the next sector in the file, crossing into
// the next cluster via the FAT chain when the current cluster is
// exhausted (original_source's FileStream::next_sector).
func (f *FileReader) advanceSector() error {
	f.sectorInCluster++
	if f.sectorInCluster >= f.vol.sectorsPerCluster {
		f.sectorInCluster = 0
		next, ok := f.vol.NextCluster(f.cluster)
		if !ok {
			return io.ErrUnexpectedEOF
		}
		f.cluster = next
	}
	f.byteInSector = 0
	f.bufLoaded = false
	return nil
}
