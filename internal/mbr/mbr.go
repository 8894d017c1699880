// Package mbr implements the MBR parser boundary contract (spec.md §6):
// the 512-byte sector-0 partition table a bootloader consults to find
// its FAT32 partition.
//
// Grounded directly on original_source's
// `xtra-bootloader/src/partition_table.rs` (LegacyPartition/
// MasterBootRecord), adapted from Rust enums (PartitionStatus,
// PartitionType) to Go's const-plus-accessor-method idiom, matching
// this repo's pagetable package (an "Unknown(u8)" Rust variant becomes a
// plain byte value compared against named constants rather than a
// wrapped enum case — Go has no closed sum types to mirror it with).
package mbr

import (
	"rvkernel/internal/kerr"
	"rvkernel/internal/util"
)

const (
	Size           = 512
	codeSize       = 446
	partitionCount = 4
	partitionSize  = 16

	bootSignature = 0xAA55

	statusBootable = 0x80

	// TypeFAT32LBA is the partition-type byte for a FAT32 partition
	// addressed by LBA (spec.md §6: "1 type byte (0x0C = FAT32 LBA)").
	TypeFAT32LBA = 0x0C
)

// Partition is one 16-byte legacy partition record (spec.md §6).
type Partition struct {
	Status         uint8
	StartCHS       [3]byte
	Type           uint8
	EndCHS         [3]byte
	StartLBA       uint32
	SizeInSectors  uint32
}

// IsBootable reports whether this entry is a bootable FAT32 partition.
func (p Partition) IsBootable() bool {
	return p.Status == statusBootable && p.Type == TypeFAT32LBA
}

// MasterBootRecord is the parsed sector 0 (spec.md §6).
type MasterBootRecord struct {
	Partitions [partitionCount]Partition
	signature  uint16
}

// Parse reads a 512-byte MBR sector (spec.md §6 layout: 446 bytes boot
// code, four 16-byte partition records, 2-byte 0x55AA signature).
func Parse(sector []byte) (*MasterBootRecord, kerr.Error) {
	if len(sector) != Size {
		return nil, kerr.E(kerr.InvalidPartitionTable)
	}

	mbr := &MasterBootRecord{}
	for i := 0; i < partitionCount; i++ {
		off := codeSize + i*partitionSize
		rec := sector[off : off+partitionSize]
		mbr.Partitions[i] = Partition{
			Status:        rec[0],
			StartCHS:      [3]byte{rec[1], rec[2], rec[3]},
			Type:          rec[4],
			EndCHS:        [3]byte{rec[5], rec[6], rec[7]},
			StartLBA:      util.LE32(rec[8:12]),
			SizeInSectors: util.LE32(rec[12:16]),
		}
	}
	mbr.signature = util.LE16(sector[510:512])

	if mbr.signature != bootSignature {
		return nil, kerr.E(kerr.InvalidPartitionTable)
	}
	return mbr, kerr.E(kerr.Ok)
}

// IsValid reports whether the boot signature matches 0x55AA. Parse
// already enforces this; IsValid is exposed for callers that construct a
// MasterBootRecord some other way (e.g. tests).
func (m *MasterBootRecord) IsValid() bool {
	return m.signature == bootSignature
}

// FirstBootablePartition returns the first bootable FAT32 partition, if
// any.
func (m *MasterBootRecord) FirstBootablePartition() (Partition, bool) {
	for _, p := range m.Partitions {
		if p.IsBootable() {
			return p, true
		}
	}
	return Partition{}, false
}
