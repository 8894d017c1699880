// Command imgbuild is a host-side tool (SPEC_FULL.md's [+] addition to
// the module map): it lays out a bootable disk image — MBR, a single
// FAT32 partition, and a kernel ELF copied in as "KERNEL  BIN" — for an
// emulator or real hardware to boot the two executables this repo
// builds. It runs under a hosted OS and is never linked into the
// firmware image.
//
// Grounded on the teacher's own host-side build tools: mkfs/mkfs.go
// (positional os.Args, os.Open/io.Copy-shaped file ingestion, a small
// on-disk layout assembled field by field) and kernel/chentry.go
// (debug/elf validation of a kernel binary before touching it). Per
// SPEC_FULL.md's DOMAIN STACK, it also wires golang.org/x/sys/unix (for
// O_DIRECT raw block-device writes, the same role it plays for
// other_examples' go-userfaultfd) and github.com/google/pprof/profile
// (to record a per-stage timing profile of the assembly pass in real
// pprof proto format) — both host-tool-only dependencies, never linked
// into cmd/kernel or cmd/bootloader.
package main

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/google/pprof/profile"

	"rvkernel/internal/mbr"
)

const (
	sectorSize        = 512
	partitionStartLBA = 2048 // 1 MiB alignment, the usual convention

	reservedSectors   = 32
	sectorsPerCluster = 1
	numFATs           = 1
	rootCluster       = 2

	fatEntrySize = 4
	fatEOC       = 0x0FFF_FFFF
)

var kernelName83 = [11]byte{'K', 'E', 'R', 'N', 'E', 'L', ' ', ' ', 'B', 'I', 'N'}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: imgbuild <kernel-elf> <output-image> [-raw] [-cpuprofile=<file>]\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	kernelPath := os.Args[1]
	outputPath := os.Args[2]

	var raw bool
	var cpuProfilePath string
	for _, arg := range os.Args[3:] {
		switch {
		case arg == "-raw":
			raw = true
		case strings.HasPrefix(arg, "-cpuprofile="):
			cpuProfilePath = strings.TrimPrefix(arg, "-cpuprofile=")
		default:
			usage()
		}
	}

	kernelELF, err := os.ReadFile(kernelPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imgbuild: reading %s: %v\n", kernelPath, err)
		os.Exit(1)
	}

	var stages []stageTiming
	record := func(name string, fn func() error) {
		start := time.Now()
		if err := fn(); err != nil {
			fmt.Fprintf(os.Stderr, "imgbuild: %s: %v\n", name, err)
			os.Exit(1)
		}
		stages = append(stages, stageTiming{name: name, duration: time.Since(start)})
	}

	record("validate kernel elf", func() error {
		return validateKernelELF(kernelELF)
	})

	var image []byte
	record("plan layout", func() error {
		plan := planLayout(len(kernelELF))
		image = make([]byte, int(plan.totalSectors)*sectorSize)
		writeImage(image, plan, kernelELF)
		return nil
	})

	record("write image", func() error {
		out, err := createImageWriter(outputPath, raw)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, &sliceReader{data: image})
		return err
	})

	if cpuProfilePath != "" {
		record("write profile", func() error {
			return writeStageProfile(cpuProfilePath, stages)
		})
	}

	fmt.Printf("imgbuild: wrote %s (%d bytes)\n", outputPath, len(image))
}

// validateKernelELF checks the kernel image against spec.md §6's ELF64
// load contract before it's ever written to disk, the same role
// chentry.go's chkELF plays for the x86-64 teacher, generalized to
// RISC-V.
func validateKernelELF(data []byte) error {
	f, err := elf.NewFile(&sliceReaderAt{data: data})
	if err != nil {
		return fmt.Errorf("not a valid elf: %w", err)
	}
	if f.Class != elf.ELFCLASS64 {
		return fmt.Errorf("not a 64-bit elf")
	}
	if f.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("not little-endian")
	}
	if f.Type != elf.ET_EXEC {
		return fmt.Errorf("not an executable elf")
	}
	if f.Machine != elf.EM_RISCV {
		return fmt.Errorf("not a risc-v elf")
	}
	return nil
}

// layoutPlan is the pure, host-portable sizing computation for the
// image: how many FAT entries and data clusters the kernel file needs.
// Kept separate from the byte-writing pass so it can be unit tested
// without an actual kernel ELF on disk.
type layoutPlan struct {
	kernelSize     int
	kernelClusters int
	fatEntries     int
	fatSectors     int
	totalSectors   int64
}

func planLayout(kernelSize int) layoutPlan {
	const clusterBytes = sectorsPerCluster * sectorSize
	kernelClusters := (kernelSize + clusterBytes - 1) / clusterBytes
	if kernelClusters == 0 {
		kernelClusters = 1
	}

	// Cluster numbering starts at 2 (spec.md §6); cluster 2 is the
	// root directory, clusters 3..3+kernelClusters-1 hold the kernel.
	fatEntries := 2 + kernelClusters
	fatBytes := fatEntries * fatEntrySize
	fatSectors := (fatBytes + sectorSize - 1) / sectorSize
	if fatSectors == 0 {
		fatSectors = 1
	}

	dataSectors := (1 + kernelClusters) * sectorsPerCluster // root dir + kernel
	partitionSectors := reservedSectors + numFATs*fatSectors + dataSectors

	return layoutPlan{
		kernelSize:     kernelSize,
		kernelClusters: kernelClusters,
		fatEntries:     fatEntries,
		fatSectors:     fatSectors,
		totalSectors:   int64(partitionStartLBA) + int64(partitionSectors),
	}
}

// writeImage renders plan and kernelELF into image, a zeroed buffer of
// exactly plan.totalSectors*sectorSize bytes: MBR at sector 0 (grounded
// on internal/mbr's field layout), then a minimal FAT32 BPB, FAT, root
// directory, and kernel data at the partition start.
func writeImage(image []byte, plan layoutPlan, kernelELF []byte) {
	writeMBR(image, plan)

	partBase := partitionStartLBA * sectorSize
	writeBPB(image[partBase:], plan)

	fatBase := partBase + reservedSectors*sectorSize
	writeFAT(image[fatBase:], plan)

	rootDirBase := fatBase + numFATs*plan.fatSectors*sectorSize
	writeRootDir(image[rootDirBase:], plan)

	kernelBase := rootDirBase + sectorsPerCluster*sectorSize
	copy(image[kernelBase:], kernelELF)
}

func writeMBR(image []byte, plan layoutPlan) {
	off := 446
	image[off] = 0x80 // bootable
	image[off+4] = mbr.TypeFAT32LBA
	putLE32(image[off+8:], partitionStartLBA)
	putLE32(image[off+12:], uint32(plan.totalSectors-partitionStartLBA))
	putLE16(image[510:], 0xAA55)
}

func writeBPB(sector []byte, plan layoutPlan) {
	putLE16(sector[0x0B:], sectorSize)
	sector[0x0D] = sectorsPerCluster
	putLE16(sector[0x0E:], reservedSectors)
	sector[0x10] = numFATs
	putLE32(sector[0x24:], uint32(plan.fatSectors))
	putLE32(sector[0x2C:], rootCluster)
	putLE16(sector[0x1FE:], 0xAA55)
}

func writeFAT(fat []byte, plan layoutPlan) {
	putLE32(fat[rootCluster*fatEntrySize:], fatEOC) // one-cluster root dir
	for i := 0; i < plan.kernelClusters; i++ {
		cluster := 3 + i
		entry := uint32(fatEOC)
		if i < plan.kernelClusters-1 {
			entry = uint32(cluster + 1)
		}
		putLE32(fat[cluster*fatEntrySize:], entry)
	}
}

func writeRootDir(dir []byte, plan layoutPlan) {
	copy(dir[0:11], kernelName83[:])
	dir[11] = 0 // attributes: plain file
	const firstDataCluster = 3
	putLE16(dir[20:], uint16(firstDataCluster>>16))
	putLE16(dir[26:], uint16(firstDataCluster&0xFFFF))
	putLE32(dir[28:], uint32(plan.kernelSize))
}

func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// createImageWriter opens the output path for the assembled image.
// With -raw it opens the destination with O_DIRECT via golang.org/x/
// sys/unix, the same unbuffered-write path go-userfaultfd uses for raw
// syscall access to a device node, for writing directly to a real
// block device rather than a regular file.
func createImageWriter(path string, raw bool) (*os.File, error) {
	if !raw {
		return os.Create(path)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_DIRECT|unix.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// stageTiming records one assembly stage's wall-clock duration, the raw
// material for writeStageProfile.
type stageTiming struct {
	name     string
	duration time.Duration
}

// writeStageProfile renders stages as a real pprof proto (google/pprof's
// own in-memory profile.Profile type, not runtime/pprof's CPU sampler,
// since there is no running Go program to sample — this is a one-shot
// host tool) and writes it to path, for profiling the image-assembly
// pass on large FAT32 trees (SPEC_FULL.md's DOMAIN STACK).
func writeStageProfile(path string, stages []stageTiming) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "wall", Unit: "nanoseconds"}},
		PeriodType: &profile.ValueType{Type: "wall", Unit: "nanoseconds"},
		Period:     1,
	}
	for i, st := range stages {
		id := uint64(i + 1)
		fn := &profile.Function{ID: id, Name: st.name}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{st.duration.Nanoseconds()},
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.Write(f)
}

// sliceReader/sliceReaderAt adapt an in-memory image to io.Reader and
// io.ReaderAt, the two shapes io.Copy and debug/elf.NewFile need,
// without writing the image to a temp file first.
type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

type sliceReaderAt struct {
	data []byte
}

func (r *sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
