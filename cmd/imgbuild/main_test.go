package main

import "testing"

func TestPlanLayoutSizesClustersAndFAT(t *testing.T) {
	plan := planLayout(1500) // 3 clusters at 512 bytes/cluster
	if plan.kernelClusters != 3 {
		t.Fatalf("kernelClusters = %d, want 3", plan.kernelClusters)
	}
	if plan.fatEntries != 5 { // cluster 0,1 implicit + root(2) + 3 kernel clusters
		t.Fatalf("fatEntries = %d, want 5", plan.fatEntries)
	}
	if plan.totalSectors <= partitionStartLBA {
		t.Fatalf("totalSectors = %d, want > %d", plan.totalSectors, partitionStartLBA)
	}
}

func TestPlanLayoutHandlesEmptyKernel(t *testing.T) {
	plan := planLayout(0)
	if plan.kernelClusters != 1 {
		t.Fatalf("kernelClusters = %d, want 1 (minimum)", plan.kernelClusters)
	}
}

func TestWriteImageProducesValidMBRAndBPB(t *testing.T) {
	kernel := make([]byte, 700)
	for i := range kernel {
		kernel[i] = byte(i)
	}
	plan := planLayout(len(kernel))
	image := make([]byte, int(plan.totalSectors)*sectorSize)
	writeImage(image, plan, kernel)

	if image[510] != 0x55 || image[511] != 0xAA {
		t.Fatalf("MBR signature = %02x %02x, want 55 AA", image[510], image[511])
	}
	if image[446+4] != 0x0C {
		t.Fatalf("partition type = %#x, want 0x0C", image[446+4])
	}

	partBase := partitionStartLBA * sectorSize
	if image[partBase+0x1FE] != 0x55 || image[partBase+0x1FF] != 0xAA {
		t.Fatalf("BPB signature missing")
	}

	fatBase := partBase + reservedSectors*sectorSize
	rootEntry := uint32(image[fatBase+2*4]) | uint32(image[fatBase+2*4+1])<<8 |
		uint32(image[fatBase+2*4+2])<<16 | uint32(image[fatBase+2*4+3])<<24
	if rootEntry != fatEOC {
		t.Fatalf("root dir FAT entry = %#x, want EOC", rootEntry)
	}

	rootDirBase := fatBase + numFATs*plan.fatSectors*sectorSize
	if string(image[rootDirBase:rootDirBase+11]) != "KERNEL  BIN" {
		t.Fatalf("root dir entry name = %q", image[rootDirBase:rootDirBase+11])
	}
}
