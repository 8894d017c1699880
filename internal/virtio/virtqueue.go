package virtio

// Split-virtqueue wire types (spec.md §3). Grounded on original_source's
// `xtra-bootloader/src/virtio.rs` Descriptor/AvailableRing/UsedRing/
// BlockRequest structs, including their static size/alignment
// assertions, translated to Go struct tags' natural layout (no
// `#[repr(C, align(N))]` equivalent exists, so callers that need
// page-aligned placement — virtioblk's shared queue memory — allocate a
// whole page per ring the way pagebox.Box[T] already does for other
// page-sized typed allocations).
const (
	// DescFlagNext means the chain continues to Next.
	DescFlagNext uint16 = 1 << 0
	// DescFlagWrite means the device writes into this buffer.
	DescFlagWrite uint16 = 1 << 1

	// AvailFlagNoInterrupt asks the device to suppress used-ring
	// interrupts (spec.md §4.7 step 7).
	AvailFlagNoInterrupt uint16 = 1
	// UsedFlagNoNotify mirrors AvailFlagNoInterrupt on the used side.
	UsedFlagNoNotify uint16 = 1

	// BlockRequestIn/Out are the BlockRequest.Type values (spec.md §3).
	BlockRequestIn  uint32 = 0
	BlockRequestOut uint32 = 1

	// QueueSize is the split-queue depth this driver uses (spec.md §4.7:
	// "a small power of two (spec uses 8)").
	QueueSize = 8
)

// Descriptor is VirtqueueDescriptor (spec.md §3): a 16-byte record.
// Invariant: a chain terminates at an entry with Next... flag clear
// (DescFlagNext unset).
type Descriptor struct {
	Address uint64
	Length  uint32
	Flags   uint16
	Next    uint16
}

// DescriptorTable is the fixed-size array of descriptors backing one
// virtqueue (spec.md §4.7 "Descriptors: array of QUEUE_SIZE
// descriptors").
type DescriptorTable [QueueSize]Descriptor

// AvailableRing is the driver-produced ring (spec.md §3): {flags, index,
// ring[QUEUE_SIZE], used_event}. Index is a free-running counter modulo
// 2^16; ring[index mod QUEUE_SIZE] names the head-descriptor index of
// the next request.
type AvailableRing struct {
	Flags     uint16
	Index     uint16
	Ring      [QueueSize]uint16
	UsedEvent uint16
}

// UsedItem is one completed-request record in UsedRing.Ring.
type UsedItem struct {
	ID     uint32
	Length uint32
}

// UsedRing is the device-produced ring (spec.md §3): {flags, index,
// ring[QUEUE_SIZE] of {id, length}, avail_event}. Index advances when
// the device completes a request.
type UsedRing struct {
	Flags      uint16
	Index      uint16
	Ring       [QueueSize]UsedItem
	AvailEvent uint16
}

// BlockRequest is the 16-byte request header that precedes a block I/O's
// data and status byte on the wire (spec.md §3).
type BlockRequest struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}
