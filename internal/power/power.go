// Package power is the boundary contract for the panic/shutdown glue
// spec.md §1 lists as out of scope beyond "a PowerOff() function boot
// code calls on unrecoverable error" (§7: "Callers in boot code surface
// errors to the log and call power_off()"). Grounded directly on
// original_source's `xtra-bootloader/src/power.rs`: a fixed QEMU
// "virt"-machine test-finisher register at address 0x0010_0000, written
// with a 32-bit command (power-off or reset) and then an unconditional
// spin, since the finisher's write either terminates the machine or
// resets it and is never expected to return.
package power

import (
	"unsafe"

	"rvkernel/internal/kerr"
	"rvkernel/internal/riscvasm"
	"rvkernel/internal/uartlog"
)

const (
	// registerAddr is the QEMU "virt" machine's SiFive test-finisher
	// MMIO register (xtra-bootloader/src/power.rs's POWER_REGISTER).
	registerAddr = 0x0010_0000

	powerOffCommand uint32 = 0x0000_5555
	resetCommand    uint32 = 0x0000_7777
)

func register() *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(registerAddr)))
}

// PowerOff writes the finisher's power-off command and then spins
// forever. It does not return; QEMU tears the machine down on the write
// itself, and the spin only covers the gap before that happens (and
// backstops real hardware that lacks a finisher device at all).
func PowerOff() {
	*register() = powerOffCommand
	halt()
}

// Reset writes the finisher's reset command and then spins, for the
// same reason PowerOff does.
func Reset() {
	*register() = resetCommand
	halt()
}

// halt is the idle spin a real boot path would instead implement with a
// `wfi`-in-a-loop startup-assembly stub; spec.md §1 treats "the linker
// script and startup assembly" as boundary artifacts outside this
// repo's scope, and Go has no inline-asm `wfi`, so this is a plain busy
// spin rather than a true idle wait.
func halt() {
	for {
	}
}

// Panic is the kernel panic handler named in spec.md §7: "The panic
// handler prints on the already-initialized UART and halts all harts;
// it never returns." text/textBase describe the kernel's identity-mapped
// .text section for the backtrace walk; pc is the faulting (or calling)
// program counter. printBacktrace walks the standard RISC-V frame-pointer chain
// starting at fp, printing each return address's containing instruction
// via internal/riscvasm — the backtrace SPEC_FULL.md's supplemented
// features section adds on top of printing.rs's plain message-and-halt.
func Panic(msg string, pc, fp uintptr, text []byte, textBase uintptr) {
	uartlog.Banner("panic", msg)
	printBacktrace(pc, fp, text, textBase)
	PowerOff()
}

// printBacktrace walks saved return addresses from fp downward, the
// standard RISC-V convention of [fp-8]=ra, [fp-16]=saved fp, printing up
// to maxFrames disassembled call sites. It stops at a zero fp or at the
// first return address that falls outside text, since a corrupted chain
// is exactly the kind of programmer error spec.md §7 expects the panic
// handler to be reached from. fp itself is not range-checked before the
// two words below it are read.
func printBacktrace(pc, fp uintptr, text []byte, textBase uintptr) {
	const maxFrames = 16

	printFrame(pc, text, textBase)
	for i := 0; i < maxFrames && fp != 0; i++ {
		raPtr := (*uintptr)(unsafe.Pointer(fp - 8))
		savedFPPtr := (*uintptr)(unsafe.Pointer(fp - 16))
		ra := *raPtr
		savedFP := *savedFPPtr
		if ra < textBase || int(ra-textBase) >= len(text) {
			break
		}
		printFrame(ra, text, textBase)
		fp = savedFP
	}
}

func printFrame(addr uintptr, text []byte, textBase uintptr) {
	if addr < textBase {
		uartlog.Banner("panic", "  ??? (outside .text)")
		return
	}
	offset := int(addr - textBase)
	uartlog.Banner("panic", "  "+riscvasm.DecodeAt(text, offset))
}

// UnrecoverableError is the glue spec.md §7 describes for the non-panic
// path: "Callers in boot code surface errors to the log and call
// power_off()." It is the non-programmer-error twin of Panic — used for
// boundary-contract failures (kerr.Error values) rather than logic bugs.
func UnrecoverableError(prefix string, err kerr.Error) {
	uartlog.Banner(prefix, err.Error())
	PowerOff()
}
