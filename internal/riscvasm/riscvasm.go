// Package riscvasm decodes the RISC-V instruction containing a faulting
// program counter, for the panic backtrace described in SPEC_FULL.md's
// supplemented-features section. original_source's
// `xtra-kernel/src/printing.rs` panic handler only prints the panic
// message and halts (spec.md §7's minimum); it carries no backtrace of
// its own. This package adds one, reusing golang.org/x/arch/riscv64/
// riscv64asm — the same module the teacher pins in its own go.mod for
// architecture-specific instruction-level support — so the extra
// diagnostic still exercises a real teacher dependency instead of
// inventing one.
package riscvasm

import (
	"encoding/binary"

	"golang.org/x/arch/riscv64/riscv64asm"
)

// DecodeAt decodes the 32-bit (or 16-bit compressed) instruction word
// found at text[offset:] and returns its GNU-syntax rendering, or "???"
// if the bytes at offset don't form a valid instruction. text is the
// kernel's identity-mapped .text slice; offset is pc - textBase.
func DecodeAt(text []byte, offset int) string {
	if offset < 0 || offset >= len(text) {
		return "???"
	}
	inst, err := riscv64asm.Decode(text[offset:])
	if err != nil {
		return "???"
	}
	return riscv64asm.GNUSyntax(inst)
}

// Len reports the length in bytes (2 or 4) of the instruction at
// text[offset:] from its low two bits, without a full disassembly pass.
func Len(text []byte, offset int) int {
	if offset+2 > len(text) {
		return 4
	}
	lo := binary.LittleEndian.Uint16(text[offset:])
	if lo&0x3 != 0x3 {
		return 2 // compressed (RVC) instruction
	}
	return 4
}
