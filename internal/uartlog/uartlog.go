// Package uartlog is the process-wide serial logger. Like the teacher's
// fs.Bdev_block_t, which serializes disk-cache access behind sync.Mutex
// and gates its noisier prints behind a package-level bdev_debug bool,
// uartlog serializes console writes behind one spinlock (spec.md §5:
// "PRINTING_UART: process-wide, guarded by a spinlock") and offers
// Debugf, which prints only when its caller passes enabled=true. No build
// tag or config file selects verbosity.
package uartlog

import (
	"sync"

	"rvkernel/internal/kfmt"
	"rvkernel/internal/uart"
)

var (
	mu    sync.Mutex
	sink  uart.Uart
	ready bool
)

// Install wires the global logger to a UART handle. Called once during
// early boot, before any other subsystem logs; calling Print before
// Install is a programmer error.
func Install(u uart.Uart) {
	mu.Lock()
	defer mu.Unlock()
	sink = u
	ready = true
}

// Print writes s atomically with respect to other callers.
func Print(s string) {
	mu.Lock()
	defer mu.Unlock()
	if !ready {
		return
	}
	sink.WriteString(s)
}

// Println writes s followed by a newline.
func Println(s string) {
	Print(s)
	Print("\n")
}

// Banner prints one line tagged with a subsystem prefix, e.g.
// uartlog.Banner("boot", "hart 0 entering kmain").
func Banner(prefix, msg string) {
	Println(kfmt.Line(prefix, msg))
}

// Debugf prints msg only when enabled is true. No package in this
// repository defines a verbosity switch to pass as enabled.
func Debugf(enabled bool, prefix, msg string) {
	if !enabled {
		return
	}
	Banner(prefix, msg)
}
