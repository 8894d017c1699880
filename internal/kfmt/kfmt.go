// Package kfmt formats boot banners and panic dumps. It sits above
// internal/uart the way gopheros's kernel/kfmt package sits above that
// kernel's serial console, but delegates number formatting to
// golang.org/x/text/message instead of hand-rolling it, since the
// teacher's working Go runtime (it carries its own modified src/runtime,
// not a no_std environment) makes a normal allocating formatter
// available.
package kfmt

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.AmericanEnglish)

// Hex formats v as a fixed-width, zero-padded hexadecimal string of 16
// digits with no group separators, e.g. for a 64-bit address:
// "0x8000000000100123".
func Hex(v uint64) string {
	return printer.Sprintf("0x%016x", v)
}

// Dec formats v with thousands separators, used for page counts and
// byte totals in the boot banner ("Reserved 65,536 pages (256 MB)").
func Dec(v int64) string {
	return printer.Sprintf("%d", v)
}

// Bytes formats a byte count as a human-scaled size.
func Bytes(n uint64) string {
	const (
		kib = 1024
		mib = kib * 1024
		gib = mib * 1024
	)
	switch {
	case n >= gib:
		return printer.Sprintf("%.1f GiB", float64(n)/gib)
	case n >= mib:
		return printer.Sprintf("%.1f MiB", float64(n)/mib)
	case n >= kib:
		return printer.Sprintf("%.1f KiB", float64(n)/kib)
	default:
		return printer.Sprintf("%d B", n)
	}
}

// Line renders a single banner line such as "[boot] hart 0 stack at
// 0x..." without a trailing newline; callers append their own via
// uartlog so multi-part lines can be composed.
func Line(prefix, msg string) string {
	return printer.Sprintf("[%s] %s", prefix, msg)
}
