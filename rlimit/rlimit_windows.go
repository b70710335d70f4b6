//go:build windows

package rlimit

// On unix we raise the open-file limit; there's no equivalent knob on
// windows, but we still want this package to compile there.
func Raise() {
}
