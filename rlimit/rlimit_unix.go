//go:build !windows

// Package rlimit raises the process's open-file-descriptor limit at
// startup. A content-addressed blob store keeps many small files open
// concurrently (spooling uploads, streaming downloads, the metadata
// sqlite connection), so the default per-process limit on most systems
// is tight.
package rlimit

import (
	"log"
	"syscall"
)

// Raise sets RLIMIT_NOFILE's soft limit to the hard limit.
func Raise() {
	var limits syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limits)
	if err != nil {
		log.Println("Failed to find rlimit from getrlimit:", err)
		return
	}

	log.Printf("Initial RLIMIT_NOFILE cur: %d max: %d", limits.Cur, limits.Max)

	limits.Cur = limits.Max

	log.Printf("Setting RLIMIT_NOFILE cur: %d max: %d", limits.Cur, limits.Max)

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &limits)
	if err != nil {
		log.Println("Failed to set rlimit:", err)
	}
}
