//go:build darwin

package main

import "golang.org/x/sys/unix"

// osrelease reads kern.osrelease the way the Go runtime's own Darwin
// getncpu/sysctl helpers read scalar sysctl values.
func osrelease() (string, error) {
	return unix.Sysctl("kern.osrelease")
}

func ncpu() (uint32, error) {
	return unix.SysctlUint32("hw.ncpu")
}
