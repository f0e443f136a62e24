//go:build !darwin

package main

import "fmt"

func osrelease() (string, error) {
	return "", fmt.Errorf("kern.osrelease: not available outside darwin")
}

func ncpu() (uint32, error) {
	return 0, fmt.Errorf("hw.ncpu: not available outside darwin")
}
