//go:build !linux
// +build !linux

package inference

// canUseMlock returns false on non-Linux platforms.
func canUseMlock() (bool, string) {
	return false, "mlock is only supported on linux"
}
