//go:build linux
// +build linux

package inference

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// minMlockBytes is the RLIMIT_MEMLOCK below which locking a model will
// almost certainly fail.
const minMlockBytes uint64 = 1 << 30

// canUseMlock checks RLIMIT_MEMLOCK. The reason is empty when mlock is usable.
func canUseMlock() (bool, string) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return false, fmt.Sprintf("cannot read RLIMIT_MEMLOCK: %v", err)
	}
	if rlimit.Cur < minMlockBytes {
		return false, fmt.Sprintf("RLIMIT_MEMLOCK too low (%d bytes), run 'ulimit -l unlimited' as root", rlimit.Cur)
	}
	return true, ""
}
