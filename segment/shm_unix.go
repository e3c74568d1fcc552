//go:build unix

package segment

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mapShared(f *os.File, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	b, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	// Post-audit access is tree hops, so read-ahead rarely helps. Some kernels lack the
	// advice call; the mapping still works without it.
	if err := unix.Madvise(b, unix.MADV_RANDOM); err != nil && err != unix.ENOSYS {
		unix.Munmap(b)
		return nil, fmt.Errorf("madvise(MADV_RANDOM): %w", err)
	}

	return b, nil
}

func unmapShared(b []byte) error {
	return unix.Munmap(b)
}

func syncShared(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}
