//go:build unix

package hostdisk

import (
	"os"

	"golang.org/x/sys/unix"
)

// pread/pwrite/lockFile/unlockFile use golang.org/x/sys/unix directly
// rather than os.File's ReadAt/WriteAt/no-lock-at-all, so the exclusive
// lock genuinely excludes a second process from opening the same image --
// os.File alone has no portable locking primitive.

func pread(f *os.File, buf []byte, off int64) (int, error) {
	return unix.Pread(int(f.Fd()), buf, off)
}

func pwrite(f *os.File, buf []byte, off int64) (int, error) {
	return unix.Pwrite(int(f.Fd()), buf, off)
}

func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
