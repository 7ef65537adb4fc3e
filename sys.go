package cowdb

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mmap maps sz bytes of f. prot is a unix.PROT_* mask.
func mmap(f *os.File, sz int, prot int) ([]byte, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, sz, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	return b, nil
}

// mmapAt maps sz bytes of f at a fixed address, for FixedMap environments
// reopening a file whose meta recorded the original mapping address.
//
// NOTE: the portable unix.Mmap wrapper cannot request a target address, so
// this goes through the raw mmap(2) syscall with MAP_FIXED.
func mmapAt(f *os.File, addr uintptr, sz int) ([]byte, error) {
	p, _, errno := unix.Syscall6(unix.SYS_MMAP,
		addr, uintptr(sz),
		uintptr(unix.PROT_READ), uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		f.Fd(), 0)
	if errno != 0 {
		return nil, errors.Wrap(errno, "mmap fixed")
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), sz), nil
}

func munmap(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

// madviseRandom tells the kernel the data map is accessed randomly.
func madviseRandom(b []byte) error {
	return unix.Madvise(b, unix.MADV_RANDOM)
}

func fdatasync(f *os.File) error {
	if err := unix.Fsync(int(f.Fd())); err != nil {
		return errors.Wrap(err, "fsync")
	}
	return nil
}

// writev gathers the iov buffers into one write at the current offset.
func writev(f *os.File, iov [][]byte) (int, error) {
	n, err := unix.Writev(int(f.Fd()), iov)
	if err != nil {
		return n, errors.Wrap(err, "writev")
	}
	return n, nil
}

func seek(f *os.File, off int64) error {
	_, err := unix.Seek(int(f.Fd()), off, 0)
	return errors.Wrap(err, "lseek")
}

// lockRegion places a fcntl byte lock on the first byte of the lock file.
// An exclusive lock succeeding means no other process has the region open,
// so the caller must (re)initialize it.
func lockRegion(f *os.File, exclusive bool) error {
	typ := int16(unix.F_RDLCK)
	if exclusive {
		typ = unix.F_WRLCK
	}
	fl := unix.Flock_t{
		Type:   typ,
		Whence: 0,
		Start:  0,
		Len:    1,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &fl)
}
