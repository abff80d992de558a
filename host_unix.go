//go:build unix

package gudart

import (
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// allocPinned maps anonymous memory and locks it into RAM. When the lock is
// refused, typically by RLIMIT_MEMLOCK, the mapping is returned pageable.
func allocPinned(size int) ([]byte, bool, error) {
	page := unix.Getpagesize()
	mapped := (size + page - 1) / page * page
	buf, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Mlock(buf); err != nil {
		klog.Warningf("gudart: mlock of %s refused, host allocation is pageable: %v", humanize.IBytes(uint64(mapped)), err)
		return buf, false, nil
	}
	return buf, true, nil
}

func freePinned(buf []byte, locked bool) error {
	if locked {
		if err := unix.Munlock(buf); err != nil {
			return err
		}
	}
	return unix.Munmap(buf)
}
