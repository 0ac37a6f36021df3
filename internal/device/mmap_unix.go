//go:build linux || darwin || freebsd || netbsd || openbsd

package device

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MmapBacking maps anonymous private pages for every span. Spans are page aligned, so any
// alignment up to the page size is honored.
type MmapBacking struct {
	pageSize int
}

func NewMmapBacking() *MmapBacking {
	return &MmapBacking{pageSize: unix.Getpagesize()}
}

func (b *MmapBacking) Allocate(size int, alignment uint) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Newf("cannot map a span of %d bytes", size)
	}
	if int(alignment) > b.pageSize {
		return nil, errors.Newf("alignment %d exceeds the page size %d", alignment, b.pageSize)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d bytes", size)
	}
	return data, nil
}

func (b *MmapBacking) Free(data []byte) error {
	return unix.Munmap(data)
}
