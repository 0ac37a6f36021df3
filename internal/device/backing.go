package device

import (
	"unsafe"

	"github.com/vkngwrapper/scratch/memutils"
)

//go:generate mockgen -source backing.go -destination ./mocks/backing.go -package mock_device

// Backing supplies the raw memory behind a tier. Allocate must return a slice whose length is
// exactly size and whose first byte is aligned to alignment. Free receives the exact slice that
// Allocate returned.
type Backing interface {
	Allocate(size int, alignment uint) ([]byte, error)
	Free(data []byte) error
}

// HeapBacking carves aligned spans out of the Go heap. The collector does not move heap objects, so
// the alignment holds for the lifetime of the span.
type HeapBacking struct{}

func (HeapBacking) Allocate(size int, alignment uint) ([]byte, error) {
	buf := make([]byte, size+int(alignment))
	addr := int(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	shift := memutils.AlignUp(addr, alignment) - addr
	return buf[shift : shift+size : shift+size], nil
}

func (HeapBacking) Free(data []byte) error {
	return nil
}

func baseAddress(data []byte) int {
	return int(uintptr(unsafe.Pointer(unsafe.SliceData(data))))
}
