//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package device

// MmapBacking falls back to the Go heap on platforms without anonymous mappings
type MmapBacking struct {
	HeapBacking
}

func NewMmapBacking() *MmapBacking {
	return &MmapBacking{}
}
