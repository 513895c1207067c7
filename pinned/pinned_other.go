//go:build !unix

package pinned

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Without mlock the memory is never locked: Lock succeeds only in BestEffort mode.

func mlock([]byte) error   { return errors.New("mlock not supported on this platform") }
func munlock([]byte) error { return nil }

// mapAnonymous over-allocates from the Go heap and slices it at a page boundary.
func mapAnonymous(size int) ([]byte, error) {
	page := PageSize()
	raw := make([]byte, size+page)
	offset := 0
	if rem := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))) % uintptr(page)); rem != 0 {
		offset = page - rem
	}
	return raw[offset : offset+size : offset+size], nil
}

func unmap([]byte) error { return nil }
