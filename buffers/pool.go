package buffers

import (
	"github.com/lsds/gpustream/pinned"
	"github.com/lsds/gpustream/registry"
	"github.com/pkg/errors"
)

// ErrPoolExhausted is returned when all host buffers of a Pool are in use.
var ErrPoolExhausted = errors.New("host buffer pool exhausted")

// Pool hands out page-aligned pinned host regions, up to a fixed number at a time.
//
// Regions are meant to be supplied as host memory of query buffers, typically by the upper layers that
// fill inputs and drain outputs in place.
type Pool struct {
	regions *registry.Registry[*pinned.Region]
	mode    pinned.Mode
}

// NewPool creates a Pool of at most capacity regions.
func NewPool(capacity int, mode pinned.Mode) *Pool {
	return &Pool{regions: registry.New[*pinned.Region](capacity), mode: mode}
}

// Get allocates a region of size bytes.
func (p *Pool) Get(size int) (registry.Handle, []byte, error) {
	if p.regions.Len() >= p.regions.Capacity() {
		return registry.Handle{}, nil, errors.Wrapf(ErrPoolExhausted, "%d buffers in use", p.regions.Len())
	}
	region, err := pinned.Alloc(size, p.mode)
	if err != nil {
		return registry.Handle{}, nil, err
	}
	h, err := p.regions.Add(region)
	if err != nil {
		_ = region.Free()
		return registry.Handle{}, nil, errors.Wrap(ErrPoolExhausted, err.Error())
	}
	return h, region.Bytes(), nil
}

// Bytes returns the memory of the region addressed by h.
func (p *Pool) Bytes(h registry.Handle) ([]byte, error) {
	region, err := p.regions.Get(h)
	if err != nil {
		return nil, err
	}
	return region.Bytes(), nil
}

// Put returns the region addressed by h to the OS.
func (p *Pool) Put(h registry.Handle) error {
	region, err := p.regions.Remove(h)
	if err != nil {
		return err
	}
	return region.Free()
}

// Len returns the number of regions in use.
func (p *Pool) Len() int { return p.regions.Len() }

// Close frees all regions.
func (p *Pool) Close() {
	for _, h := range p.regions.Handles() {
		_ = p.Put(h)
	}
}
