package main

import (
	"sync"

	"github.com/lsds/gpustream/query"
	"github.com/lsds/gpustream/registry"
)

// feeder implements query.HostCallbacks: it fills every batch with the generated inputs of its query
// and remembers the last mark seen on its outputs.
type feeder struct {
	mu     sync.Mutex
	inputs map[registry.Handle][][]byte
	marks  map[registry.Handle]int
}

var _ query.HostCallbacks = (*feeder)(nil)

func newFeeder() *feeder {
	return &feeder{inputs: make(map[registry.Handle][][]byte), marks: make(map[registry.Handle]int)}
}

func (f *feeder) register(h registry.Handle, inputs [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs[h] = inputs
}

func (f *feeder) unregister(h registry.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inputs, h)
	delete(f.marks, h)
}

func (f *feeder) mark(h registry.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks[h]
}

// InputReady implements query.HostCallbacks.
func (f *feeder) InputReady(h registry.Handle, index int, host []byte, offset int) {
	f.mu.Lock()
	inputs := f.inputs[h]
	f.mu.Unlock()
	if index < len(inputs) {
		copy(host[offset:], inputs[index])
	}
}

// OutputReady implements query.HostCallbacks.
func (f *feeder) OutputReady(h registry.Handle, _ int, _ []byte, mark int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[h] = mark
}
