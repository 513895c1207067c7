package query

import "github.com/lsds/gpustream/registry"

// HostCallbacks is implemented by the host side of the engine, who fills input buffers before they are
// written to the device and drains output buffers after they are read back.
//
// Callbacks run synchronously on the goroutine executing the query and must not call back into it.
// The host slices are only valid during the call.
type HostCallbacks interface {
	// InputReady is called once per input before its write stage. offset is where the batch
	// starts within host.
	InputReady(query registry.Handle, index int, host []byte, offset int)

	// OutputReady is called once per write-only output after its read stage completed. mark is the
	// result length found in the mark-bearing outputs, or 0.
	OutputReady(query registry.Handle, index int, host []byte, mark int)
}

// NoCallbacks ignores all calls.
type NoCallbacks struct{}

// InputReady implements HostCallbacks.
func (NoCallbacks) InputReady(registry.Handle, int, []byte, int) {}

// OutputReady implements HostCallbacks.
func (NoCallbacks) OutputReady(registry.Handle, int, []byte, int) {}

// CallbackFuncs adapts functions to HostCallbacks. Nil functions are ignored.
type CallbackFuncs struct {
	Input  func(query registry.Handle, index int, host []byte, offset int)
	Output func(query registry.Handle, index int, host []byte, mark int)
}

// InputReady implements HostCallbacks.
func (f CallbackFuncs) InputReady(query registry.Handle, index int, host []byte, offset int) {
	if f.Input != nil {
		f.Input(query, index, host, offset)
	}
}

// OutputReady implements HostCallbacks.
func (f CallbackFuncs) OutputReady(query registry.Handle, index int, host []byte, mark int) {
	if f.Output != nil {
		f.Output(query, index, host, mark)
	}
}
