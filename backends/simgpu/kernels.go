package simgpu

import (
	"encoding/binary"
	"math"

	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/internal/workerspool"
	"github.com/lsds/gpustream/types/xsync"
)

// KernelFunc implements a simulated kernel entry point. It is called once per launch, from the queue's
// goroutine, and should return a *backends.DeviceError for invalid arguments.
type KernelFunc func(launch Launch, args Args) error

// library holds the entry points available to every Backend created afterward.
var library xsync.SyncMap[string, KernelFunc]

// RegisterKernel makes an entry point available to backends created after the call.
//
// To be safe, call RegisterKernel during initialization of a package.
func RegisterKernel(name string, fn KernelFunc) {
	library.Store(name, fn)
}

// Launch is the geometry of a kernel launch.
type Launch struct {
	GlobalSize, LocalSize int
	pool                  *workerspool.Pool
}

// NumGroups returns the number of work-groups in the launch.
func (l Launch) NumGroups() int {
	return l.GlobalSize / l.LocalSize
}

// ForEachGroup runs fn for every work-group, concurrently on the device workers.
func (l Launch) ForEachGroup(fn func(group int)) {
	if l.pool == nil {
		for g := range l.NumGroups() {
			fn(g)
		}
		return
	}
	l.pool.ForEach(l.NumGroups(), fn)
}

// Split returns the [start, end) sub-range of n items handled by group.
func (l Launch) Split(n, group int) (start, end int) {
	groups := l.NumGroups()
	per := (n + groups - 1) / groups
	start = min(group*per, n)
	end = min(start+per, n)
	return
}

// Args are the arguments captured for one kernel launch.
type Args struct {
	kernel string
	values []argValue
}

// Len returns the number of bound arguments.
func (a Args) Len() int { return len(a.values) }

func (a Args) check(index int, kind argKind) error {
	if index >= len(a.values) {
		return backends.NewDeviceError("ExecKernel", backends.StatusInvalidKernelArgs,
			"kernel %q expects argument %d, only %d bound", a.kernel, index, len(a.values))
	}
	if a.values[index].kind != kind {
		return backends.NewDeviceError("ExecKernel", backends.StatusInvalidArgValue,
			"kernel %q: argument %d has the wrong kind", a.kernel, index)
	}
	return nil
}

// Int returns the int32 scalar argument at index.
func (a Args) Int(index int) (int32, error) {
	if err := a.check(index, argInt32); err != nil {
		return 0, err
	}
	return a.values[index].value, nil
}

// Buffer returns the contents of the buffer argument at index.
func (a Args) Buffer(index int) ([]byte, error) {
	if err := a.check(index, argBuffer); err != nil {
		return nil, err
	}
	return a.values[index].mem.data(), nil
}

// Local returns the size of the local scratch argument at index.
func (a Args) Local(index int) (int, error) {
	if err := a.check(index, argLocal); err != nil {
		return 0, err
	}
	return a.values[index].local, nil
}

// argReader reads arguments keeping only the first error, so kernels can check once.
type argReader struct {
	args Args
	err  error
}

func (r *argReader) int(index int) int {
	if r.err != nil {
		return 0
	}
	v, err := r.args.Int(index)
	r.err = err
	return int(v)
}

func (r *argReader) buffer(index int) []byte {
	if r.err != nil {
		return nil
	}
	b, err := r.args.Buffer(index)
	r.err = err
	return b
}

func (r *argReader) local(index int) int {
	if r.err != nil {
		return 0
	}
	v, err := r.args.Local(index)
	r.err = err
	return v
}

// require records a failure with code if cond is false.
func (r *argReader) require(cond bool, code int, format string, args ...any) {
	if r.err != nil || cond {
		return
	}
	r.err = backends.NewDeviceError("ExecKernel", code, "kernel %q: "+format, append([]any{r.args.kernel}, args...)...)
}

// Tuple layout of the reference kernels: an 8-byte little-endian timestamp followed by int32 attributes.
const (
	TimestampBytes = 8
	AttributeBytes = 4
)

// Column returns attribute c (1-based) of a tuple, or 0 if the tuple is too short.
func Column(tuple []byte, c int) int32 {
	offset := TimestampBytes + (c-1)*AttributeBytes
	if c < 1 || offset+AttributeBytes > len(tuple) {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(tuple[offset:]))
}

// Timestamp returns the timestamp of a tuple.
func Timestamp(tuple []byte) int64 {
	if len(tuple) < TimestampBytes {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(tuple))
}

func getInt32(b []byte, i int) int32 {
	return int32(binary.LittleEndian.Uint32(b[4*i:]))
}

func putInt32(b []byte, i int, v int32) {
	binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
}

func putFloat32(b []byte, i int, v float32) {
	binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
}

func getFloat32(b []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
}
