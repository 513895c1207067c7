package simgpu

import (
	"regexp"
	"slices"
	"sync"

	"github.com/lsds/gpustream/backends"
	"k8s.io/klog/v2"
)

// kernelDeclaration matches OpenCL C entry-point declarations.
var kernelDeclaration = regexp.MustCompile(`(?:__kernel|kernel)\s+void\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// maxKernelArgs is the largest argument index accepted plus one.
const maxKernelArgs = 64

// Program is a "compiled" simulated program: the list of entry points declared in its source.
type Program struct {
	backend  *Backend
	source   string
	declared []string
}

var _ backends.Program = &Program{}

// Compile parses the entry points declared in source. Every declared entry point must have a simulated
// implementation, otherwise the build fails.
func (b *Backend) Compile(source string) (backends.Program, error) {
	if err := b.checkValid("Compile"); err != nil {
		return nil, err
	}
	var declared []string
	for _, match := range kernelDeclaration.FindAllStringSubmatch(source, -1) {
		name := match[1]
		if _, found := b.kernels[name]; !found {
			return nil, backends.NewDeviceError("Compile", backends.StatusBuildProgramFailure,
				"kernel %q has no simulated implementation", name)
		}
		if !slices.Contains(declared, name) {
			declared = append(declared, name)
		}
	}
	if len(declared) == 0 {
		return nil, backends.NewDeviceError("Compile", backends.StatusBuildProgramFailure, "no kernels declared in source")
	}
	klog.V(1).Infof("simgpu: compiled program with kernels %q", declared)
	return &Program{backend: b, source: source, declared: declared}, nil
}

// Source used to compile the program.
func (p *Program) Source() string { return p.source }

// Kernels returns the declared entry points, in order of declaration.
func (p *Program) Kernels() []string { return slices.Clone(p.declared) }

// NewKernel creates a kernel object for the named entry point.
func (p *Program) NewKernel(name string) (backends.Kernel, error) {
	if err := p.backend.checkValid("NewKernel"); err != nil {
		return nil, err
	}
	if !slices.Contains(p.declared, name) {
		return nil, backends.NewDeviceError("NewKernel", backends.StatusInvalidKernelName, "kernel %q not declared in program", name)
	}
	return &Kernel{backend: p.backend, name: name, fn: p.backend.kernels[name]}, nil
}

// Finalize is a no-op: kernels keep a reference to their implementation.
func (p *Program) Finalize() {}

type argKind int

const (
	argUnset argKind = iota
	argInt32
	argBuffer
	argLocal
)

// argValue is one bound kernel argument.
type argValue struct {
	kind  argKind
	value int32
	mem   simMem
	local int
}

// Kernel is a simulated kernel object.
type Kernel struct {
	backend  *Backend
	name     string
	fn       KernelFunc
	mu       sync.Mutex
	args     []argValue
	released bool
}

var _ backends.Kernel = &Kernel{}

// Name of the entry point.
func (k *Kernel) Name() string { return k.name }

func (k *Kernel) setArg(index int, arg argValue) error {
	if err := k.backend.checkValid("SetArg"); err != nil {
		return err
	}
	if index < 0 || index >= maxKernelArgs {
		return backends.NewDeviceError("SetArg", backends.StatusInvalidArgIndex, "kernel %q: invalid argument index %d", k.name, index)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return backends.NewDeviceError("SetArg", backends.StatusInvalidKernel, "kernel %q already released", k.name)
	}
	if index >= len(k.args) {
		k.args = append(k.args, make([]argValue, index+1-len(k.args))...)
	}
	k.args[index] = arg
	return nil
}

// SetArgInt32 binds an int32 scalar argument.
func (k *Kernel) SetArgInt32(index int, value int32) error {
	return k.setArg(index, argValue{kind: argInt32, value: value})
}

// SetArgBuffer binds a buffer argument.
func (k *Kernel) SetArgBuffer(index int, mem backends.Mem) error {
	m, ok := mem.(simMem)
	if !ok || m.owner() != k.backend || m.isReleased() {
		return backends.NewDeviceError("SetArg", backends.StatusInvalidMemObject, "kernel %q: argument %d is not a valid buffer of this device", k.name, index)
	}
	return k.setArg(index, argValue{kind: argBuffer, mem: m})
}

// SetArgLocal declares a local scratch argument of size bytes.
func (k *Kernel) SetArgLocal(index int, size int) error {
	if size <= 0 {
		return backends.NewDeviceError("SetArg", backends.StatusInvalidArgSize, "kernel %q: invalid local size %d for argument %d", k.name, size, index)
	}
	return k.setArg(index, argValue{kind: argLocal, local: size})
}

// snapshot returns a copy of the bound arguments, checking they are all set.
func (k *Kernel) snapshot() ([]argValue, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return nil, backends.NewDeviceError("EnqueueKernel", backends.StatusInvalidKernel, "kernel %q already released", k.name)
	}
	for i, arg := range k.args {
		if arg.kind == argUnset {
			return nil, backends.NewDeviceError("EnqueueKernel", backends.StatusInvalidKernelArgs, "kernel %q: argument %d not set", k.name, i)
		}
		if arg.kind == argBuffer && arg.mem.isReleased() {
			return nil, backends.NewDeviceError("EnqueueKernel", backends.StatusInvalidMemObject, "kernel %q: argument %d was released", k.name, i)
		}
	}
	return slices.Clone(k.args), nil
}

// Finalize releases the kernel object.
func (k *Kernel) Finalize() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.released = true
	k.args = nil
}
