// Copyright 2025-2026 The GPUStream Authors. SPDX-License-Identifier: Apache-2.0

// Package operators implements the Kernel Binder: for each relational operator it knows the ordered
// constants, buffers and local scratch its kernels take, and binds them onto a device kernel.
//
// Device kernels take their arguments in this order: constants, inputs, outputs, local scratch.
// Constants that size local scratch are bound as local arguments, not as scalars. The layouts table
// returned by Layout is the only place where these orders are defined.
package operators

import (
	"fmt"

	"github.com/lsds/gpustream/backends"
	"github.com/pkg/errors"
)

// Kind of relational operator.
type Kind int

const (
	Identity Kind = iota
	Project
	Reduce
	Select
	Compact
	Aggregate
)

var kindNames = []string{"Identity", "Project", "Reduce", "Select", "Compact", "Aggregate"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds returns all operator kinds.
func Kinds() []Kind {
	return []Kind{Identity, Project, Reduce, Select, Compact, Aggregate}
}

var (
	// ErrConstantsLength is returned when a constants array doesn't match the operator layout.
	ErrConstantsLength = errors.New("wrong number of constants")

	// ErrBufferNotBound is returned when a buffer the operator needs is missing.
	ErrBufferNotBound = errors.New("buffer not bound")

	// ErrUnknownKind is returned for an invalid operator kind.
	ErrUnknownKind = errors.New("unknown operator kind")
)

// OperatorLayout describes the kernel arguments of one operator.
type OperatorLayout struct {
	Kind Kind

	// EntryPoints are the kernel names of the operator, in execution order.
	EntryPoints []string

	// Constants names, in order.
	Constants []string

	// Locals are the indices into Constants of the values that size local scratch arguments.
	// They must be the trailing constants.
	Locals []int

	// Inputs and Outputs names, in order. Outputs are bound in slot order. When a context has fewer
	// than len(Outputs) outputs, the layout falls back to the first MinOutputs-1 outputs followed by the
	// last one: optional outputs sit just before the payload.
	Inputs, Outputs []string
	MinOutputs      int
}

// NumScalars is the number of constants bound as int32 scalars.
func (l OperatorLayout) NumScalars() int { return len(l.Constants) - len(l.Locals) }

var layouts = map[Kind]OperatorLayout{
	Identity: {
		Kind:        Identity,
		EntryPoints: []string{"dummyKernel"},
		Inputs:      []string{"input"},
		Outputs:     []string{"output"},
		MinOutputs:  1,
	},
	Project: {
		Kind:        Project,
		EntryPoints: []string{"projectKernel"},
		Constants:   []string{"tuples", "bytes", "localInputSize", "localOutputSize"},
		Locals:      []int{2, 3},
		Inputs:      []string{"input"},
		Outputs:     []string{"output"},
		MinOutputs:  1,
	},
	Reduce: {
		Kind:        Reduce,
		EntryPoints: []string{"reduceKernel"},
		Constants:   []string{"tuples", "bytes", "scratchSize"},
		Locals:      []int{2},
		Inputs:      []string{"input", "startPointers", "endPointers"},
		Outputs:     []string{"output"},
		MinOutputs:  1,
	},
	Select: {
		Kind:        Select,
		EntryPoints: []string{"selectKernel2", "compactKernel2"},
		Constants:   []string{"size", "tuples", "bundle", "bundles", "scratchSize"},
		Locals:      []int{4},
		Inputs:      []string{"input"},
		Outputs:     []string{"flags", "offsets", "groupOffsets", "output"},
		MinOutputs:  4,
	},
	Aggregate: {
		Kind:        Aggregate,
		EntryPoints: []string{"aggregateKernel", "scanKernel", "compactKernel"},
		Constants:   []string{"tuples", "tableSize", "stashX", "stashY", "maxIterations", "scratchSize"},
		Locals:      []int{5},
		Inputs:      []string{"input", "windowStarts", "windowEnds", "x", "y"},
		Outputs: []string{"contents", "stashed", "failed", "attempts", "indices", "offsets",
			"partitions", "output"},
		MinOutputs: 7,
	},
}

func init() {
	// Compaction shares the layout of selection.
	compact := layouts[Select]
	compact.Kind = Compact
	compact.EntryPoints = []string{"compactKernel2"}
	layouts[Compact] = compact
}

// Layout returns the argument layout of kind.
func Layout(kind Kind) (OperatorLayout, error) {
	l, found := layouts[kind]
	if !found {
		return OperatorLayout{}, errors.Wrapf(ErrUnknownKind, "%s", kind)
	}
	return l, nil
}

// MustLayout returns the argument layout of kind, or panics for an unknown kind.
func MustLayout(kind Kind) OperatorLayout {
	l, err := Layout(kind)
	if err != nil {
		panic(err)
	}
	return l
}

// Resources gives access to the device buffers of an execution context.
type Resources interface {
	NumInputs() int
	NumOutputs() int

	// InputMem and OutputMem return nil for slots not bound.
	InputMem(index int) backends.Mem
	OutputMem(index int) backends.Mem
}

// OutputNames returns the names of the outputs bound for a context with numOutputs outputs.
func (l OperatorLayout) OutputNames(numOutputs int) []string {
	if numOutputs >= len(l.Outputs) || l.MinOutputs == len(l.Outputs) {
		return l.Outputs
	}
	names := make([]string, 0, l.MinOutputs)
	names = append(names, l.Outputs[:l.MinOutputs-1]...)
	return append(names, l.Outputs[len(l.Outputs)-1])
}

// Validate checks constants and buffers against the layout of kind, without touching the device.
// It returns the number of outputs that Bind will bind.
func Validate(kind Kind, resources Resources, constants []int32) (int, error) {
	l, err := Layout(kind)
	if err != nil {
		return 0, err
	}
	if len(constants) != len(l.Constants) {
		return 0, errors.Wrapf(ErrConstantsLength, "%s expects %d constants %q, got %d",
			kind, len(l.Constants), l.Constants, len(constants))
	}
	for _, idx := range l.Locals {
		if constants[idx] <= 0 {
			return 0, errors.Errorf("%s: local scratch %q must be positive, got %d", kind, l.Constants[idx], constants[idx])
		}
	}
	for i, name := range l.Inputs {
		if i >= resources.NumInputs() || resources.InputMem(i) == nil {
			return 0, errors.Wrapf(ErrBufferNotBound, "%s: input %d (%q)", kind, i, name)
		}
	}
	names := l.OutputNames(resources.NumOutputs())
	for i, name := range names {
		if i >= resources.NumOutputs() || resources.OutputMem(i) == nil {
			return 0, errors.Wrapf(ErrBufferNotBound, "%s: output %d (%q)", kind, i, name)
		}
	}
	return len(names), nil
}

// Bind sets the arguments of kernel, one of the entry points of kind, from the buffers of resources and
// the operator constants. Layout mismatches are returned as errors; device failures setting
// arguments are fatal.
func Bind(kind Kind, kernel backends.Kernel, resources Resources, constants []int32) error {
	numOutputs, err := Validate(kind, resources, constants)
	if err != nil {
		return err
	}
	l := layouts[kind]
	arg := 0
	for i := range l.NumScalars() {
		err = kernel.SetArgInt32(arg, constants[i])
		backends.AbortIf(err, "%s: setting constant %q of kernel %q", kind, l.Constants[i], kernel.Name())
		if err != nil {
			return err
		}
		arg++
	}
	for i := range l.Inputs {
		err = kernel.SetArgBuffer(arg, resources.InputMem(i))
		backends.AbortIf(err, "%s: setting input %d of kernel %q", kind, i, kernel.Name())
		if err != nil {
			return err
		}
		arg++
	}
	for i := range numOutputs {
		err = kernel.SetArgBuffer(arg, resources.OutputMem(i))
		backends.AbortIf(err, "%s: setting output %d of kernel %q", kind, i, kernel.Name())
		if err != nil {
			return err
		}
		arg++
	}
	for _, idx := range l.Locals {
		err = kernel.SetArgLocal(arg, int(constants[idx]))
		backends.AbortIf(err, "%s: setting local scratch %q of kernel %q", kind, l.Constants[idx], kernel.Name())
		if err != nil {
			return err
		}
		arg++
	}
	return nil
}

// NumArgs returns the number of kernel arguments Bind sets for kind with numOutputs outputs bound.
func NumArgs(kind Kind, numOutputs int) int {
	l := MustLayout(kind)
	return len(l.Constants) + len(l.Inputs) + len(l.OutputNames(numOutputs))
}
