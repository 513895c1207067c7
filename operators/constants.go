package operators

import "github.com/pkg/errors"

// ProjectConstants are the constants of a projection over Tuples tuples of Bytes bytes each.
type ProjectConstants struct {
	Tuples, Bytes int32

	// LocalInputSize and LocalOutputSize are the bytes of local scratch for the input and output tuples of
	// a work-group.
	LocalInputSize, LocalOutputSize int32
}

// Int32s returns the constants in argument order.
func (c ProjectConstants) Int32s() []int32 {
	return []int32{c.Tuples, c.Bytes, c.LocalInputSize, c.LocalOutputSize}
}

// ReduceConstants are the constants of a windowed reduction.
type ReduceConstants struct {
	Tuples, Bytes int32
	ScratchSize   int32
}

// Int32s returns the constants in argument order.
func (c ReduceConstants) Int32s() []int32 { return []int32{c.Tuples, c.Bytes, c.ScratchSize} }

// SelectConstants are the constants of a selection, and of its compaction.
type SelectConstants struct {
	// Size is the input size in bytes.
	Size, Tuples int32

	// Bundle is the number of tuples each work item handles, and Bundles the number of bundles.
	Bundle, Bundles int32

	ScratchSize int32
}

// Int32s returns the constants in argument order.
func (c SelectConstants) Int32s() []int32 {
	return []int32{c.Size, c.Tuples, c.Bundle, c.Bundles, c.ScratchSize}
}

// AggregateConstants are the constants of a hash-based windowed aggregation.
type AggregateConstants struct {
	Tuples int32

	// TableSize is the number of slots of each of the two hash tables.
	TableSize int32

	// StashX and StashY are the number of overflow slots of each table.
	StashX, StashY int32

	// MaxIterations bounds the eviction chain of one insertion.
	MaxIterations int32

	ScratchSize int32
}

// Int32s returns the constants in argument order.
func (c AggregateConstants) Int32s() []int32 {
	return []int32{c.Tuples, c.TableSize, c.StashX, c.StashY, c.MaxIterations, c.ScratchSize}
}

// NumSlots returns the number of slots of both tables and stashes.
func (c AggregateConstants) NumSlots() int {
	return 2*int(c.TableSize) + int(c.StashX) + int(c.StashY)
}

// Constants is implemented by the typed constants of each operator.
type Constants interface {
	Int32s() []int32
}

// KindOf returns the operator kind whose constants c are. Select and Compact share constants, so
// SelectConstants maps to Select.
func KindOf(c Constants) (Kind, error) {
	switch c.(type) {
	case ProjectConstants, *ProjectConstants:
		return Project, nil
	case ReduceConstants, *ReduceConstants:
		return Reduce, nil
	case SelectConstants, *SelectConstants:
		return Select, nil
	case AggregateConstants, *AggregateConstants:
		return Aggregate, nil
	}
	return 0, errors.Wrapf(ErrUnknownKind, "constants of type %T", c)
}
