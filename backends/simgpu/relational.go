package simgpu

import (
	"encoding/binary"

	"github.com/lsds/gpustream/backends"
)

// Entry points of the reference kernels.
const (
	IdentityKernel   = "dummyKernel"
	ProjectKernel    = "projectKernel"
	ReduceKernel     = "reduceKernel"
	SelectKernel     = "selectKernel2"
	CompactKernel    = "compactKernel2"
	AggregateKernel  = "aggregateKernel"
	AggregateScan    = "scanKernel"
	AggregateCompact = "compactKernel"
)

// ReduceRecordBytes is the size of one output record of the reduction: timestamp of the first tuple,
// float32 sum of the first attribute and int32 count.
const ReduceRecordBytes = 16

func init() {
	RegisterKernel(IdentityKernel, identity)
	RegisterKernel(ProjectKernel, project)
	RegisterKernel(ReduceKernel, reduce)
	RegisterKernel(SelectKernel, nil) // Replaced per backend: it needs the backend predicate.
	RegisterKernel(CompactKernel, compact)
	RegisterKernel(AggregateKernel, aggregateBuild)
	RegisterKernel(AggregateScan, aggregateScan)
	RegisterKernel(AggregateCompact, aggregateCompact)
}

// identity copies the input buffer into the output buffer. Arguments: input, output.
func identity(launch Launch, args Args) error {
	r := &argReader{args: args}
	in, out := r.buffer(0), r.buffer(1)
	if r.err != nil {
		return r.err
	}
	n := min(len(in), len(out))
	launch.ForEachGroup(func(group int) {
		start, end := launch.Split(n, group)
		copy(out[start:end], in[start:end])
	})
	return nil
}

// tupleGeometry validates the tuple count and byte size of an input, returning the tuple width.
func (r *argReader) tupleGeometry(tuples, bytes int, input []byte) int {
	r.require(tuples > 0 && bytes > 0 && bytes%tuples == 0, backends.StatusInvalidArgValue,
		"%d bytes is not a whole number of %d tuples", bytes, tuples)
	r.require(bytes <= len(input), backends.StatusInvalidBufferSize,
		"%d bytes requested from an input of %d bytes", bytes, len(input))
	if r.err != nil {
		return 0
	}
	return bytes / tuples
}

// project keeps the leading bytes of every tuple, as many as fit the output tuple width.
//
// Arguments: tuples, bytes, input, output, local input scratch, local output scratch.
func project(launch Launch, args Args) error {
	r := &argReader{args: args}
	tuples, bytes := r.int(0), r.int(1)
	in, out := r.buffer(2), r.buffer(3)
	localIn, localOut := r.local(4), r.local(5)
	inWidth := r.tupleGeometry(tuples, bytes, in)
	outWidth := 0
	if r.err == nil {
		outWidth = len(out) / tuples
	}
	r.require(outWidth > 0 && outWidth <= inWidth, backends.StatusInvalidBufferSize,
		"output of %d bytes can't hold %d projected tuples of at most %d bytes", len(out), tuples, inWidth)
	r.require(localIn >= launch.LocalSize*inWidth && localOut >= launch.LocalSize*outWidth, backends.StatusInvalidArgSize,
		"local scratch (%d, %d) too small for %d work-items", localIn, localOut, launch.LocalSize)
	if r.err != nil {
		return r.err
	}
	launch.ForEachGroup(func(group int) {
		start, end := launch.Split(tuples, group)
		for i := start; i < end; i++ {
			copy(out[i*outWidth:(i+1)*outWidth], in[i*inWidth:i*inWidth+outWidth])
		}
	})
	return nil
}

// reduce computes one record per window: the timestamp of the first tuple, the sum of the
// first attribute and the number of tuples. Windows are byte ranges [start, end) into the input;
// a window with a negative start or an empty range produces a zero record.
//
// Arguments: tuples, bytes, input, window starts, window ends, output, local scratch.
func reduce(launch Launch, args Args) error {
	r := &argReader{args: args}
	tuples, bytes := r.int(0), r.int(1)
	in, starts, ends, out := r.buffer(2), r.buffer(3), r.buffer(4), r.buffer(5)
	r.local(6)
	width := r.tupleGeometry(tuples, bytes, in)
	if r.err != nil {
		return r.err
	}
	windows := min(len(starts)/4, len(ends)/4, len(out)/ReduceRecordBytes)
	launch.ForEachGroup(func(group int) {
		first, last := launch.Split(windows, group)
		for w := first; w < last; w++ {
			record := out[w*ReduceRecordBytes : (w+1)*ReduceRecordBytes]
			clear(record)
			start, end := int(getInt32(starts, w)), min(int(getInt32(ends, w)), bytes)
			if start < 0 || end <= start {
				continue
			}
			start = (start + width - 1) / width * width
			var sum float32
			var count int32
			for offset := start; offset+width <= end; offset += width {
				tuple := in[offset : offset+width]
				if count == 0 {
					binary.LittleEndian.PutUint64(record, uint64(Timestamp(tuple)))
				}
				sum += float32(Column(tuple, 1))
				count++
			}
			putFloat32(record, 2, sum)
			putInt32(record, 3, count)
		}
	})
	return nil
}

// selectLayout reads the arguments shared by the selection and compaction kernels:
// size, tuples, bundle, bundles, input, flags, offsets, group offsets, output, local scratch.
type selectLayout struct {
	width, tuples                         int
	in, flags, offsets, groupOffs, output []byte
}

func readSelectLayout(launch Launch, args Args) (*selectLayout, error) {
	r := &argReader{args: args}
	size, tuples := r.int(0), r.int(1)
	bundle, bundles := r.int(2), r.int(3)
	l := &selectLayout{tuples: tuples}
	l.in, l.flags, l.offsets, l.groupOffs, l.output = r.buffer(4), r.buffer(5), r.buffer(6), r.buffer(7), r.buffer(8)
	r.local(9)
	l.width = r.tupleGeometry(tuples, size, l.in)
	r.require(bundle >= 0 && bundles >= 0, backends.StatusInvalidArgValue, "invalid bundle %d of %d", bundle, bundles)
	r.require(len(l.flags) >= 4*tuples && len(l.offsets) >= 4*tuples, backends.StatusInvalidBufferSize,
		"flags/offsets buffers too small for %d tuples", tuples)
	r.require(len(l.groupOffs) >= 4*launch.NumGroups(), backends.StatusInvalidBufferSize,
		"group offsets buffer too small for %d work-groups", launch.NumGroups())
	return l, r.err
}

// selection evaluates predicate over every tuple, writing flags (1 or 0), their exclusive prefix sum
// into offsets, and the number of matches before each work-group into group offsets. If the group
// offsets buffer has room for one more slot, the total number of matches is written there.
func selection(predicate func(tuple []byte) bool) KernelFunc {
	return func(launch Launch, args Args) error {
		l, err := readSelectLayout(launch, args)
		if err != nil {
			return err
		}
		groups := launch.NumGroups()
		counts := make([]int32, groups)
		launch.ForEachGroup(func(group int) {
			start, end := launch.Split(l.tuples, group)
			var count int32
			for i := start; i < end; i++ {
				var flag int32
				if predicate(l.in[i*l.width : (i+1)*l.width]) {
					flag = 1
				}
				putInt32(l.flags, i, flag)
				count += flag
			}
			counts[group] = count
		})

		// Scan of the group counts, then of the flags inside each group.
		var total int32
		for g := range groups {
			putInt32(l.groupOffs, g, total)
			total += counts[g]
		}
		if len(l.groupOffs) >= 4*(groups+1) {
			putInt32(l.groupOffs, groups, total)
		}
		launch.ForEachGroup(func(group int) {
			start, end := launch.Split(l.tuples, group)
			offset := getInt32(l.groupOffs, group)
			for i := start; i < end; i++ {
				putInt32(l.offsets, i, offset)
				offset += getInt32(l.flags, i)
			}
		})
		return nil
	}
}

// compact scatters every flagged tuple to its offset in the output, keeping the input order.
func compact(launch Launch, args Args) error {
	l, err := readSelectLayout(launch, args)
	if err != nil {
		return err
	}
	r := &argReader{args: args}
	if l.tuples > 0 {
		last := l.tuples - 1
		matches := int(getInt32(l.offsets, last) + getInt32(l.flags, last))
		r.require(len(l.output) >= matches*l.width, backends.StatusInvalidBufferSize,
			"output of %d bytes can't hold %d selected tuples", len(l.output), matches)
	}
	if r.err != nil {
		return r.err
	}
	launch.ForEachGroup(func(group int) {
		start, end := launch.Split(l.tuples, group)
		for i := start; i < end; i++ {
			if getInt32(l.flags, i) == 0 {
				continue
			}
			to := int(getInt32(l.offsets, i)) * l.width
			copy(l.output[to:to+l.width], l.in[i*l.width:(i+1)*l.width])
		}
	})
	return nil
}
