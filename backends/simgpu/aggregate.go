package simgpu

import (
	"github.com/lsds/gpustream/backends"
)

// The reference aggregation groups tuples by their first attribute, summing the second one, with
// two-table cuckoo hashing: tables X and Y of tableSize slots each, hashed with the (a, b) seeds in the
// x and y buffers, each backed by a small overflow stash. An insertion evicts at most max-iterations
// entries; if the evicted chain finds no free slot nor stash space, it is rolled back and the tuple
// is flagged as failed.
//
// The contents buffer holds the slots of X, Y, stash X and stash Y, in this order, each one a
// SlotBytes record: key, count (0 for an empty slot), float32 sum and window of first insertion.
//
// Arguments of the three entry points, which share them:
//
//	0 tuples, 1 table size, 2 stash-x, 3 stash-y, 4 max iterations,
//	5 input, 6 window starts, 7 window ends, 8 x seeds, 9 y seeds,
//	10 contents, 11 stashed, 12 failed, 13 attempts, 14 indices, 15 offsets,
//	[16 partitions], payload, local scratch.

// SlotBytes is the size of one hash table slot, and of one aggregation output record.
const SlotBytes = 16

// HashPrime is the prime used by the universal hash functions of the aggregation.
const HashPrime = 334214459

// Hash returns the slot of key in a table of size slots, using seeds (a, b).
func Hash(a, b, key int32, size int) int {
	return int((uint64(uint32(a))*uint64(uint32(key)) + uint64(uint32(b))) % HashPrime % uint64(size))
}

type aggregateLayout struct {
	tuples, width, tableSize, stashX, stashY, maxIterations int

	in, starts, ends, x, y                []byte
	contents, stashed, failed, attempts   []byte
	indices, offsets, partitions, payload []byte
}

// numSlots is the total number of slots, including both stashes.
func (l *aggregateLayout) numSlots() int { return 2*l.tableSize + l.stashX + l.stashY }

func readAggregateLayout(args Args) (*aggregateLayout, error) {
	r := &argReader{args: args}
	l := &aggregateLayout{
		tuples: r.int(0), tableSize: r.int(1), stashX: r.int(2), stashY: r.int(3), maxIterations: r.int(4),
		in: r.buffer(5), starts: r.buffer(6), ends: r.buffer(7), x: r.buffer(8), y: r.buffer(9),
		contents: r.buffer(10), stashed: r.buffer(11), failed: r.buffer(12), attempts: r.buffer(13),
		indices: r.buffer(14), offsets: r.buffer(15),
	}
	switch args.Len() {
	case 19:
		l.partitions, l.payload = r.buffer(16), r.buffer(17)
		r.local(18)
	case 18:
		l.payload = r.buffer(16)
		r.local(17)
	default:
		r.require(false, backends.StatusInvalidKernelArgs, "expected 18 or 19 arguments, got %d", args.Len())
	}
	if r.err != nil {
		return nil, r.err
	}
	r.require(l.tuples > 0 && len(l.in) >= l.tuples && len(l.in)%l.tuples == 0, backends.StatusInvalidArgValue,
		"input of %d bytes is not a whole number of %d tuples", len(l.in), l.tuples)
	r.require(l.tableSize > 0 && l.stashX >= 0 && l.stashY >= 0, backends.StatusInvalidArgValue,
		"invalid table geometry (%d, %d, %d)", l.tableSize, l.stashX, l.stashY)
	r.require(len(l.x) >= 8 && len(l.y) >= 8, backends.StatusInvalidArgValue, "hash seeds need two int32 values each")
	if r.err != nil {
		return nil, r.err
	}
	l.width = len(l.in) / l.tuples
	slots := l.numSlots()
	r.require(l.width >= TimestampBytes+AttributeBytes, backends.StatusInvalidArgValue, "tuples of %d bytes have no key attribute", l.width)
	r.require(len(l.contents) >= slots*SlotBytes, backends.StatusInvalidBufferSize,
		"contents of %d bytes can't hold %d slots", len(l.contents), slots)
	r.require(len(l.stashed) >= 4, backends.StatusInvalidBufferSize, "stashed flag buffer too small")
	r.require(len(l.failed) >= 4*l.tuples && len(l.attempts) >= 4*l.tuples, backends.StatusInvalidBufferSize,
		"failed/attempts buffers too small for %d tuples", l.tuples)
	r.require(len(l.indices) >= 4*slots && len(l.offsets) >= 4*slots, backends.StatusInvalidBufferSize,
		"indices/offsets buffers too small for %d slots", slots)
	r.require(l.partitions == nil || len(l.partitions) >= 4*slots, backends.StatusInvalidBufferSize,
		"partitions buffer too small for %d slots", slots)
	return l, r.err
}

// entry is one decoded slot.
type entry struct {
	key, count int32
	sum        float32
	window     int32
}

func (l *aggregateLayout) slot(s int) entry {
	return entry{
		key:    getInt32(l.contents, 4*s),
		count:  getInt32(l.contents, 4*s+1),
		sum:    getFloat32(l.contents, 4*s+2),
		window: getInt32(l.contents, 4*s+3),
	}
}

func (l *aggregateLayout) setSlot(s int, e entry) {
	putInt32(l.contents, 4*s, e.key)
	putInt32(l.contents, 4*s+1, e.count)
	putFloat32(l.contents, 4*s+2, e.sum)
	putInt32(l.contents, 4*s+3, e.window)
}

// tableSlot returns the slot of key in table 0 (X) or 1 (Y).
func (l *aggregateLayout) tableSlot(table int, key int32) int {
	seeds := l.x
	if table == 1 {
		seeds = l.y
	}
	return table*l.tableSize + Hash(getInt32(seeds, 0), getInt32(seeds, 1), key, l.tableSize)
}

// stashRange returns the [start, end) slots of the stash of table 0 (X) or 1 (Y).
func (l *aggregateLayout) stashRange(table int) (int, int) {
	start := 2 * l.tableSize
	if table == 0 {
		return start, start + l.stashX
	}
	return start + l.stashX, start + l.stashX + l.stashY
}

// find returns the slot holding key, or -1.
func (l *aggregateLayout) find(key int32) int {
	for table := range 2 {
		if s := l.tableSlot(table, key); l.slot(s).count > 0 && l.slot(s).key == key {
			return s
		}
	}
	for table := range 2 {
		start, end := l.stashRange(table)
		for s := start; s < end; s++ {
			if e := l.slot(s); e.count > 0 && e.key == key {
				return s
			}
		}
	}
	return -1
}

type displacement struct {
	slot     int
	previous entry
}

// insert adds value to the group of key. It returns the number of attempts, whether it succeeded and
// whether it used a stash.
func (l *aggregateLayout) insert(key int32, value float32, window int32) (attempts int, ok, stashed bool) {
	if s := l.find(key); s >= 0 {
		e := l.slot(s)
		e.count++
		e.sum += value
		l.setSlot(s, e)
		return 1, true, false
	}

	current := entry{key: key, count: 1, sum: value, window: window}
	table := 0
	var chain []displacement
	for range max(l.maxIterations, 1) {
		attempts++
		s := l.tableSlot(table, current.key)
		previous := l.slot(s)
		l.setSlot(s, current)
		chain = append(chain, displacement{slot: s, previous: previous})
		if previous.count == 0 {
			return attempts, true, false
		}
		current = previous
		table ^= 1
	}

	// The homeless entry goes to the stash of the table it was headed to, or else to the other one.
	attempts++
	for _, t := range []int{table, table ^ 1} {
		start, end := l.stashRange(t)
		for s := start; s < end; s++ {
			if l.slot(s).count == 0 {
				l.setSlot(s, current)
				return attempts, true, true
			}
		}
	}

	// Roll back the eviction chain, leaving the table as it was.
	for i := len(chain) - 1; i >= 0; i-- {
		l.setSlot(chain[i].slot, chain[i].previous)
	}
	return attempts, false, false
}

// aggregateBuild clears the table and inserts every tuple of every window.
func aggregateBuild(_ Launch, args Args) error {
	l, err := readAggregateLayout(args)
	if err != nil {
		return err
	}
	clear(l.contents[:l.numSlots()*SlotBytes])
	clear(l.stashed[:4])
	clear(l.failed[:4*l.tuples])
	clear(l.attempts[:4*l.tuples])

	bytes := l.tuples * l.width
	windows := min(len(l.starts), len(l.ends)) / 4
	for w := range windows {
		start, end := int(getInt32(l.starts, w)), min(int(getInt32(l.ends, w)), bytes)
		if start < 0 || end <= start {
			continue
		}
		start = (start + l.width - 1) / l.width * l.width
		for offset := start; offset+l.width <= end; offset += l.width {
			tuple := l.in[offset : offset+l.width]
			i := offset / l.width
			attempts, ok, stashed := l.insert(Column(tuple, 1), float32(Column(tuple, 2)), int32(w))
			putInt32(l.attempts, i, getInt32(l.attempts, i)+int32(attempts))
			if !ok {
				putInt32(l.failed, i, 1)
			}
			if stashed {
				putInt32(l.stashed, 0, 1)
			}
		}
	}
	return nil
}

// aggregateScan marks occupied slots in indices and writes their exclusive prefix sum into offsets,
// plus the total number of groups in the trailing slot, if offsets has room for it. It also writes the
// window of every group into the partitions buffer, if present, or -1 for empty slots.
func aggregateScan(_ Launch, args Args) error {
	l, err := readAggregateLayout(args)
	if err != nil {
		return err
	}
	slots := l.numSlots()
	var total int32
	for s := range slots {
		e := l.slot(s)
		var occupied int32
		if e.count > 0 {
			occupied = 1
		}
		putInt32(l.indices, s, occupied)
		putInt32(l.offsets, s, total)
		total += occupied
		if l.partitions != nil {
			window := int32(-1)
			if occupied == 1 {
				window = e.window
			}
			putInt32(l.partitions, s, window)
		}
	}
	if len(l.offsets) >= 4*(slots+1) {
		putInt32(l.offsets, slots, total)
	}
	return nil
}

// aggregateCompact packs the occupied slots into the payload, in slot order, using the scan's offsets.
func aggregateCompact(_ Launch, args Args) error {
	l, err := readAggregateLayout(args)
	if err != nil {
		return err
	}
	slots := l.numSlots()
	for s := range slots {
		if getInt32(l.indices, s) == 0 {
			continue
		}
		to := int(getInt32(l.offsets, s)) * SlotBytes
		if to+SlotBytes > len(l.payload) {
			return backends.NewDeviceError("ExecKernel", backends.StatusInvalidBufferSize,
				"kernel %q: payload of %d bytes too small for group at offset %d", args.kernel, len(l.payload), to)
		}
		copy(l.payload[to:to+SlotBytes], l.contents[s*SlotBytes:(s+1)*SlotBytes])
	}
	return nil
}
