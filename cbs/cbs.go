package cbs

// Observers holds the callbacks an Instance fires when a tracked block's
// size crosses the minSize threshold (New/Delete) or changes while staying
// above it (Grow/Shrink). Any field may be nil. Callbacks must not call
// any mutating method on the Instance that invoked them (Insert, Delete,
// FindFirst/FindLast/FindLargest, SetMinSize, Clear, Finish); read-only
// queries (Iterate, IterateLarge, Describe, DescribeCompressed, Check,
// Stats) are safe to call back into.
type Observers struct {
	New, Delete, Grow, Shrink ChangeSizeFunc
}

// ChangeSizeFunc is called with the block as it now stands (or, for
// Delete, as it stood immediately before removal) and its size before and
// after the transition that triggered the callback.
type ChangeSizeFunc func(b *Block, oldSize, newSize uintptr)

// Config configures a new Instance. There is no environment or file
// parsing here: configuration is a value the host constructs and passes
// in.
type Config struct {
	// Alignment constrains every Base and Limit passed to Insert/Delete
	// to a multiple of this value. Must be a power of two.
	Alignment uintptr
	// MinSize is the observer notification threshold (see Observers).
	MinSize uintptr
	// MayUseInline allows the record pool's out-of-memory fallback to
	// place a block record inside the range it describes when the range
	// is large enough, and otherwise to use the emergency lists. Without
	// it, pool exhaustion is reported as ErrOOM. Requires Arena to be set
	// and Alignment to be at least pointerSize.
	MayUseInline bool
	// FastFind enables the augmented size-find queries (FindFirst,
	// FindLast, FindLargest); without it those three methods return
	// ErrParam. The maxSize augment is maintained on every mutation
	// either way.
	FastFind bool
	Observers Observers
	// Arena backs the emergency fallback lists: Base/Limit addresses are
	// interpreted as byte offsets into it whenever a range must be
	// represented without a block record. Required when MayUseInline is
	// set (emergency-list representation is still needed for ranges too
	// small to hold an in-range record); unused otherwise.
	Arena []byte
	// MaxRecords bounds how many Block records the pool will ever hand
	// out at once; 0 means unbounded. Exists to make pool exhaustion
	// reproducible rather than dependent on how much memory happens to be
	// available to the process.
	MaxRecords int
}

// Instance is one Coalescing Block Structure: an ordered map of tracked
// ranges plus the bookkeeping needed to keep tracking them even when the
// instance's own record pool runs dry.
//
// An Instance makes no concurrency promises whatsoever: callers must
// serialize every call into the same Instance themselves, including calls
// made from within an Observers callback, which is why the only guard
// Instance keeps is inCBS, a re-entrancy trip-wire, not a mutex.
type Instance struct {
	alignment    uintptr
	minSize      uintptr
	mayUseInline bool
	fastFind     bool
	observers    Observers
	inCBS        bool

	tree tree
	pool *blockPool

	arena []byte

	eblHead, eglHead   Addr
	eblCount, eglCount int

	meters meters
}

// meters are plain counters, not telemetry: a running tally of search
// work already done that Describe and Stats can report. The splay tree
// keeps its own probe/call counters (see tree.probes/calls); meters
// covers the two emergency lists, which have no other home for theirs.
type meters struct {
	eblProbes, eblCalls uint64
	eglProbes, eglCalls uint64
}

// Stats is a snapshot of an Instance's bookkeeping counters.
type Stats struct {
	Blocks              int
	EmergencyBlocks     int
	EmergencyGrains     int
	RecordsAllocated    int
	RecordPages         int
	SplayMeanProbes     float64
	EmergencyBlockMean  float64
	EmergencyGrainMean  float64
}

// New constructs an Instance. It never blocks and never touches any
// address: validation is purely structural.
func New(cfg Config) (*Instance, error) {
	if cfg.Alignment == 0 || !isPowerOfTwo(cfg.Alignment) {
		return nil, opError("new", ErrParam)
	}
	if cfg.MayUseInline {
		if cfg.Alignment < pointerSize {
			return nil, opErrorf("new", ErrParam, "alignment %d is narrower than a pointer when MayUseInline is set", cfg.Alignment)
		}
		if cfg.Arena == nil {
			return nil, opErrorf("new", ErrParam, "MayUseInline requires a non-nil Arena")
		}
	}
	i := &Instance{
		alignment:    cfg.Alignment,
		minSize:      cfg.MinSize,
		mayUseInline: cfg.MayUseInline,
		fastFind:     cfg.FastFind,
		observers:    cfg.Observers,
		pool:         newBlockPool(cfg.MaxRecords),
		arena:        cfg.Arena,
		eblHead:      nilAddr,
		eglHead:      nilAddr,
	}
	return i, nil
}

// Finish tears the instance down. After Finish, the Instance must not be
// used again.
func (i *Instance) Finish() {
	i.Clear()
}

// Clear empties the instance back to its just-initialized state without
// invalidating it: every tracked range and pool record is released, but
// the Instance itself remains usable for new Insert calls.
func (i *Instance) Clear() {
	i.tree = tree{}
	i.pool.clear()
	i.eblHead, i.eglHead = nilAddr, nilAddr
	i.eblCount, i.eglCount = 0, 0
	i.meters = meters{}
}

func (i *Instance) newRecord(base, limit Addr) (*Block, bool) {
	if b, ok := i.pool.alloc(); ok {
		b.base, b.limit, b.internal = base, limit, false
		return b, true
	}
	if i.mayUseInline && uintptr(limit-base) >= recordSize {
		return &Block{base: base, limit: limit, internal: true}, true
	}
	return nil, false
}

func (i *Instance) releaseRecord(b *Block) {
	if !b.internal {
		i.pool.release(b)
	}
}

// insertOutcome distinguishes why insertIntoTree did not return a merged
// range, so Insert knows whether to report ErrOverlap or fall back to the
// emergency lists.
type insertOutcome int

const (
	insertOK insertOutcome = iota
	insertOverlap
	insertOOM
)

// insertIntoTree is the coalescing engine's insert half: it finds
// [base, limit)'s neighbours in the tree, merges with whichever abut, and
// otherwise allocates a fresh record. It never touches the emergency
// lists; Insert and flushEmergencyLists are the only callers, and each
// handles the emergency-list side for itself.
func (i *Instance) insertIntoTree(base, limit Addr) (Range, insertOutcome) {
	left, right, overlap := i.tree.neighbours(base, limit)
	if overlap != nil {
		return Range{}, insertOverlap
	}

	leftMerge := left != nil && left.limit == base
	rightMerge := right != nil && right.base == limit

	switch {
	case leftMerge && rightMerge:
		keep, drop := left, right
		if blockSize(right) > blockSize(left) {
			keep, drop = right, left
		}
		oldSize := blockSize(keep)
		keep.base, keep.limit = left.base, right.limit
		i.tree.delete(drop)
		i.releaseRecord(drop)
		refresh(keep)
		i.notifyTransition(keep, oldSize, blockSize(keep))
		return keep.Range(), insertOK

	case leftMerge:
		// neighbours splayed right, not left, when both exist; bring left
		// to the root so refresh below keeps every ancestor's maxSize true.
		i.tree.splay(left)
		oldSize := blockSize(left)
		left.limit = limit
		refresh(left)
		i.notifyTransition(left, oldSize, blockSize(left))
		return left.Range(), insertOK

	case rightMerge:
		oldSize := blockSize(right)
		right.base = base
		refresh(right)
		i.notifyTransition(right, oldSize, blockSize(right))
		return right.Range(), insertOK

	default:
		b, ok := i.newRecord(base, limit)
		if !ok {
			return Range{}, insertOOM
		}
		i.tree.insert(b)
		i.notifyTransition(b, 0, blockSize(b))
		return b.Range(), insertOK
	}
}

// Insert adds [base, limit) to the set of tracked ranges, coalescing it
// with any abutting range already tracked (in the splay tree or either
// emergency list) and returning the full extent of the merged range.
func (i *Instance) Insert(base, limit Addr) (Range, error) {
	if i.inCBS {
		return Range{}, opErrorf("insert", ErrParam, "called re-entrantly from an observer callback")
	}
	if base >= limit {
		return Range{}, opError("insert", ErrParam)
	}
	if !isAligned(base, i.alignment) || !isAligned(limit, i.alignment) {
		return Range{}, opError("insert", ErrParam)
	}

	i.inCBS = true
	defer func() { i.inCBS = false }()

	base, limit, err := i.coalesceWithEmergencyLists(base, limit)
	if err != nil {
		return Range{}, err
	}

	rng, outcome := i.insertIntoTree(base, limit)
	switch outcome {
	case insertOK:
		i.flushEmergencyLists()
		return rng, nil
	case insertOverlap:
		return Range{}, opError("insert", ErrOverlap)
	default: // insertOOM
		if uintptr(limit-base) >= pointerSize {
			if err := i.addToEmergencyLists(base, limit); err == nil {
				return Range{Base: base, Limit: limit}, nil
			}
		}
		return Range{}, opError("insert", ErrOOM)
	}
}
