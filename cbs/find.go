package cbs

// FindDelete controls what Find{First,Last,Largest} remove, as a side
// effect, from the range they find.
type FindDelete int

const (
	// FindDeleteNone leaves the found range fully tracked.
	FindDeleteNone FindDelete = iota
	// FindDeleteLow removes the low, requested-size-wide slice of the
	// found range, leaving any remainder tracked.
	FindDeleteLow
	// FindDeleteHigh removes the high, requested-size-wide slice of the
	// found range, leaving any remainder tracked.
	FindDeleteHigh
	// FindDeleteEntire removes the entire found range.
	FindDeleteEntire
)

// scanEmergencyBlockList walks the emergency block list looking for an
// entry at least minSize wide, returning the one with the smallest base
// (preferLast false) or largest base (preferLast true).
func (i *Instance) scanEmergencyBlockList(minSize uintptr, preferLast bool) (base, limit Addr, ok bool) {
	i.meters.eblCalls++
	cur := i.eblHead
	for cur != nilAddr {
		i.meters.eblProbes++
		curLimit := i.emergencyBlockLimit(cur)
		if uintptr(curLimit-cur) >= minSize {
			base, limit, ok = cur, curLimit, true
			if !preferLast {
				return base, limit, true
			}
		}
		cur = i.readNext(cur)
	}
	return base, limit, ok
}

func (i *Instance) scanEmergencyGrainList(minSize uintptr, preferLast bool) (base, limit Addr, ok bool) {
	i.meters.eglCalls++
	if minSize > pointerSize {
		return 0, 0, false
	}
	cur := i.eglHead
	if cur == nilAddr {
		return 0, 0, false
	}
	i.meters.eglProbes++
	if preferLast {
		last := cur
		for n := i.readNext(cur); n != nilAddr; n = i.readNext(n) {
			last = n
		}
		return last, last + Addr(pointerSize), true
	}
	return cur, cur + Addr(pointerSize), true
}

// findLargestInEmergencyLists returns the largest single entry across both
// emergency lists. It does not look at the tree; FindLargest compares the
// two and prefers this entry on a tie.
func (i *Instance) findLargestInEmergencyLists() (base, limit Addr, size uintptr, ok bool) {
	cur := i.eblHead
	for cur != nilAddr {
		curLimit := i.emergencyBlockLimit(cur)
		if s := uintptr(curLimit - cur); s > size {
			base, limit, size, ok = cur, curLimit, s, true
		}
		cur = i.readNext(cur)
	}
	if i.eglHead != nilAddr && pointerSize >= size {
		base, limit, size, ok = i.eglHead, i.eglHead+Addr(pointerSize), pointerSize, true
	}
	return base, limit, size, ok
}

func pickCandidate(candidates []Range, preferLast bool) (Range, bool) {
	if len(candidates) == 0 {
		return Range{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if preferLast {
			if c.Base > best.Base {
				best = c
			}
		} else if c.Base < best.Base {
			best = c
		}
	}
	return best, true
}

// applyFindDelete performs the side effect a FindDelete policy calls for
// and returns the range the caller should receive. Must be called with
// inCBS already held.
func (i *Instance) applyFindDelete(found Range, size uintptr, policy FindDelete) (Range, error) {
	switch policy {
	case FindDeleteNone:
		return found, nil
	case FindDeleteEntire:
		if err := i.performDelete(found.Base, found.Limit); err != nil {
			return Range{}, err
		}
		return found, nil
	case FindDeleteLow:
		slice := Range{Base: found.Base, Limit: found.Base + Addr(size)}
		if err := i.performDelete(slice.Base, slice.Limit); err != nil {
			return Range{}, err
		}
		return slice, nil
	case FindDeleteHigh:
		slice := Range{Base: found.Limit - Addr(size), Limit: found.Limit}
		if err := i.performDelete(slice.Base, slice.Limit); err != nil {
			return Range{}, err
		}
		return slice, nil
	default:
		return Range{}, opError("find", ErrParam)
	}
}

func (i *Instance) findGuard(size uintptr) error {
	if !i.fastFind {
		return opErrorf("find", ErrParam, "FastFind was not enabled for this instance")
	}
	if size == 0 {
		return opError("find", ErrParam)
	}
	return nil
}

// FindFirst returns the leftmost (smallest-base) tracked range at least
// size wide, applying policy as a side effect.
func (i *Instance) FindFirst(size uintptr, policy FindDelete) (Range, error) {
	if err := i.findGuard(size); err != nil {
		return Range{}, err
	}
	if i.inCBS {
		return Range{}, opErrorf("find", ErrParam, "called re-entrantly from an observer callback")
	}
	i.inCBS = true
	defer func() { i.inCBS = false }()

	var candidates []Range
	if node := i.tree.findFirst(size); node != nil {
		candidates = append(candidates, node.Range())
	}
	if b, l, ok := i.scanEmergencyBlockList(size, false); ok {
		candidates = append(candidates, Range{Base: b, Limit: l})
	}
	if b, l, ok := i.scanEmergencyGrainList(size, false); ok {
		candidates = append(candidates, Range{Base: b, Limit: l})
	}
	found, ok := pickCandidate(candidates, false)
	if !ok {
		return Range{}, opError("find", ErrNotFound)
	}
	return i.applyFindDelete(found, size, policy)
}

// FindLast returns the rightmost (largest-base) tracked range at least
// size wide, applying policy as a side effect.
func (i *Instance) FindLast(size uintptr, policy FindDelete) (Range, error) {
	if err := i.findGuard(size); err != nil {
		return Range{}, err
	}
	if i.inCBS {
		return Range{}, opErrorf("find", ErrParam, "called re-entrantly from an observer callback")
	}
	i.inCBS = true
	defer func() { i.inCBS = false }()

	var candidates []Range
	if node := i.tree.findLast(size); node != nil {
		candidates = append(candidates, node.Range())
	}
	if b, l, ok := i.scanEmergencyBlockList(size, true); ok {
		candidates = append(candidates, Range{Base: b, Limit: l})
	}
	if b, l, ok := i.scanEmergencyGrainList(size, true); ok {
		candidates = append(candidates, Range{Base: b, Limit: l})
	}
	found, ok := pickCandidate(candidates, true)
	if !ok {
		return Range{}, opError("find", ErrNotFound)
	}
	return i.applyFindDelete(found, size, policy)
}

// FindLargest returns the single largest tracked range, preferring an
// emergency-list entry on a tie with the splay tree's largest, applying
// policy as a side effect.
func (i *Instance) FindLargest(policy FindDelete) (Range, error) {
	if !i.fastFind {
		return Range{}, opErrorf("find", ErrParam, "FastFind was not enabled for this instance")
	}
	if i.inCBS {
		return Range{}, opErrorf("find", ErrParam, "called re-entrantly from an observer callback")
	}
	i.inCBS = true
	defer func() { i.inCBS = false }()

	var (
		treeSize           uintptr
		treeRange          Range
		haveTree           bool
		emergBase, emergLimit Addr
		emergSize          uintptr
		haveEmerg          bool
	)
	if i.tree.root != nil {
		treeSize = i.tree.root.maxSize
		if node := i.tree.findFirst(treeSize); node != nil {
			treeRange = node.Range()
			haveTree = true
		}
	}
	emergBase, emergLimit, emergSize, haveEmerg = i.findLargestInEmergencyLists()

	var found Range
	var size uintptr
	switch {
	case haveEmerg && emergSize >= treeSize:
		found, size = Range{Base: emergBase, Limit: emergLimit}, emergSize
	case haveTree:
		found, size = treeRange, treeSize
	default:
		return Range{}, opError("find", ErrNotFound)
	}
	return i.applyFindDelete(found, size, policy)
}
