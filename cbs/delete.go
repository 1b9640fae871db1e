package cbs

// shrinkOrConvert adjusts node to describe [survBase, survLimit) — a
// proper sub-range of its current extent with exactly one endpoint
// unchanged. If node is an internal record and the new extent is too
// small to hold one, node is replaced: a fresh record is obtained (pool,
// then emergency list) for the same extent and the old one is released.
// relocate must be true when survBase differs from node's current base
// (the in-range record, if any, has to move with it).
func (i *Instance) shrinkOrConvert(node *Block, survBase, survLimit Addr, relocate bool) error {
	oldSize := blockSize(node)
	if !node.internal || uintptr(survLimit-survBase) >= recordSize {
		if relocate {
			relocateRecord(node, survBase, survLimit)
		} else {
			node.base, node.limit = survBase, survLimit
		}
		refresh(node)
		i.notifyTransition(node, oldSize, blockSize(node))
		return nil
	}

	if nb, ok := i.newRecord(survBase, survLimit); ok {
		i.tree.delete(node)
		i.releaseRecord(node)
		i.tree.insert(nb)
		i.notifyTransition(nb, oldSize, blockSize(nb))
		return nil
	}
	if err := i.addToEmergencyLists(survBase, survLimit); err != nil {
		return opError("delete", ErrOOM)
	}
	i.tree.delete(node)
	i.releaseRecord(node)
	i.notifyTransition(node, oldSize, 0)
	return nil
}

func (i *Instance) removeFromEmergencyListsBestEffort(base, limit Addr) {
	if uintptr(limit-base) == pointerSize {
		i.removeFromEmergencyGrainList(base)
		return
	}
	i.removeFromEmergencyBlockList(base)
}

func (i *Instance) commitNewFragment(nb *Block, usedEmergency bool, base, limit Addr) {
	if usedEmergency {
		i.notifyTransition(&Block{base: base, limit: limit}, 0, uintptr(limit-base))
		return
	}
	i.tree.insert(nb)
	i.notifyTransition(nb, 0, blockSize(nb))
}

// deleteFromTree removes [base, limit) from the splay tree: exact match,
// prefix, suffix, or interior punch. ok is false (with err nil) when base
// is not covered by any tree node at all, signalling the caller to try
// the emergency lists instead. When base is covered but limit extends
// past that node's limit, the request only partially overlaps a tracked
// range rather than missing one entirely, so it is reported as ErrOverlap
// instead of falling through to the emergency-list/not-found path.
func (i *Instance) deleteFromTree(base, limit Addr) (rng Range, ok bool, err error) {
	node, found := i.tree.search(base)
	if !found {
		return Range{}, false, nil
	}
	if limit > node.limit {
		return Range{}, false, opError("delete", ErrOverlap)
	}

	switch {
	case node.base == base && node.limit == limit:
		oldSize := blockSize(node)
		i.tree.delete(node)
		i.notifyTransition(node, oldSize, 0)
		i.releaseRecord(node)
		return Range{Base: base, Limit: limit}, true, nil

	case node.base == base: // prefix delete; survivor is [limit, node.limit)
		if err := i.shrinkOrConvert(node, limit, node.limit, true); err != nil {
			return Range{}, false, err
		}
		return Range{Base: base, Limit: limit}, true, nil

	case node.limit == limit: // suffix delete; survivor is [node.base, base)
		if err := i.shrinkOrConvert(node, node.base, base, false); err != nil {
			return Range{}, false, err
		}
		return Range{Base: base, Limit: limit}, true, nil

	default: // interior punch: node.base < base && limit < node.limit
		return i.deleteInterior(node, base, limit)
	}
}

// deleteInterior carves [base, limit) out of the middle of node: the
// larger surviving fragment keeps node's existing record (shrunk in
// place, or relocated if it was internal and its base has to move); the
// smaller fragment gets a fresh record. Both reservations are made before
// node is touched, so a total failure to represent either fragment rolls
// back cleanly and reports ErrOOM without having mutated anything.
func (i *Instance) deleteInterior(node *Block, base, limit Addr) (Range, bool, error) {
	leftBase, leftLimit := node.base, base
	rightBase, rightLimit := limit, node.limit
	leftSize := uintptr(leftLimit - leftBase)
	rightSize := uintptr(rightLimit - rightBase)

	keepLeft := leftSize >= rightSize
	keepBase, keepLimit := leftBase, leftLimit
	newBase, newLimit := rightBase, rightLimit
	if !keepLeft {
		keepBase, keepLimit = rightBase, rightLimit
		newBase, newLimit = leftBase, leftLimit
	}

	nb, haveRecord := i.newRecord(newBase, newLimit)
	usedEmergency := false
	if !haveRecord {
		if err := i.addToEmergencyLists(newBase, newLimit); err != nil {
			return Range{}, false, opError("delete", ErrOOM)
		}
		usedEmergency = true
	}

	needsRelocate := node.internal && keepBase != node.base
	if needsRelocate && uintptr(keepLimit-keepBase) < recordSize {
		kb, kok := i.newRecord(keepBase, keepLimit)
		if !kok {
			if err := i.addToEmergencyLists(keepBase, keepLimit); err != nil {
				if usedEmergency {
					i.removeFromEmergencyListsBestEffort(newBase, newLimit)
				} else {
					i.releaseRecord(nb)
				}
				return Range{}, false, opError("delete", ErrOOM)
			}
			oldSize := blockSize(node)
			i.tree.delete(node)
			i.releaseRecord(node)
			i.notifyTransition(node, oldSize, 0)
			i.notifyTransition(&Block{base: keepBase, limit: keepLimit}, 0, uintptr(keepLimit-keepBase))
			i.commitNewFragment(nb, usedEmergency, newBase, newLimit)
			return Range{Base: base, Limit: limit}, true, nil
		}
		oldSize := blockSize(node)
		i.tree.delete(node)
		i.releaseRecord(node)
		i.tree.insert(kb)
		i.notifyTransition(kb, oldSize, blockSize(kb))
		i.commitNewFragment(nb, usedEmergency, newBase, newLimit)
		return Range{Base: base, Limit: limit}, true, nil
	}

	oldSize := blockSize(node)
	if needsRelocate {
		relocateRecord(node, keepBase, keepLimit)
	} else {
		node.base, node.limit = keepBase, keepLimit
	}
	refresh(node)
	i.notifyTransition(node, oldSize, blockSize(node))
	i.commitNewFragment(nb, usedEmergency, newBase, newLimit)
	return Range{Base: base, Limit: limit}, true, nil
}

// deleteExactFromEmergencyLists removes [base, limit) when it matches an
// emergency list entry exactly. Splitting an emergency entry (deleting a
// proper sub-range of one) is not supported: such entries carry no spare
// bookkeeping of their own to describe a partial result, and in practice
// they are short-lived, flushed back into the tree by the next successful
// Insert or Delete.
func (i *Instance) deleteExactFromEmergencyLists(base, limit Addr) bool {
	if uintptr(limit-base) == pointerSize {
		cur := i.eglHead
		for cur != nilAddr && cur <= base {
			if cur == base {
				i.removeFromEmergencyGrainList(cur)
				return true
			}
			cur = i.readNext(cur)
		}
		return false
	}
	cur := i.eblHead
	for cur != nilAddr && cur <= base {
		if cur == base && i.emergencyBlockLimit(cur) == limit {
			i.removeFromEmergencyBlockList(cur)
			return true
		}
		cur = i.readNext(cur)
	}
	return false
}

// performDelete is Delete's body, factored out so FindFirst/FindLast/
// FindLargest can apply a delete side effect without re-acquiring inCBS.
func (i *Instance) performDelete(base, limit Addr) error {
	if _, ok, err := i.deleteFromTree(base, limit); ok || err != nil {
		if err != nil {
			return err
		}
		i.flushEmergencyLists()
		return nil
	}
	if i.deleteExactFromEmergencyLists(base, limit) {
		return nil
	}
	return opError("delete", ErrNotFound)
}

// Delete removes [base, limit) from the set of tracked ranges. The range
// must be entirely covered by a single tracked extent (tree node or
// emergency list entry); it need not equal one exactly, except when it
// falls inside an emergency list entry (see deleteExactFromEmergencyLists).
func (i *Instance) Delete(base, limit Addr) error {
	if i.inCBS {
		return opErrorf("delete", ErrParam, "called re-entrantly from an observer callback")
	}
	if base >= limit {
		return opError("delete", ErrParam)
	}
	if !isAligned(base, i.alignment) || !isAligned(limit, i.alignment) {
		return opError("delete", ErrParam)
	}
	i.inCBS = true
	defer func() { i.inCBS = false }()
	return i.performDelete(base, limit)
}
