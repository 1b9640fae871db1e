package cbs

import "encoding/binary"

// Emergency lists hold ranges the record pool could not describe with a
// Block (pool exhausted) but that are too small for an internal record.
// Like internal records, they are only used when MayUseInline is set. Entries are kept sorted ascending by base and
// are never adjacent or overlapping with each other or with anything the
// splay tree already tracks.
//
// Because an emergency entry has nowhere to live but inside the range it
// describes, its header is written straight into the instance's Arena at
// the range's base address: a next-pointer for grains (exactly
// pointerSize bytes, used when Size() == pointerSize) or a next-pointer
// plus an explicit limit (two pointerSize words, used when
// Size() > pointerSize). The entry's identity, its header's location, and
// the range's base are therefore the same address, by construction.

func (i *Instance) readNext(base Addr) Addr {
	return Addr(binary.LittleEndian.Uint64(i.arena[uintptr(base):]))
}

func (i *Instance) writeNext(base, next Addr) {
	binary.LittleEndian.PutUint64(i.arena[uintptr(base):], uint64(next))
}

func (i *Instance) readBlockLimit(base Addr) Addr {
	return Addr(binary.LittleEndian.Uint64(i.arena[uintptr(base)+pointerSize:]))
}

func (i *Instance) writeBlockLimit(base, limit Addr) {
	binary.LittleEndian.PutUint64(i.arena[uintptr(base)+pointerSize:], uint64(limit))
}

// emergencyBlockLimit returns the limit of the emergency block entry whose
// header starts at base.
func (i *Instance) emergencyBlockLimit(base Addr) Addr {
	return i.readBlockLimit(base)
}

// addToEmergencyBlockList inserts [base, limit) into the sorted emergency
// block list (used when Size() > pointerSize). Returns ErrOverlap if the
// new range overlaps or is adjacent to an existing entry: adjacency here
// would violate the "no two emergency entries touch" invariant, since an
// adjacent pair should have been coalesced by the caller first.
func (i *Instance) addToEmergencyBlockList(base, limit Addr) error {
	var prev Addr = nilAddr
	cur := i.eblHead
	for cur != nilAddr {
		curLimit := i.emergencyBlockLimit(cur)
		if limit <= cur {
			break
		}
		if base >= curLimit {
			prev = cur
			cur = i.readNext(cur)
			continue
		}
		return opError("insert", ErrOverlap)
	}
	if prev != nilAddr && i.emergencyBlockLimit(prev) == base {
		return opError("insert", ErrOverlap)
	}
	if cur != nilAddr && limit == cur {
		return opError("insert", ErrOverlap)
	}
	i.writeNext(base, cur)
	i.writeBlockLimit(base, limit)
	if prev == nilAddr {
		i.eblHead = base
	} else {
		i.writeNext(prev, base)
	}
	i.eblCount++
	return nil
}

// removeFromEmergencyBlockList unlinks the entry at base. base must be the
// exact base of an existing entry.
func (i *Instance) removeFromEmergencyBlockList(base Addr) {
	var prev Addr = nilAddr
	cur := i.eblHead
	for cur != nilAddr && cur != base {
		prev = cur
		cur = i.readNext(cur)
	}
	if cur == nilAddr {
		return
	}
	next := i.readNext(cur)
	if prev == nilAddr {
		i.eblHead = next
	} else {
		i.writeNext(prev, next)
	}
	i.eblCount--
}

// addToEmergencyGrainList inserts a single pointerSize-wide range at base
// into the sorted emergency grain list.
func (i *Instance) addToEmergencyGrainList(base Addr) error {
	var prev Addr = nilAddr
	cur := i.eglHead
	for cur != nilAddr {
		if base < cur {
			break
		}
		if base == cur {
			return opError("insert", ErrOverlap)
		}
		prev = cur
		cur = i.readNext(cur)
	}
	grainLimit := base + Addr(pointerSize)
	if prev != nilAddr && prev+Addr(pointerSize) == base {
		return opError("insert", ErrOverlap)
	}
	if cur != nilAddr && grainLimit == cur {
		return opError("insert", ErrOverlap)
	}
	i.writeNext(base, cur)
	if prev == nilAddr {
		i.eglHead = base
	} else {
		i.writeNext(prev, base)
	}
	i.eglCount++
	return nil
}

func (i *Instance) removeFromEmergencyGrainList(base Addr) {
	var prev Addr = nilAddr
	cur := i.eglHead
	for cur != nilAddr && cur != base {
		prev = cur
		cur = i.readNext(cur)
	}
	if cur == nilAddr {
		return
	}
	next := i.readNext(cur)
	if prev == nilAddr {
		i.eglHead = next
	} else {
		i.writeNext(prev, next)
	}
	i.eglCount--
}

// addToEmergencyLists routes [base, limit) to the block list or the grain
// list depending on its size: exactly pointerSize goes to the grain list,
// anything larger to the block list. Ranges smaller than pointerSize
// cannot be represented at all and are a caller bug. Without MayUseInline
// nothing may be written in-range, so it reports ErrOOM.
func (i *Instance) addToEmergencyLists(base, limit Addr) error {
	if !i.mayUseInline {
		return opError("insert", ErrOOM)
	}
	size := uintptr(limit - base)
	switch {
	case size == pointerSize:
		return i.addToEmergencyGrainList(base)
	case size > pointerSize:
		return i.addToEmergencyBlockList(base, limit)
	default:
		return opError("insert", ErrParam)
	}
}

// entryOverlapsButDoesNotAbut reports whether the emergency entry
// [entryBase, entryLimit) shares an address with [base, limit) in a way
// that is not a clean abutment: entryLimit == base and entryBase == limit
// are the two shapes absorption can repair, so anything else that shares
// an address is a genuine overlap.
func entryOverlapsButDoesNotAbut(entryBase, entryLimit, base, limit Addr) bool {
	if entryLimit == base || entryBase == limit {
		return false
	}
	return entryBase < limit && base < entryLimit
}

// checkEmergencyOverlap reports ErrOverlap if any entry in either
// emergency list overlaps [base, limit) without exactly abutting it.
// Both lists are sorted ascending by base and mutually disjoint, so a
// single forward scan stopping once an entry's base passes limit is
// enough to catch every offending entry.
func (i *Instance) checkEmergencyOverlap(base, limit Addr) error {
	for cur := i.eblHead; cur != nilAddr && cur <= limit; cur = i.readNext(cur) {
		if entryOverlapsButDoesNotAbut(cur, i.emergencyBlockLimit(cur), base, limit) {
			return opError("insert", ErrOverlap)
		}
	}
	for cur := i.eglHead; cur != nilAddr && cur <= limit; cur = i.readNext(cur) {
		if entryOverlapsButDoesNotAbut(cur, cur+Addr(pointerSize), base, limit) {
			return opError("insert", ErrOverlap)
		}
	}
	return nil
}

// coalesceWithEmergencyLists absorbs abutting emergency entries into
// [base, limit), returning the possibly-grown range. From each list it
// absorbs at most one left neighbour (limit == base) and one right
// neighbour (base == limit), since list entries are themselves mutually
// disjoint and non-adjacent. It
// fails with ErrOverlap, leaving both lists untouched, if some entry
// partially overlaps the new range instead of merely abutting it.
func (i *Instance) coalesceWithEmergencyLists(base, limit Addr) (Addr, Addr, error) {
	if err := i.checkEmergencyOverlap(base, limit); err != nil {
		return base, limit, err
	}

	// Left neighbour in the block list.
	var prev Addr = nilAddr
	cur := i.eblHead
	for cur != nilAddr {
		curLimit := i.emergencyBlockLimit(cur)
		if curLimit == base {
			base = cur
			i.removeFromEmergencyBlockList(cur)
			break
		}
		if cur >= base {
			break
		}
		prev = cur
		cur = i.readNext(cur)
	}
	_ = prev

	// Right neighbour in the block list.
	cur = i.eblHead
	for cur != nilAddr {
		if cur == limit {
			limit = i.emergencyBlockLimit(cur)
			i.removeFromEmergencyBlockList(cur)
			break
		}
		if cur > limit {
			break
		}
		cur = i.readNext(cur)
	}

	// Left neighbour in the grain list.
	cur = i.eglHead
	for cur != nilAddr {
		if cur+Addr(pointerSize) == base {
			base = cur
			i.removeFromEmergencyGrainList(cur)
			break
		}
		if cur >= base {
			break
		}
		cur = i.readNext(cur)
	}

	// Right neighbour in the grain list.
	cur = i.eglHead
	for cur != nilAddr {
		if cur == limit {
			limit = cur + Addr(pointerSize)
			i.removeFromEmergencyGrainList(cur)
			break
		}
		if cur > limit {
			break
		}
		cur = i.readNext(cur)
	}

	return base, limit, nil
}

// flushEmergencyLists opportunistically migrates emergency entries back
// into the splay tree now that the record pool (or inlining) might be
// able to describe them, stopping at the first allocation failure: later
// entries are left for the next successful free to retry.
func (i *Instance) flushEmergencyLists() {
	for i.eblHead != nilAddr {
		base := i.eblHead
		limit := i.emergencyBlockLimit(base)
		if _, outcome := i.insertIntoTree(base, limit); outcome != insertOK {
			return
		}
		i.removeFromEmergencyBlockList(base)
	}
	for i.eglHead != nilAddr {
		base := i.eglHead
		limit := base + Addr(pointerSize)
		if _, outcome := i.insertIntoTree(base, limit); outcome != insertOK {
			return
		}
		i.removeFromEmergencyGrainList(base)
	}
}
