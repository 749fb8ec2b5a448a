// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import "errors"

var errNoLockPage = errors.New("virtmem: no page available for lock")

// findFreePage scans a tier's free ring for a page holding the requested
// range: with atstart the page must begin exactly at p, otherwise any page
// fully containing [p, p+size) qualifies.
func (a *Allocator) findFreePage(pi *pageInfo, p VPtrNum, size int, atstart bool) int8 {
	pend := p + VPtrNum(size)
	for i := pi.freeIndex; i != -1; i = pi.pages[i].next {
		pg := &pi.pages[i]
		if pg.start == 0 {
			continue
		}
		if atstart && pg.start == p {
			return i
		}
		if !atstart && p >= pg.start && pend <= pg.start+VPtrNum(pg.size) {
			return i
		}
	}
	return -1
}

// findUnusedLockedPage returns the first locked-ring slot of a tier that
// carries no outstanding lock, or -1.
func (a *Allocator) findUnusedLockedPage(pi *pageInfo) int8 {
	for i := pi.lockedIndex; i != -1; i = pi.pages[i].next {
		if pi.pages[i].locks == 0 {
			return i
		}
	}
	return -1
}

// syncLockedPage pushes a dirty locked page's content out through the
// save path, so overlapping big pages stay coherent.
func (a *Allocator) syncLockedPage(pg *lockPage) error {
	if pg.start == 0 {
		return ErrInvalidAddress
	}
	if !pg.dirty {
		return nil
	}
	return a.saveData(pg.pool[:pg.size], pg.start)
}

// lockPageAt moves a page of the tier from the free ring to the locked
// ring and returns its index. For the big tier the data is pulled in
// first so the locked page is already resident; a shrunk big lock is
// synchronized immediately because bytes outside the lock range can no
// longer be served from it.
func (a *Allocator) lockPageAt(pi *pageInfo, ptr VPtrNum, size int) (int8, error) {
	var index int8

	if pi == &a.tiers[TierBig] {
		// The readonly pull keeps the page clean; the caller applies
		// the eventual read-only flag afterwards.
		if _, err := a.pull(ptr, size, true, true); err != nil {
			return -1, err
		}
		index = a.findFreePage(pi, ptr, size, true)
		if index == -1 {
			return -1, errNoLockPage
		}
		if size < pi.size {
			if err := a.syncBigPage(&pi.pages[index]); err != nil {
				return -1, err
			}
		}
	} else {
		index = pi.freeIndex
		if index == -1 {
			return -1, errNoLockPage
		}
	}

	if index == pi.freeIndex {
		pi.freeIndex = pi.pages[pi.freeIndex].next
	} else {
		previ := pi.freeIndex
		for pi.pages[previ].next != index {
			previ = pi.pages[previ].next
		}
		pi.pages[previ].next = pi.pages[index].next
	}

	if pi == &a.tiers[TierBig] && a.nextPageToSwap == index {
		a.nextPageToSwap = pi.freeIndex // locked now, cannot swap it
	}

	pi.pages[index].next = pi.lockedIndex
	pi.lockedIndex = index

	return index, nil
}

// freeLockedPage returns a locked-ring slot to the free ring, writing back
// content that cannot be recovered otherwise, and returns the slot's
// successor in the locked ring so ring walks can continue.
func (a *Allocator) freeLockedPage(pi *pageInfo, index int8) (int8, error) {
	pg := &pi.pages[index]

	if pi != &a.tiers[TierBig] {
		if err := a.syncLockedPage(pg); err != nil {
			return -1, err
		}
	} else if pg.size < pi.size {
		// Only shrunk big pages need synchronizing; restore the slot as
		// a regular page usable for paged I/O afterwards.
		if err := a.syncLockedPage(pg); err != nil {
			return -1, err
		}
		pg.start = 0
		pg.size = pi.size
	}

	ret := pg.next

	if index == pi.lockedIndex {
		pi.lockedIndex = pg.next
	} else {
		previ := pi.lockedIndex
		for pi.pages[previ].next != index {
			previ = pi.pages[previ].next
		}
		pi.pages[previ].next = pg.next
	}
	pg.next = pi.freeIndex
	pi.freeIndex = index

	if pi == &a.tiers[TierBig] && a.nextPageToSwap == -1 {
		a.nextPageToSwap = pi.freeIndex
	}

	pg.locks = 0

	return ret, nil
}

// findLockedPageIn returns the locked-ring slot of the tier containing
// virtual address p, or -1.
func (a *Allocator) findLockedPageIn(pi *pageInfo, p VPtrNum) int8 {
	for i := pi.lockedIndex; i != -1; i = pi.pages[i].next {
		pg := &pi.pages[i]
		if p >= pg.start && int(p-pg.start) < pg.size {
			return i
		}
	}
	return -1
}

// findLockedPage searches all tiers for the locked page containing p.
func (a *Allocator) findLockedPage(p VPtrNum) (*pageInfo, int8) {
	for t := range a.tiers {
		pi := &a.tiers[t]
		if i := a.findLockedPageIn(pi, p); i != -1 {
			return pi, i
		}
	}
	return nil, -1
}

// DataLock pins [ptr, ptr+size) in a page of the smallest fitting tier
// and returns a writable (or read-only) view of exactly the locked range.
// Existing locks on the same address are reused or resized to cover the
// request; other overlapping referenced locks shrink the request or are
// fitted around by shrinking them. The view stays valid until the
// matching ReleaseLock.
func (a *Allocator) DataLock(ptr VPtrNum, size int, readonly bool) ([]byte, error) {
	if !a.started {
		return nil, ErrNotStarted
	}
	big := &a.tiers[TierBig]
	if ptr == 0 || size <= 0 || size > big.size {
		return nil, ErrInvalidAddress
	}

	var pinfo *pageInfo
	switch {
	case size <= a.tiers[TierSmall].size:
		pinfo = &a.tiers[TierSmall]
	case size <= a.tiers[TierMedium].size:
		pinfo = &a.tiers[TierMedium]
	default:
		pinfo = big
	}

	var secpinfo *pageInfo
	pageindex, oldlockindex, secoldlockindex := int8(-1), int8(-1), int8(-1)
	fixbeginningoverlap, done, shrunk := false, false, false

	for t := 0; t < int(tierEnd) && !done; t++ {
		pi := &a.tiers[t]
		for i := pi.lockedIndex; i != -1; {
			pg := &pi.pages[i]

			if pg.start == ptr {
				if pinfo != pi {
					if pg.locks == 0 {
						// Lock made earlier with a different size; drop it.
						var err error
						if i, err = a.freeLockedPage(pi, i); err != nil {
							return nil, err
						}
						continue
					}
					// Still referenced in another tier; adopt that page.
					// The existing tier may be smaller if the lock was
					// resized before, so clamp the request.
					if pi.size < pinfo.size && size > pi.size {
						size = pi.size
					}
					pinfo = pi
				} else if pg.size > size {
					// Requested less than resident: write out the excess
					// tail, then shrink. Shrinking cannot create overlap.
					if err := a.saveData(pg.pool[size:pg.size], pg.start+VPtrNum(size)); err != nil {
						return nil, err
					}
					pg.size = size
				}

				pageindex = i
				if pg.size == size {
					done = true
					break
				}
			} else {
				endoverlaps := ptr < pg.start && ptr+VPtrNum(size) > pg.start
				beginoverlaps := ptr > pg.start && ptr < pg.start+VPtrNum(pg.size)

				if pg.locks > 0 {
					if endoverlaps {
						size = int(pg.start - ptr) // shrink so it fits
						shrunk = true
					} else if beginoverlaps {
						fixbeginningoverlap = true
					}
				} else {
					if endoverlaps || beginoverlaps {
						// Unreferenced pages in the way may never be used
						// again; drop them now.
						var err error
						if i, err = a.freeLockedPage(pi, i); err != nil {
							return nil, err
						}
						continue
					}
					if oldlockindex == -1 {
						if pinfo == pi {
							oldlockindex = i
						} else if secoldlockindex == -1 && pinfo.size < pi.size {
							// Fallback eviction candidate in a bigger tier.
							secoldlockindex = i
							secpinfo = pi
						}
					}
				}
			}

			i = pi.pages[i].next
		}
	}

	// A request shrunk to dodge an overlap may fit a smaller tier now.
	// Big pages are precious, so only relocate away from the big tier.
	if shrunk && size <= a.tiers[TierMedium].size && pinfo == big &&
		(pageindex == -1 || pinfo.pages[pageindex].locks == 0) {
		oldpinfo := pinfo

		if size <= a.tiers[TierSmall].size {
			small := &a.tiers[TierSmall]
			if small.freeIndex != -1 {
				pinfo = small
			} else if index := a.findUnusedLockedPage(small); index != -1 {
				pinfo = small
				oldlockindex = index
			}
		}
		if oldpinfo == pinfo {
			medium := &a.tiers[TierMedium]
			if medium.freeIndex != -1 {
				pinfo = medium
			} else if index := a.findUnusedLockedPage(medium); index != -1 {
				pinfo = medium
				oldlockindex = index
			}
		}

		if pinfo != oldpinfo && pageindex != -1 {
			if _, err := a.freeLockedPage(oldpinfo, pageindex); err != nil {
				return nil, err
			}
			pageindex = -1
		}
	}

	if pageindex == -1 {
		if pinfo.freeIndex == -1 && oldlockindex == -1 {
			// Nothing available in the chosen tier; fall up.
			if pinfo.size < a.tiers[TierMedium].size && a.tiers[TierMedium].freeIndex != -1 {
				pinfo = &a.tiers[TierMedium]
			} else if pinfo.size < big.size && big.freeIndex != -1 {
				pinfo = big
			}
		}

		copyoffset := 0

		if pinfo.freeIndex != -1 {
			if pinfo == big {
				copyoffset = size // big pages arrive resident from lockPageAt
			}
			var err error
			if pageindex, err = a.lockPageAt(pinfo, ptr, size); err != nil {
				return nil, err
			}
		} else {
			if oldlockindex == -1 && secoldlockindex != -1 {
				pinfo = secpinfo
				oldlockindex = secoldlockindex
			}
			if oldlockindex == -1 {
				return nil, errNoLockPage
			}
			if err := a.syncLockedPage(&pinfo.pages[oldlockindex]); err != nil {
				return nil, err
			}
			pinfo.pages[oldlockindex].dirty = false
			pageindex = oldlockindex
		}

		if fixbeginningoverlap {
			// Shrink pages overlapping the beginning of the request and
			// take over their overlap region; their buffered bytes are
			// assumed most recent. This could not be done during the
			// scan, before knowing which page serves the request.
			for t := 0; t < int(tierEnd); t++ {
				pi := &a.tiers[t]
				for i := pi.lockedIndex; i != -1; i = pi.pages[i].next {
					pg := &pi.pages[i]
					if (i != pageindex || pi != pinfo) && ptr > pg.start &&
						ptr < pg.start+VPtrNum(pg.size) {
						offsetold := int(ptr - pg.start)
						copysize := pg.size - offsetold
						if copysize > size {
							copysize = size
						}
						copy(pinfo.pages[pageindex].pool[:copysize], pg.pool[offsetold:offsetold+copysize])
						if copysize > copyoffset {
							copyoffset = copysize
						}
						pg.size = offsetold // shrink the other so this one fits
					}
				}
			}
		}

		if copyoffset < size {
			if err := a.copyData(pinfo.pages[pageindex].pool[copyoffset:size], ptr+VPtrNum(copyoffset)); err != nil {
				return nil, err
			}
		}

		pinfo.pages[pageindex].start = ptr
	} else if size > pinfo.pages[pageindex].size {
		// The reused page grew: either it held a smaller lock before or
		// blocking overlaps have disappeared. Fill in the tail.
		offset := pinfo.pages[pageindex].size
		if err := a.copyData(pinfo.pages[pageindex].pool[offset:size], ptr+VPtrNum(offset)); err != nil {
			return nil, err
		}
	}

	pg := &pinfo.pages[pageindex]
	if !pg.dirty {
		pg.dirty = !readonly
	}
	pg.locks++
	pg.size = size
	return pg.pool[:size], nil
}

// FittingLock pins up to size bytes at ptr without resizing any existing
// lock: the request shrinks to stop short of referenced locks, and when
// ptr falls inside an existing lock that page is shared with the view
// offset into it. The length of the returned slice is the actual locked
// size, possibly smaller than requested. The view stays valid until the
// matching ReleaseLock.
func (a *Allocator) FittingLock(ptr VPtrNum, size int, readonly bool) ([]byte, error) {
	if !a.started {
		return nil, ErrNotStarted
	}
	if ptr == 0 || size <= 0 {
		return nil, ErrInvalidAddress
	}
	if size > a.tiers[TierBig].size {
		size = a.tiers[TierBig].size
	}

	unusedlist := [tierEnd]int8{-1, -1, -1}
	plistindex := -1
	pageindex := int8(-1)
	done := false

	for t := 0; t < int(tierEnd) && !done; t++ {
		pi := &a.tiers[t]
		for i := pi.lockedIndex; i != -1; {
			pg := &pi.pages[i]

			// Request starts inside this lock?
			if ptr >= pg.start && ptr < pg.start+VPtrNum(pg.size) {
				plistindex = t
				pageindex = i
				done = true
				break
			}

			// End overlaps with this lock?
			if ptr < pg.start && ptr+VPtrNum(size) > pg.start {
				if pg.locks == 0 {
					var err error
					if i, err = a.freeLockedPage(pi, i); err != nil {
						return nil, err
					}
					continue
				}
				size = int(pg.start - ptr) // shrink to avoid the overlap
			}

			if pg.locks == 0 && unusedlist[t] == -1 {
				unusedlist[t] = i
			}

			i = pi.pages[i].next
		}
	}

	offset := 0

	if pageindex == -1 {
		secpli := -1
		for t := 0; t < int(tierEnd); t++ {
			if a.tiers[t].freeIndex != -1 || unusedlist[t] != -1 {
				if size <= a.tiers[t].size {
					plistindex = t
				} else {
					secpli = t // remember in case nothing fits
				}
			}
		}

		if plistindex == -1 && secpli != -1 {
			plistindex = secpli
			size = a.tiers[plistindex].size
		}
		if plistindex == -1 {
			return nil, errNoLockPage
		}

		pi := &a.tiers[plistindex]
		syncpool := true
		if pi.freeIndex != -1 {
			var err error
			if pageindex, err = a.lockPageAt(pi, ptr, size); err != nil {
				return nil, err
			}
			syncpool = pi != &a.tiers[TierBig] // big pages arrive resident
		} else {
			pageindex = unusedlist[plistindex]
			if err := a.syncLockedPage(&pi.pages[pageindex]); err != nil {
				return nil, err
			}
			pi.pages[pageindex].dirty = false
		}

		if syncpool {
			if err := a.copyData(pi.pages[pageindex].pool[:size], ptr); err != nil {
				return nil, err
			}
		}

		pi.pages[pageindex].start = ptr
		pi.pages[pageindex].size = size
	} else {
		pg := &a.tiers[plistindex].pages[pageindex]
		offset = int(ptr - pg.start)
		// The page may start before the requested address; clip the
		// request to what is resident past the offset.
		if size > pg.size-offset {
			size = pg.size - offset
		}
	}

	pg := &a.tiers[plistindex].pages[pageindex]
	pg.locks++
	if !pg.dirty {
		pg.dirty = !readonly
	}

	return pg.pool[offset : offset+size], nil
}

// ReleaseLock drops one lock on the page containing ptr. When the last
// lock on a big page is released the slot returns to the big free ring so
// it can serve regular paged I/O again.
func (a *Allocator) ReleaseLock(ptr VPtrNum) error {
	if !a.started {
		return ErrNotStarted
	}
	pi, index := a.findLockedPage(ptr)
	if pi == nil || pi.pages[index].locks == 0 {
		return ErrLockMismatch
	}
	pg := &pi.pages[index]
	pg.locks--
	if pg.locks == 0 {
		big := &a.tiers[TierBig]
		if i := a.findLockedPageIn(big, ptr); i != -1 {
			if _, err := a.freeLockedPage(big, i); err != nil {
				return err
			}
		}
	}
	return nil
}
