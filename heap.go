// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Heap allocator over the virtual address space, based on memmgr by
// Eli Bendersky (https://github.com/eliben/code-for-blog/tree/master/2008/memmgr):
// first fit on a circular free list sorted by ascending address, with the
// roving head at the block touched last. Block headers live in virtual
// memory and are accessed through the page cache; only the list sentinel
// at address 1 is kept in RAM.

package virtmem

// getMem carves a fresh block of at least size header units off the raw
// pool high-water mark and feeds it to Free, so the ongoing Alloc scan
// discovers it on the next lap. Returns 0 when the pool is used up.
func (a *Allocator) getMem(size uint32) (VPtrNum, error) {
	if size < minAllocSize {
		size = minAllocSize
	}
	total := int(size) * headerSize

	if int(a.poolFreePos)+total > a.poolSize {
		return 0, nil
	}

	if err := a.updateHeader(a.poolFreePos, memHeader{next: 0, size: size}); err != nil {
		return 0, err
	}
	// Balances the subtraction done by the Free call below.
	a.stats.MemUsed += total
	if err := a.Free(a.poolFreePos + headerSize); err != nil {
		return 0, err
	}
	a.poolFreePos += VPtrNum(total)

	return a.freePointer, nil
}

// Alloc reserves size bytes of virtual memory and returns the address of
// the first usable byte. The address stays stable until freed. Returns
// ErrPoolExhausted with a zero address when no block fits.
func (a *Allocator) Alloc(size int) (VPtrNum, error) {
	if !a.started {
		return 0, ErrNotStarted
	}
	if size <= 0 {
		return 0, ErrInvalidAddress
	}
	quantity := uint32((size+headerSize-1)/headerSize + 1)
	prevp := a.freePointer

	// First call: set up the degenerate sentinel block pointing to itself.
	if prevp == 0 {
		a.baseFreeList = memHeader{next: baseIndex, size: 0}
		a.freePointer = baseIndex
		prevp = baseIndex
	}

	h, err := a.getHeader(prevp)
	if err != nil {
		return 0, err
	}
	p := h.next

	for {
		h, err = a.getHeader(p)
		if err != nil {
			return 0, err
		}

		if h.size >= quantity {
			a.stats.MemUsed += int(quantity) * headerSize
			if a.stats.MemUsed > a.stats.MaxMemUsed {
				a.stats.MaxMemUsed = a.stats.MemUsed
			}

			if h.size == quantity {
				// Exact fit: unlink the block.
				prevh, err := a.getHeader(prevp)
				if err != nil {
					return 0, err
				}
				prevh.next = h.next
				if err := a.updateHeader(prevp, prevh); err != nil {
					return 0, err
				}
			} else {
				// Too big: shrink the block and return its tail.
				h.size -= quantity
				if err := a.updateHeader(p, h); err != nil {
					return 0, err
				}
				p += VPtrNum(h.size) * headerSize
				tail, err := a.getHeader(p)
				if err != nil {
					return 0, err
				}
				tail.size = quantity
				if err := a.updateHeader(p, tail); err != nil {
					return 0, err
				}
			}

			a.freePointer = prevp
			return p + headerSize, nil
		}

		if p == a.freePointer {
			// Wrapped around without a fit: grow from the raw pool.
			// getMem inserts the new block into the free list, so the
			// next laps will find it.
			p, err = a.getMem(quantity)
			if err != nil {
				return 0, err
			}
			if p == 0 {
				return 0, ErrPoolExhausted
			}
			h, err = a.getHeader(p)
			if err != nil {
				return 0, err
			}
		}

		prevp = p
		p = h.next
		if p == 0 {
			return 0, ErrInvalidAddress
		}
	}
}

// Free returns the block at p to the free list, splicing it in at its
// address-sorted position and coalescing with contiguous neighbors. The
// free pointer is left at the (possibly merged) predecessor so the next
// Alloc starts near the freed region.
func (a *Allocator) Free(p VPtrNum) error {
	if !a.started {
		return ErrNotStarted
	}
	if p == 0 {
		return nil
	}
	if a.freePointer == 0 || p < startOffset+headerSize {
		return ErrInvalidAddress
	}

	hdrptr := p - headerSize
	blockh, err := a.getHeader(hdrptr)
	if err != nil {
		return err
	}

	a.stats.MemUsed -= int(blockh.size) * headerSize

	// Find the insertion point; the free list is circular and sorted by
	// ascending address, with one wrap-around link from the highest block
	// back to the lowest.
	q := a.freePointer
	ch, err := a.getHeader(q)
	if err != nil {
		return err
	}
	for !(hdrptr > q && hdrptr < ch.next) {
		if q >= ch.next && (hdrptr > q || hdrptr < ch.next) {
			break
		}
		q = ch.next
		ch, err = a.getHeader(q)
		if err != nil {
			return err
		}
	}

	prevh := ch

	// Merge with the higher neighbor if contiguous.
	if hdrptr+VPtrNum(blockh.size)*headerSize == prevh.next {
		nexth, err := a.getHeader(prevh.next)
		if err != nil {
			return err
		}
		blockh.size += nexth.size
		blockh.next = nexth.next
	} else {
		blockh.next = prevh.next
	}
	if err := a.updateHeader(hdrptr, blockh); err != nil {
		return err
	}

	// Merge with the lower neighbor if contiguous.
	if q+VPtrNum(prevh.size)*headerSize == hdrptr {
		prevh.size += blockh.size
		prevh.next = blockh.next
	} else {
		prevh.next = hdrptr
	}
	if err := a.updateHeader(q, prevh); err != nil {
		return err
	}

	a.freePointer = q
	return nil
}
