// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import (
	"bytes"
	"errors"
	"fmt"
)

// Swap-in preference order for pull, best first.
const (
	gotFull = iota
	gotPartial
	gotEmpty
	gotClean
	gotDirty
	gotNone
)

var errNoBigPage = errors.New("virtmem: no big page available")

// syncBigPage writes a dirty big page back to the store. The transfer is
// clipped at the end of the pool since the last page may extend past it.
func (a *Allocator) syncBigPage(pg *lockPage) error {
	if pg.start == 0 {
		return ErrInvalidAddress
	}
	if !pg.dirty {
		return nil
	}
	big := &a.tiers[TierBig]
	wrsize := a.poolSize - int(pg.start)
	if wrsize > big.size {
		wrsize = big.size
	}
	if _, err := a.store.WriteAt(pg.pool[:wrsize], int64(pg.start)); err != nil {
		return fmt.Errorf("virtmem: write back page at %d: %w", pg.start, err)
	}
	pg.dirty = false
	pg.cleanSkips = 0
	a.stats.BigPageWrites++
	a.stats.BytesWritten += wrsize
	return nil
}

// copyData assembles len(dst) bytes starting at pool address p, taking
// resident big-page content where available and reading the rest from the
// store. Big pages are never smaller than a copy, so at most two overlap.
func (a *Allocator) copyData(dst []byte, p VPtrNum) error {
	big := &a.tiers[TierBig]
	size := len(dst)

	for i := big.freeIndex; i != -1 && size > 0; i = big.pages[i].next {
		pg := &big.pages[i]
		if pg.start == 0 {
			continue
		}
		pageEnd := pg.start + VPtrNum(big.size)
		if p >= pg.start && p < pageEnd {
			off := int(p - pg.start)
			n := pg.size - off
			if n > size {
				n = size
			}
			if n <= 0 {
				continue
			}
			copy(dst[:n], pg.pool[off:])
			dst = dst[n:]
			p += VPtrNum(n)
			size -= n
		} else if p < pg.start && p+VPtrNum(size) > pg.start {
			off := int(pg.start - p)
			n := size - off
			if n > pg.size {
				n = pg.size
			}
			copy(dst[off:off+n], pg.pool)
			size = off
		}
	}

	if size > 0 {
		if _, err := a.store.ReadAt(dst[:size], int64(p)); err != nil {
			return fmt.Errorf("virtmem: read %d bytes at %d: %w", size, p, err)
		}
		a.stats.BytesRead += size
	}
	return nil
}

// saveData is the reverse of copyData: it pushes src out to pool address
// p, updating overlapping resident big pages in place (marking them dirty
// only when content actually changes) and writing the remainder straight
// to the store.
func (a *Allocator) saveData(src []byte, p VPtrNum) error {
	big := &a.tiers[TierBig]
	size := len(src)

	for i := big.freeIndex; i != -1 && size > 0; i = big.pages[i].next {
		pg := &big.pages[i]
		if pg.start == 0 {
			continue
		}
		pageEnd := pg.start + VPtrNum(big.size)
		if p >= pg.start && p < pageEnd {
			off := int(p - pg.start)
			n := pg.size - off
			if n > size {
				n = size
			}
			if n <= 0 {
				continue
			}
			if pg.dirty || !bytes.Equal(pg.pool[off:off+n], src[:n]) {
				copy(pg.pool[off:], src[:n])
				pg.dirty = true
			}
			src = src[n:]
			p += VPtrNum(n)
			size -= n
		} else if p < pg.start && p+VPtrNum(size) > pg.start {
			off := int(pg.start - p)
			n := size - off
			if n > pg.size {
				n = pg.size
			}
			if pg.dirty || !bytes.Equal(pg.pool[:n], src[off:off+n]) {
				copy(pg.pool, src[off:off+n])
				pg.dirty = true
			}
			size = off
		}
	}

	if size > 0 {
		if _, err := a.store.WriteAt(src[:size], int64(p)); err != nil {
			return fmt.Errorf("virtmem: write %d bytes at %d: %w", size, p, err)
		}
		a.stats.BytesWritten += size
	}
	return nil
}

// pull makes [p, p+size) resident in a big page and returns a view of it.
//
// Slot preference, scanning the free ring in order: a page already
// containing the range; a partially overlapping page (flushed and
// invalidated, as it must be cleared out anyway); an empty slot; a clean
// slot (a dirty one qualifies after pageMaxCleanSkips rejections); finally
// the dirty slot under the clock hand.
func (a *Allocator) pull(p VPtrNum, size int, readonly, forcestart bool) ([]byte, error) {
	if p == 0 || int(p) >= a.poolSize {
		return nil, ErrInvalidAddress
	}
	big := &a.tiers[TierBig]
	if size > big.size {
		return nil, ErrInvalidAddress
	}

	pageindex := a.findFreePage(big, p, size, forcestart)
	state := gotNone
	if pageindex != -1 {
		state = gotFull
	} else {
		newPageEnd := p + VPtrNum(big.size)
		for i := big.freeIndex; i != -1; i = big.pages[i].next {
			pg := &big.pages[i]
			if pg.start != 0 {
				pageEnd := pg.start + VPtrNum(big.size)
				if (p >= pg.start && p < pageEnd) ||
					(newPageEnd >= pg.start && newPageEnd <= pageEnd) {
					pageindex = i
					if err := a.syncBigPage(pg); err != nil {
						return nil, err
					}
					pg.start = 0 // invalidate
					state = gotPartial
				}
			} else if state != gotPartial {
				pageindex = i
				state = gotEmpty
			}

			if state > gotClean {
				if !pg.dirty {
					pageindex = i
					state = gotClean
				} else {
					pg.cleanSkips++
					if pg.cleanSkips >= pageMaxCleanSkips {
						pageindex = i
						state = gotClean
					} else if state != gotDirty && i == a.nextPageToSwap {
						pageindex = i
						state = gotDirty
					}
				}
			}
		}
	}

	if pageindex == -1 {
		return nil, errNoBigPage
	}
	pg := &big.pages[pageindex]

	if state != gotFull {
		if pg.start != 0 {
			if err := a.syncBigPage(pg); err != nil {
				return nil, err
			}
		}

		if state == gotDirty {
			a.nextPageToSwap = pg.next
			if a.nextPageToSwap == -1 {
				a.nextPageToSwap = big.freeIndex
			}
		} else {
			a.nextPageToSwap = big.freeIndex
		}

		pg.start = p
		rdsize := a.poolSize - int(pg.start)
		if rdsize > big.size {
			rdsize = big.size
		}
		if _, err := a.store.ReadAt(pg.pool[:rdsize], int64(pg.start)); err != nil {
			pg.start = 0
			return nil, fmt.Errorf("virtmem: load page at %d: %w", p, err)
		}
		a.stats.BigPageReads++
		a.stats.BytesRead += rdsize
	}

	if !readonly {
		pg.dirty = true
	}

	off := int(p - pg.start)
	return pg.pool[off : off+size], nil
}

// push writes src to pool address p through a writable pull.
func (a *Allocator) push(p VPtrNum, src []byte) error {
	dst, err := a.pull(p, len(src), false, false)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}
