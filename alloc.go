// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

const (
	// baseIndex is the reserved virtual address of the free-list
	// sentinel. The sentinel lives in RAM, never in the pool.
	baseIndex VPtrNum = 1

	// startOffset keeps the first alignment unit unallocated so that
	// address 0 stays distinct as the nil pointer.
	startOffset = AlignSize

	// headerSize is the on-pool footprint of a block header, one
	// alignment unit. Heap sizes count in units of it.
	headerSize = AlignSize

	// minAllocSize is the minimum carve from the raw pool, in header
	// units, applied to reduce fragmentation of tiny allocations.
	minAllocSize = 16

	// pageMaxCleanSkips bounds how often a dirty page may be passed
	// over in favor of clean eviction candidates.
	pageMaxCleanSkips = 5
)

// memHeader is a heap block header: the link to the next free block and
// the block size in header units. It is stored little-endian in the
// first 8 bytes of its alignment unit.
type memHeader struct {
	next VPtrNum
	size uint32
}

// lockPage is one page-buffer slot of a tier.
type lockPage struct {
	start      VPtrNum // pool address of the first resident byte; 0 = empty
	size       int     // resident length; locks may shrink it below the tier size
	pool       []byte  // this slot's slice of the tier buffer, full tier size
	locks      uint8
	cleanSkips uint8
	dirty      bool
	next       int8 // successor in the free or locked ring; -1 terminates
}

// pageInfo is the per-tier state: the slot array and the two intrusive
// rings threaded through lockPage.next.
type pageInfo struct {
	pages       []lockPage
	size        int
	freeIndex   int8
	lockedIndex int8
}

// Stats are the allocator's cumulative counters since Start (or the last
// ResetStats).
type Stats struct {
	MemUsed    int // bytes currently allocated from the heap
	MaxMemUsed int // high-water mark of MemUsed

	BigPageReads  int // big pages loaded from the store
	BigPageWrites int // big pages written back to the store
	BytesRead     int // bytes read from the store
	BytesWritten  int // bytes written to the store
}

// active is the process-wide allocator slot consulted by the VPtr layer.
// It is installed by Start and cleared by Stop; only one allocator can be
// active at a time.
var active *Allocator

// Allocator is the demand-paged virtual memory core: the three page-buffer
// tiers, the heap free list, and the lock bookkeeping, all paging against
// a Store.
//
// An Allocator must not be copied and must not be used from more than one
// goroutine. All operations may block for up to two store transfers of
// BigPageSize bytes.
type Allocator struct {
	_ noCopy

	store Store
	cfg   Config

	poolSize int
	tiers    [tierEnd]pageInfo

	baseFreeList memHeader
	freePointer  VPtrNum
	poolFreePos  VPtrNum

	nextPageToSwap int8

	stats   Stats
	started bool
}

// New creates an inert allocator over store with the given page geometry.
// Panics if cfg is invalid; call Start before any other operation.
func New(store Store, cfg Config) *Allocator {
	cfg.validate()
	a := &Allocator{store: store, cfg: cfg}
	tiers := []struct {
		t           PageTier
		count, size int
	}{
		{TierSmall, cfg.SmallPageCount, cfg.SmallPageSize},
		{TierMedium, cfg.MediumPageCount, cfg.MediumPageSize},
		{TierBig, cfg.BigPageCount, cfg.BigPageSize},
	}
	for _, tc := range tiers {
		pi := &a.tiers[tc.t]
		pi.size = tc.size
		pi.pages = make([]lockPage, tc.count)
		pool := alignedMem(tc.count*tc.size, AlignSize)
		for i := range pi.pages {
			pi.pages[i].pool = pool[i*tc.size : (i+1)*tc.size : (i+1)*tc.size]
		}
	}
	return a
}

// Start initializes the free list and the page rings, starts the store,
// and installs this allocator as the process-wide instance.
func (a *Allocator) Start() error {
	if a.started {
		return ErrAlreadyStarted
	}
	if active != nil {
		return ErrAlreadyStarted
	}

	a.freePointer = 0
	a.nextPageToSwap = 0
	a.baseFreeList = memHeader{}
	a.poolFreePos = startOffset + headerSize
	a.stats = Stats{}

	for t := range a.tiers {
		pi := &a.tiers[t]
		pi.freeIndex = 0
		pi.lockedIndex = -1
		for i := range pi.pages {
			pg := &pi.pages[i]
			if i == len(pi.pages)-1 {
				pg.next = -1
			} else {
				pg.next = int8(i + 1)
			}
			if PageTier(t) == TierBig {
				pg.size = pi.size
			} else {
				pg.size = 0
			}
			pg.start = 0
			pg.locks = 0
			pg.cleanSkips = 0
			pg.dirty = false
		}
	}

	size, err := a.store.Start(a.cfg.PoolSize)
	if err != nil {
		return fmt.Errorf("virtmem: start store: %w", err)
	}
	if size < int(a.poolFreePos)+headerSize {
		a.store.Stop()
		return fmt.Errorf("virtmem: pool of %d bytes is too small", size)
	}
	a.poolSize = size

	a.started = true
	active = a
	return nil
}

// Stop flushes all dirty unlocked big pages, quiesces the store, and releases the
// process-wide instance slot.
func (a *Allocator) Stop() error {
	if !a.started {
		return ErrNotStarted
	}
	ferr := a.Flush()
	serr := a.store.Stop()
	a.started = false
	if active == a {
		active = nil
	}
	if ferr != nil {
		return ferr
	}
	return serr
}

// Read returns a view of size bytes at virtual address p. The returned
// slice aliases a page buffer and stays valid only until the next
// allocator operation. A locked page that only partly overlaps the range
// is first written into a big page, which is then marked dirty.
func (a *Allocator) Read(p VPtrNum, size int) ([]byte, error) {
	if !a.started {
		return nil, ErrNotStarted
	}
	if p == 0 || size < 0 || int(p)+size > a.poolSize {
		return nil, ErrInvalidAddress
	}
	pend := p + VPtrNum(size)

	// A locked page fully containing the range serves it directly. A
	// partial overlap is first mirrored out through the big pages so a
	// contiguous view can be assembled below.
	for t := range a.tiers {
		pi := &a.tiers[t]
		for i := pi.lockedIndex; i != -1; i = pi.pages[i].next {
			pg := &pi.pages[i]
			beginOverlaps := p >= pg.start && p < pg.start+VPtrNum(pg.size)
			endOverlaps := p < pg.start && pend > pg.start

			if beginOverlaps {
				off := int(p - pg.start)
				if off+size <= pg.size {
					return pg.pool[off : off+size], nil
				}
			}
			if beginOverlaps || endOverlaps {
				if err := a.push(pg.start, pg.pool[:pg.size]); err != nil {
					return nil, err
				}
			}
		}
	}

	return a.pull(p, size, true, false)
}

// Write copies src to virtual address p. Overlapping locked pages receive
// their portion in place and are marked dirty. Unless one locked page
// covers all of src, the whole of src is also written through the
// big-page cache.
func (a *Allocator) Write(p VPtrNum, src []byte) error {
	if !a.started {
		return ErrNotStarted
	}
	size := len(src)
	if p == 0 || int(p)+size > a.poolSize {
		return ErrInvalidAddress
	}
	pend := p + VPtrNum(size)

	for t := range a.tiers {
		pi := &a.tiers[t]
		for i := pi.lockedIndex; i != -1; i = pi.pages[i].next {
			pg := &pi.pages[i]
			beginOverlaps := p >= pg.start && p < pg.start+VPtrNum(pg.size)
			endOverlaps := p < pg.start && pend > pg.start

			if !pg.dirty && (beginOverlaps || endOverlaps) {
				pg.dirty = true
			}

			if beginOverlaps {
				off := int(p - pg.start)
				if off+size <= pg.size {
					copy(pg.pool[off:], src)
					return nil
				}
				copy(pg.pool[off:pg.size], src)
			} else if endOverlaps {
				off := int(pg.start - p)
				n := size - off
				if n > pg.size {
					n = pg.size
				}
				copy(pg.pool, src[off:off+n])
			}
		}
	}

	return a.push(p, src)
}

// Flush writes every dirty unlocked big page back to the store, leaving
// the pages resident.
func (a *Allocator) Flush() error {
	if !a.started {
		return ErrNotStarted
	}
	big := &a.tiers[TierBig]
	for i := big.freeIndex; i != -1; i = big.pages[i].next {
		if big.pages[i].start != 0 {
			if err := a.syncBigPage(&big.pages[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ClearPages flushes and then invalidates every unlocked big page, forcing
// subsequent accesses to reload from the store. Locked pages are left
// untouched.
func (a *Allocator) ClearPages() error {
	if !a.started {
		return ErrNotStarted
	}
	big := &a.tiers[TierBig]
	for i := big.freeIndex; i != -1; i = big.pages[i].next {
		if big.pages[i].start != 0 {
			if err := a.syncBigPage(&big.pages[i]); err != nil {
				return err
			}
			big.pages[i].start = 0
		}
	}
	return nil
}

// PoolSize returns the size of the memory pool in bytes. Some of it is
// used for bookkeeping, so the full amount cannot be allocated.
func (a *Allocator) PoolSize() int { return a.poolSize }

// PageCount returns the number of page slots in the given tier.
func (a *Allocator) PageCount(t PageTier) int { return len(a.tiers[t].pages) }

// PageSize returns the page size of the given tier in bytes.
func (a *Allocator) PageSize(t PageTier) int { return a.tiers[t].size }

// FreeBigPages returns the number of big pages currently holding no data.
func (a *Allocator) FreeBigPages() int {
	big := &a.tiers[TierBig]
	n := 0
	for i := big.freeIndex; i != -1; i = big.pages[i].next {
		if big.pages[i].start == 0 {
			n++
		}
	}
	return n
}

// UnlockedPages returns the number of pages of the given tier that carry
// no outstanding lock, counting both free-ring slots and unreferenced
// locked-ring slots.
func (a *Allocator) UnlockedPages(t PageTier) int {
	pi := &a.tiers[t]
	n := 0
	for i := pi.freeIndex; i != -1; i = pi.pages[i].next {
		n++
	}
	for i := pi.lockedIndex; i != -1; i = pi.pages[i].next {
		if pi.pages[i].locks == 0 {
			n++
		}
	}
	return n
}

// Stats returns the cumulative counters since Start or the last ResetStats.
func (a *Allocator) Stats() Stats { return a.stats }

// ResetStats zeroes all counters.
func (a *Allocator) ResetStats() { a.stats = Stats{} }

func decodeHeader(b []byte) memHeader {
	return memHeader{
		next: VPtrNum(binary.LittleEndian.Uint32(b)),
		size: binary.LittleEndian.Uint32(b[4:]),
	}
}

func encodeHeader(b []byte, h memHeader) {
	binary.LittleEndian.PutUint32(b, uint32(h.next))
	binary.LittleEndian.PutUint32(b[4:], h.size)
}

// getHeader reads a block header through the page cache. The sentinel at
// baseIndex is served from its RAM copy.
func (a *Allocator) getHeader(p VPtrNum) (memHeader, error) {
	if p == baseIndex {
		return a.baseFreeList, nil
	}
	b, err := a.Read(p, headerSize)
	if err != nil {
		return memHeader{}, err
	}
	return decodeHeader(b), nil
}

// updateHeader writes a block header through the page cache.
func (a *Allocator) updateHeader(p VPtrNum, h memHeader) error {
	if p == baseIndex {
		a.baseFreeList = h
		return nil
	}
	var b [headerSize]byte
	encodeHeader(b[:], h)
	return a.Write(p, b[:])
}

// alignedMem returns a byte slice of the given size whose base address is
// aligned to align. The slice shares backing memory with a slightly larger
// allocation, so page bases stay aligned after carving.
func alignedMem(size int, align uintptr) []byte {
	p := make([]byte, uintptr(size)+align-1)
	base := unsafe.Pointer(unsafe.SliceData(p))
	offset := ((uintptr(base)+align-1)/align)*align - uintptr(base)
	return unsafe.Slice((*byte)(unsafe.Add(base, offset)), size)
}
