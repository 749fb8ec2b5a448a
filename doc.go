// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package virtmem provides a software virtual-memory layer: it lets code
// address a large, slow backing store — a file, a RAM buffer, a
// serial-attached host — through virtual pointers that transparently page
// data in and out of a small, fixed set of in-RAM page buffers.
//
// The design targets severely memory-constrained systems where a few
// kilobytes of buffers must front hundreds of kilobytes to megabytes of
// pool, so every structure is fixed-size, every list is an index chain
// through a static array, and nothing allocates after Start.
//
// # Page Tiers
//
// Each allocator owns three tiers of page buffers:
//
//	Tier      Default     Used For
//	────      ───────     ────────
//	Small     4 × 64 B    locks on scalars and tiny structs
//	Medium    4 × 256 B   locks on larger structs
//	Big       4 × 32 KiB  all regular paged I/O, large locks
//
// Only big pages serve implicit paging: reads and writes that are not
// covered by a lock always travel through a big page, which is selected
// by a ranked eviction scan (resident page first, then partial overlaps,
// empty slots, clean pages, and finally dirty pages in clock order).
// Small and medium pages exist purely to pin ranges for locks without
// burning a big page.
//
// # Heap
//
// On top of the paged pool runs a first-fit heap allocator with a
// circular, address-sorted free list whose block headers are themselves
// stored in virtual memory. Alloc hands out stable virtual addresses;
// Free coalesces with both neighbors.
//
// # Virtual Pointers
//
// VPtr[T] is a one-integer value type that behaves like a pointer:
//
//	p, _ := virtmem.Alloc[int32]()
//	p.Set(55)
//	v := p.Get()              // one read through the page cache
//	q := p.Add(3)             // element-scaled arithmetic
//
//	s, _ := virtmem.Alloc[Header]()
//	r := s.Acquire()          // pin a struct, get a real *T
//	r.Value().Flags = 7
//	r.Release()
//
// A VPtr can also wrap a native pointer (the carrier's top bit marks it);
// all operations then bypass the allocator, which lets the same generic
// code run on mixed virtual and ordinary memory.
//
// # Locks
//
// Explicit spans are pinned with fitting locks, which shrink themselves
// rather than disturb existing locks:
//
//	l, _ := virtmem.MakeLock(buf, 4096, false)
//	b := l.Bytes()            // len(b) is the actual pinned size
//	...
//	l.Unlock()
//
// The memory functions (Memcpy, Memset, Memcmp, Strlen, Strcpy, Strncpy,
// Strcmp, Strncmp) accept any mix of virtual pointers and raw slices and
// move data in page-sized chunks through fitting locks.
//
// # Stores
//
// The backing store is anything implementing Store: blocking byte-range
// reads and writes plus Start/Stop. MemStore keeps the pool in RAM,
// FileStore on disk, and SerialStore on a remote host over a byte-exact
// little-endian wire protocol (sentinel 0xFF, opcodes INIT, INITPOOL,
// READ, WRITE, input passthrough, PING).
//
// # Concurrency
//
// The allocator is strictly single-threaded: no operation may preempt
// another, raw views returned by Read stay valid only until the next
// call, and locked views until their release. Pool operations of the
// serial store block for the duration of the exchange.
//
// # Dependencies
//
// virtmem depends on:
//   - iox: semantic error types (ErrWouldBlock) and adaptive waiting
//   - spin: spin-wait primitives for serial polling loops
//   - go.bug.st/serial: real serial ports behind SerialStream
package virtmem
