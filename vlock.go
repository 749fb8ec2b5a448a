// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import "unsafe"

// VPtrLock is an explicit scoped lock over a span of virtual memory,
// taken with a fitting lock: it never resizes pre-existing locks and may
// cover less than requested. Always work against Len after locking.
//
// For wrapped pointers no allocator lock is taken; Bytes simply views the
// native memory.
type VPtrLock[T any] struct {
	p        VPtr[T]
	reqSize  int
	readonly bool
	data     []byte
}

// MakeLock pins up to size bytes starting at p and returns the lock.
// The actual pinned length is Len, at most the big page size and clipped
// further to avoid overlapping pre-existing locks.
func MakeLock[T any](p VPtr[T], size int, readonly bool) (*VPtrLock[T], error) {
	l := &VPtrLock[T]{p: p, reqSize: size, readonly: readonly}
	if err := l.Lock(); err != nil {
		return nil, err
	}
	return l, nil
}

// Lock re-acquires a lock released with Unlock, with the original
// parameters.
func (l *VPtrLock[T]) Lock() error {
	if l.data != nil {
		return ErrLockMismatch
	}
	if l.p.IsWrapped() {
		l.data = unsafe.Slice((*byte)(unsafe.Pointer(l.p.Unwrap())), l.reqSize)
		return nil
	}
	b, err := activeAlloc().FittingLock(VPtrNum(l.p.ptr), l.reqSize, l.readonly)
	if err != nil {
		return err
	}
	l.data = b
	return nil
}

// Unlock releases the lock. Safe to call twice.
func (l *VPtrLock[T]) Unlock() error {
	if l.data == nil {
		return nil
	}
	l.data = nil
	if l.p.IsWrapped() {
		return nil
	}
	return activeAlloc().ReleaseLock(VPtrNum(l.p.ptr))
}

// Clone takes an additional lock on the same span, so both values can be
// unlocked independently.
func (l *VPtrLock[T]) Clone() (*VPtrLock[T], error) {
	return MakeLock(l.p, l.reqSize, l.readonly)
}

// Bytes returns the pinned bytes; its length is the actual locked size.
// Valid until Unlock.
func (l *VPtrLock[T]) Bytes() []byte { return l.data }

// Len returns the actual locked size in bytes, possibly smaller than
// requested.
func (l *VPtrLock[T]) Len() int { return len(l.data) }

// Slice views the pinned bytes as elements of T. Only whole resident
// elements are included. The element type must not require stricter
// alignment than AlignSize when the lock starts at a page base; offset
// locks are only alignment-safe for byte-like element types.
func (l *VPtrLock[T]) Slice() []T {
	esize := sizeOf[T]()
	n := len(l.data) / esize
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(l.data))), n)
}
