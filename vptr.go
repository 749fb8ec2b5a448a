// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// VPtr is a typed virtual pointer: a value the width of one integer that
// names a byte in the active allocator's pool, or wraps a native pointer
// when the wrap flag is set. The zero value is the nil virtual pointer.
//
// T should be a plain-old-data type (no Go pointers, maps, slices or
// channels); its bytes are copied verbatim between RAM and the pool.
//
// VPtr operations consult the process-wide active allocator installed by
// Start and panic when none is active or on a store I/O fault, which the
// allocator treats as terminal. Use the Allocator methods directly when
// explicit error handling is needed.
type VPtr[T any] struct {
	ptr PtrNum
}

func sizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

func activeAlloc() *Allocator {
	if active == nil {
		panic("virtmem: no active allocator")
	}
	return active
}

func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("virtmem: %v", err))
	}
}

// VPtrFromRaw reconstructs a virtual pointer from its numeric carrier,
// the counterpart of Raw.
func VPtrFromRaw[T any](raw PtrNum) VPtr[T] { return VPtr[T]{ptr: raw} }

// VPtrFromAddr makes a typed virtual pointer from a raw virtual address.
func VPtrFromAddr[T any](addr VPtrNum) VPtr[T] { return VPtr[T]{ptr: PtrNum(addr)} }

// Wrap stores a native pointer inside a virtual pointer. All operations
// on the result bypass the allocator and act on v directly. The caller
// must keep v reachable for as long as the wrapped pointer is in use.
func Wrap[T any](v *T) VPtr[T] {
	return VPtr[T]{ptr: PtrNum(uintptr(unsafe.Pointer(v))) | wrapFlag}
}

// Unwrap returns the native pointer previously stored with Wrap.
// Panics if p does not wrap a native pointer.
func (p VPtr[T]) Unwrap() *T {
	if !p.IsWrapped() {
		panic("virtmem: unwrap of non-wrapped pointer")
	}
	return (*T)(unsafe.Pointer(uintptr(p.ptr &^ wrapFlag)))
}

// IsWrapped reports whether p wraps a native pointer.
func (p VPtr[T]) IsWrapped() bool { return p.ptr&wrapFlag != 0 }

// IsNil reports whether p is the nil pointer. A wrapped nil native
// pointer is nil as well.
func (p VPtr[T]) IsNil() bool { return p.ptr&^wrapFlag == 0 }

// Addr returns the virtual address p names. Panics for wrapped pointers,
// which have no virtual address.
func (p VPtr[T]) Addr() VPtrNum {
	if p.IsWrapped() {
		panic("virtmem: virtual address of wrapped pointer")
	}
	return VPtrNum(p.ptr)
}

// Raw returns the numeric carrier of p, including the wrap flag.
func (p VPtr[T]) Raw() PtrNum { return p.ptr }

// Add returns p advanced by n elements (n may be negative).
func (p VPtr[T]) Add(n int) VPtr[T] {
	return VPtr[T]{ptr: PtrNum(int64(p.ptr) + int64(n)*int64(sizeOf[T]()))}
}

// Sub returns p moved back by n elements.
func (p VPtr[T]) Sub(n int) VPtr[T] { return p.Add(-n) }

// Index returns a pointer to the i'th element after p.
func (p VPtr[T]) Index(i int) VPtr[T] { return p.Add(i) }

// Diff returns the element distance p - q. Both pointers must have the
// same wrap state; the result is undefined otherwise.
func (p VPtr[T]) Diff(q VPtr[T]) int {
	return int((int64(p.ptr&^wrapFlag) - int64(q.ptr&^wrapFlag)) / int64(sizeOf[T]()))
}

// Equal reports whether p and q name the same location. Pointers with
// different wrap states never compare equal.
func (p VPtr[T]) Equal(q VPtr[T]) bool {
	return p.ptr&^wrapFlag == q.ptr&^wrapFlag && p.IsWrapped() == q.IsWrapped()
}

// Less orders p before q by address. Comparing a wrapped against a
// non-wrapped pointer is undefined and reports false.
func (p VPtr[T]) Less(q VPtr[T]) bool {
	return p.ptr&^wrapFlag < q.ptr&^wrapFlag && p.IsWrapped() == q.IsWrapped()
}

// Get reads the pointee. The value travels through the page cache as one
// block; no lock is held after Get returns.
func (p VPtr[T]) Get() T {
	if p.IsNil() {
		panic("virtmem: nil pointer dereference")
	}
	if p.IsWrapped() {
		return *p.Unwrap()
	}
	var v T
	n := sizeOf[T]()
	b, err := activeAlloc().Read(VPtrNum(p.ptr), n)
	must(err)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), n), b)
	return v
}

// Set writes the pointee. The value travels through the page cache as one
// block; no lock is held after Set returns.
func (p VPtr[T]) Set(v T) {
	if p.IsNil() {
		panic("virtmem: nil pointer dereference")
	}
	if p.IsWrapped() {
		*p.Unwrap() = v
		return
	}
	n := sizeOf[T]()
	must(activeAlloc().Write(VPtrNum(p.ptr), unsafe.Slice((*byte)(unsafe.Pointer(&v)), n)))
}

// GetAt is shorthand for p.Index(i).Get().
func (p VPtr[T]) GetAt(i int) T { return p.Index(i).Get() }

// SetAt is shorthand for p.Index(i).Set(v).
func (p VPtr[T]) SetAt(i int, v T) { p.Index(i).Set(v) }

// Ref is a pinned view of a pointee: the member-access proxy. It holds a
// data lock covering exactly one T until Release.
type Ref[T any] struct {
	ptr  *T
	addr VPtrNum // 0 when the Ref wraps a native pointer
}

// Acquire pins the pointee in a page buffer and returns a Ref exposing a
// raw pointer to it. Field reads and writes through the pointer act on
// the pinned bytes. Release only drops the pin: the bytes stay in the lock
// page, where later reads and writes find them, and are written back when
// that page is reused.
//
// For wrapped pointers no lock is taken and the native pointer is
// exposed directly.
func (p VPtr[T]) Acquire() Ref[T] {
	if p.IsNil() {
		panic("virtmem: nil pointer dereference")
	}
	if p.IsWrapped() {
		return Ref[T]{ptr: p.Unwrap()}
	}
	addr := VPtrNum(p.ptr)
	b, err := activeAlloc().DataLock(addr, sizeOf[T](), false)
	must(err)
	return Ref[T]{ptr: (*T)(unsafe.Pointer(unsafe.SliceData(b))), addr: addr}
}

// AcquireRO is Acquire with a read-only lock: the pinned page is not
// marked dirty on Release unless something else dirtied it.
func (p VPtr[T]) AcquireRO() Ref[T] {
	if p.IsNil() {
		panic("virtmem: nil pointer dereference")
	}
	if p.IsWrapped() {
		return Ref[T]{ptr: p.Unwrap()}
	}
	addr := VPtrNum(p.ptr)
	b, err := activeAlloc().DataLock(addr, sizeOf[T](), true)
	must(err)
	return Ref[T]{ptr: (*T)(unsafe.Pointer(unsafe.SliceData(b))), addr: addr}
}

// Value returns the pinned pointer. Valid until Release.
func (r Ref[T]) Value() *T { return r.ptr }

// Release drops the lock. The pointer obtained from Value must not be
// used afterwards.
func (r Ref[T]) Release() {
	if r.addr != 0 {
		must(activeAlloc().ReleaseLock(r.addr))
	}
}

// AddrOf returns a virtual pointer wrapping the address of the pointer
// variable itself, enabling pointers to virtual pointers.
func AddrOf[T any](p *VPtr[T]) VPtr[VPtr[T]] { return Wrap(p) }

// Alloc reserves virtual memory for one T and returns a pointer to it.
// The returned pointer is nil if and only if err is non-nil.
func Alloc[T any]() (VPtr[T], error) { return AllocSize[T](sizeOf[T]()) }

// AllocSize reserves size bytes of virtual memory. This is the malloc
// analog: allocate n*sizeof(T) for an array of n elements.
func AllocSize[T any](size int) (VPtr[T], error) {
	p, err := activeAlloc().Alloc(size)
	if err != nil {
		return VPtr[T]{}, err
	}
	return VPtr[T]{ptr: PtrNum(p)}, nil
}

// Free returns the pointee's block to the heap and nils the pointer.
func Free[T any](p *VPtr[T]) error {
	if p.IsWrapped() {
		return ErrInvalidAddress
	}
	if err := activeAlloc().Free(VPtrNum(p.ptr)); err != nil {
		return err
	}
	p.ptr = 0
	return nil
}

// NewObj allocates one T and constructs it in place: init, when non-nil,
// runs on a scratch value that is then stored through the cache.
func NewObj[T any](init func(*T)) (VPtr[T], error) {
	p, err := Alloc[T]()
	if err != nil {
		return VPtr[T]{}, err
	}
	var v T
	if init != nil {
		init(&v)
	}
	p.Set(v)
	return p, nil
}

// DeleteObj runs the finalizer, when non-nil, on the pointee and frees
// the block.
func DeleteObj[T any](p *VPtr[T], fin func(*T)) error {
	if fin != nil {
		v := p.Get()
		fin(&v)
		p.Set(v)
	}
	return Free(p)
}

// arrayLenPrefix is the on-pool footprint of the element count stored in
// front of arrays made with NewArray.
const arrayLenPrefix = 4

// NewArray allocates and zero-initializes an array of n elements. The
// element count is kept in a prefix cell so DeleteArray can finalize
// every element; the returned pointer names the first element.
func NewArray[T any](n int) (VPtr[T], error) {
	if n <= 0 {
		return VPtr[T]{}, ErrInvalidAddress
	}
	esize := sizeOf[T]()
	base, err := activeAlloc().Alloc(esize*n + arrayLenPrefix)
	if err != nil {
		return VPtr[T]{}, err
	}
	var cnt [arrayLenPrefix]byte
	binary.LittleEndian.PutUint32(cnt[:], uint32(n))
	if err := activeAlloc().Write(base, cnt[:]); err != nil {
		return VPtr[T]{}, err
	}
	p := VPtr[T]{ptr: PtrNum(base + arrayLenPrefix)}
	var zero T
	for i := 0; i < n; i++ {
		p.SetAt(i, zero)
	}
	return p, nil
}

// DeleteArray finalizes each element, when fin is non-nil, and frees the
// array allocated with NewArray.
func DeleteArray[T any](p *VPtr[T], fin func(*T)) error {
	if p.IsNil() {
		return nil
	}
	a := activeAlloc()
	base := VPtrNum(p.ptr) - arrayLenPrefix
	b, err := a.Read(base, arrayLenPrefix)
	if err != nil {
		return err
	}
	n := int(binary.LittleEndian.Uint32(b))
	if fin != nil {
		for i := 0; i < n; i++ {
			v := p.GetAt(i)
			fin(&v)
			p.SetAt(i, v)
		}
	}
	if err := a.Free(base); err != nil {
		return err
	}
	p.ptr = 0
	return nil
}
