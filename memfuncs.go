// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import (
	"bytes"
	"math"
	"unsafe"
)

// MemArg is the argument constraint of the memory functions: either a
// virtual pointer (possibly wrapping native memory) or a raw byte slice
// made with Raw. Sizes are always in bytes regardless of the pointer's
// element type.
type MemArg interface {
	memSide() memSide
}

// RawBytes adapts a byte slice as a memory-function argument.
type RawBytes struct {
	b []byte
}

// Raw makes a memory-function argument from a byte slice. Operations
// never touch memory beyond the slice length.
func Raw(b []byte) RawBytes { return RawBytes{b: b} }

func (r RawBytes) memSide() memSide { return memSide{raw: r.b} }

func (p VPtr[T]) memSide() memSide {
	if p.IsWrapped() {
		return memSide{ptr: unsafe.Pointer(p.Unwrap())}
	}
	return memSide{a: activeAlloc(), addr: VPtrNum(p.ptr)}
}

// memSide is one side of a chunked memory operation. Exactly one of the
// three representations is active: a virtual address (a != nil), a
// bounded raw slice, or an unbounded native pointer from a wrapped
// virtual pointer.
type memSide struct {
	a    *Allocator
	addr VPtrNum
	raw  []byte
	ptr  unsafe.Pointer
}

func (s *memSide) isVirt() bool { return s.a != nil }

// pageLimit is the largest chunk this side can pin at once.
func (s *memSide) pageLimit() int {
	if s.isVirt() {
		return s.a.PageSize(TierBig)
	}
	if s.ptr == nil {
		return len(s.raw)
	}
	return math.MaxInt32
}

// lock pins up to n bytes and returns the view plus a release function.
// The view may be shorter than n.
func (s *memSide) lock(n int, readonly bool) ([]byte, func() error, error) {
	noop := func() error { return nil }
	switch {
	case s.isVirt():
		addr := s.addr
		b, err := s.a.FittingLock(addr, n, readonly)
		if err != nil {
			return nil, nil, err
		}
		return b, func() error { return s.a.ReleaseLock(addr) }, nil
	case s.ptr != nil:
		return unsafe.Slice((*byte)(s.ptr), n), noop, nil
	default:
		if n > len(s.raw) {
			n = len(s.raw)
		}
		return s.raw[:n], noop, nil
	}
}

func (s *memSide) advance(n int) {
	switch {
	case s.isVirt():
		s.addr += VPtrNum(n)
	case s.ptr != nil:
		s.ptr = unsafe.Add(s.ptr, n)
	default:
		s.raw = s.raw[n:]
	}
}

// native returns the full native view of a non-virtual side, when the
// requested size is known, so raw-to-raw operations skip the chunk loop.
func (s *memSide) native(n int) []byte {
	if s.ptr != nil {
		if n > math.MaxInt32 {
			n = math.MaxInt32
		}
		return unsafe.Slice((*byte)(s.ptr), n)
	}
	if n > len(s.raw) {
		n = len(s.raw)
	}
	return s.raw[:n]
}

func sameLocation(a, b memSide) bool {
	if a.isVirt() != b.isVirt() {
		return false
	}
	if a.isVirt() {
		return a.a == b.a && a.addr == b.addr
	}
	an, bn := a.ptr, b.ptr
	if an == nil && len(a.raw) > 0 {
		an = unsafe.Pointer(unsafe.SliceData(a.raw))
	}
	if bn == nil && len(b.raw) > 0 {
		bn = unsafe.Pointer(unsafe.SliceData(b.raw))
	}
	return an != nil && an == bn
}

// maxLockSize bounds the per-iteration chunk: each side's page limit,
// and the address distance when both sides are virtual in the same
// allocator, so the two fitting locks can never alias one buffer.
func maxLockSize(a, b memSide) int {
	ret := a.pageLimit()
	if l := b.pageLimit(); l < ret {
		ret = l
	}
	if a.isVirt() && b.isVirt() && a.a == b.a {
		d := int(a.addr) - int(b.addr)
		if d < 0 {
			d = -d
		}
		if d > 0 && d < ret {
			ret = d
		}
	}
	return ret
}

// copier transfers one chunk and reports whether copying should continue.
type copier func(dst, src []byte) bool

// comparator compares one chunk; done signals early termination.
type comparator func(a, b []byte) (cmp int, done bool)

// rawCopy is the generalized chunked copy behind Memcpy, Strcpy and
// Strncpy. size caps the total transfer; unbounded string copies pass
// math.MaxInt and rely on the copier to stop.
func rawCopy(dst, src memSide, size int, cp copier) error {
	if size == 0 || sameLocation(dst, src) {
		return nil
	}

	// Both sides native: one straight pass.
	if !dst.isVirt() && !src.isVirt() {
		d, s := dst.native(size), src.native(size)
		if len(s) < len(d) {
			d = d[:len(s)]
		} else {
			s = s[:len(d)]
		}
		cp(d, s)
		return nil
	}

	maxlock := maxLockSize(dst, src)
	if maxlock <= 0 {
		return nil
	}
	left := size
	for left > 0 {
		n := left
		if n > maxlock {
			n = maxlock
		}
		db, drel, err := dst.lock(n, false)
		if err != nil {
			return err
		}
		if len(db) < n {
			n = len(db)
		}
		sb, srel, err := src.lock(n, true)
		if err != nil {
			drel()
			return err
		}
		if len(sb) < n {
			n = len(sb)
		}

		cont := cp(db[:n], sb[:n])

		if err := srel(); err != nil {
			drel()
			return err
		}
		if err := drel(); err != nil {
			return err
		}
		if !cont || n == 0 {
			return nil
		}
		dst.advance(n)
		src.advance(n)
		left -= n
	}
	return nil
}

// rawCompare is the generalized chunked compare behind Memcmp, Strcmp and
// Strncmp.
func rawCompare(s1, s2 memSide, size int, cmp comparator) (int, error) {
	if size == 0 || sameLocation(s1, s2) {
		return 0, nil
	}

	if !s1.isVirt() && !s2.isVirt() {
		b1, b2 := s1.native(size), s2.native(size)
		if len(b2) < len(b1) {
			b1 = b1[:len(b2)]
		} else {
			b2 = b2[:len(b1)]
		}
		c, _ := cmp(b1, b2)
		return c, nil
	}

	maxlock := maxLockSize(s1, s2)
	if maxlock <= 0 {
		return 0, nil
	}
	left := size
	for left > 0 {
		n := left
		if n > maxlock {
			n = maxlock
		}
		b1, rel1, err := s1.lock(n, true)
		if err != nil {
			return 0, err
		}
		if len(b1) < n {
			n = len(b1)
		}
		b2, rel2, err := s2.lock(n, true)
		if err != nil {
			rel1()
			return 0, err
		}
		if len(b2) < n {
			n = len(b2)
		}

		c, done := cmp(b1[:n], b2[:n])

		if err := rel2(); err != nil {
			rel1()
			return 0, err
		}
		if err := rel1(); err != nil {
			return 0, err
		}
		if c != 0 || done {
			return c, nil
		}
		if n == 0 {
			return 0, nil
		}
		s1.advance(n)
		s2.advance(n)
		left -= n
	}
	return 0, nil
}

func memCopier(dst, src []byte) bool {
	copy(dst, src)
	return true
}

// strCopier copies until and including a terminator, then aborts without
// padding.
func strCopier(dst, src []byte) bool {
	if i := bytes.IndexByte(src, 0); i != -1 {
		copy(dst, src[:i+1])
		return false
	}
	copy(dst, src)
	return true
}

// strnCopier copies like strncpy within the chunk: after a terminator the
// remainder of the chunk is zero-filled and copying stops.
func strnCopier(dst, src []byte) bool {
	if i := bytes.IndexByte(src, 0); i != -1 {
		n := copy(dst, src[:i+1])
		for j := n; j < len(dst); j++ {
			dst[j] = 0
		}
		return false
	}
	copy(dst, src)
	return true
}

func memComparator(b1, b2 []byte) (int, bool) {
	return bytes.Compare(b1, b2), false
}

// strComparator compares like strcmp within the chunk: unequal bytes or a
// shared terminator end the comparison.
func strComparator(b1, b2 []byte) (int, bool) {
	n := len(b1)
	if len(b2) < n {
		n = len(b2)
	}
	for i := 0; i < n; i++ {
		if b1[i] != b2[i] {
			return int(b1[i]) - int(b2[i]), true
		}
		if b1[i] == 0 {
			return 0, true
		}
	}
	return 0, false
}

// Memcpy copies size bytes from src to dst, either side virtual or raw.
// Virtual spans are transferred in page-sized chunks through fitting
// locks; copies between raw sides go straight through.
func Memcpy[D, S MemArg](dst D, src S, size int) error {
	return rawCopy(dst.memSide(), src.memSide(), size, memCopier)
}

// Memset fills size bytes at dst with c.
func Memset[D MemArg](dst D, c byte, size int) error {
	s := dst.memSide()
	if !s.isVirt() {
		b := s.native(size)
		for i := range b {
			b[i] = c
		}
		return nil
	}
	left := size
	for left > 0 {
		n := left
		if n > s.pageLimit() {
			n = s.pageLimit()
		}
		b, rel, err := s.lock(n, false)
		if err != nil {
			return err
		}
		if len(b) < n {
			n = len(b)
		}
		for i := 0; i < n; i++ {
			b[i] = c
		}
		if err := rel(); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		s.advance(n)
		left -= n
	}
	return nil
}

// Memcmp lexicographically compares size bytes at the two locations and
// returns <0, 0 or >0.
func Memcmp[A, B MemArg](a A, b B, size int) (int, error) {
	return rawCompare(a.memSide(), b.memSide(), size, memComparator)
}

// Strlen returns the length of the NUL-terminated string at s. For a
// bounded raw argument without terminator the slice length is returned.
func Strlen[S MemArg](s S) (int, error) {
	side := s.memSide()
	if !side.isVirt() && side.ptr == nil {
		if i := bytes.IndexByte(side.raw, 0); i != -1 {
			return i, nil
		}
		return len(side.raw), nil
	}

	total := 0
	for {
		n := side.pageLimit()
		b, rel, err := side.lock(n, true)
		if err != nil {
			return 0, err
		}
		i := bytes.IndexByte(b, 0)
		if err := rel(); err != nil {
			return 0, err
		}
		if i != -1 {
			return total + i, nil
		}
		if len(b) == 0 {
			return total, nil
		}
		total += len(b)
		side.advance(len(b))
	}
}

// Strcpy copies the NUL-terminated string at src, terminator included,
// to dst.
func Strcpy[D, S MemArg](dst D, src S) error {
	return rawCopy(dst.memSide(), src.memSide(), math.MaxInt, strCopier)
}

// Strncpy copies at most size bytes of the string at src to dst. As with
// the C function, dst is only terminated when the terminator is reached
// within size bytes; unlike it, bytes past the terminator's chunk are not
// padded.
func Strncpy[D, S MemArg](dst D, src S, size int) error {
	return rawCopy(dst.memSide(), src.memSide(), size, strnCopier)
}

// Strcmp compares the NUL-terminated strings at the two locations.
func Strcmp[A, B MemArg](a A, b B) (int, error) {
	return rawCompare(a.memSide(), b.memSide(), math.MaxInt, strComparator)
}

// Strncmp compares at most size bytes of the two strings.
func Strncmp[A, B MemArg](a A, b B, size int) (int, error) {
	return rawCompare(a.memSide(), b.memSide(), size, strComparator)
}
