// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem_test

import (
	"testing"

	"code.hybscloud.com/virtmem"
)

// TestSequentialFillScenario is the reference paging workload: a buffer
// almost as large as the pool, filled byte by byte many times over
// through a four-page cache, then verified.
func TestSequentialFillScenario(t *testing.T) {
	const (
		poolSize = 128*1024 + 128
		bufSize  = 128 * 1024
		repeats  = 50
	)
	cfg := testConfig(poolSize) // 4 big pages of 1 KiB
	a := virtmem.New(virtmem.NewMemStore(), cfg)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	buf, err := virtmem.AllocSize[byte](bufSize)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < repeats; i++ {
		for j := 0; j < bufSize; j++ {
			buf.SetAt(j, byte(j))
		}
	}

	mismatches := 0
	chunk := make([]byte, cfg.BigPageSize)
	for off := 0; off < bufSize; off += len(chunk) {
		if err := virtmem.Memcpy(virtmem.Raw(chunk), buf.Add(off), len(chunk)); err != nil {
			t.Fatal(err)
		}
		for j, b := range chunk {
			if b != byte(off+j) {
				mismatches++
			}
		}
	}
	if mismatches != 0 {
		t.Errorf("%d mismatched bytes after %d fill passes", mismatches, repeats)
	}

	st := a.Stats()
	if st.BigPageReads == 0 || st.BigPageWrites == 0 {
		t.Errorf("workload never exercised the pager: %+v", st)
	}
}

func benchAlloc(b *testing.B, poolSize int) *virtmem.Allocator {
	b.Helper()
	a := virtmem.New(virtmem.NewMemStore(), virtmem.DefaultConfig(poolSize))
	if err := a.Start(); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { a.Stop() })
	return a
}

func BenchmarkVPtr_SequentialSet(b *testing.B) {
	benchAlloc(b, 1<<20)
	const bufSize = 256 * 1024
	buf, err := virtmem.AllocSize[byte](bufSize)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.SetAt(i%bufSize, byte(i))
	}
}

func BenchmarkVPtr_SequentialGet(b *testing.B) {
	benchAlloc(b, 1<<20)
	const bufSize = 256 * 1024
	buf, err := virtmem.AllocSize[byte](bufSize)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.GetAt(i % bufSize)
	}
}

func BenchmarkMemset_Virtual(b *testing.B) {
	benchAlloc(b, 1<<20)
	const bufSize = 256 * 1024
	buf, err := virtmem.AllocSize[byte](bufSize)
	if err != nil {
		b.Fatal(err)
	}

	b.SetBytes(bufSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := virtmem.Memset(buf, byte(i), bufSize); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMemcpy_RawToVirt(b *testing.B) {
	benchAlloc(b, 1<<20)
	const bufSize = 256 * 1024
	buf, err := virtmem.AllocSize[byte](bufSize)
	if err != nil {
		b.Fatal(err)
	}
	src := make([]byte, bufSize)

	b.SetBytes(bufSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := virtmem.Memcpy(buf, virtmem.Raw(src), bufSize); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLock_FillThroughLocks(b *testing.B) {
	a := benchAlloc(b, 1<<20)
	const bufSize = 256 * 1024
	buf, err := virtmem.AllocSize[byte](bufSize)
	if err != nil {
		b.Fatal(err)
	}
	pageSize := a.PageSize(virtmem.TierBig)

	b.SetBytes(bufSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for off := 0; off < bufSize; {
			l, err := virtmem.MakeLock(buf.Add(off), pageSize, false)
			if err != nil {
				b.Fatal(err)
			}
			bs := l.Bytes()
			for j := range bs {
				bs[j] = byte(j)
			}
			if err := l.Unlock(); err != nil {
				b.Fatal(err)
			}
			off += len(bs)
		}
	}
}
