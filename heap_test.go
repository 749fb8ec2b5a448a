// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem_test

import (
	"encoding/binary"
	"testing"

	"code.hybscloud.com/virtmem"
)

func TestHeap_AllocFreeIdempotence(t *testing.T) {
	a := startAlloc(t, testConfig(32*1024))

	p1, err := a.Alloc(60)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := a.Free(p1); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	p2, err := a.Alloc(60)
	if err != nil {
		t.Fatalf("second Alloc failed: %v", err)
	}
	if p2 != p1 {
		t.Errorf("re-allocation moved: %d, want %d", p2, p1)
	}
}

func TestHeap_ChurnLeavesNoResidue(t *testing.T) {
	a := startAlloc(t, testConfig(32*1024))

	// 1000 rounds of allocate, fill, verify, free. Addresses must stay
	// stable after the first round: churn may not leak pool space.
	const rounds = 1000
	const ints = 15

	var first virtmem.VPtrNum
	buf := make([]byte, ints*4)
	for r := 0; r < rounds; r++ {
		p, err := a.Alloc(ints * 4)
		if err != nil {
			t.Fatalf("round %d: Alloc failed: %v", r, err)
		}
		if r == 0 {
			first = p
		} else if p != first {
			t.Fatalf("round %d: address drifted to %d, want %d", r, p, first)
		}

		for i := 0; i < ints; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(i*1000))
		}
		if err := a.Write(p, buf); err != nil {
			t.Fatalf("round %d: Write failed: %v", r, err)
		}

		got, err := a.Read(p, len(buf))
		if err != nil {
			t.Fatalf("round %d: Read failed: %v", r, err)
		}
		for i := 0; i < ints; i++ {
			if v := binary.LittleEndian.Uint32(got[i*4:]); v != uint32(i*1000) {
				t.Fatalf("round %d: element %d = %d, want %d", r, i, v, i*1000)
			}
		}

		if err := a.Free(p); err != nil {
			t.Fatalf("round %d: Free failed: %v", r, err)
		}
	}

	if used := a.Stats().MemUsed; used != 0 {
		t.Errorf("MemUsed = %d after full churn, want 0", used)
	}
}

func TestHeap_SplitAndCoalesce(t *testing.T) {
	a := startAlloc(t, testConfig(32*1024))

	// Three blocks carved from consecutive raw-pool chunks, with small
	// free gaps between them; freeing the outer two then the middle one
	// must coalesce blocks and gaps into one free block, so a large
	// allocation fits inside the freed region instead of fresh pool.
	p1, _ := a.Alloc(160)
	p2, _ := a.Alloc(160)
	p3, _ := a.Alloc(160)
	if p1 == 0 || p2 == 0 || p3 == 0 {
		t.Fatal("setup allocations failed")
	}

	if err := a.Free(p1); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(p3); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(p2); err != nil {
		t.Fatal(err)
	}

	big, err := a.Alloc(3 * 160)
	if err != nil {
		t.Fatalf("coalesced Alloc failed: %v", err)
	}
	if big == 0 {
		t.Fatal("coalesced Alloc returned nil")
	}
	if big > p3 {
		t.Errorf("coalesced Alloc at %d, past the freed region ending at %d", big, p3)
	}
	if used := a.Stats().MaxMemUsed; used == 0 {
		t.Error("MaxMemUsed not tracked")
	}
}

func TestHeap_TinyAllocSucceeds(t *testing.T) {
	a := startAlloc(t, testConfig(32*1024))

	p, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc(1) failed: %v", err)
	}
	if p == 0 {
		t.Fatal("Alloc(1) returned nil")
	}
	if err := a.Write(p, []byte{0xAB}); err != nil {
		t.Fatal(err)
	}
	b, err := a.Read(p, 1)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 0xAB {
		t.Errorf("read back %#x, want 0xAB", b[0])
	}
}

func TestHeap_Exhaustion(t *testing.T) {
	a := startAlloc(t, testConfig(2048))

	var last virtmem.VPtrNum
	for i := 0; ; i++ {
		p, err := a.Alloc(256)
		if err == virtmem.ErrPoolExhausted {
			if p != 0 {
				t.Errorf("exhausted Alloc returned address %d, want 0", p)
			}
			break
		}
		if err != nil {
			t.Fatalf("Alloc #%d failed: %v", i, err)
		}
		if i > 16 {
			t.Fatal("pool never exhausted")
		}
		last = p
	}
	if last == 0 {
		t.Fatal("no allocation succeeded before exhaustion")
	}

	// Freeing makes room again.
	if err := a.Free(last); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(256); err != nil {
		t.Errorf("Alloc after Free failed: %v", err)
	}
}

func TestHeap_FreeNilIsNoop(t *testing.T) {
	a := startAlloc(t, testConfig(32*1024))
	if err := a.Free(0); err != nil {
		t.Errorf("Free(0) = %v, want nil", err)
	}
}
