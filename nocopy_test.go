// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import "testing"

// TestNoCopy tests the noCopy sentinel type.
// noCopy implements sync.Locker interface for go vet copy detection.
func TestNoCopy(t *testing.T) {
	var nc noCopy
	nc.Lock()
	nc.Unlock()
}

func TestHeaderCodec(t *testing.T) {
	var b [headerSize]byte
	h := memHeader{next: 0xDEADBEEF, size: 0x1234}
	encodeHeader(b[:], h)
	if got := decodeHeader(b[:]); got != h {
		t.Errorf("decode(encode(%+v)) = %+v", h, got)
	}
}

func TestAlignedMem(t *testing.T) {
	for _, size := range []int{16, 1024, 4096} {
		mem := alignedMem(size, AlignSize)
		if len(mem) != size {
			t.Errorf("alignedMem(%d) length = %d", size, len(mem))
		}
	}
}
