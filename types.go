// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import "code.hybscloud.com/virtmem/internal"

// VPtrNum is a raw virtual address: the offset of a byte in the pool.
// Address 0 is reserved as the nil virtual pointer and address 1 names
// the in-RAM free-list sentinel.
type VPtrNum uint32

// PtrNum is the carrier type of VPtr. Bit 63 is the wrap flag; when set
// the remaining bits hold a native address, otherwise a VPtrNum.
type PtrNum uint64

const wrapFlag PtrNum = 1 << 63

// AlignSize is the allocation alignment unit. Heap block headers occupy
// exactly one unit and heap sizes are expressed in multiples of it.
const AlignSize = internal.AlignSize

// PageTier identifies one of the three page-buffer tiers.
type PageTier int

// Page tiers, ordered by page size.
const (
	TierSmall PageTier = iota
	TierMedium
	TierBig
	tierEnd // sentinel marking end of tiers
)

// noCopy is a sentinel used to prevent copying of the allocator.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
