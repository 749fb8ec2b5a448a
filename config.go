// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

// Page size tiers follow the layout of the memory-constrained targets this
// scheme was designed for: a handful of small pages for scalar locks, a few
// medium pages for struct locks, and the big pages that carry all regular
// paged I/O.
const (
	DefaultSmallPageCount  = 4
	DefaultSmallPageSize   = 64
	DefaultMediumPageCount = 4
	DefaultMediumPageSize  = 256
	DefaultBigPageCount    = 4
	DefaultBigPageSize     = 1 << 15 // 32 KiB

	// DefaultPoolSize is used by stores supporting a variable sized pool.
	DefaultPoolSize = 1 << 20 // 1 MiB
)

// maxPagesPerTier bounds tier page counts so ring links fit in an int8.
const maxPagesPerTier = 127

// Config carries the page-buffer geometry and pool size of an Allocator.
//
// Counts are per tier; sizes are in bytes and must be multiples of
// AlignSize with BigPageSize >= MediumPageSize >= SmallPageSize. Only the
// big tier serves regular paged I/O; the small and medium tiers exist for
// locks. PoolSize may be zero for stores with a fixed or negotiated pool
// (the store reports the actual size at Start).
type Config struct {
	PoolSize int

	SmallPageCount, SmallPageSize   int
	MediumPageCount, MediumPageSize int
	BigPageCount, BigPageSize       int
}

// DefaultConfig returns the default page geometry with the given pool size.
func DefaultConfig(poolSize int) Config {
	return Config{
		PoolSize:        poolSize,
		SmallPageCount:  DefaultSmallPageCount,
		SmallPageSize:   DefaultSmallPageSize,
		MediumPageCount: DefaultMediumPageCount,
		MediumPageSize:  DefaultMediumPageSize,
		BigPageCount:    DefaultBigPageCount,
		BigPageSize:     DefaultBigPageSize,
	}
}

func (cfg Config) validate() {
	tiers := []struct {
		name        string
		count, size int
	}{
		{"small", cfg.SmallPageCount, cfg.SmallPageSize},
		{"medium", cfg.MediumPageCount, cfg.MediumPageSize},
		{"big", cfg.BigPageCount, cfg.BigPageSize},
	}
	for _, t := range tiers {
		if t.count < 1 || t.count > maxPagesPerTier {
			panic("virtmem: " + t.name + " page count must be between 1 and 127")
		}
		if t.size < AlignSize || t.size%AlignSize != 0 {
			panic("virtmem: " + t.name + " page size must be a positive multiple of AlignSize")
		}
	}
	if cfg.BigPageSize < cfg.MediumPageSize || cfg.MediumPageSize < cfg.SmallPageSize {
		panic("virtmem: page sizes must satisfy big >= medium >= small")
	}
	if cfg.PoolSize < 0 {
		panic("virtmem: negative pool size")
	}
}
