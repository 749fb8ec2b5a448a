// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import "io"

// Store is the block backend an Allocator pages against: a byte-addressed
// pool served by synchronous, blocking reads and writes of arbitrary
// ranges. There are no alignment or granularity requirements.
//
// Implementations need not be safe for concurrent use; the allocator is
// strictly single-threaded.
type Store interface {
	// Start prepares the pool (opens the file, performs the serial
	// handshake, ...) and returns the actual pool size, which may be
	// larger than requested. Any newly created or enlarged region must
	// read back as zero bytes.
	Start(poolSize int) (int, error)

	// Stop quiesces the backend. The allocator flushes its dirty unlocked
	// big pages before calling Stop; bytes held only in lock pages are not
	// written back.
	Stop() error

	// ReadAt copies len(p) bytes from pool offset off into p.
	io.ReaderAt

	// WriteAt copies len(p) bytes from p to pool offset off.
	io.WriterAt
}
