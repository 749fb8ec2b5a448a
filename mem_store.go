// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import "io"

// MemStore keeps the whole pool in an ordinary byte slice. It is the
// analog of a statically allocated pool on a large-RAM host and the
// reference backend for tests.
type MemStore struct {
	pool []byte
}

// NewMemStore returns an unstarted in-memory store.
func NewMemStore() *MemStore { return &MemStore{} }

// Start allocates (or grows) the pool. Go zero-fills the allocation.
func (s *MemStore) Start(poolSize int) (int, error) {
	if poolSize > len(s.pool) {
		grown := make([]byte, poolSize)
		copy(grown, s.pool)
		s.pool = grown
	}
	return len(s.pool), nil
}

// Stop releases the pool.
func (s *MemStore) Stop() error {
	s.pool = nil
	return nil
}

func (s *MemStore) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.pool)) {
		return 0, io.ErrUnexpectedEOF
	}
	return copy(p, s.pool[off:]), nil
}

func (s *MemStore) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.pool)) {
		return 0, io.ErrShortWrite
	}
	return copy(s.pool[off:], p), nil
}
