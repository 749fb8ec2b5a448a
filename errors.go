// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import "errors"

// Semantic error values returned by the allocator and the stores.
// Store I/O faults are wrapped and can be unwrapped with errors.Is/As.
var (
	// ErrPoolExhausted is returned by Alloc when no free block fits the
	// request and the raw pool is used up.
	ErrPoolExhausted = errors.New("virtmem: pool exhausted")

	// ErrInvalidAddress is returned for operations on addresses outside
	// the pool or not produced by Alloc.
	ErrInvalidAddress = errors.New("virtmem: invalid virtual address")

	// ErrLockMismatch is returned when releasing a lock that is not held.
	ErrLockMismatch = errors.New("virtmem: release of unheld lock")

	// ErrNotStarted is returned when an operation is attempted before
	// Start or after Stop.
	ErrNotStarted = errors.New("virtmem: allocator not started")

	// ErrAlreadyStarted is returned by Start when this or another
	// allocator instance is already active in this process.
	ErrAlreadyStarted = errors.New("virtmem: allocator already started")

	// ErrHandshakeTimeout is returned by the serial store when the RAM
	// host does not answer the INIT or PING exchange in time.
	ErrHandshakeTimeout = errors.New("virtmem: serial handshake timeout")
)
