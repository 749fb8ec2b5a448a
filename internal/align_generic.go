// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !amd64 && !arm64 && !loong64 && !mips64 && !mips64le && !ppc64 && !ppc64le && !riscv64 && !s390x && !sparc64 && !wasm

package internal

// AlignSize is the allocation alignment unit on remaining targets.
//
// Note: 32-bit architectures are not supported by this module; the
// virtual pointer carrier borrows bit 63 for the wrap flag.
const AlignSize = 16
