// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build amd64 || arm64 || loong64 || mips64 || mips64le || ppc64 || ppc64le || riscv64 || s390x || sparc64 || wasm

package internal

// AlignSize is the allocation alignment unit for 64-bit architectures.
// Block headers occupy exactly one unit and all heap size arithmetic is
// expressed in multiples of it.
const AlignSize = 16
