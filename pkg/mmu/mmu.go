// Copyright 2025 The AGX Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mmu provides GPU virtual address types and per-client virtual
// address spaces (VMs) for the AGX driver core.
//
// Lock ordering:
//
//   - gem.Object.mapsMu
//   - mmu.VM.mu
package mmu

import (
	"fmt"
)

const (
	// PageShift is the GPU UAT page shift.
	PageShift = 14

	// PageSize is the GPU UAT page size.
	PageSize = 1 << PageShift
)

// Addr represents a GPU virtual address.
type Addr uint64

// RoundDown returns the address rounded down to the nearest multiple of
// align, which must be a power of 2.
func (v Addr) RoundDown(align uint64) Addr {
	return v & ^Addr(align-1)
}

// RoundUp returns the address rounded up to the nearest multiple of align,
// which must be a power of 2. ok is true iff rounding up did not wrap around.
func (v Addr) RoundUp(align uint64) (addr Addr, ok bool) {
	addr = Addr(uint64(v) + align - 1).RoundDown(align)
	ok = addr >= v
	return
}

// IsAligned returns true if v is a multiple of align, which must be a power
// of 2.
func (v Addr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// AddrRange is a half-open range [Start, End) of GPU virtual addresses.
type AddrRange struct {
	Start Addr
	End   Addr
}

// WellFormed returns true if ar.Start <= ar.End. All other methods on
// AddrRange require that ar is well-formed.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Length returns the length of ar.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// Contains returns true if ar contains x.
func (ar AddrRange) Contains(x Addr) bool {
	return ar.Start <= x && x < ar.End
}

// Overlaps returns true if ar and other overlap.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// IsSupersetOf returns true if ar contains all addresses in other.
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(ar.Start), uint64(ar.End))
}

// Prot describes the protection and sharing mode of a GPU mapping.
type Prot uint32

const (
	// ProtRead makes a mapping readable.
	ProtRead Prot = 1 << iota

	// ProtWrite makes a mapping writable.
	ProtWrite

	// ProtGPU makes a mapping visible to the GPU execution engines.
	ProtGPU

	// ProtFirmware makes a mapping visible to the GPU firmware coprocessor.
	ProtFirmware
)

// Protection modes for the fixed allocator windows.
const (
	// ProtGPUSharedRW is used for client/GPU-shared, CPU-writable,
	// GPU-readable memory.
	ProtGPUSharedRW = ProtRead | ProtWrite | ProtGPU

	// ProtGPUFWSharedRW is used for firmware/GPU-private shared memory.
	ProtGPUFWSharedRW = ProtRead | ProtWrite | ProtGPU | ProtFirmware
)

// String implements fmt.Stringer.String.
func (p Prot) String() string {
	s := [4]byte{'-', '-', '-', '-'}
	if p&ProtRead != 0 {
		s[0] = 'r'
	}
	if p&ProtWrite != 0 {
		s[1] = 'w'
	}
	if p&ProtGPU != 0 {
		s[2] = 'g'
	}
	if p&ProtFirmware != 0 {
		s[3] = 'f'
	}
	return string(s[:])
}
