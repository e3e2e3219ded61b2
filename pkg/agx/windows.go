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

package agx

import (
	"agx.dev/agx/pkg/mmu"
)

// Fixed virtual address windows, per VM. The bounds are hardware/firmware
// configuration constants; the windows must never overlap.
var (
	// sharedWindow backs client/GPU-shared, CPU-writable allocations.
	sharedWindow = mmu.AddrRange{Start: 0x60_00000000, End: 0x61_00000000}

	// privateWindow backs firmware/GPU-private shared allocations.
	privateWindow = mmu.AddrRange{Start: 0x61_00000000, End: 0x62_00000000}

	// extraWindow backs small internal scratch allocations, at GPU page
	// granularity rather than buffer page granularity.
	extraWindow = mmu.AddrRange{Start: 0x6f_ffff8000, End: 0x70_00000000}

	// pipelineWindow is where command/pipeline buffer objects are mapped.
	// Offsets returned to userspace are relative to its base.
	pipelineWindow = mmu.AddrRange{Start: 0x11_00000000, End: 0x12_00000000}

	// defaultWindow is where all other buffer objects are mapped. Offsets
	// returned to userspace are absolute.
	defaultWindow = mmu.AddrRange{Start: 0x20_00000000, End: 0x60_00000000}
)

// bufferPageSize is the allocation granularity of the shared and private
// windows. The extra window uses the smaller mmu.PageSize.
const bufferPageSize = 0x8000
