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

// Package agxdrm defines the AGX DRM uapi: ioctl command numbers, parameter
// structs and flag bits. Parameter structs are mutated in place by the
// handlers; output fields are only valid when the handler succeeds.
package agxdrm

// Ioctl command numbers (the DRM ioctl nr relative to DRM_COMMAND_BASE).
const (
	IoctlSubmit      = 0x00
	IoctlWait        = 0x01
	IoctlCreateBO    = 0x02
	IoctlMmapBO      = 0x03
	IoctlGetParam    = 0x04
	IoctlGetBOOffset = 0x05
)

// Buffer object creation flags.
const (
	// BOPipeline routes the object into the dedicated pipeline window;
	// its offset is returned relative to that window's base.
	BOPipeline uint32 = 1 << 0
)

// SubmitParams is the parameter struct for IoctlSubmit.
type SubmitParams struct {
	// Commands points to the userspace command buffer. Its layout is
	// owned by the renderer.
	Commands uint64

	// CmdBufSize is the size of the command buffer in bytes.
	CmdBufSize uint32

	Flags uint32
}

// WaitParams is the parameter struct for IoctlWait. All fields are reserved.
type WaitParams struct {
	Reserved [4]uint64
}

// CreateBOParams is the parameter struct for IoctlCreateBO.
type CreateBOParams struct {
	// Size is the requested object size in bytes.
	Size uint64

	Flags uint32

	// Handle is set on success to the object's handle in the calling
	// context.
	Handle uint32

	// Offset is set on success to the object's GPU virtual offset:
	// relative to the pipeline window base if BOPipeline is set,
	// otherwise an absolute address in the default window.
	Offset uint64
}

// MmapBOParams is the parameter struct for IoctlMmapBO.
type MmapBOParams struct {
	Handle uint32
	Pad0   uint32

	// Offset is set on success to the object's offset in the device's
	// mmap offset space.
	Offset uint64
}

// GetParamParams is the parameter struct for IoctlGetParam. All fields are
// reserved.
type GetParamParams struct {
	Param uint64
	Value uint64
}

// GetBOOffsetParams is the parameter struct for IoctlGetBOOffset.
type GetBOOffsetParams struct {
	Handle uint32
	Pad0   uint32

	// Offset is set on success to the object's GPU virtual address in
	// the calling context's VM.
	Offset uint64
}
