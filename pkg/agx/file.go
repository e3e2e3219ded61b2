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
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"agx.dev/agx/pkg/abi/agxdrm"
	"agx.dev/agx/pkg/alloc"
	"agx.dev/agx/pkg/debug"
	"agx.dev/agx/pkg/gem"
	"agx.dev/agx/pkg/mmu"
	"agx.dev/agx/pkg/render"
)

// newAllocator is overridden by tests to inject allocation failures during
// Open.
var newAllocator = alloc.New

// File is the per-client driver context: one per open connection. It owns a
// VM, three allocator windows partitioning it, a reserved scratch page and a
// renderer. All methods are safe for concurrent use.
type File struct {
	dev *Device

	// id is device-unique and immutable.
	id uint64

	vm *mmu.VM

	// ualloc and uallocPriv are shared with the renderer.
	ualloc     *alloc.Allocator
	uallocPriv *alloc.Allocator

	// uallocExtra is exclusively owned.
	uallocExtra *alloc.Allocator

	// unkPage is reserved from uallocExtra for the life of the context.
	unkPage *alloc.Array

	renderer render.Renderer

	objsMu     sync.Mutex
	objs       map[uint32]*gem.Object
	nextHandle uint32

	// diagMu guards diagnostic state.
	diagMu        sync.Mutex
	lastSubmitErr error
}

// Open constructs a fully-initialized client context against dev, or fails
// without leaking any partially-constructed resources. Failures are resource
// exhaustion and are recoverable; the connection is simply not established.
func Open(dev *Device) (*File, error) {
	debug.Update()

	vm, err := dev.NewVM()
	if err != nil {
		return nil, err
	}
	id := dev.ids.file.next()

	ualloc, err := newAllocator(vm, sharedWindow.Start, sharedWindow.End, mmu.ProtGPUSharedRW, bufferPageSize)
	if err != nil {
		vm.Destroy()
		return nil, err
	}
	uallocPriv, err := newAllocator(vm, privateWindow.Start, privateWindow.End, mmu.ProtGPUFWSharedRW, bufferPageSize)
	if err != nil {
		ualloc.DecRef()
		vm.Destroy()
		return nil, err
	}
	uallocExtra, err := newAllocator(vm, extraWindow.Start, extraWindow.End, mmu.ProtGPUSharedRW, mmu.PageSize)
	if err != nil {
		uallocPriv.DecRef()
		ualloc.DecRef()
		vm.Destroy()
		return nil, err
	}
	unkPage, err := uallocExtra.AllocArray(1)
	if err != nil {
		uallocExtra.DecRef()
		uallocPriv.DecRef()
		ualloc.DecRef()
		vm.Destroy()
		return nil, err
	}
	renderer, err := dev.NewRenderer(ualloc, uallocPriv)
	if err != nil {
		unkPage.Release()
		uallocExtra.DecRef()
		uallocPriv.DecRef()
		ualloc.DecRef()
		vm.Destroy()
		return nil, err
	}

	if debug.Enabled(debug.FlagFile) {
		logrus.WithField("file", id).Debug("opened successfully")
	}
	return &File{
		dev:         dev,
		id:          id,
		vm:          vm,
		ualloc:      ualloc,
		uallocPriv:  uallocPriv,
		uallocExtra: uallocExtra,
		unkPage:     unkPage,
		renderer:    renderer,
		objs:        make(map[uint32]*gem.Object),
	}, nil
}

// ID returns the context's device-unique id.
func (f *File) ID() uint64 {
	return f.id
}

// VMID returns the id of the context's address space, used by collaborators
// to tag external objects with the owning VM.
func (f *File) VMID() uint64 {
	return f.vm.ID()
}

// Submit forwards one render submission to the context's renderer. Renderer
// errors are returned verbatim and recorded for diagnostics; this layer does
// not retry.
func (f *File) Submit(params *agxdrm.SubmitParams) error {
	debug.Update()
	f.dev.UpdateGlobals()

	id := f.dev.ids.submission.next()
	if debug.Enabled(debug.FlagFile) {
		logrus.WithFields(logrus.Fields{
			"file":       f.id,
			"submission": id,
		}).Debug("IOCTL: submit")
	}
	if err := f.renderer.Render(f.vm, f.ualloc, params, id); err != nil {
		f.diagMu.Lock()
		f.lastSubmitErr = err
		f.diagMu.Unlock()
		logrus.WithFields(logrus.Fields{
			"file":       f.id,
			"submission": id,
		}).Infof("IOCTL: submit failed: %v", err)
		return err
	}
	return nil
}

// Wait is a placeholder; fence waiting belongs to the renderer's queue
// machinery.
func (f *File) Wait(params *agxdrm.WaitParams) error {
	if debug.Enabled(debug.FlagFile) {
		logrus.WithField("file", f.id).Debug("IOCTL: wait")
	}
	return nil
}

// CreateBO allocates a new buffer object, maps it into the window selected
// by params.Flags, and returns its handle and GPU offset through params. On
// failure no handle is exposed.
func (f *File) CreateBO(params *agxdrm.CreateBOParams) error {
	if debug.Enabled(debug.FlagFile) {
		logrus.WithField("file", f.id).Debugf("IOCTL: create_bo size=%#x", params.Size)
	}

	obj, err := f.dev.NewObject(params.Size, params.Flags)
	if err != nil {
		return err
	}

	var offset uint64
	if params.Flags&agxdrm.BOPipeline != 0 {
		iova, err := obj.MapIntoRange(f.vm, pipelineWindow, mmu.PageSize, mmu.ProtGPUSharedRW)
		if err != nil {
			return err
		}
		offset = uint64(iova - pipelineWindow.Start)
	} else {
		iova, err := obj.MapIntoRange(f.vm, defaultWindow, mmu.PageSize, mmu.ProtGPUSharedRW)
		if err != nil {
			return err
		}
		offset = uint64(iova)
	}

	params.Handle = f.addObject(obj)
	params.Offset = offset

	if debug.Enabled(debug.FlagFile) {
		logrus.WithField("file", f.id).Debugf("IOCTL: create_bo size=%#x offset=%#x handle=%#x", params.Size, params.Offset, params.Handle)
	}
	return nil
}

// MmapBO returns the offset at which the object behind params.Handle can be
// memory-mapped by the CPU. An unknown handle fails with ENOENT.
func (f *File) MmapBO(params *agxdrm.MmapBOParams) error {
	if debug.Enabled(debug.FlagFile) {
		logrus.WithField("file", f.id).Debugf("IOCTL: mmap_bo handle=%#x", params.Handle)
	}
	obj := f.lookupObject(params.Handle)
	if obj == nil {
		return unix.ENOENT
	}
	params.Offset = obj.MmapOffset()
	return nil
}

// GetParam is a placeholder; parameter reporting belongs to the device
// bootstrap layer.
func (f *File) GetParam(params *agxdrm.GetParamParams) error {
	if debug.Enabled(debug.FlagFile) {
		logrus.WithField("file", f.id).Debug("IOCTL: get_param")
	}
	return nil
}

// GetBOOffset returns the GPU virtual address of the object behind
// params.Handle in this context's VM, mapping it into the default window
// first if needed.
func (f *File) GetBOOffset(params *agxdrm.GetBOOffsetParams) error {
	if debug.Enabled(debug.FlagFile) {
		logrus.WithField("file", f.id).Debugf("IOCTL: get_bo_offset handle=%#x", params.Handle)
	}
	obj := f.lookupObject(params.Handle)
	if obj == nil {
		return unix.ENOENT
	}

	// This can race other threads. Only one will win the map and the
	// others will see EBUSY from the attempt.
	_, mapErr := obj.MapIntoRange(f.vm, defaultWindow, mmu.PageSize, mmu.ProtGPUSharedRW)

	if iova, ok := obj.IOVA(f.vm.ID()); ok {
		// Some mapping exists, whether ours or a concurrent winner's;
		// call it good.
		params.Offset = uint64(iova)
		if debug.Enabled(debug.FlagFile) {
			logrus.WithField("file", f.id).Debugf("IOCTL: get_bo_offset handle=%#x offset=%#x", params.Handle, params.Offset)
		}
		return nil
	}
	// Otherwise return the error, or a generic one if something went very
	// wrong and we lost the mapping.
	logrus.WithField("file", f.id).Errorf("IOCTL: get_bo_offset handle=%#x failed", params.Handle)
	if mapErr != nil {
		return mapErr
	}
	return unix.EIO
}

// LastSubmitError returns the most recent submission failure recorded for
// diagnostics, if any.
func (f *File) LastSubmitError() error {
	f.diagMu.Lock()
	defer f.diagMu.Unlock()
	return f.lastSubmitErr
}

// Release tears down the context when its connection closes: the renderer
// drops its allocator references, the context drops its own, and the VM is
// destroyed, invalidating all object mappings installed in it. Buffer
// objects themselves survive; only their mappings in this VM go away.
func (f *File) Release() {
	if debug.Enabled(debug.FlagFile) {
		logrus.WithField("file", f.id).Debug("closing")
	}
	f.renderer.Release()
	f.unkPage.Release()
	f.uallocExtra.DecRef()
	f.uallocPriv.DecRef()
	f.ualloc.DecRef()
	f.vm.Destroy()

	f.objsMu.Lock()
	f.objs = nil
	f.objsMu.Unlock()
}

// addObject installs obj in the context's handle table and returns its
// handle.
func (f *File) addObject(obj *gem.Object) uint32 {
	f.objsMu.Lock()
	defer f.objsMu.Unlock()
	f.nextHandle++
	handle := f.nextHandle
	if _, ok := f.objs[handle]; ok {
		logrus.WithField("file", f.id).Warnf("handle %#x already in use", handle)
	}
	f.objs[handle] = obj
	return handle
}

// lookupObject returns the object behind handle, or nil if the handle is not
// valid for this context.
func (f *File) lookupObject(handle uint32) *gem.Object {
	f.objsMu.Lock()
	defer f.objsMu.Unlock()
	return f.objs[handle]
}
