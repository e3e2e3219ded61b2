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

// Package gem implements GPU buffer objects (BOs): units of GPU-visible
// memory referenced by handles and mapped into per-client VMs.
//
// An object may be mapped into a given VM at most once; a second mapping
// attempt fails with EBUSY. Callers that only need some valid mapping
// re-query with IOVA after a failed attempt, since a concurrent winner's
// mapping satisfies them.
//
// Lock ordering:
//
//   - Object.mapsMu
//   - mmu.VM.mu
package gem

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"agx.dev/agx/pkg/debug"
	"agx.dev/agx/pkg/mmu"
)

// mmapOffsetBase is the start of the fake mmap offset space handed to
// userspace, in pages. Offsets below it are reserved.
const mmapOffsetBase = 0x10_0000

// Object is a GPU buffer object.
type Object struct {
	// id is device-unique and immutable.
	id uint64

	// size is the object's size rounded up to the GPU page size.
	size uint64

	// requestedSize is the size the object was created with.
	requestedSize uint64

	flags uint32

	mapsMu sync.Mutex
	// mappings is the object's base address in each VM it is mapped into,
	// keyed by VM id.
	mappings map[uint64]mmu.Addr
}

// NewObject returns a new buffer object of the given size, rounded up to the
// GPU page size. id must be device-unique. A zero size fails with EINVAL.
func NewObject(id uint64, size uint64, flags uint32) (*Object, error) {
	if size == 0 {
		return nil, unix.EINVAL
	}
	rounded := (size + mmu.PageSize - 1) &^ (mmu.PageSize - 1)
	if rounded < size {
		// Rounding wrapped; the size is absurd.
		return nil, unix.ENOMEM
	}
	if debug.Enabled(debug.FlagGem) {
		logrus.Debugf("gem: new object %d size=%#x (%#x rounded) flags=%#x", id, size, rounded, flags)
	}
	return &Object{
		id:            id,
		size:          rounded,
		requestedSize: size,
		flags:         flags,
		mappings:      make(map[uint64]mmu.Addr),
	}, nil
}

// ID returns the object's device-unique id.
func (o *Object) ID() uint64 {
	return o.id
}

// Size returns the object's page-rounded size.
func (o *Object) Size() uint64 {
	return o.size
}

// Flags returns the flags the object was created with.
func (o *Object) Flags() uint32 {
	return o.flags
}

// MapIntoRange maps the object into a free subrange of window in vm and
// returns the chosen base address. If the object is already mapped into vm,
// MapIntoRange fails with EBUSY; concurrent callers race and exactly one
// wins. Window exhaustion fails with ENOSPC.
func (o *Object) MapIntoRange(vm *mmu.VM, window mmu.AddrRange, pagesz uint64, prot mmu.Prot) (mmu.Addr, error) {
	o.mapsMu.Lock()
	defer o.mapsMu.Unlock()

	vmID := vm.ID()
	if _, ok := o.mappings[vmID]; ok {
		return 0, unix.EBUSY
	}
	iova, err := vm.MapInRange(window, o.size, pagesz, prot, func() { o.invalidate(vmID) })
	if err != nil {
		return 0, err
	}
	o.mappings[vmID] = iova
	if debug.Enabled(debug.FlagGem) {
		logrus.Debugf("gem: mapped object %d at %v in vm %d", o.id, iova, vmID)
	}
	return iova, nil
}

// IOVA returns the object's base address in the VM with the given id, if it
// is currently mapped there.
func (o *Object) IOVA(vmID uint64) (mmu.Addr, bool) {
	o.mapsMu.Lock()
	defer o.mapsMu.Unlock()
	iova, ok := o.mappings[vmID]
	return iova, ok
}

// MmapOffset returns the object's stable offset in the device's fake mmap
// offset space, for a subsequent CPU memory-map of the object.
func (o *Object) MmapOffset() uint64 {
	return (mmapOffsetBase + o.id) << mmu.PageShift
}

// invalidate drops the object's mapping in the given VM. It is called when
// that VM is destroyed.
func (o *Object) invalidate(vmID uint64) {
	o.mapsMu.Lock()
	defer o.mapsMu.Unlock()
	delete(o.mappings, vmID)
	if debug.Enabled(debug.FlagGem) {
		logrus.Debugf("gem: object %d mapping in vm %d invalidated", o.id, vmID)
	}
}
