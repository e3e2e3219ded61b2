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

// Package agx implements the per-client context manager and submission
// gateway of the AGX GPU driver: for every client connection it owns a
// private GPU virtual address space, partitions it into allocator windows,
// maps buffer objects into it, and forwards render submissions.
//
// Lock ordering:
//
//   - File.objsMu
//   - gem.Object.mapsMu
//   - mmu.VM.mu
package agx

import (
	"sync"
	"sync/atomic"

	"agx.dev/agx/pkg/alloc"
	"agx.dev/agx/pkg/gem"
	"agx.dev/agx/pkg/mmu"
	"agx.dev/agx/pkg/render"
)

// counter is a device-wide monotonic id counter. The first issued id is 1.
type counter struct {
	v atomic.Uint64
}

func (c *counter) next() uint64 {
	return c.v.Add(1)
}

// ids holds the device's independent id counters. Ordering is guaranteed
// only among ids issued by the same counter.
type ids struct {
	file       counter
	vm         counter
	submission counter
	object     counter
}

// Device holds device-wide driver state shared by all client contexts.
type Device struct {
	ids ids

	// globalsMu guards device-global firmware state refreshed before
	// submissions.
	globalsMu    sync.Mutex
	globalsEpoch uint64

	// activeVMs counts live VMs, for leak diagnostics.
	activeVMs atomic.Int64
}

// NewDevice returns a new device.
func NewDevice() *Device {
	return &Device{}
}

// NewVM allocates a new, empty GPU address space.
func (dev *Device) NewVM() (*mmu.VM, error) {
	id := dev.ids.vm.next()
	dev.activeVMs.Add(1)
	return mmu.NewVM(id, func() { dev.activeVMs.Add(-1) }), nil
}

// NewObject allocates a new GEM buffer object of the given size.
func (dev *Device) NewObject(size uint64, flags uint32) (*gem.Object, error) {
	return gem.NewObject(dev.ids.object.next(), size, flags)
}

// NewRenderer returns a renderer bound to the given shared and private
// allocators.
func (dev *Device) NewRenderer(shared, priv *alloc.Allocator) (render.Renderer, error) {
	return render.New(shared, priv)
}

// UpdateGlobals refreshes device-global state the renderer depends on. It is
// called before every submission.
func (dev *Device) UpdateGlobals() {
	dev.globalsMu.Lock()
	defer dev.globalsMu.Unlock()
	dev.globalsEpoch++
}

// ActiveVMs returns the number of live VMs, for diagnostics.
func (dev *Device) ActiveVMs() int64 {
	return dev.activeVMs.Load()
}
