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

// Package alloc implements a simple first-fit address-range allocator bound
// to a fixed window of a VM's address space.
//
// Allocators are reference counted: a client context and its renderer share
// the same allocator, and the window is released back to the VM when the
// last reference is dropped.
package alloc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"agx.dev/agx/pkg/debug"
	"agx.dev/agx/pkg/mmu"
)

// Region is a live allocation within an allocator's window.
type Region struct {
	Start mmu.Addr
	Size  uint64
}

// End returns the first address past the region.
func (r Region) End() mmu.Addr {
	return r.Start + mmu.Addr(r.Size)
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End()))
}

// freeRange is a half-open range of free addresses.
type freeRange struct {
	start mmu.Addr
	end   mmu.Addr
}

func freeRangeLess(a, b freeRange) bool {
	return a.start < b.start
}

// Allocator hands out non-overlapping regions from a fixed [start, end)
// window of a VM, at a fixed page granularity. All methods are safe for
// concurrent use.
type Allocator struct {
	vm       *mmu.VM
	window   mmu.AddrRange
	prot     mmu.Prot
	pageSize uint64

	// refCount is the number of live references. The window is
	// unreserved when it reaches 0.
	refCount atomic.Int64

	mu        sync.Mutex
	free      *btree.BTreeG[freeRange]
	allocated uint64 // bytes outstanding
}

// New returns an allocator bound to the window [start, end) of vm, handing
// out regions with the given protection at pageSize granularity. The window
// is reserved in the VM; New fails with EBUSY if it overlaps an existing
// reservation. The returned allocator holds one reference.
func New(vm *mmu.VM, start, end mmu.Addr, prot mmu.Prot, pageSize uint64) (*Allocator, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, unix.EINVAL
	}
	window := mmu.AddrRange{Start: start, End: end}
	if !window.WellFormed() || window.Length() == 0 || !start.IsAligned(pageSize) || !end.IsAligned(pageSize) {
		return nil, unix.EINVAL
	}
	if err := vm.Reserve(window, prot); err != nil {
		return nil, err
	}
	a := &Allocator{
		vm:       vm,
		window:   window,
		prot:     prot,
		pageSize: pageSize,
		free:     btree.NewG(8, freeRangeLess),
	}
	a.free.ReplaceOrInsert(freeRange{start: start, end: end})
	a.refCount.Store(1)
	if debug.Enabled(debug.FlagAlloc) {
		logrus.WithField("vm", vm.ID()).Debugf("allocator created: window=%v prot=%v pagesz=%#x", window, prot, pageSize)
	}
	return a, nil
}

// Window returns the allocator's address window.
func (a *Allocator) Window() mmu.AddrRange {
	return a.window
}

// PageSize returns the allocator's page granularity.
func (a *Allocator) PageSize() uint64 {
	return a.pageSize
}

// Prot returns the allocator's protection mode.
func (a *Allocator) Prot() mmu.Prot {
	return a.prot
}

// IncRef acquires an additional reference on the allocator.
func (a *Allocator) IncRef() {
	if v := a.refCount.Add(1); v <= 1 {
		panic(fmt.Sprintf("alloc.Allocator.IncRef() on %v with refcount %d", a.window, v-1))
	}
}

// DecRef drops a reference on the allocator. When the last reference is
// dropped, the window is released back to the VM; any outstanding regions
// are a caller bug and are logged.
func (a *Allocator) DecRef() {
	v := a.refCount.Add(-1)
	switch {
	case v < 0:
		panic(fmt.Sprintf("alloc.Allocator.DecRef() on %v with refcount %d", a.window, v+1))
	case v == 0:
		a.mu.Lock()
		leaked := a.allocated
		a.mu.Unlock()
		if leaked != 0 {
			logrus.Warnf("allocator %v released with %#x bytes outstanding", a.window, leaked)
		}
		a.vm.Unreserve(a.window)
		if debug.Enabled(debug.FlagAlloc) {
			logrus.WithField("vm", a.vm.ID()).Debugf("allocator released: window=%v", a.window)
		}
	}
}

// Alloc returns a free region of exactly size bytes. size must be a non-zero
// multiple of the allocator's page granularity; anything else fails with
// EINVAL. If no free range fits, Alloc fails with ENOSPC and the allocator
// is unchanged.
func (a *Allocator) Alloc(size uint64) (Region, error) {
	if size == 0 || size%a.pageSize != 0 {
		return Region{}, unix.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var fit freeRange
	found := false
	a.free.Ascend(func(fr freeRange) bool {
		if uint64(fr.end-fr.start) >= size {
			fit = fr
			found = true
			return false
		}
		return true
	})
	if !found {
		if debug.Enabled(debug.FlagAlloc) {
			logrus.Debugf("allocator %v exhausted (need %#x bytes, %#x allocated)", a.window, size, a.allocated)
		}
		return Region{}, unix.ENOSPC
	}
	a.free.Delete(fit)
	if rem := fit; uint64(rem.end-rem.start) > size {
		rem.start += mmu.Addr(size)
		a.free.ReplaceOrInsert(rem)
	}
	a.allocated += size
	r := Region{Start: fit.start, Size: size}
	if debug.Enabled(debug.FlagAlloc) {
		logrus.Debugf("alloc %v from window %v", r, a.window)
	}
	return r, nil
}

// Free returns a region obtained from Alloc to the allocator, coalescing it
// with adjacent free ranges. Freeing a region that was not allocated, or
// freeing twice, is a caller bug and panics.
func (a *Allocator) Free(r Region) {
	if r.Size == 0 || r.Size%a.pageSize != 0 || !a.window.IsSupersetOf(mmu.AddrRange{Start: r.Start, End: r.End()}) {
		panic(fmt.Sprintf("alloc.Allocator.Free() of invalid region %v (window %v)", r, a.window))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	fr := freeRange{start: r.Start, end: r.End()}
	// The new range must fall strictly between its free neighbors.
	a.free.DescendLessOrEqual(freeRange{start: fr.start}, func(prev freeRange) bool {
		if prev.end > fr.start {
			panic(fmt.Sprintf("alloc.Allocator.Free() of free region %v", r))
		}
		if prev.end == fr.start {
			a.free.Delete(prev)
			fr.start = prev.start
		}
		return false
	})
	a.free.AscendGreaterOrEqual(freeRange{start: r.Start + 1}, func(next freeRange) bool {
		if next.start < r.End() {
			panic(fmt.Sprintf("alloc.Allocator.Free() of free region %v", r))
		}
		if next.start == r.End() {
			a.free.Delete(next)
			fr.end = next.end
		}
		return false
	})
	a.free.ReplaceOrInsert(fr)
	a.allocated -= r.Size
	if debug.Enabled(debug.FlagAlloc) {
		logrus.Debugf("free %v to window %v", r, a.window)
	}
}

// Allocated returns the number of outstanding allocated bytes, for
// diagnostics.
func (a *Allocator) Allocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// Array is a zero-initialized, page-backed array reserved from an allocator,
// such as the reserved scratch page a context holds open for its lifetime.
type Array struct {
	a *Allocator
	r Region

	// Data is the CPU view of the array, length as requested, zeroed.
	Data []byte
}

// AllocArray reserves enough pages for n zero-initialized bytes and returns
// them as an Array. n must be non-zero.
func (a *Allocator) AllocArray(n uint64) (*Array, error) {
	if n == 0 {
		return nil, unix.EINVAL
	}
	size := (n + a.pageSize - 1) &^ (a.pageSize - 1)
	r, err := a.Alloc(size)
	if err != nil {
		return nil, err
	}
	return &Array{a: a, r: r, Data: make([]byte, n)}, nil
}

// Region returns the GPU region backing the array.
func (arr *Array) Region() Region {
	return arr.r
}

// Release returns the array's pages to the allocator.
func (arr *Array) Release() {
	arr.a.Free(arr.r)
	arr.Data = nil
}
