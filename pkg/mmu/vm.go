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

package mmu

import (
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"agx.dev/agx/pkg/debug"
)

type mappingKind int

const (
	// kindReservation is a window reservation made by an allocator. The
	// reserving allocator sub-allocates within the window itself; the VM
	// only tracks the window so that windows never overlap.
	kindReservation mappingKind = iota

	// kindObject is a buffer object mapping installed by MapInRange.
	kindObject
)

// mapping tracks one live range in a VM's address space.
type mapping struct {
	ar   AddrRange
	prot Prot
	kind mappingKind

	// release invalidates the owner's view of an object mapping when the
	// VM is destroyed. nil for reservations.
	release func()
}

func mappingLess(a, b *mapping) bool {
	return a.ar.Start < b.ar.Start
}

// VM is a per-client GPU virtual address space.
type VM struct {
	id uint64

	// onDestroy is called exactly once when the VM is destroyed. It is
	// used by the device for live-VM accounting.
	onDestroy func()

	mu       sync.Mutex
	dead     bool
	mappings *btree.BTreeG[*mapping]
}

// NewVM returns a new, empty address space with the given id. onDestroy, if
// not nil, is called when the VM is destroyed.
func NewVM(id uint64, onDestroy func()) *VM {
	return &VM{
		id:        id,
		onDestroy: onDestroy,
		mappings:  btree.NewG(8, mappingLess),
	}
}

// ID returns the VM's unique id.
func (vm *VM) ID() uint64 {
	return vm.id
}

// Reserve marks ar as owned by an allocator. The reservation fails with
// EBUSY if ar overlaps any live mapping or reservation, and with EINVAL if
// ar is malformed or not page-aligned.
func (vm *VM) Reserve(ar AddrRange, prot Prot) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.Start.IsAligned(PageSize) || !ar.End.IsAligned(PageSize) {
		return unix.EINVAL
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.dead {
		return unix.ENODEV
	}
	if vm.overlapsLocked(ar) {
		return unix.EBUSY
	}
	vm.mappings.ReplaceOrInsert(&mapping{ar: ar, prot: prot, kind: kindReservation})
	if debug.Enabled(debug.FlagMmu) {
		logrus.WithField("vm", vm.id).Debugf("reserved window %v prot=%v", ar, prot)
	}
	return nil
}

// Unreserve releases a window previously reserved with Reserve. The range
// must match the reservation exactly.
func (vm *VM) Unreserve(ar AddrRange) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.dead {
		// Destroy already dropped all mappings.
		return
	}
	m, ok := vm.mappings.Get(&mapping{ar: AddrRange{Start: ar.Start}})
	if !ok || m.kind != kindReservation || m.ar != ar {
		logrus.WithField("vm", vm.id).Warnf("unreserve of unknown window %v", ar)
		return
	}
	vm.mappings.Delete(m)
}

// MapInRange finds a free, page-aligned subrange of length bytes within
// window, records it as mapped with the given protection, and returns its
// base address. length is rounded up to pagesz. release, if not nil, is
// called when the VM is destroyed while the mapping is still live.
//
// MapInRange fails with ENOSPC if no free subrange of the required size
// exists in window, and with EINVAL if length is 0 or window is malformed.
func (vm *VM) MapInRange(window AddrRange, length uint64, pagesz uint64, prot Prot, release func()) (Addr, error) {
	if length == 0 || pagesz == 0 || pagesz&(pagesz-1) != 0 || !window.WellFormed() {
		return 0, unix.EINVAL
	}
	length = (length + pagesz - 1) &^ (pagesz - 1)
	if length == 0 || length > window.Length() {
		return 0, unix.ENOSPC
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.dead {
		return 0, unix.ENODEV
	}

	cur, ok := window.Start.RoundUp(pagesz)
	if !ok {
		return 0, unix.ENOSPC
	}
	// A mapping that starts at or before cur may extend into the window.
	vm.mappings.DescendLessOrEqual(&mapping{ar: AddrRange{Start: cur}}, func(m *mapping) bool {
		if m.ar.End > cur {
			cur, ok = m.ar.End.RoundUp(pagesz)
		}
		return false
	})
	if !ok {
		return 0, unix.ENOSPC
	}

	// First fit: walk the gaps between successive mappings.
	fit := false
	vm.mappings.AscendGreaterOrEqual(&mapping{ar: AddrRange{Start: cur}}, func(m *mapping) bool {
		if m.ar.Start >= window.End {
			return false
		}
		if cur <= m.ar.Start && uint64(m.ar.Start-cur) >= length {
			fit = true
			return false
		}
		// Rounding may have already advanced cur past m entirely.
		if m.ar.End > cur {
			cur, ok = m.ar.End.RoundUp(pagesz)
		}
		return ok
	})
	if !ok {
		return 0, unix.ENOSPC
	}
	if !fit && (cur >= window.End || uint64(window.End-cur) < length) {
		if debug.Enabled(debug.FlagMmu) {
			logrus.WithField("vm", vm.id).Debugf("window %v exhausted (need %#x bytes)", window, length)
		}
		return 0, unix.ENOSPC
	}

	ar := AddrRange{cur, cur + Addr(length)}
	vm.mappings.ReplaceOrInsert(&mapping{ar: ar, prot: prot, kind: kindObject, release: release})
	if debug.Enabled(debug.FlagMmu) {
		logrus.WithField("vm", vm.id).Debugf("mapped %v prot=%v in window %v", ar, prot, window)
	}
	return ar.Start, nil
}

// Dead returns true if the VM has been destroyed.
func (vm *VM) Dead() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.dead
}

// Mappings returns the number of live mappings and reservations, for
// diagnostics.
func (vm *VM) Mappings() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.mappings.Len()
}

// Destroy tears down the address space. All object mappings are invalidated
// via their release callbacks; further mapping attempts fail with ENODEV.
// Destroy is idempotent.
func (vm *VM) Destroy() {
	vm.mu.Lock()
	if vm.dead {
		vm.mu.Unlock()
		return
	}
	vm.dead = true
	var releases []func()
	vm.mappings.Ascend(func(m *mapping) bool {
		if m.release != nil {
			releases = append(releases, m.release)
		}
		return true
	})
	vm.mappings.Clear(false)
	vm.mu.Unlock()

	// Release callbacks take the mapping owner's lock, which is ordered
	// before vm.mu.
	for _, release := range releases {
		release()
	}
	if vm.onDestroy != nil {
		vm.onDestroy()
	}
	if debug.Enabled(debug.FlagMmu) {
		logrus.WithField("vm", vm.id).Debug("destroyed")
	}
}

// overlapsLocked returns true if ar overlaps any live mapping.
//
// Precondition: vm.mu must be locked.
func (vm *VM) overlapsLocked(ar AddrRange) bool {
	overlap := false
	vm.mappings.DescendLessOrEqual(&mapping{ar: AddrRange{Start: ar.Start}}, func(m *mapping) bool {
		overlap = m.ar.Overlaps(ar)
		return false
	})
	if overlap {
		return true
	}
	vm.mappings.AscendGreaterOrEqual(&mapping{ar: AddrRange{Start: ar.Start}}, func(m *mapping) bool {
		overlap = m.ar.Overlaps(ar)
		return false
	})
	return overlap
}
