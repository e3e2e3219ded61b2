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

package gem

import (
	"testing"

	"golang.org/x/sys/unix"

	"agx.dev/agx/pkg/mmu"
)

var testWindow = mmu.AddrRange{Start: 0x20_00000000, End: 0x20_00000000 + 64*mmu.PageSize}

func TestNewObject(t *testing.T) {
	if _, err := NewObject(1, 0, 0); err != unix.EINVAL {
		t.Errorf("NewObject(size=0): got %v, wanted EINVAL", err)
	}
	obj, err := NewObject(1, mmu.PageSize/2, 0)
	if err != nil {
		t.Fatalf("NewObject failed: %v", err)
	}
	if obj.Size() != mmu.PageSize {
		t.Errorf("object size: got %#x, wanted %#x (page-rounded)", obj.Size(), mmu.PageSize)
	}
}

func TestMapIntoRangeRace(t *testing.T) {
	vm := mmu.NewVM(1, nil)
	obj, err := NewObject(1, mmu.PageSize, 0)
	if err != nil {
		t.Fatalf("NewObject failed: %v", err)
	}
	iova, err := obj.MapIntoRange(vm, testWindow, mmu.PageSize, mmu.ProtGPUSharedRW)
	if err != nil {
		t.Fatalf("MapIntoRange failed: %v", err)
	}
	if !testWindow.Contains(iova) {
		t.Errorf("mapping at %v outside window %v", iova, testWindow)
	}
	// The second attempt loses the race.
	if _, err := obj.MapIntoRange(vm, testWindow, mmu.PageSize, mmu.ProtGPUSharedRW); err != unix.EBUSY {
		t.Errorf("second MapIntoRange: got %v, wanted EBUSY", err)
	}
	// The losing caller re-queries and finds the winner's mapping.
	got, ok := obj.IOVA(vm.ID())
	if !ok || got != iova {
		t.Errorf("IOVA: got (%v, %t), wanted (%v, true)", got, ok, iova)
	}
}

func TestMapIntoTwoVMs(t *testing.T) {
	vm1 := mmu.NewVM(1, nil)
	vm2 := mmu.NewVM(2, nil)
	obj, err := NewObject(1, mmu.PageSize, 0)
	if err != nil {
		t.Fatalf("NewObject failed: %v", err)
	}
	iova1, err := obj.MapIntoRange(vm1, testWindow, mmu.PageSize, mmu.ProtGPUSharedRW)
	if err != nil {
		t.Fatalf("MapIntoRange into vm1 failed: %v", err)
	}
	iova2, err := obj.MapIntoRange(vm2, testWindow, mmu.PageSize, mmu.ProtGPUSharedRW)
	if err != nil {
		t.Fatalf("MapIntoRange into vm2 failed: %v", err)
	}
	if got, ok := obj.IOVA(vm1.ID()); !ok || got != iova1 {
		t.Errorf("IOVA in vm1: got (%v, %t), wanted (%v, true)", got, ok, iova1)
	}
	if got, ok := obj.IOVA(vm2.ID()); !ok || got != iova2 {
		t.Errorf("IOVA in vm2: got (%v, %t), wanted (%v, true)", got, ok, iova2)
	}
}

func TestVMDestroyInvalidatesMapping(t *testing.T) {
	vm := mmu.NewVM(1, nil)
	obj, err := NewObject(1, mmu.PageSize, 0)
	if err != nil {
		t.Fatalf("NewObject failed: %v", err)
	}
	if _, err := obj.MapIntoRange(vm, testWindow, mmu.PageSize, mmu.ProtGPUSharedRW); err != nil {
		t.Fatalf("MapIntoRange failed: %v", err)
	}
	vm.Destroy()
	if iova, ok := obj.IOVA(vm.ID()); ok {
		t.Errorf("IOVA after VM destroy: got (%v, true), wanted no mapping", iova)
	}
}

func TestMmapOffset(t *testing.T) {
	obj1, err := NewObject(1, mmu.PageSize, 0)
	if err != nil {
		t.Fatalf("NewObject failed: %v", err)
	}
	obj2, err := NewObject(2, mmu.PageSize, 0)
	if err != nil {
		t.Fatalf("NewObject failed: %v", err)
	}
	o1, o2 := obj1.MmapOffset(), obj2.MmapOffset()
	if o1 == o2 {
		t.Errorf("mmap offsets collide: %#x", o1)
	}
	if o1%mmu.PageSize != 0 || o2%mmu.PageSize != 0 {
		t.Errorf("mmap offsets not page-aligned: %#x, %#x", o1, o2)
	}
	if got := obj1.MmapOffset(); got != o1 {
		t.Errorf("mmap offset not stable: got %#x, then %#x", o1, got)
	}
}
