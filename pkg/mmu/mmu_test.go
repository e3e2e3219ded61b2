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
	"testing"

	"golang.org/x/sys/unix"
)

func TestAddrRounding(t *testing.T) {
	for _, test := range []struct {
		addr  Addr
		align uint64
		down  Addr
		up    Addr
		upOK  bool
	}{
		{addr: 0, align: PageSize, down: 0, up: 0, upOK: true},
		{addr: 1, align: PageSize, down: 0, up: PageSize, upOK: true},
		{addr: PageSize, align: PageSize, down: PageSize, up: PageSize, upOK: true},
		{addr: PageSize + 1, align: PageSize, down: PageSize, up: 2 * PageSize, upOK: true},
		{addr: ^Addr(0), align: PageSize, down: ^Addr(0) &^ (PageSize - 1), upOK: false},
	} {
		if got := test.addr.RoundDown(test.align); got != test.down {
			t.Errorf("%v.RoundDown(%#x): got %v, wanted %v", test.addr, test.align, got, test.down)
		}
		got, ok := test.addr.RoundUp(test.align)
		if ok != test.upOK || (ok && got != test.up) {
			t.Errorf("%v.RoundUp(%#x): got (%v, %t), wanted (%v, %t)", test.addr, test.align, got, ok, test.up, test.upOK)
		}
	}
}

func TestAddrRange(t *testing.T) {
	ar := AddrRange{Start: 0x1000, End: 0x3000}
	for _, test := range []struct {
		other    AddrRange
		overlaps bool
	}{
		{AddrRange{0, 0x1000}, false},
		{AddrRange{0, 0x1001}, true},
		{AddrRange{0x2000, 0x4000}, true},
		{AddrRange{0x3000, 0x4000}, false},
		{AddrRange{0x1800, 0x2800}, true},
	} {
		if got := ar.Overlaps(test.other); got != test.overlaps {
			t.Errorf("%v.Overlaps(%v): got %t, wanted %t", ar, test.other, got, test.overlaps)
		}
	}
	if !ar.Contains(0x1000) || ar.Contains(0x3000) {
		t.Errorf("%v.Contains: wrong boundary handling", ar)
	}
	if !ar.IsSupersetOf(AddrRange{0x1000, 0x3000}) || ar.IsSupersetOf(AddrRange{0x1000, 0x3001}) {
		t.Errorf("%v.IsSupersetOf: wrong boundary handling", ar)
	}
}

const testWindowLen = 16 * PageSize

func testWindow() AddrRange {
	return AddrRange{Start: 0x20_00000000, End: 0x20_00000000 + testWindowLen}
}

func TestReserveOverlap(t *testing.T) {
	vm := NewVM(1, nil)
	if err := vm.Reserve(testWindow(), ProtGPUSharedRW); err != nil {
		t.Fatalf("Reserve(%v) failed: %v", testWindow(), err)
	}
	overlapping := AddrRange{Start: testWindow().Start + PageSize, End: testWindow().End + PageSize}
	if err := vm.Reserve(overlapping, ProtGPUSharedRW); err != unix.EBUSY {
		t.Errorf("Reserve(%v) of overlapping window: got %v, wanted EBUSY", overlapping, err)
	}
	disjoint := AddrRange{Start: testWindow().End, End: testWindow().End + PageSize}
	if err := vm.Reserve(disjoint, ProtGPUSharedRW); err != nil {
		t.Errorf("Reserve(%v) of disjoint window failed: %v", disjoint, err)
	}
}

func TestReserveInvalid(t *testing.T) {
	vm := NewVM(1, nil)
	for _, ar := range []AddrRange{
		{Start: 0x1000, End: 0x1000 + PageSize}, // misaligned start
		{Start: PageSize, End: PageSize},        // empty
		{Start: 2 * PageSize, End: PageSize},    // malformed
	} {
		if err := vm.Reserve(ar, ProtGPUSharedRW); err != unix.EINVAL {
			t.Errorf("Reserve(%v): got %v, wanted EINVAL", ar, err)
		}
	}
}

func TestUnreserveAllowsRereserve(t *testing.T) {
	vm := NewVM(1, nil)
	if err := vm.Reserve(testWindow(), ProtGPUSharedRW); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	vm.Unreserve(testWindow())
	if err := vm.Reserve(testWindow(), ProtGPUFWSharedRW); err != nil {
		t.Errorf("Reserve after Unreserve failed: %v", err)
	}
}

func TestMapInRangeFirstFit(t *testing.T) {
	vm := NewVM(1, nil)
	w := testWindow()
	a1, err := vm.MapInRange(w, PageSize, PageSize, ProtGPUSharedRW, nil)
	if err != nil {
		t.Fatalf("MapInRange failed: %v", err)
	}
	if a1 != w.Start {
		t.Errorf("first mapping: got %v, wanted %v", a1, w.Start)
	}
	a2, err := vm.MapInRange(w, 3*PageSize, PageSize, ProtGPUSharedRW, nil)
	if err != nil {
		t.Fatalf("MapInRange failed: %v", err)
	}
	if a2 != w.Start+PageSize {
		t.Errorf("second mapping: got %v, wanted %v", a2, w.Start+PageSize)
	}
	// Sizes are rounded up to the page granularity.
	a3, err := vm.MapInRange(w, 1, PageSize, ProtGPUSharedRW, nil)
	if err != nil {
		t.Fatalf("MapInRange failed: %v", err)
	}
	if a3 != w.Start+4*PageSize {
		t.Errorf("third mapping: got %v, wanted %v", a3, w.Start+4*PageSize)
	}
}

func TestMapInRangeExhaustion(t *testing.T) {
	vm := NewVM(1, nil)
	w := testWindow()
	if _, err := vm.MapInRange(w, testWindowLen, PageSize, ProtGPUSharedRW, nil); err != nil {
		t.Fatalf("MapInRange of whole window failed: %v", err)
	}
	if _, err := vm.MapInRange(w, PageSize, PageSize, ProtGPUSharedRW, nil); err != unix.ENOSPC {
		t.Errorf("MapInRange of full window: got %v, wanted ENOSPC", err)
	}
	if _, err := vm.MapInRange(w, testWindowLen+PageSize, PageSize, ProtGPUSharedRW, nil); err != unix.ENOSPC {
		t.Errorf("MapInRange larger than window: got %v, wanted ENOSPC", err)
	}
}

func TestMapInRangeSkipsReservations(t *testing.T) {
	vm := NewVM(1, nil)
	w := testWindow()
	reserved := AddrRange{Start: w.Start, End: w.Start + 2*PageSize}
	if err := vm.Reserve(reserved, ProtGPUSharedRW); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	a, err := vm.MapInRange(w, PageSize, PageSize, ProtGPUSharedRW, nil)
	if err != nil {
		t.Fatalf("MapInRange failed: %v", err)
	}
	if a != reserved.End {
		t.Errorf("mapping placed at %v, wanted %v (past the reservation)", a, reserved.End)
	}
}

func TestDestroyReleasesMappings(t *testing.T) {
	destroyed := false
	vm := NewVM(1, func() { destroyed = true })
	released := 0
	if _, err := vm.MapInRange(testWindow(), PageSize, PageSize, ProtGPUSharedRW, func() { released++ }); err != nil {
		t.Fatalf("MapInRange failed: %v", err)
	}
	vm.Destroy()
	if !destroyed {
		t.Error("onDestroy not called")
	}
	if released != 1 {
		t.Errorf("release callbacks called %d times, wanted 1", released)
	}
	if !vm.Dead() {
		t.Error("VM not dead after Destroy")
	}
	// Destroy is idempotent.
	vm.Destroy()
	if released != 1 {
		t.Errorf("release callbacks called %d times after second Destroy, wanted 1", released)
	}
	if _, err := vm.MapInRange(testWindow(), PageSize, PageSize, ProtGPUSharedRW, nil); err != unix.ENODEV {
		t.Errorf("MapInRange on dead VM: got %v, wanted ENODEV", err)
	}
	if err := vm.Reserve(testWindow(), ProtGPUSharedRW); err != unix.ENODEV {
		t.Errorf("Reserve on dead VM: got %v, wanted ENODEV", err)
	}
}
