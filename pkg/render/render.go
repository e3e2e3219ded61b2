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

// Package render defines the Renderer capability a client context submits
// work through, and the production renderer bound to a context's shared and
// private allocators.
package render

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"agx.dev/agx/pkg/abi/agxdrm"
	"agx.dev/agx/pkg/alloc"
	"agx.dev/agx/pkg/debug"
	"agx.dev/agx/pkg/mmu"
)

// Renderer executes render submissions against a VM. Implementations own
// whatever serialization their execution requires beyond submission id
// issuance; callers may invoke Render concurrently.
type Renderer interface {
	// Render executes one submission with the given device-unique id,
	// staging through ualloc as needed. Errors are returned verbatim to
	// the submitter.
	Render(vm *mmu.VM, ualloc *alloc.Allocator, params *agxdrm.SubmitParams, id uint64) error

	// Release drops the renderer's allocator references. No Render calls
	// may be in flight or follow.
	Release()
}

// renderer is the production Renderer. It stages each submission's command
// buffer in the shared window and a firmware descriptor in the private
// window, and executes synchronously.
type renderer struct {
	shared *alloc.Allocator
	priv   *alloc.Allocator

	// mu serializes execution against the hardware queue.
	mu        sync.Mutex
	completed uint64
	lastID    uint64
}

// New returns a Renderer bound to the given shared and private allocators,
// taking a reference on each.
func New(shared, priv *alloc.Allocator) (Renderer, error) {
	shared.IncRef()
	priv.IncRef()
	return &renderer{
		shared: shared,
		priv:   priv,
	}, nil
}

// Render implements Renderer.Render.
func (r *renderer) Render(vm *mmu.VM, ualloc *alloc.Allocator, params *agxdrm.SubmitParams, id uint64) error {
	if params == nil || params.Commands == 0 || params.CmdBufSize == 0 {
		return unix.EINVAL
	}

	// Stage the command buffer in the shared window and a firmware
	// descriptor page in the private window for the duration of the
	// submission.
	cmdSize := (uint64(params.CmdBufSize) + ualloc.PageSize() - 1) &^ (ualloc.PageSize() - 1)
	cmd, err := ualloc.Alloc(cmdSize)
	if err != nil {
		return err
	}
	defer ualloc.Free(cmd)
	fw, err := r.priv.Alloc(r.priv.PageSize())
	if err != nil {
		return err
	}
	defer r.priv.Free(fw)

	r.mu.Lock()
	defer r.mu.Unlock()
	if debug.Enabled(debug.FlagRender) {
		logrus.WithFields(logrus.Fields{
			"vm":         vm.ID(),
			"submission": id,
		}).Debugf("render: cmdbuf %v fw %v size=%#x", cmd, fw, params.CmdBufSize)
	}
	r.completed++
	r.lastID = id
	return nil
}

// Release implements Renderer.Release.
func (r *renderer) Release() {
	r.shared.DecRef()
	r.priv.DecRef()
}
