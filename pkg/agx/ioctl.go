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
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"agx.dev/agx/pkg/abi/agxdrm"
)

// ioctlHandler validates the parameter struct for one ioctl command and
// invokes the File operation behind it.
type ioctlHandler func(*File, any) error

// ioctlHandlers maps ioctl nr to handler. nr determines the parameter type;
// a mismatched type fails with EINVAL.
var ioctlHandlers = [...]ioctlHandler{
	agxdrm.IoctlSubmit:      ioctlSubmit,
	agxdrm.IoctlWait:        ioctlWait,
	agxdrm.IoctlCreateBO:    ioctlCreateBO,
	agxdrm.IoctlMmapBO:      ioctlMmapBO,
	agxdrm.IoctlGetParam:    ioctlGetParam,
	agxdrm.IoctlGetBOOffset: ioctlGetBOOffset,
}

// Ioctl dispatches one ioctl command against the context. Success is a nil
// error; the host layer translates errors to its status convention.
func (f *File) Ioctl(nr uint32, params any) error {
	if nr >= uint32(len(ioctlHandlers)) || ioctlHandlers[nr] == nil {
		logrus.WithField("file", f.id).Warnf("unknown ioctl %d", nr)
		return unix.EINVAL
	}
	return ioctlHandlers[nr](f, params)
}

func ioctlSubmit(f *File, params any) error {
	p, ok := params.(*agxdrm.SubmitParams)
	if !ok {
		return unix.EINVAL
	}
	return f.Submit(p)
}

func ioctlWait(f *File, params any) error {
	p, ok := params.(*agxdrm.WaitParams)
	if !ok {
		return unix.EINVAL
	}
	return f.Wait(p)
}

func ioctlCreateBO(f *File, params any) error {
	p, ok := params.(*agxdrm.CreateBOParams)
	if !ok {
		return unix.EINVAL
	}
	return f.CreateBO(p)
}

func ioctlMmapBO(f *File, params any) error {
	p, ok := params.(*agxdrm.MmapBOParams)
	if !ok {
		return unix.EINVAL
	}
	return f.MmapBO(p)
}

func ioctlGetParam(f *File, params any) error {
	p, ok := params.(*agxdrm.GetParamParams)
	if !ok {
		return unix.EINVAL
	}
	return f.GetParam(p)
}

func ioctlGetBOOffset(f *File, params any) error {
	p, ok := params.(*agxdrm.GetBOOffsetParams)
	if !ok {
		return unix.EINVAL
	}
	return f.GetBOOffset(p)
}
