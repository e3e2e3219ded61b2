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

// Package debug holds the process-wide debug flag classes of the AGX driver
// core. Flags are refreshed by Update, which client-facing driver entry
// points call so that flag changes take effect on a live process.
//
// Flags come from the AGX_DEBUG environment variable (a comma-separated list
// of class names) or, if AGX_DEBUG_CONFIG names a TOML file, from that file.
package debug

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Flags is a bitmask of debug flag classes.
type Flags uint64

const (
	// FlagFile enables client context (file) debug logging.
	FlagFile Flags = 1 << iota

	// FlagAlloc enables address-range allocator debug logging.
	FlagAlloc

	// FlagMmu enables VM and mapping debug logging.
	FlagMmu

	// FlagGem enables buffer object debug logging.
	FlagGem

	// FlagRender enables renderer debug logging.
	FlagRender
)

var flagNames = map[string]Flags{
	"file":   FlagFile,
	"alloc":  FlagAlloc,
	"mmu":    FlagMmu,
	"gem":    FlagGem,
	"render": FlagRender,
}

var flags atomic.Uint64

// config is the schema of the optional AGX_DEBUG_CONFIG TOML file.
type config struct {
	// Debug lists enabled debug flag classes ("file", "alloc", "mmu",
	// "gem", "render").
	Debug []string `toml:"debug"`

	// LogLevel, if set, is applied to the process logger ("debug",
	// "info", "warning", ...).
	LogLevel string `toml:"log_level"`
}

// Enabled returns true if all classes in f are enabled.
func Enabled(f Flags) bool {
	return Flags(flags.Load())&f == f
}

// Update refreshes the process-wide debug flags from the environment. It is
// called on context open and on submission so that flag changes apply
// without reloading the driver.
func Update() {
	if path := os.Getenv("AGX_DEBUG_CONFIG"); path != "" {
		var c config
		if _, err := toml.DecodeFile(path, &c); err != nil {
			logrus.WithError(err).Warnf("failed to load debug config %q", path)
			return
		}
		if c.LogLevel != "" {
			level, err := logrus.ParseLevel(c.LogLevel)
			if err != nil {
				logrus.WithError(err).Warnf("bad log_level in %q", path)
			} else {
				logrus.SetLevel(level)
			}
		}
		flags.Store(uint64(parseFlags(c.Debug)))
		return
	}
	if classes, ok := os.LookupEnv("AGX_DEBUG"); ok {
		flags.Store(uint64(parseFlags(strings.Split(classes, ","))))
	}
}

func parseFlags(names []string) Flags {
	var f Flags
	for _, name := range names {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		if name == "all" {
			for _, v := range flagNames {
				f |= v
			}
			continue
		}
		v, ok := flagNames[name]
		if !ok {
			logrus.Warnf("unknown debug flag class %q", name)
			continue
		}
		f |= v
	}
	return f
}
