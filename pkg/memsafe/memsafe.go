// Copyright 2026 The Kdbx Authors
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

// Package memsafe provides byte buffers for secret material.  A Buffer
// is wiped with a store the compiler cannot elide when destroyed and,
// where the operating system permits, its pages are locked against
// swapping for its whole lifetime.
package memsafe // import "github.com/quillsafe/kdbx/pkg/memsafe"

import (
	"crypto/subtle"
	"sync"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = zerolog.Nop()
)

// SetLogger routes allocator diagnostics (page-lock failures) to l.
// The default logger discards everything.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

func warn(err error, msg string, size int) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	l.Warn().Err(err).Int("size", size).Msg(msg)
}

// Wipe overwrites b with zeros.  The zeroing is done through
// subtle.ConstantTimeCopy so dead-store elimination cannot remove it
// even when b is about to go out of scope.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}

// A Buffer owns a fixed-size region of secret bytes.  It has a single
// owner at any moment; Destroy wipes the contents exactly once and is
// safe to call multiple times.
//
// A Buffer never grows in place: Append allocates a replacement and
// destroys the receiver, so no stale copy of the secret survives a
// reallocation.
type Buffer struct {
	data      []byte
	locked    bool
	destroyed bool
}

// New allocates a Buffer of n zero bytes and attempts to lock its pages
// into memory.  A failed lock is logged and otherwise ignored.
func New(n int) *Buffer {
	b := &Buffer{data: make([]byte, n)}
	if n > 0 {
		if err := lockMemory(b.data); err != nil {
			warn(err, "memsafe: cannot page-lock buffer", n)
		} else {
			b.locked = true
		}
	}
	return b
}

// From copies p into a fresh Buffer and wipes p.  Use it to take
// ownership of secret bytes produced by code outside this package.
func From(p []byte) *Buffer {
	b := New(len(p))
	copy(b.data, p)
	Wipe(p)
	return b
}

// Data returns the underlying bytes.  The slice is only valid until
// Destroy; callers must not retain it past the Buffer's lifetime.
func (b *Buffer) Data() []byte {
	if b.destroyed {
		return nil
	}
	return b.data
}

// Len returns the buffer length, or zero after Destroy.
func (b *Buffer) Len() int {
	if b.destroyed {
		return 0
	}
	return len(b.data)
}

// Append returns a new Buffer holding the receiver's bytes followed by
// p, then destroys the receiver and wipes p.
func (b *Buffer) Append(p []byte) *Buffer {
	nb := New(b.Len() + len(p))
	n := copy(nb.data, b.Data())
	copy(nb.data[n:], p)
	Wipe(p)
	b.Destroy()
	return nb
}

// Destroy wipes the buffer and releases the page lock.  It is
// idempotent.
func (b *Buffer) Destroy() {
	if b == nil || b.destroyed {
		return
	}
	Wipe(b.data)
	if b.locked {
		if err := unlockMemory(b.data); err != nil {
			warn(err, "memsafe: cannot unlock buffer", len(b.data))
		}
		b.locked = false
	}
	b.data = nil
	b.destroyed = true
}
