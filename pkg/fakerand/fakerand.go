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

// Package fakerand provides a deterministic byte source, suitable for
// testing code that needs stable seeds and IVs.  It must never be used
// as a randomness source outside tests.
package fakerand // import "github.com/quillsafe/kdbx/pkg/fakerand"

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"
)

// New returns a reader producing the same byte sequence on every run.
// It is safe for use from multiple goroutines.
func New() io.Reader {
	return NewSeeded(0)
}

// NewSeeded returns a deterministic reader whose output depends on
// seed.  Distinct seeds yield unrelated sequences.
func NewSeeded(seed uint64) io.Reader {
	return &reader{seed: seed}
}

// reader generates bytes as SHA-256(seed || counter), one digest per
// 32-byte window.
type reader struct {
	mu      sync.Mutex
	seed    uint64
	counter uint64
	rest    []byte
}

func (r *reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range p {
		if len(r.rest) == 0 {
			var blk [16]byte
			binary.LittleEndian.PutUint64(blk[:8], r.seed)
			binary.LittleEndian.PutUint64(blk[8:], r.counter)
			r.counter++
			sum := sha256.Sum256(blk[:])
			r.rest = sum[:]
		}
		p[i] = r.rest[0]
		r.rest = r.rest[1:]
	}
	return len(p), nil
}
