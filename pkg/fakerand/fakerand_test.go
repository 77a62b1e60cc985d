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

package fakerand

import (
	"bytes"
	"io"
	"testing"
)

func TestDeterministic(t *testing.T) {
	a := make([]byte, 257)
	b := make([]byte, 257)
	if _, err := io.ReadFull(New(), a); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(New(), b); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two fresh readers produced different sequences")
	}
}

func TestSeedsDiffer(t *testing.T) {
	a := make([]byte, 64)
	b := make([]byte, 64)
	io.ReadFull(NewSeeded(1), a)
	io.ReadFull(NewSeeded(2), b)
	if bytes.Equal(a, b) {
		t.Error("distinct seeds produced identical sequences")
	}
}

func TestReadSizesDoNotMatter(t *testing.T) {
	whole := make([]byte, 100)
	io.ReadFull(New(), whole)

	r := New()
	var pieces bytes.Buffer
	for _, n := range []int{1, 2, 3, 31, 32, 31} {
		p := make([]byte, n)
		if _, err := io.ReadFull(r, p); err != nil {
			t.Fatal(err)
		}
		pieces.Write(p)
	}
	if !bytes.Equal(pieces.Bytes(), whole) {
		t.Error("piecewise reads diverge from a single read")
	}
}
