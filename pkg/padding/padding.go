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

// Package padding implements PKCS#7 padding for the outer CBC layer of
// a KDBX container.
package padding // import "github.com/quillsafe/kdbx/pkg/padding"

import "errors"

// Errors
var (
	ErrPadding   = errors.New("padding: invalid padding bytes")
	ErrBlockSize = errors.New("padding: block size out of range")
	ErrDataSize  = errors.New("padding: input is not a multiple of the block size")
)

// Pad appends PKCS#7 padding to b so that its length becomes a multiple
// of blockSize.  At least one and at most blockSize bytes are appended.
// blockSize must be in [2, 255].
func Pad(b []byte, blockSize int) []byte {
	if blockSize < 2 || blockSize > 255 {
		panic("padding: block size out of range")
	}
	n := blockSize - len(b)%blockSize
	for i := 0; i < n; i++ {
		b = append(b, byte(n))
	}
	return b
}

// Strip removes PKCS#7 padding from b and returns the unpadded prefix.
// The returned slice aliases b.
func Strip(b []byte, blockSize int) ([]byte, error) {
	if blockSize < 2 || blockSize > 255 {
		return b, ErrBlockSize
	}
	if len(b) == 0 || len(b)%blockSize != 0 {
		return b, ErrDataSize
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return b, ErrPadding
	}
	for _, c := range b[len(b)-n:] {
		if c != byte(n) {
			return b, ErrPadding
		}
	}
	return b[:len(b)-n], nil
}
