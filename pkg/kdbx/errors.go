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

package kdbx

import "errors"

// Error kinds surfaced by Load and Store.  Wrapped errors match these
// with errors.Is.
var (
	// ErrBadSignature reports a source that does not begin with the
	// KDBX magic numbers.
	ErrBadSignature = errors.New("kdbx: not a kdbx file")

	// ErrUnsupportedVersion reports a major format version other than 3.
	ErrUnsupportedVersion = errors.New("kdbx: unsupported format version")

	// ErrMalformedHeader reports a truncated or inconsistent header, or
	// one missing a required field.
	ErrMalformedHeader = errors.New("kdbx: malformed header")

	// ErrBadPassword reports a failed stream-start-bytes check.  A
	// wrong password and a wrong key file are deliberately
	// indistinguishable.
	ErrBadPassword = errors.New("kdbx: wrong password or key file")

	// ErrIntegrity reports content whose hashed-block authentication
	// failed after the stream start bytes verified.
	ErrIntegrity = errors.New("kdbx: content integrity check failed")

	// ErrCorruptFrame reports a hashed-block frame with an impossible
	// index or length.
	ErrCorruptFrame = errors.New("kdbx: corrupt content frame")

	// ErrCompression reports a broken gzip stream inside an otherwise
	// authentic container.
	ErrCompression = errors.New("kdbx: compression stream error")

	// ErrPrimitive reports a failure inside a crypto primitive.
	ErrPrimitive = errors.New("kdbx: crypto primitive failure")

	// ErrCancelled reports a load or store abandoned by the caller.
	ErrCancelled = errors.New("kdbx: cancelled")
)

// isKind reports whether err already carries one of the package error
// kinds, so stages do not double-wrap errors crossing several of them.
func isKind(err error) bool {
	for _, kind := range []error{
		ErrBadSignature, ErrUnsupportedVersion, ErrMalformedHeader,
		ErrBadPassword, ErrIntegrity, ErrCorruptFrame,
		ErrCompression, ErrPrimitive, ErrCancelled,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
