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

// Package kdbcrypt derives the master encryption key of a KDBX v3
// database from the user's credential factors.
//
// Every credential factor is condensed to a 32-byte digest.  The
// composite key is SHA-256 over the concatenation of the factor
// digests in the order they were added, the transformed key is the
// composite run through the iterated AES-ECB work factor, and the
// master key is SHA-256(master seed || transformed key).
package kdbcrypt // import "github.com/quillsafe/kdbx/pkg/kdbcrypt"

import (
	"crypto/aes"
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/quillsafe/kdbx/pkg/memsafe"
)

// FactorSize is the size of every credential factor digest.
const FactorSize = sha256.Size

// Errors
var (
	ErrNoFactors  = errors.New("kdbcrypt: composite key has no factors")
	ErrSealed     = errors.New("kdbcrypt: composite key already sealed")
	ErrFactorSize = errors.New("kdbcrypt: factor is not 32 bytes")
)

// A CompositeKey accumulates credential factors and condenses them
// into the 32-byte composite value.  The zero value is ready to use.
// Factor order is significant; concurrent Add calls are not supported.
type CompositeKey struct {
	factors []*memsafe.Buffer
	sealed  *memsafe.Buffer
}

// AddFactor appends a raw 32-byte factor digest.  The digest is copied
// into locked memory and d is wiped.
func (ck *CompositeKey) AddFactor(d []byte) error {
	if ck.sealed != nil {
		return ErrSealed
	}
	if len(d) != FactorSize {
		return ErrFactorSize
	}
	ck.factors = append(ck.factors, memsafe.From(d))
	return nil
}

// AddPassword appends the password factor: SHA-256 over the UTF-8
// password bytes.  pw is wiped.
func (ck *CompositeKey) AddPassword(pw []byte) error {
	sum := sha256.Sum256(pw)
	memsafe.Wipe(pw)
	return ck.AddFactor(sum[:])
}

// AddChallengeResponse appends a challenge-response factor.  respond
// is invoked immediately; its answer is condensed with SHA-256 and
// wiped.
func (ck *CompositeKey) AddChallengeResponse(respond func() ([]byte, error)) error {
	if ck.sealed != nil {
		return ErrSealed
	}
	resp, err := respond()
	if err != nil {
		return err
	}
	sum := sha256.Sum256(resp)
	memsafe.Wipe(resp)
	return ck.AddFactor(sum[:])
}

// Seal condenses the factors into the 32-byte composite value.  It is
// idempotent; factors can no longer be added afterwards.  The returned
// slice is owned by the CompositeKey and freed by Destroy.
func (ck *CompositeKey) Seal() ([]byte, error) {
	if ck.sealed != nil {
		return ck.sealed.Data(), nil
	}
	if len(ck.factors) == 0 {
		return nil, ErrNoFactors
	}
	h := sha256.New()
	for _, f := range ck.factors {
		h.Write(f.Data())
	}
	sum := h.Sum(nil)
	ck.sealed = memsafe.From(sum)
	return ck.sealed.Data(), nil
}

// Destroy wipes all factors and the sealed composite value.
func (ck *CompositeKey) Destroy() {
	for _, f := range ck.factors {
		f.Destroy()
	}
	ck.factors = nil
	ck.sealed.Destroy()
	ck.sealed = nil
}

// TransformKey applies the KDBX work-factor KDF: both 16-byte halves
// of composite are independently encrypted rounds times with
// AES-256-ECB under seed, then the result is hashed with SHA-256.
//
// The halves are processed in parallel; the result is identical to a
// serial computation.
func TransformKey(composite, seed []byte, rounds uint64) ([]byte, error) {
	if len(composite) != 32 {
		return nil, ErrFactorSize
	}
	if _, err := aes.NewCipher(seed); err != nil {
		return nil, err
	}
	work := memsafe.From(append([]byte(nil), composite...))
	defer work.Destroy()

	var wg sync.WaitGroup
	wg.Add(2)
	go transformHalf(&wg, work.Data()[:16], seed, rounds)
	go transformHalf(&wg, work.Data()[16:], seed, rounds)
	wg.Wait()

	sum := sha256.Sum256(work.Data())
	return sum[:], nil
}

// transformHalf iterates single-block AES encryption over half in
// place.  The cipher is created per goroutine; seed was validated by
// the caller.
func transformHalf(wg *sync.WaitGroup, half, seed []byte, rounds uint64) {
	defer wg.Done()
	c, err := aes.NewCipher(seed)
	if err != nil {
		panic(err)
	}
	for i := uint64(0); i < rounds; i++ {
		c.Encrypt(half, half)
	}
}

// MasterKey derives the outer cipher key:
// SHA-256(masterSeed || transformed).  transformed is wiped.
func MasterKey(transformed, masterSeed []byte) []byte {
	h := sha256.New()
	h.Write(masterSeed)
	h.Write(transformed)
	memsafe.Wipe(transformed)
	return h.Sum(nil)
}
