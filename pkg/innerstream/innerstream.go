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

// Package innerstream implements the per-database keystream cipher
// that masks protected field values inside the decrypted XML document.
//
// Masking and unmasking advance the same keystream, so protected
// values must be processed in document order.  A Stream is not safe
// for concurrent use; the XML layer is its single consumer.
package innerstream // import "github.com/quillsafe/kdbx/pkg/innerstream"

import (
	"crypto/rc4"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/salsa20/salsa"

	"github.com/quillsafe/kdbx/pkg/memsafe"
)

// Algorithm identifies the inner random stream cipher, using the wire
// values of the header's inner random stream id field.
type Algorithm uint32

// Inner stream algorithms defined for KDBX v3.
const (
	None    Algorithm = 0
	ARC4    Algorithm = 1
	Salsa20 Algorithm = 2
)

// ErrUnknownAlgorithm reports an inner stream id this implementation
// does not provide.
var ErrUnknownAlgorithm = errors.New("innerstream: unknown inner stream cipher")

// salsaNonce is the nonce KeePass 2.x fixes for the inner Salsa20
// stream; uniqueness comes from the per-database inner key.
var salsaNonce = [8]byte{0xe8, 0x30, 0x09, 0x4b, 0x97, 0x20, 0x5d, 0x2a}

// A Stream is the keystream state shared by all protected values of
// one document pass.
type Stream struct {
	alg      Algorithm
	arc4     *rc4.Cipher
	key      *memsafe.Buffer      // 32-byte Salsa20 key
	counter  uint64               // next Salsa20 block
	block    [salsaBlockSize]byte // current keystream block
	off      int                  // consumed bytes of block
	consumed uint64
}

// New builds the inner stream cipher for alg.  For Salsa20 the cipher
// key is SHA-256 of innerKey; for ARC4 the raw innerKey is used.
func New(alg Algorithm, innerKey []byte) (*Stream, error) {
	s := &Stream{alg: alg, off: salsaBlockSize}
	switch alg {
	case None:
	case ARC4:
		c, err := rc4.NewCipher(innerKey)
		if err != nil {
			return nil, fmt.Errorf("innerstream: %w", err)
		}
		s.arc4 = c
	case Salsa20:
		sum := sha256.Sum256(innerKey)
		s.key = memsafe.From(sum[:])
	default:
		return nil, fmt.Errorf("%w: id %d", ErrUnknownAlgorithm, alg)
	}
	return s, nil
}

const salsaBlockSize = 64

// Mask encrypts p in place, advancing the keystream by len(p).
func (s *Stream) Mask(p []byte) { s.apply(p) }

// Unmask decrypts p in place, advancing the keystream by len(p).
// Masking and unmasking are the same XOR; the two names document
// intent at call sites.
func (s *Stream) Unmask(p []byte) { s.apply(p) }

// Consumed returns the total number of keystream bytes used so far.
// After a full document pass it equals the sum of the lengths of all
// protected values, on both the read and the write side.
func (s *Stream) Consumed() uint64 { return s.consumed }

func (s *Stream) apply(p []byte) {
	if len(p) == 0 {
		return
	}
	s.consumed += uint64(len(p))
	switch s.alg {
	case None:
	case ARC4:
		s.arc4.XORKeyStream(p, p)
	case Salsa20:
		for i := range p {
			if s.off == len(s.block) {
				s.nextBlock()
			}
			p[i] ^= s.block[s.off]
			s.off++
		}
	}
}

// nextBlock generates the next 64 bytes of Salsa20 keystream.  The
// counter occupies the high half of the 16-byte block parameter, after
// the fixed nonce.
func (s *Stream) nextBlock() {
	var blk [16]byte
	copy(blk[:8], salsaNonce[:])
	binary.LittleEndian.PutUint64(blk[8:], s.counter)
	s.counter++

	var key [32]byte
	copy(key[:], s.key.Data())
	for i := range s.block {
		s.block[i] = 0
	}
	salsa.XORKeyStream(s.block[:], s.block[:], &blk, &key)
	memsafe.Wipe(key[:])
	s.off = 0
}

// Destroy wipes the keystream state.  The Stream must not be used
// afterwards.
func (s *Stream) Destroy() {
	if s == nil {
		return
	}
	s.key.Destroy()
	s.arc4 = nil
	memsafe.Wipe(s.block[:])
	s.off = len(s.block)
	s.alg = None
}
