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

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/quillsafe/kdbx/pkg/innerstream"
)

// File signature magics and version handling.
const (
	signature1 = 0x9aa2d903
	signature2 = 0xb54bfb67

	// fileVersion is the version word written to new files: 3.1, the
	// last revision of the v3 container.
	fileVersion = 0x00030001

	versionMajorMask = 0xffff0000
	versionMajor3    = 0x00030000
)

// Header field ids, in their on-disk values.
const (
	fieldEndOfHeader        = 0
	fieldComment            = 1
	fieldCipherID           = 2
	fieldCompressionFlags   = 3
	fieldMasterSeed         = 4
	fieldTransformSeed      = 5
	fieldTransformRounds    = 6
	fieldEncryptionIV       = 7
	fieldProtectedStreamKey = 8
	fieldStreamStartBytes   = 9
	fieldInnerStreamID      = 10
)

// CipherAES is the cipher UUID of AES-256-CBC, the only outer cipher
// defined for KDBX v3.
var CipherAES = uuid.MustParse("31c1f2e6-bf71-4350-be58-05216afc5aff")

// Compression identifies the inner stream compression.
type Compression uint32

// Compression algorithms.
const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
)

// DefaultTransformRounds is the work factor given to headers that do
// not set one, matching the historical KeePass 2.x default.
const DefaultTransformRounds = 6000

// maxFieldLen is the TLV length limit; the on-disk length field is 16
// bits, so this is a structural constant, not a policy choice.
const maxFieldLen = 0xffff

// A Header holds the plaintext container parameters of a KDBX v3
// database.  A Header parsed from a source additionally remembers the
// exact bytes and field order it was read from, so an unchanged
// database round-trips byte for byte.
type Header struct {
	// Version is the raw on-disk version word.  Zero means "current"
	// when writing.
	Version uint32

	CipherID           uuid.UUID
	Compression        Compression
	MasterSeed         []byte
	TransformSeed      []byte
	TransformRounds    uint64
	EncryptionIV       []byte
	ProtectedStreamKey []byte
	StreamStartBytes   []byte
	InnerStreamID      innerstream.Algorithm

	// Comment is carried verbatim; KeePass ignores it.
	Comment []byte

	image []byte
	order []byte
}

// ParseHeader reads and validates a KDBX v3 header from r, consuming
// exactly the header bytes.  The remaining stream is the outer
// ciphertext.
func ParseHeader(r io.Reader) (*Header, error) {
	var image bytes.Buffer
	tr := io.TeeReader(r, &image)

	var fixed [12]byte
	if _, err := io.ReadFull(tr, fixed[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated signature", ErrBadSignature)
		}
		return nil, err
	}
	sig1 := binary.LittleEndian.Uint32(fixed[0:4])
	sig2 := binary.LittleEndian.Uint32(fixed[4:8])
	version := binary.LittleEndian.Uint32(fixed[8:12])
	if sig1 != signature1 || sig2 != signature2 {
		return nil, ErrBadSignature
	}
	if version&versionMajorMask != versionMajor3 {
		return nil, fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion,
			version>>16, version&0xffff)
	}

	h := &Header{Version: version}
	seen := make(map[byte]bool)
	for {
		var fh [3]byte
		if _, err := io.ReadFull(tr, fh[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated field", ErrMalformedHeader)
		}
		id := fh[0]
		length := binary.LittleEndian.Uint16(fh[1:])
		value := make([]byte, length)
		if _, err := io.ReadFull(tr, value); err != nil {
			return nil, fmt.Errorf("%w: truncated field %d", ErrMalformedHeader, id)
		}
		if id == fieldEndOfHeader {
			break
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate field %d", ErrMalformedHeader, id)
		}
		seen[id] = true
		h.order = append(h.order, id)
		if err := h.setField(id, value); err != nil {
			return nil, err
		}
	}
	h.image = image.Bytes()
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Header) setField(id byte, value []byte) error {
	switch id {
	case fieldComment:
		h.Comment = value
	case fieldCipherID:
		if len(value) != 16 {
			return fmt.Errorf("%w: cipher id is %d bytes", ErrMalformedHeader, len(value))
		}
		copy(h.CipherID[:], value)
	case fieldCompressionFlags:
		if len(value) != 4 {
			return fmt.Errorf("%w: compression flags are %d bytes", ErrMalformedHeader, len(value))
		}
		h.Compression = Compression(binary.LittleEndian.Uint32(value))
	case fieldMasterSeed:
		if len(value) < 32 {
			return fmt.Errorf("%w: master seed is %d bytes", ErrMalformedHeader, len(value))
		}
		h.MasterSeed = value
	case fieldTransformSeed:
		if len(value) != 32 {
			return fmt.Errorf("%w: transform seed is %d bytes", ErrMalformedHeader, len(value))
		}
		h.TransformSeed = value
	case fieldTransformRounds:
		if len(value) != 8 {
			return fmt.Errorf("%w: transform rounds are %d bytes", ErrMalformedHeader, len(value))
		}
		h.TransformRounds = binary.LittleEndian.Uint64(value)
	case fieldEncryptionIV:
		if len(value) != 16 {
			return fmt.Errorf("%w: encryption iv is %d bytes", ErrMalformedHeader, len(value))
		}
		h.EncryptionIV = value
	case fieldProtectedStreamKey:
		if len(value) != 32 {
			return fmt.Errorf("%w: inner stream key is %d bytes", ErrMalformedHeader, len(value))
		}
		h.ProtectedStreamKey = value
	case fieldStreamStartBytes:
		if len(value) != 32 {
			return fmt.Errorf("%w: stream start bytes are %d bytes", ErrMalformedHeader, len(value))
		}
		h.StreamStartBytes = value
	case fieldInnerStreamID:
		if len(value) != 4 {
			return fmt.Errorf("%w: inner stream id is %d bytes", ErrMalformedHeader, len(value))
		}
		h.InnerStreamID = innerstream.Algorithm(binary.LittleEndian.Uint32(value))
	default:
		return fmt.Errorf("%w: unknown field %d", ErrMalformedHeader, id)
	}
	return nil
}

// Validate checks that every field required by the v3 format is
// present and consistent.
func (h *Header) Validate() error {
	switch {
	case h.CipherID != CipherAES:
		return fmt.Errorf("%w: unsupported cipher %s", ErrMalformedHeader, h.CipherID)
	case h.Compression != CompressionNone && h.Compression != CompressionGzip:
		return fmt.Errorf("%w: unknown compression %d", ErrMalformedHeader, h.Compression)
	case len(h.MasterSeed) < 32:
		return fmt.Errorf("%w: missing master seed", ErrMalformedHeader)
	case len(h.TransformSeed) != 32:
		return fmt.Errorf("%w: missing transform seed", ErrMalformedHeader)
	case h.TransformRounds == 0:
		return fmt.Errorf("%w: missing transform rounds", ErrMalformedHeader)
	case len(h.EncryptionIV) != 16:
		return fmt.Errorf("%w: missing encryption iv", ErrMalformedHeader)
	case len(h.ProtectedStreamKey) != 32:
		return fmt.Errorf("%w: missing inner stream key", ErrMalformedHeader)
	case len(h.StreamStartBytes) != 32:
		return fmt.Errorf("%w: missing stream start bytes", ErrMalformedHeader)
	}
	switch h.InnerStreamID {
	case innerstream.None, innerstream.ARC4, innerstream.Salsa20:
	default:
		return fmt.Errorf("%w: unknown inner stream cipher %d", ErrMalformedHeader, h.InnerStreamID)
	}
	return nil
}

// Image returns a copy of the exact header bytes consumed by
// ParseHeader, from the first signature byte through the end of the
// terminator field.  It returns nil for headers built in memory.
func (h *Header) Image() []byte {
	return append([]byte(nil), h.image...)
}

// EnsureSecrets fills every unset random field from rand and applies
// defaults for the cipher, inner stream, and transform rounds.  Fields
// already set are left alone, so tests can pin seeds via a
// deterministic rand.
func (h *Header) EnsureSecrets(rand io.Reader) error {
	fill := func(p *[]byte, n int) error {
		if len(*p) != 0 {
			return nil
		}
		*p = make([]byte, n)
		_, err := io.ReadFull(rand, *p)
		return err
	}
	if h.CipherID == (uuid.UUID{}) {
		h.CipherID = CipherAES
	}
	if h.InnerStreamID == innerstream.None && len(h.ProtectedStreamKey) == 0 {
		h.InnerStreamID = innerstream.Salsa20
	}
	if h.TransformRounds == 0 {
		h.TransformRounds = DefaultTransformRounds
	}
	if err := fill(&h.MasterSeed, 32); err != nil {
		return err
	}
	if err := fill(&h.TransformSeed, 32); err != nil {
		return err
	}
	if err := fill(&h.EncryptionIV, 16); err != nil {
		return err
	}
	if err := fill(&h.ProtectedStreamKey, 32); err != nil {
		return err
	}
	return fill(&h.StreamStartBytes, 32)
}

// NewInnerStream builds the protected-field cipher described by the
// header.  Each document pass (one read or one write) needs its own
// stream.
func (h *Header) NewInnerStream() (*innerstream.Stream, error) {
	s, err := innerstream.New(h.InnerStreamID, h.ProtectedStreamKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return s, nil
}

// WriteTo serializes the header.  Fields of a parsed header keep their
// read order; headers built in memory are written in ascending field
// id order.  The terminator value matches what KeePass 2.x emits.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer

	var fixed [12]byte
	binary.LittleEndian.PutUint32(fixed[0:4], signature1)
	binary.LittleEndian.PutUint32(fixed[4:8], signature2)
	version := h.Version
	if version == 0 {
		version = fileVersion
	}
	binary.LittleEndian.PutUint32(fixed[8:12], version)
	buf.Write(fixed[:])

	order := h.order
	if len(order) == 0 {
		order = h.defaultOrder()
	}
	for _, id := range order {
		value, err := h.fieldValue(id)
		if err != nil {
			return 0, err
		}
		if len(value) > maxFieldLen {
			return 0, fmt.Errorf("%w: field %d too long", ErrMalformedHeader, id)
		}
		writeField(&buf, id, value)
	}
	writeField(&buf, fieldEndOfHeader, []byte("\r\n\r\n"))

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

func (h *Header) defaultOrder() []byte {
	order := make([]byte, 0, 10)
	if len(h.Comment) > 0 {
		order = append(order, fieldComment)
	}
	order = append(order,
		fieldCipherID, fieldCompressionFlags, fieldMasterSeed,
		fieldTransformSeed, fieldTransformRounds, fieldEncryptionIV,
		fieldProtectedStreamKey, fieldStreamStartBytes, fieldInnerStreamID)
	return order
}

func (h *Header) fieldValue(id byte) ([]byte, error) {
	var u4 [4]byte
	switch id {
	case fieldComment:
		return h.Comment, nil
	case fieldCipherID:
		return h.CipherID[:], nil
	case fieldCompressionFlags:
		binary.LittleEndian.PutUint32(u4[:], uint32(h.Compression))
		return u4[:], nil
	case fieldMasterSeed:
		return h.MasterSeed, nil
	case fieldTransformSeed:
		return h.TransformSeed, nil
	case fieldTransformRounds:
		var u8 [8]byte
		binary.LittleEndian.PutUint64(u8[:], h.TransformRounds)
		return u8[:], nil
	case fieldEncryptionIV:
		return h.EncryptionIV, nil
	case fieldProtectedStreamKey:
		return h.ProtectedStreamKey, nil
	case fieldStreamStartBytes:
		return h.StreamStartBytes, nil
	case fieldInnerStreamID:
		binary.LittleEndian.PutUint32(u4[:], uint32(h.InnerStreamID))
		return u4[:], nil
	default:
		return nil, fmt.Errorf("%w: unknown field %d", ErrMalformedHeader, id)
	}
}

func writeField(buf *bytes.Buffer, id byte, value []byte) {
	buf.WriteByte(id)
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(value)))
	buf.Write(l[:])
	buf.Write(value)
}
