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
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsafe/kdbx/pkg/fakerand"
	"github.com/quillsafe/kdbx/pkg/innerstream"
)

func testHeader(t *testing.T) *Header {
	t.Helper()
	h := &Header{Compression: CompressionGzip, TransformRounds: 2}
	require.NoError(t, h.EnsureSecrets(fakerand.New()))
	return h
}

func TestHeaderWriteParseRoundTrip(t *testing.T) {
	h := testHeader(t)
	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)
	raw := append([]byte(nil), buf.Bytes()...)

	got, err := ParseHeader(&buf)
	require.NoError(t, err)

	assert.Equal(t, h.CipherID, got.CipherID)
	assert.Equal(t, h.Compression, got.Compression)
	assert.Equal(t, h.MasterSeed, got.MasterSeed)
	assert.Equal(t, h.TransformSeed, got.TransformSeed)
	assert.Equal(t, h.TransformRounds, got.TransformRounds)
	assert.Equal(t, h.EncryptionIV, got.EncryptionIV)
	assert.Equal(t, h.ProtectedStreamKey, got.ProtectedStreamKey)
	assert.Equal(t, h.StreamStartBytes, got.StreamStartBytes)
	assert.Equal(t, h.InnerStreamID, got.InnerStreamID)

	// The parser records the exact image it consumed.
	assert.Equal(t, raw, got.Image())

	// Re-writing a parsed header reproduces the image byte for byte.
	var again bytes.Buffer
	_, err = got.WriteTo(&again)
	require.NoError(t, err)
	assert.Equal(t, raw, again.Bytes())
}

func TestHeaderConsumesExactly(t *testing.T) {
	h := testHeader(t)
	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)
	buf.WriteString("CIPHERTEXT")

	_, err = ParseHeader(&buf)
	require.NoError(t, err)
	rest, err := io.ReadAll(&buf)
	require.NoError(t, err)
	assert.Equal(t, "CIPHERTEXT", string(rest))
}

func TestHeaderBadSignature(t *testing.T) {
	_, err := ParseHeader(bytes.NewReader([]byte("not a kdbx file at all")))
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = ParseHeader(bytes.NewReader([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestHeaderUnsupportedVersion(t *testing.T) {
	h := testHeader(t)
	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.Bytes()
	raw[10] = 4 // major version word
	_, err = ParseHeader(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestHeaderMissingField(t *testing.T) {
	h := testHeader(t)
	h.StreamStartBytes = nil
	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)
	_, err = ParseHeader(&buf)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHeaderWrongCipher(t *testing.T) {
	h := testHeader(t)
	h.CipherID[0] ^= 0xff
	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)
	_, err = ParseHeader(&buf)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestHeaderTruncated(t *testing.T) {
	h := testHeader(t)
	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.Bytes()
	for _, n := range []int{13, 20, len(raw) - 1} {
		_, err := ParseHeader(bytes.NewReader(raw[:n]))
		assert.ErrorIsf(t, err, ErrMalformedHeader, "truncated at %d", n)
	}
}

func TestHeaderCommentPreserved(t *testing.T) {
	h := testHeader(t)
	h.Comment = []byte("database of record")
	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)
	got, err := ParseHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, h.Comment, got.Comment)
}

func TestEnsureSecretsDefaults(t *testing.T) {
	h := &Header{}
	require.NoError(t, h.EnsureSecrets(fakerand.New()))

	assert.Equal(t, CipherAES, h.CipherID)
	assert.Equal(t, innerstream.Salsa20, h.InnerStreamID)
	assert.EqualValues(t, DefaultTransformRounds, h.TransformRounds)
	assert.Len(t, h.MasterSeed, 32)
	assert.Len(t, h.TransformSeed, 32)
	assert.Len(t, h.EncryptionIV, 16)
	assert.Len(t, h.ProtectedStreamKey, 32)
	assert.Len(t, h.StreamStartBytes, 32)
	require.NoError(t, h.Validate())
}

func TestEnsureSecretsKeepsPresetFields(t *testing.T) {
	seed := bytes.Repeat([]byte{0x11}, 32)
	h := &Header{TransformSeed: append([]byte(nil), seed...), TransformRounds: 77}
	require.NoError(t, h.EnsureSecrets(fakerand.New()))
	assert.Equal(t, seed, h.TransformSeed)
	assert.EqualValues(t, 77, h.TransformRounds)
}
