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
	"github.com/quillsafe/kdbx/pkg/kdbcrypt"
	"github.com/quillsafe/kdbx/pkg/pipeline"
)

const minimalXML = "<KeePassFile><Root/></KeePassFile>"

func passwordKey(t *testing.T, password string) *kdbcrypt.CompositeKey {
	t.Helper()
	var ck kdbcrypt.CompositeKey
	require.NoError(t, ck.AddPassword([]byte(password)))
	return &ck
}

func storeOptions() *Options {
	return &Options{Rand: fakerand.New(), Pipeline: &pipeline.Config{ChunkKiB: 4}}
}

func storeBytes(t *testing.T, password string, hdr *Header, xml []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	_, err := WriteAll(&out, passwordKey(t, password), hdr, xml, storeOptions())
	require.NoError(t, err)
	return out.Bytes()
}

func TestRoundTripMinimal(t *testing.T) {
	hdr := &Header{TransformRounds: 2, Compression: CompressionNone}
	db := storeBytes(t, "hunter2", hdr, []byte(minimalXML))

	gotHdr, xml, err := ReadAll(bytes.NewReader(db), passwordKey(t, "hunter2"), nil)
	require.NoError(t, err)
	assert.Equal(t, minimalXML, string(xml))
	assert.Equal(t, CompressionNone, gotHdr.Compression)
	assert.EqualValues(t, 2, gotHdr.TransformRounds)
}

func TestRoundTripCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("<Entry><String>padding padding</String></Entry>"), 5<<20/47+1)
	payload = payload[:5<<20]

	hdr := &Header{TransformRounds: 2, Compression: CompressionGzip}
	db := storeBytes(t, "hunter2", hdr, payload)

	assert.Less(t, len(db), len(payload)/100, "repetitive payload must compress below 1%")

	_, xml, err := ReadAll(bytes.NewReader(db), passwordKey(t, "hunter2"), nil)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, xml), "round trip mismatch")
}

func TestRoundTripWithKeyFile(t *testing.T) {
	keyFile := bytes.Repeat([]byte{0x2a}, 32)
	newKey := func() *kdbcrypt.CompositeKey {
		var ck kdbcrypt.CompositeKey
		require.NoError(t, ck.AddPassword([]byte("hunter2")))
		require.NoError(t, ck.AddKeyFile(bytes.NewReader(keyFile)))
		return &ck
	}

	hdr := &Header{TransformRounds: 2}
	var out bytes.Buffer
	_, err := WriteAll(&out, newKey(), hdr, []byte(minimalXML), storeOptions())
	require.NoError(t, err)

	_, xml, err := ReadAll(bytes.NewReader(out.Bytes()), newKey(), nil)
	require.NoError(t, err)
	assert.Equal(t, minimalXML, string(xml))

	// Password alone must not open it.
	_, _, err = ReadAll(bytes.NewReader(out.Bytes()), passwordKey(t, "hunter2"), nil)
	assert.ErrorIs(t, err, ErrBadPassword)
}

func TestWrongPassword(t *testing.T) {
	db := storeBytes(t, "A", &Header{TransformRounds: 2}, []byte(minimalXML))
	_, _, err := ReadAll(bytes.NewReader(db), passwordKey(t, "B"), nil)
	assert.ErrorIs(t, err, ErrBadPassword)
}

func TestEmptyCredentials(t *testing.T) {
	db := storeBytes(t, "A", &Header{TransformRounds: 2}, []byte(minimalXML))
	var empty kdbcrypt.CompositeKey
	_, err := Load(bytes.NewReader(db), &empty, nil)
	assert.ErrorIs(t, err, kdbcrypt.ErrNoFactors)
}

// headerLen locates the end of the header in a stored database.
func headerLen(t *testing.T, db []byte) int {
	t.Helper()
	h, err := ParseHeader(bytes.NewReader(db))
	require.NoError(t, err)
	return len(h.Image())
}

func TestCorruptedFramePayload(t *testing.T) {
	// Small frames so the payload spans several of them; the flipped
	// byte lands in the middle of the second frame.
	opts := storeOptions()
	opts.BlockSize = 1024
	payload := bytes.Repeat([]byte{'x'}, 8192)

	var out bytes.Buffer
	_, err := WriteAll(&out, passwordKey(t, "hunter2"), &Header{TransformRounds: 2}, payload, opts)
	require.NoError(t, err)
	db := out.Bytes()

	// Plaintext layout: 32 start bytes, frame 0 (40 + 1024), then the
	// second frame's payload.  CBC preserves offsets, so the matching
	// ciphertext byte is at the same distance past the header.
	off := headerLen(t, db) + 32 + 40 + 1024 + 40 + 512
	db[off] ^= 0x01

	_, _, err = ReadAll(bytes.NewReader(db), passwordKey(t, "hunter2"), nil)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestCorruptedFirstBlock(t *testing.T) {
	db := storeBytes(t, "hunter2", &Header{TransformRounds: 2}, []byte(minimalXML))
	// A flip inside the first ciphertext block garbles the stream
	// start bytes, which is indistinguishable from a wrong key.
	db[headerLen(t, db)+3] ^= 0x01
	_, _, err := ReadAll(bytes.NewReader(db), passwordKey(t, "hunter2"), nil)
	assert.ErrorIs(t, err, ErrBadPassword)
}

func TestTruncatedContainer(t *testing.T) {
	db := storeBytes(t, "hunter2", &Header{TransformRounds: 2}, []byte(minimalXML))
	_, _, err := ReadAll(bytes.NewReader(db[:len(db)-5]), passwordKey(t, "hunter2"), nil)
	assert.Error(t, err)
}

func TestEarlyClose(t *testing.T) {
	payload := bytes.Repeat([]byte{'y'}, 1<<20)
	db := storeBytes(t, "hunter2", &Header{TransformRounds: 2}, payload)

	r, err := Load(bytes.NewReader(db), passwordKey(t, "hunter2"), nil)
	require.NoError(t, err)
	buf := make([]byte, 100)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.NoError(t, r.Close(), "abandoning a load must close cleanly")
}

func TestStoreAbort(t *testing.T) {
	var out bytes.Buffer
	w, err := Store(&out, passwordKey(t, "hunter2"), &Header{TransformRounds: 2}, storeOptions())
	require.NoError(t, err)
	w.Write([]byte(minimalXML))
	w.Abort()
	assert.ErrorIs(t, w.Close(), ErrCancelled)
}

func TestStoreGeneratesDistinctSecrets(t *testing.T) {
	var out bytes.Buffer
	w, err := Store(&out, passwordKey(t, "pw"), nil, storeOptions())
	require.NoError(t, err)
	h := w.Header()
	require.NoError(t, w.Close())

	assert.NotEqual(t, h.MasterSeed, h.TransformSeed[:32])
	assert.NotEqual(t, h.ProtectedStreamKey, h.StreamStartBytes)
	assert.EqualValues(t, DefaultTransformRounds, h.TransformRounds)
}

func TestProtectedFieldRoundTripAcrossSessions(t *testing.T) {
	hdr := &Header{TransformRounds: 2}
	var out bytes.Buffer
	w, err := Store(&out, passwordKey(t, "pw"), hdr, storeOptions())
	require.NoError(t, err)

	values := [][]byte{[]byte("a"), []byte("bc"), []byte("def")}
	masked := make([][]byte, len(values))
	for i, v := range values {
		masked[i] = append([]byte(nil), v...)
		w.InnerStream().Mask(masked[i])
	}
	_, err = w.Write([]byte(minimalXML))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := Load(bytes.NewReader(out.Bytes()), passwordKey(t, "pw"), nil)
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.NoError(t, err)
	for i := range masked {
		r.InnerStream().Unmask(masked[i])
		assert.Equal(t, values[i], masked[i])
	}
	require.NoError(t, r.Close())
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("garbage")), passwordKey(t, "pw"), nil)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestReaderHeaderAccessors(t *testing.T) {
	db := storeBytes(t, "pw", &Header{TransformRounds: 2}, []byte(minimalXML))
	r, err := Load(bytes.NewReader(db), passwordKey(t, "pw"), nil)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, CipherAES, r.Header().CipherID)
	assert.NotNil(t, r.InnerStream())
	assert.NotEmpty(t, r.Header().Image())
}
