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

// Package kdbx reads and writes the KDBX v3 container format used by
// KeePass 2.x databases.
//
// The package mediates between the encrypted on-disk container and a
// plaintext XML byte stream; binding that XML to entries and groups is
// the caller's concern.  Load and Store run the transformation chain
// (AES-256-CBC, stream-start-bytes verification, hashed-block framing,
// optional gzip) as a concurrent pipeline, so a large database is
// never held in memory at once.
package kdbx // import "github.com/quillsafe/kdbx/pkg/kdbx"

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"

	"github.com/quillsafe/kdbx/pkg/cipherio"
	"github.com/quillsafe/kdbx/pkg/hashblock"
	"github.com/quillsafe/kdbx/pkg/innerstream"
	"github.com/quillsafe/kdbx/pkg/kdbcrypt"
	"github.com/quillsafe/kdbx/pkg/memsafe"
	"github.com/quillsafe/kdbx/pkg/padding"
	"github.com/quillsafe/kdbx/pkg/pipeline"
)

// deriveOuterKey turns the credential factors and header seeds into
// the 32-byte outer cipher key.
func deriveOuterKey(key *kdbcrypt.CompositeKey, h *Header) ([]byte, error) {
	composite, err := key.Seal()
	if err != nil {
		return nil, err
	}
	transformed, err := kdbcrypt.TransformKey(composite, h.TransformSeed, h.TransformRounds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrimitive, err)
	}
	return kdbcrypt.MasterKey(transformed, h.MasterSeed), nil
}

// A Reader streams the plaintext XML of a loaded database.  It must be
// closed; integrity failures near the end of the container may only
// surface at Close.
type Reader struct {
	header *Header
	pr     *pipeline.Reader
	passed *atomic.Bool // stream start bytes verified
	inner  *innerstream.Stream
}

// Load parses the container header from src, derives the master key
// from key, and starts the read pipeline.  The returned Reader yields
// the decompressed plaintext XML document.
//
// Dropping the stream early is done by calling Close before reading to
// EOF; the pipeline stops within one buffered chunk.
func Load(src io.Reader, key *kdbcrypt.CompositeKey, opts *Options) (*Reader, error) {
	h, err := ParseHeader(src)
	if err != nil {
		return nil, err
	}
	masterKey, err := deriveOuterKey(key, h)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(masterKey)
	memsafe.Wipe(masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrimitive, err)
	}
	inner, err := h.NewInnerStream()
	if err != nil {
		return nil, err
	}

	passed := new(atomic.Bool)
	decrypt := cipher.NewCBCDecrypter(block, h.EncryptionIV)
	stages := []pipeline.Named{
		{Label: "decrypt", Run: decryptStage(decrypt)},
		{Label: "startcheck", Run: startCheckStage(h.StreamStartBytes, passed)},
		{Label: "deframe", Run: deframeStage()},
	}
	if h.Compression == CompressionGzip {
		stages = append(stages, pipeline.Named{Label: "inflate", Run: inflateStage()})
	}
	pr := pipeline.Run(opts.pipelineConfig(), opts.logger(), src, stages...)
	return &Reader{header: h, pr: pr, passed: passed, inner: inner}, nil
}

// Header returns the parsed container header.
func (r *Reader) Header() *Header { return r.header }

// InnerStream returns the protected-field cipher for this document
// pass.  The XML layer must unmask protected values in document order.
func (r *Reader) InnerStream() *innerstream.Stream { return r.inner }

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.pr.Read(p)
	if err != nil && err != io.EOF {
		err = r.mapErr(err)
	}
	return n, err
}

// Close finalizes the load and returns the first failure any stage
// hit before Close, including one found after the caller's last Read.
// Abandoning the stream before EOF returns nil unless a stage had
// already failed.
func (r *Reader) Close() error {
	err := r.pr.Close()
	r.inner.Destroy()
	if err != nil {
		return r.mapErr(err)
	}
	return nil
}

// mapErr assigns an error kind to failures coming out of the pipeline.
// A padding failure before the stream start bytes verified is a wrong
// key; the same failure afterwards means the container was modified.
func (r *Reader) mapErr(err error) error {
	switch {
	case isKind(err):
		return err
	case errors.Is(err, padding.ErrPadding), errors.Is(err, padding.ErrDataSize):
		if r.passed.Load() {
			return fmt.Errorf("%w: final block padding", ErrIntegrity)
		}
		return ErrBadPassword
	case errors.Is(err, pipeline.ErrAborted):
		return ErrCancelled
	default:
		return err
	}
}

// decryptStage runs the outer AES-CBC decryption.  Padding errors are
// classified by the session, not here: whether they mean a wrong key
// or tampering depends on the start-bytes check.
func decryptStage(mode cipher.BlockMode) pipeline.Stage {
	return func(in io.Reader, out io.Writer) error {
		_, err := io.Copy(out, cipherio.NewReader(in, mode))
		return err
	}
}

// startCheckStage verifies the 32 stream start bytes and forwards the
// rest of the plaintext.
func startCheckStage(want []byte, passed *atomic.Bool) pipeline.Stage {
	return func(in io.Reader, out io.Writer) error {
		got := make([]byte, len(want))
		if _, err := io.ReadFull(in, got); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrBadPassword
			}
			return err
		}
		ok := subtle.ConstantTimeCompare(got, want) == 1
		memsafe.Wipe(got)
		if !ok {
			return ErrBadPassword
		}
		passed.Store(true)
		_, err := io.Copy(out, in)
		return err
	}
}

// deframeStage strips and verifies the hashed-block framing.
func deframeStage() pipeline.Stage {
	return func(in io.Reader, out io.Writer) error {
		_, err := io.Copy(out, hashblock.NewReader(in))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, hashblock.ErrIntegrity):
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		case errors.Is(err, hashblock.ErrFrameOrder),
			errors.Is(err, hashblock.ErrFrameTooLarge),
			errors.Is(err, hashblock.ErrTrailingData):
			return fmt.Errorf("%w: %v", ErrCorruptFrame, err)
		default:
			return err
		}
	}
}

// inflateStage decompresses the gzip content stream.
func inflateStage() pipeline.Stage {
	return func(in io.Reader, out io.Writer) error {
		zr, err := gzip.NewReader(in)
		if err != nil {
			return compressionErr(err)
		}
		if _, err := io.Copy(out, zr); err != nil {
			return compressionErr(err)
		}
		return compressionErr(zr.Close())
	}
}

// compressionErr wraps genuine compressor failures while letting
// already-classified and transport errors pass through.
func compressionErr(err error) error {
	if err == nil || isKind(err) || errors.Is(err, pipeline.ErrAborted) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCompression, err)
}

// A Writer streams plaintext XML into a database being stored.  Close
// completes the container; Abort discards it.
type Writer struct {
	header *Header
	pw     *pipeline.Writer
	inner  *innerstream.Stream
}

// Store completes hdr (generating any unset seeds from the options'
// randomness source), writes it to dst, and starts the write pipeline.
// Bytes written to the returned Writer are compressed, framed,
// encrypted, and delivered to dst.
func Store(dst io.Writer, key *kdbcrypt.CompositeKey, hdr *Header, opts *Options) (*Writer, error) {
	if hdr == nil {
		hdr = &Header{}
	}
	if err := hdr.EnsureSecrets(opts.rand()); err != nil {
		return nil, err
	}
	if err := hdr.Validate(); err != nil {
		return nil, err
	}
	lg := opts.logger()
	lg.Debug().Uint64("rounds", hdr.TransformRounds).Msg("kdbx: header secrets generated")
	masterKey, err := deriveOuterKey(key, hdr)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(masterKey)
	memsafe.Wipe(masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrimitive, err)
	}
	inner, err := hdr.NewInnerStream()
	if err != nil {
		return nil, err
	}
	if _, err := hdr.WriteTo(dst); err != nil {
		return nil, err
	}

	encrypt := cipher.NewCBCEncrypter(block, hdr.EncryptionIV)
	var stages []pipeline.Named
	if hdr.Compression == CompressionGzip {
		stages = append(stages, pipeline.Named{Label: "deflate", Run: deflateStage()})
	}
	stages = append(stages,
		pipeline.Named{Label: "frame", Run: frameStage(opts.blockSize())},
		pipeline.Named{Label: "encrypt", Run: encryptStage(encrypt, hdr.StreamStartBytes)},
	)
	pw := pipeline.RunSink(opts.pipelineConfig(), opts.logger(), dst, stages...)
	return &Writer{header: hdr, pw: pw, inner: inner}, nil
}

// Header returns the header as written, including generated secrets.
func (w *Writer) Header() *Header { return w.header }

// InnerStream returns the protected-field cipher for this document
// pass.  The XML layer must mask protected values in document order.
func (w *Writer) InnerStream() *innerstream.Stream { return w.inner }

func (w *Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close flushes every stage, down to the final frame, the terminator,
// and the cipher padding, and reports the first failure.
func (w *Writer) Close() error {
	err := w.pw.Close()
	w.inner.Destroy()
	if errors.Is(err, pipeline.ErrAborted) {
		return ErrCancelled
	}
	return err
}

// Abort poisons the pipeline so no further ciphertext reaches dst.
func (w *Writer) Abort() {
	w.pw.Abort(ErrCancelled)
}

// deflateStage compresses the content stream with gzip.
func deflateStage() pipeline.Stage {
	return func(in io.Reader, out io.Writer) error {
		zw := gzip.NewWriter(out)
		if _, err := io.Copy(zw, in); err != nil {
			return compressionErr(err)
		}
		return compressionErr(zw.Close())
	}
}

// frameStage applies the hashed-block framing.
func frameStage(blockSize int) pipeline.Stage {
	return func(in io.Reader, out io.Writer) error {
		fw := hashblock.NewWriter(out, blockSize)
		if _, err := io.Copy(fw, in); err != nil {
			return err
		}
		return fw.Close()
	}
}

// encryptStage prepends the stream start bytes and runs the outer
// AES-CBC encryption.
func encryptStage(mode cipher.BlockMode, startBytes []byte) pipeline.Stage {
	return func(in io.Reader, out io.Writer) error {
		cw := cipherio.NewWriter(out, mode)
		if _, err := cw.Write(startBytes); err != nil {
			return err
		}
		if _, err := io.Copy(cw, in); err != nil {
			return err
		}
		return cw.Close()
	}
}

// ReadAll is a convenience wrapper over Load that returns the whole
// plaintext XML document.  Protected values inside it are still
// masked; use the header's inner stream to unmask them in document
// order.
func ReadAll(src io.Reader, key *kdbcrypt.CompositeKey, opts *Options) (*Header, []byte, error) {
	r, err := Load(src, key, opts)
	if err != nil {
		return nil, nil, err
	}
	data, rerr := io.ReadAll(r)
	cerr := r.Close()
	if rerr != nil {
		return nil, nil, rerr
	}
	if cerr != nil {
		return nil, nil, cerr
	}
	return r.Header(), data, nil
}

// WriteAll is a convenience wrapper over Store for documents already
// held in memory.
func WriteAll(dst io.Writer, key *kdbcrypt.CompositeKey, hdr *Header, xml []byte, opts *Options) (*Header, error) {
	w, err := Store(dst, key, hdr, opts)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(xml); err != nil {
		w.Abort()
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return w.Header(), nil
}
