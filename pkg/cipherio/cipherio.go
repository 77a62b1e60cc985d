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

// Package cipherio provides streaming readers and writers over a block
// cipher mode with PKCS#7 padding, as used by the outer encryption
// layer of a KDBX container.
package cipherio // import "github.com/quillsafe/kdbx/pkg/cipherio"

import (
	"crypto/cipher"
	"errors"
	"io"

	"github.com/quillsafe/kdbx/pkg/padding"
)

var errClosed = errors.New("cipherio: write on closed writer")

type reader struct {
	r       io.Reader
	mode    cipher.BlockMode
	plain   []byte // decrypted bytes pending delivery
	cfrag   []byte // ciphertext below block alignment
	scratch []byte
	err     error // sticky error from the source
	atEOF   bool  // source exhausted, padding stripped
}

// NewReader returns a reader that decrypts r with mode and strips the
// PKCS#7 padding from the final block.  Ciphertext whose length is not
// a positive multiple of the block size yields io.ErrUnexpectedEOF;
// invalid padding yields padding.ErrPadding.
func NewReader(r io.Reader, mode cipher.BlockMode) io.Reader {
	return &reader{
		r:       r,
		mode:    mode,
		scratch: make([]byte, 4096),
	}
}

func (r *reader) Read(p []byte) (int, error) {
	bs := r.mode.BlockSize()
	for {
		// The final decrypted block is withheld until the source is
		// exhausted: it may carry the padding.
		avail := len(r.plain)
		if !r.atEOF {
			avail -= bs
		}
		if avail > 0 {
			if avail > len(p) {
				avail = len(p)
			}
			n := copy(p, r.plain[:avail])
			r.plain = append(r.plain[:0], r.plain[n:]...)
			return n, nil
		}
		if r.atEOF {
			return 0, io.EOF
		}
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
}

func (r *reader) fill() {
	bs := r.mode.BlockSize()
	n, err := r.r.Read(r.scratch)
	r.cfrag = append(r.cfrag, r.scratch[:n]...)
	if nb := len(r.cfrag) / bs; nb > 0 {
		chunk := r.cfrag[:nb*bs]
		r.mode.CryptBlocks(chunk, chunk)
		r.plain = append(r.plain, chunk...)
		r.cfrag = append(r.cfrag[:0], r.cfrag[nb*bs:]...)
	}
	switch {
	case err == io.EOF:
		if len(r.cfrag) != 0 || len(r.plain) == 0 {
			r.err = io.ErrUnexpectedEOF
			return
		}
		stripped, perr := padding.Strip(r.plain, bs)
		if perr != nil {
			r.err = perr
			return
		}
		r.plain = stripped
		r.atEOF = true
	case err != nil:
		r.err = err
	}
}

type writer struct {
	w      io.Writer
	mode   cipher.BlockMode
	frag   []byte // plaintext below block alignment
	buf    []byte // encryption scratch, a multiple of the block size
	err    error
	closed bool
}

// NewWriter returns a writer that encrypts its input with mode and
// writes the ciphertext to w.  Close pads and flushes the final block
// but does not close w.
func NewWriter(w io.Writer, mode cipher.BlockMode) io.WriteCloser {
	bs := mode.BlockSize()
	n := 4096 - 4096%bs
	if n < bs {
		n = bs
	}
	return &writer{
		w:    w,
		mode: mode,
		frag: make([]byte, 0, bs),
		buf:  make([]byte, n),
	}
}

func (w *writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, errClosed
	}
	bs := w.mode.BlockSize()
	total := len(p)

	if len(w.frag) > 0 {
		need := bs - len(w.frag)
		if need > len(p) {
			w.frag = append(w.frag, p...)
			return total, nil
		}
		w.frag = append(w.frag, p[:need]...)
		p = p[need:]
		w.mode.CryptBlocks(w.frag, w.frag)
		if _, err := w.w.Write(w.frag); err != nil {
			w.err = err
			return total - len(p), err
		}
		w.frag = w.frag[:0]
	}

	for len(p) >= bs {
		n := len(p) - len(p)%bs
		if n > len(w.buf) {
			n = len(w.buf)
		}
		copy(w.buf[:n], p[:n])
		w.mode.CryptBlocks(w.buf[:n], w.buf[:n])
		if _, err := w.w.Write(w.buf[:n]); err != nil {
			w.err = err
			return total - len(p), err
		}
		p = p[n:]
	}

	w.frag = append(w.frag, p...)
	return total, nil
}

// Close encrypts the padded final block.  The padding always adds
// between 1 and blockSize bytes, so the ciphertext is never empty.
func (w *writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	last := padding.Pad(w.frag, w.mode.BlockSize())
	w.mode.CryptBlocks(last, last)
	if _, err := w.w.Write(last); err != nil {
		w.err = err
		return err
	}
	return nil
}
