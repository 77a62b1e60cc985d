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

// Package hashblock implements the KDBX v3 hashed-block framing that
// authenticates the inner plaintext.
//
// A frame is (index uint32 LE, sha256 [32]byte, length uint32 LE,
// payload).  Indexes count up from zero; a frame with length zero and
// an all-zero hash terminates the stream.
package hashblock // import "github.com/quillsafe/kdbx/pkg/hashblock"

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
)

// MaxPayload bounds a single frame's payload.  Frames beyond it are
// treated as corrupt rather than allocated.
const MaxPayload = 10 << 20

// DefaultBlockSize is the framing granularity used when writing.
const DefaultBlockSize = 1 << 20

// Errors
var (
	ErrIntegrity     = errors.New("hashblock: payload hash mismatch")
	ErrFrameOrder    = errors.New("hashblock: frame index out of sequence")
	ErrFrameTooLarge = errors.New("hashblock: frame length exceeds limit")
	ErrTrailingData  = errors.New("hashblock: data after terminator frame")
)

const frameHeaderSize = 4 + sha256.Size + 4

var zeroHash [sha256.Size]byte

type reader struct {
	r       io.Reader
	index   uint32
	pending []byte
	payload []byte // reused frame buffer
	done    bool
	err     error
}

// NewReader returns a reader that verifies and strips the hashed-block
// framing from r.  The reader checks that frame indexes are
// sequential, that each payload matches its SHA-256, and that the
// stream ends with the zero terminator followed by nothing.
func NewReader(r io.Reader) io.Reader {
	return &reader{r: r}
}

func (d *reader) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		if d.done {
			return 0, io.EOF
		}
		d.next()
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *reader) next() {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if err == io.EOF {
			// The terminator frame is mandatory.
			err = io.ErrUnexpectedEOF
		}
		d.err = err
		return
	}
	index := binary.LittleEndian.Uint32(hdr[0:4])
	sum := hdr[4 : 4+sha256.Size]
	length := binary.LittleEndian.Uint32(hdr[4+sha256.Size:])

	if index != d.index {
		d.err = ErrFrameOrder
		return
	}
	d.index++

	if length == 0 {
		if !bytes.Equal(sum, zeroHash[:]) {
			d.err = ErrIntegrity
			return
		}
		// Nothing may follow the terminator.
		var one [1]byte
		if n, _ := io.ReadFull(d.r, one[:]); n != 0 {
			d.err = ErrTrailingData
			return
		}
		d.done = true
		return
	}
	if length > MaxPayload {
		d.err = ErrFrameTooLarge
		return
	}
	if cap(d.payload) < int(length) {
		d.payload = make([]byte, length)
	}
	d.payload = d.payload[:length]
	if _, err := io.ReadFull(d.r, d.payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
		return
	}
	got := sha256.Sum256(d.payload)
	if !bytes.Equal(got[:], sum) {
		d.err = ErrIntegrity
		return
	}
	d.pending = d.payload
}

type writer struct {
	w         io.Writer
	blockSize int
	index     uint32
	buf       []byte
	err       error
	closed    bool
}

// NewWriter returns a writer that cuts its input into hashed-block
// frames of blockSize payload bytes (DefaultBlockSize if zero or
// negative) and writes them to w.  Close flushes the final partial
// frame and the terminator but does not close w.
func NewWriter(w io.Writer, blockSize int) io.WriteCloser {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize > MaxPayload {
		blockSize = MaxPayload
	}
	return &writer{
		w:         w,
		blockSize: blockSize,
		buf:       make([]byte, 0, blockSize),
	}
}

func (e *writer) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	if e.closed {
		return 0, errors.New("hashblock: write on closed writer")
	}
	total := len(p)
	for len(p) > 0 {
		n := e.blockSize - len(e.buf)
		if n > len(p) {
			n = len(p)
		}
		e.buf = append(e.buf, p[:n]...)
		p = p[n:]
		if len(e.buf) == e.blockSize {
			if err := e.flush(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

func (e *writer) flush() error {
	sum := sha256.Sum256(e.buf)
	if err := e.emit(sum[:], e.buf); err != nil {
		return err
	}
	e.buf = e.buf[:0]
	return nil
}

func (e *writer) emit(sum, payload []byte) error {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], e.index)
	copy(hdr[4:4+sha256.Size], sum)
	binary.LittleEndian.PutUint32(hdr[4+sha256.Size:], uint32(len(payload)))
	e.index++
	if _, err := e.w.Write(hdr[:]); err != nil {
		e.err = err
		return err
	}
	if len(payload) > 0 {
		if _, err := e.w.Write(payload); err != nil {
			e.err = err
			return err
		}
	}
	return nil
}

// Close writes any buffered payload as a final frame followed by the
// zero-length terminator.
func (e *writer) Close() error {
	if e.closed {
		return e.err
	}
	e.closed = true
	if e.err != nil {
		return e.err
	}
	if len(e.buf) > 0 {
		if err := e.flush(); err != nil {
			return err
		}
	}
	return e.emit(zeroHash[:], nil)
}
