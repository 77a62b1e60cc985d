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

package pipeline

import (
	"io"
	"sync"

	"github.com/quillsafe/kdbx/pkg/memsafe"
)

// A queue is a bounded link between two stages.  Chunks pushed into it
// are owned by the queue until popped; ownership then passes to the
// consumer.  The queue carries end-of-stream (closeSend) and failure
// (fail) out of band, so a stage blocked on a full or empty link wakes
// up as soon as either side gives up.
type queue struct {
	ch    chan []byte
	abort chan struct{}

	sendOnce  sync.Once
	abortOnce sync.Once

	mu  sync.Mutex
	err error
}

func newQueue() *queue {
	return &queue{
		ch:    make(chan []byte, linkDepth),
		abort: make(chan struct{}),
	}
}

// push blocks until the queue has room or the queue failed.
func (q *queue) push(b []byte) error {
	select {
	case q.ch <- b:
		return nil
	case <-q.abort:
		return q.failure()
	}
}

// pop blocks until a chunk is available, the sender closed (io.EOF),
// or the queue failed.
func (q *queue) pop() ([]byte, error) {
	select {
	case b, ok := <-q.ch:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-q.abort:
		return nil, q.failure()
	}
}

// closeSend marks a clean end of stream.  Buffered chunks remain
// poppable.
func (q *queue) closeSend() {
	q.sendOnce.Do(func() { close(q.ch) })
}

// fail poisons the queue with err.  The first error wins.  Both sides
// unblock; buffered chunks are wiped and dropped.
func (q *queue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.abortOnce.Do(func() {
		close(q.abort)
		for {
			select {
			case b, ok := <-q.ch:
				if !ok {
					return
				}
				memsafe.Wipe(b)
			default:
				return
			}
		}
	})
}

func (q *queue) failure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		return ErrAborted
	}
	return q.err
}

// queueReader adapts the pop side of a queue to io.Reader.  Spent
// chunks are wiped before being dropped, so plaintext does not linger
// in freed link buffers.
type queueReader struct {
	q   *queue
	cur []byte
}

func (r *queueReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		b, err := r.q.pop()
		if err != nil {
			return 0, err
		}
		r.cur = b
	}
	n := copy(p, r.cur)
	memsafe.Wipe(r.cur[:n])
	r.cur = r.cur[n:]
	return n, nil
}

// queueWriter adapts the push side of a queue to io.Writer, cutting
// writes into chunks of the configured size.
type queueWriter struct {
	q     *queue
	chunk int
}

func (w *queueWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := len(p)
		if n > w.chunk {
			n = w.chunk
		}
		b := make([]byte, n)
		copy(b, p[:n])
		if err := w.q.push(b); err != nil {
			return total - len(p), err
		}
		p = p[n:]
	}
	return total, nil
}
