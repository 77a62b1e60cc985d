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

// Package pipeline runs a linear chain of streaming stages, each on
// its own goroutine, connected by bounded chunk queues.
//
// A stage is a plain function from an input stream to an output
// stream.  Stages overlap: while one stage decrypts block n, the next
// can already be deframing block n-1.  The first stage to fail poisons
// every link; the other stages observe the poisoned link on their next
// push or pop and exit within the chunk they are processing.
package pipeline // import "github.com/quillsafe/kdbx/pkg/pipeline"

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrAborted reports a pipeline torn down by the consumer before the
// stream completed.
var ErrAborted = errors.New("pipeline: aborted")

// A Stage transforms the byte stream from r onto w.  It returns nil
// exactly when the whole input was consumed and transformed; the
// runner closes the output link on its behalf.
type Stage func(r io.Reader, w io.Writer) error

// A Named stage carries a label for diagnostics.
type Named struct {
	Label string
	Run   Stage
}

type chain struct {
	cfg    Config
	log    zerolog.Logger
	queues []*queue
	group  *errgroup.Group

	closeOnce sync.Once
	result    error
}

// failAll poisons every link with err.
func (c *chain) failAll(err error) {
	for _, q := range c.queues {
		q.fail(err)
	}
}

// wait joins all stages and caches the first error.
func (c *chain) wait() error {
	c.closeOnce.Do(func() {
		c.result = c.group.Wait()
	})
	return c.result
}

func (c *chain) start(src io.Reader, stages []Named) *queue {
	in := src
	var out *queue
	for i, st := range stages {
		out = newQueue()
		c.queues = append(c.queues, out)
		q := out
		r := in
		st := st
		c.group.Go(func() error {
			c.log.Debug().Str("stage", st.Label).Msg("pipeline: stage start")
			err := st.Run(r, &queueWriter{q: q, chunk: c.cfg.chunkSize()})
			if err != nil {
				c.log.Debug().Str("stage", st.Label).Err(err).Msg("pipeline: stage failed")
				c.failAll(err)
				return err
			}
			q.closeSend()
			c.log.Debug().Str("stage", st.Label).Msg("pipeline: stage done")
			return nil
		})
		if i < len(stages)-1 {
			in = &queueReader{q: out}
		}
	}
	return out
}

// A Reader is the pull handle of a running read pipeline.  It
// implements io.ReadCloser; Close tears the pipeline down and returns
// the first stage error, if any.
type Reader struct {
	c *chain
	r *queueReader
}

// Run starts a read pipeline pulling from src through the given
// stages.  The returned Reader delivers the output of the final
// stage.  Abandoning the stream early is done by calling Close before
// EOF; upstream stages stop within one chunk.
func Run(cfg Config, log zerolog.Logger, src io.Reader, stages ...Named) *Reader {
	c := &chain{cfg: cfg.clamped(), log: log, group: new(errgroup.Group)}
	last := c.start(src, stages)
	return &Reader{c: c, r: &queueReader{q: last}}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		// The queue surfaces whichever stage failed first; prefer the
		// joined result so callers see one consistent error.
		if werr := r.c.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Close abandons or finalizes the stream.  Any failure discovered by a
// stage is returned here, including failures that occur after the
// consumer stopped reading, such as a corrupt final frame.  Close
// after a deliberate early abandon returns nil.
func (r *Reader) Close() error {
	r.c.failAll(ErrAborted)
	err := r.c.wait()
	if errors.Is(err, ErrAborted) {
		return nil
	}
	return err
}

// A Writer is the push handle of a running write pipeline.  Close
// flushes all stages down to the sink and returns the first error.
type Writer struct {
	c     *chain
	w     *queueWriter
	first *queue
}

// RunSink starts a write pipeline.  Bytes written to the returned
// Writer flow through the stages in order; the final stage writes to
// sink.  Close completes the stream; Abort poisons it so no further
// output reaches the sink.
func RunSink(cfg Config, log zerolog.Logger, sink io.Writer, stages ...Named) *Writer {
	c := &chain{cfg: cfg.clamped(), log: log, group: new(errgroup.Group)}
	first := newQueue()
	c.queues = append(c.queues, first)

	in := io.Reader(&queueReader{q: first})
	for i, st := range stages {
		st := st
		r := in
		if i == len(stages)-1 {
			c.group.Go(func() error {
				c.log.Debug().Str("stage", st.Label).Msg("pipeline: stage start")
				if err := st.Run(r, sink); err != nil {
					c.log.Debug().Str("stage", st.Label).Err(err).Msg("pipeline: stage failed")
					c.failAll(err)
					return err
				}
				c.log.Debug().Str("stage", st.Label).Msg("pipeline: stage done")
				return nil
			})
			break
		}
		q := newQueue()
		c.queues = append(c.queues, q)
		c.group.Go(func() error {
			c.log.Debug().Str("stage", st.Label).Msg("pipeline: stage start")
			if err := st.Run(r, &queueWriter{q: q, chunk: c.cfg.chunkSize()}); err != nil {
				c.log.Debug().Str("stage", st.Label).Err(err).Msg("pipeline: stage failed")
				c.failAll(err)
				return err
			}
			q.closeSend()
			c.log.Debug().Str("stage", st.Label).Msg("pipeline: stage done")
			return nil
		})
		in = &queueReader{q: q}
	}
	return &Writer{c: c, w: &queueWriter{q: first, chunk: c.cfg.chunkSize()}, first: first}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		if werr := w.c.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Close marks the end of the input stream, waits for every stage to
// drain, and returns the first error.
func (w *Writer) Close() error {
	w.first.closeSend()
	return w.c.wait()
}

// Abort poisons the pipeline so no further bytes reach the sink.  The
// stages exit promptly; Close afterwards reports the abort cause.
func (w *Writer) Abort(err error) {
	if err == nil {
		err = ErrAborted
	}
	w.c.failAll(err)
}
