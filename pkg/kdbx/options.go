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
	"crypto/rand"
	"io"

	"github.com/rs/zerolog"

	"github.com/quillsafe/kdbx/pkg/hashblock"
	"github.com/quillsafe/kdbx/pkg/pipeline"
)

// Options is the set of parameters for loading or storing a database.
// Nil is treated the same as the zero value.
type Options struct {
	// Rand is the randomness source used to generate header secrets on
	// store.  Defaults to crypto/rand.Reader.
	Rand io.Reader

	// Logger receives pipeline diagnostics.  Defaults to a no-op
	// logger.
	Logger *zerolog.Logger

	// Pipeline overrides the environment-derived pipeline
	// configuration.
	Pipeline *pipeline.Config

	// BlockSize is the hashed-block framing granularity on store.  If
	// zero, hashblock.DefaultBlockSize is used.
	BlockSize int
}

func (o *Options) rand() io.Reader {
	if o == nil || o.Rand == nil {
		return rand.Reader
	}
	return o.Rand
}

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

func (o *Options) pipelineConfig() pipeline.Config {
	if o == nil || o.Pipeline == nil {
		return pipeline.DefaultConfig()
	}
	return *o.Pipeline
}

func (o *Options) blockSize() int {
	if o == nil || o.BlockSize <= 0 {
		return hashblock.DefaultBlockSize
	}
	return o.BlockSize
}
