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

import "github.com/caarlos0/env/v11"

// Config carries the tunables of a pipeline run.
type Config struct {
	// ChunkKiB is the size in KiB of the chunks transiting each
	// inter-stage link.  Valid range is 1..100.
	ChunkKiB int `env:"KDBX_PIPELINE_BUFFER_SIZE" envDefault:"4"`
}

// linkDepth is how many chunks an inter-stage link buffers before the
// producer blocks.
const linkDepth = 4

// DefaultConfig reads the configuration from the environment.
// Out-of-range values are clamped; a malformed value falls back to the
// default.
func DefaultConfig() Config {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		cfg = Config{ChunkKiB: 4}
	}
	return cfg.clamped()
}

func (c Config) clamped() Config {
	if c.ChunkKiB < 1 {
		c.ChunkKiB = 1
	}
	if c.ChunkKiB > 100 {
		c.ChunkKiB = 100
	}
	return c
}

func (c Config) chunkSize() int { return c.clamped().ChunkKiB * 1024 }
