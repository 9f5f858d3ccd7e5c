/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package backoff implements the single adaptive spin/pause/yield/sleep
// policy used by every busy-wait loop in shmipc (spec.md §5): busy below 4
// iterations, pause 4-15, yield 16-31, sleep(1ms) from 32 on. Go exposes no
// raw CPU-pause intrinsic without assembly, so the pause and yield phases
// both resolve to runtime.Gosched(); they stay distinct phases here so the
// thresholds match spec.md exactly and either can grow a real pause later
// without moving the boundaries.
package backoff

import (
	"runtime"
	"time"
)

const (
	pauseThreshold = 4
	yieldThreshold = 16
	sleepThreshold = 32
	sleepStep      = time.Millisecond
)

// Backoff is a monotonic counter driving busy -> pause -> yield -> sleep(1ms).
// It is not safe for concurrent use; each spin loop owns its own instance.
type Backoff struct {
	n uint32
}

// Reset brings the counter back to the busy phase.
func (b *Backoff) Reset() {
	b.n = 0
}

// Pace performs one backoff step and advances the counter.
func (b *Backoff) Pace() {
	switch {
	case b.n < pauseThreshold:
		// busy: let the CPU spin, cheapest path for very short contention
	case b.n < yieldThreshold:
		runtime.Gosched()
	case b.n < sleepThreshold:
		runtime.Gosched()
	default:
		time.Sleep(sleepStep)
	}
	b.n++
}

// Spins reports how many times Pace has been called since the last Reset.
func (b *Backoff) Spins() uint32 {
	return b.n
}
