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

// Package frag assembles a broadcast receive's fragments -- inline
// fragments split across several ring slots, or a single chunk-pool
// payload -- into the one contiguous buffer spec.md §4.4 "Receive" hands
// back to the caller.
//
// Adapted from the teacher's xbuf.XReadBuffer: same pool-of-reusable-
// accumulators shape and the same github.com/bytedance/gopkg/lang/mcache
// backing allocator, simplified to this package's use case, which is always
// "append N more fragments, then take the whole thing" rather than xbuf's
// general "read arbitrary-sized windows across many pre-existing buffers".
package frag

import (
	"sync"

	"github.com/bytedance/gopkg/lang/mcache"
)

var assemblerPool = sync.Pool{
	New: func() interface{} { return &Assembler{} },
}

// Assembler accumulates byte fragments into one contiguous, mcache-backed
// buffer.
type Assembler struct {
	buf []byte
}

// Get returns a reset Assembler from the pool.
func Get() *Assembler {
	return assemblerPool.Get().(*Assembler)
}

// Append copies b onto the end of the accumulated buffer, growing it via
// mcache if needed.
func (a *Assembler) Append(b []byte) {
	if len(b) == 0 {
		return
	}
	need := len(a.buf) + len(b)
	if need > cap(a.buf) {
		grown := mcache.Malloc(need)
		copy(grown, a.buf)
		if a.buf != nil {
			mcache.Free(a.buf)
		}
		a.buf = grown
	} else {
		a.buf = a.buf[:need]
	}
	copy(a.buf[need-len(b):], b)
}

// Bytes returns the buffer accumulated so far.
func (a *Assembler) Bytes() []byte {
	return a.buf
}

// Free releases the accumulated buffer and returns the Assembler to the
// pool. The slice returned by Bytes must not be used after calling Free.
func (a *Assembler) Free() {
	if a.buf != nil {
		mcache.Free(a.buf)
		a.buf = nil
	}
	assemblerPool.Put(a)
}
