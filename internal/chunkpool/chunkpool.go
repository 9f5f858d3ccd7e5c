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

// Package chunkpool implements the large-message chunk pool (spec.md §2.7,
// §3, §4.4): one named shared-memory region per chunk size, 32 chunks each,
// with an intrusive free-list and a per-chunk reader bitmask.
//
// Grounded on cache/mempool's size-classing idea (pick a pool by rounding up
// to the next size class) and Malloc/Free naming; the free-list itself
// (cursor + next[32]) is grounded on container/ring's index-linked item
// model.
package chunkpool

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/cloudwego/shmipc/internal/shm"
	"github.com/cloudwego/shmipc/shmname"
	"github.com/cloudwego/shmipc/shmsync"
)

// NumChunks is the fixed number of chunks per pool, spec.md §3.
const NumChunks = 32

// fullSentinel is the cursor value meaning "no free chunk".
const fullSentinel = NumChunks

// ErrExhausted is returned by Acquire when a pool has no free chunk.
var ErrExhausted = errors.New("chunkpool: exhausted")

// headerSize is the pool header's byte size: lock(4) + cursor(1) + next(32),
// rounded up to 4 bytes so the first chunk's leading `conns` word (and every
// subsequent chunk, since chunk sizes are themselves 16-byte aligned) starts
// at a naturally aligned offset for atomic access.
const headerSize = 40

func align(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

// SizeFor returns the per-chunk size (including the 4-byte `conns` header)
// for a payload of payloadSize bytes, per spec.md §3/§6:
// align_up(payload, 1024) + 4, further rounded to 16-byte alignment.
func SizeFor(payloadSize int) int {
	sz := align(payloadSize, 1024) + 4
	return align(sz, 16)
}

// Pool is one chunk pool for a given chunk size, backed by a single named
// region shared by every channel that uses that size (spec.md §4.5).
type Pool struct {
	chunkSize int
	region    *shm.Region
	lock      *shmsync.SpinLock
	base      []byte // region bytes, header + NumChunks*chunkSize
}

// Open acquires (creating if necessary) the process-wide pool for
// chunkSize, lazily initializing the free-list the first time any process
// observes an all-zero header (spec.md §3: "detected by observing cursor ==
// 0 && next[0] == 0").
func Open(chunkSize int) (*Pool, error) {
	name := shmname.ChunkPool(chunkSize)
	total := headerSize + NumChunks*chunkSize

	p := &Pool{chunkSize: chunkSize}
	r, err := shm.Acquire(name, total, shm.CreateOrOpen, func(b []byte) {
		p.initFreeList(b)
	})
	if err != nil {
		return nil, err
	}
	p.region = r
	p.base = r.Bytes()
	p.lock = shmsync.NewSpinLock(p.lockWord())

	// A lazily-discovered uninitialized header (cursor==0 && next[0]==0)
	// can also occur if this process is not the logical creator (per
	// shm.Region.IsCreator) but still observes a freshly-zeroed region
	// from a creator that raced ahead of init; cheaply re-check.
	if !r.IsCreator() && p.cursor() == 0 && p.next(0) == 0 {
		p.lock.Lock()
		if p.cursor() == 0 && p.next(0) == 0 {
			p.initFreeList(p.base)
		}
		p.lock.Unlock()
	}
	return p, nil
}

func (p *Pool) initFreeList(b []byte) {
	for i := 0; i < NumChunks; i++ {
		b[5+i] = byte(i + 1)
	}
	b[4] = 0 // cursor = head of free-list = slot 0
}

func (p *Pool) lockWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&p.base[0]))
}

func (p *Pool) cursor() uint8    { return p.base[4] }
func (p *Pool) setCursor(v uint8) { p.base[4] = v }
func (p *Pool) next(i uint8) uint8 { return p.base[5+int(i)] }
func (p *Pool) setNext(i, v uint8) { p.base[5+int(i)] = v }

func (p *Pool) chunkOffset(slot uint8) int {
	return headerSize + int(slot)*p.chunkSize
}

// Name returns the shm name backing this pool.
func (p *Pool) Name() string { return p.region.Name() }

// ChunkSize returns the configured per-chunk size for this pool.
func (p *Pool) ChunkSize() int { return p.chunkSize }

// Acquire allocates a chunk from the free-list and marks it as still to be
// read by every bit set in conns (spec.md §3 invariant C1: conns is set before the
// chunk is published in the ring). It returns the chunk's slot id and its
// payload body (chunkSize-4 bytes).
func (p *Pool) Acquire(conns uint32) (slot uint32, payload []byte, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	c := p.cursor()
	if c == fullSentinel {
		return 0, nil, ErrExhausted
	}
	p.setCursor(p.next(c))

	off := p.chunkOffset(c)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&p.base[off])), conns)
	return uint32(c), p.base[off+4 : off+p.chunkSize], nil
}

// Payload returns the payload body bytes for an already-acquired slot,
// without touching its conns word.
func (p *Pool) Payload(slot uint32) []byte {
	off := p.chunkOffset(uint8(slot))
	return p.base[off+4 : off+p.chunkSize]
}

// ClearReaderBit clears bit in the slot's conns word (spec.md §4.4 receive
// step 4, invariant C2) and, if that was the last reader, returns the chunk
// to the pool's free-list under lock (invariant C3). It reports whether the
// chunk was recycled.
func (p *Pool) ClearReaderBit(slot uint32, bit uint32) (recycled bool) {
	off := p.chunkOffset(uint8(slot))
	connsPtr := (*uint32)(unsafe.Pointer(&p.base[off]))
	for {
		old := atomic.LoadUint32(connsPtr)
		next := old &^ bit
		if atomic.CompareAndSwapUint32(connsPtr, old, next) {
			if next == 0 {
				p.free(uint8(slot))
				return true
			}
			return false
		}
	}
}

// Recycle forcibly returns slot to the free-list, clearing all reader bits.
// Used when a forced-push eviction happens after a chunk was already
// acquired but the ring-slot claim failed (spec.md §4.4 out-of-line send).
func (p *Pool) Recycle(slot uint32) {
	off := p.chunkOffset(uint8(slot))
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&p.base[off])), 0)
	p.free(uint8(slot))
}

func (p *Pool) free(slot uint8) {
	p.lock.Lock()
	p.setNext(slot, p.cursor())
	p.setCursor(slot)
	p.lock.Unlock()
}

// Close releases this process's reference to the pool's backing region.
func (p *Pool) Close() error {
	return shm.Drop(p.Name())
}
