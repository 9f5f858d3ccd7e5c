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

package broadcast

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cloudwego/shmipc/internal/chunkpool"
)

// Send publishes payload to every currently-connected subscriber. It
// returns false (not an error) when the ring currently has no subscribers
// or a slot claim loses the race against every subscriber disconnecting --
// spec.md §4.9: "All subscribers disconnect mid-send: Send completes with
// a not sent indication; no retry."
//
// Payloads up to 64 bytes go inline in a single slot. Larger payloads try
// the chunk pool first (spec.md §4.4 out-of-line send); if the pool is
// unavailable or exhausted, Send falls back to splitting the payload across
// multiple ≤64-byte fragments, only the last of which carries the
// last-fragment flag.
func (p *Producer) Send(payload []byte, timeout time.Duration) (bool, error) {
	if len(payload) <= slotDataSize {
		return p.sendFragments(payload, timeout)
	}
	if pool, err := p.ch.chunkPoolFor(len(payload)); err == nil {
		sent, serr := p.sendChunked(payload, pool, timeout)
		if serr == nil {
			return sent, nil
		}
		if !errors.Is(serr, chunkpool.ErrExhausted) {
			return false, serr
		}
		// exhausted: graceful fallback to fragmentation, spec.md §4.9.
	}
	return p.sendFragments(payload, timeout)
}

func (p *Producer) sendFragments(payload []byte, timeout time.Duration) (bool, error) {
	if len(payload) == 0 {
		sent, _, err := p.claimAndWrite(nil, sizeLastFragment, timeout)
		return sent, err
	}
	off := 0
	for off < len(payload) {
		end := off + slotDataSize
		last := end >= len(payload)
		if last {
			end = len(payload)
		}
		chunk := payload[off:end]
		flags := uint32(len(chunk))
		if last {
			flags |= sizeLastFragment
		}
		sent, _, err := p.claimAndWrite(chunk, flags, timeout)
		if err != nil {
			return false, err
		}
		if !sent {
			return false, nil
		}
		off = end
	}
	return true, nil
}

func (p *Producer) sendChunked(payload []byte, pool *chunkpool.Pool, timeout time.Duration) (bool, error) {
	connections := atomic.LoadUint32(p.ch.ring.connectionsPtr())
	if connections == 0 {
		return false, nil
	}
	slot, body, err := pool.Acquire(connections)
	if err != nil {
		return false, err
	}
	copy(body, payload)

	var storage [8]byte
	binary.LittleEndian.PutUint32(storage[0:4], slot)
	binary.LittleEndian.PutUint32(storage[4:8], uint32(len(payload)))

	sent, _, err := p.claimAndWrite(storage[:], sizeLastFragment|sizeStorageFlag|8, timeout)
	if err != nil || !sent {
		// spec.md §4.4: "on a failed push after the chunk was acquired, the
		// producer must recycle the chunk ... before returning."
		pool.Recycle(slot)
		return false, err
	}
	return true, nil
}

// claimAndWrite performs one slot claim/write/publish (spec.md §4.4 steps
// 1-5) and reports whether it succeeded, along with the connections
// bitmask observed when the slot was claimed.
func (p *Producer) claimAndWrite(data []byte, sizeFlags uint32, timeout time.Duration) (sent bool, connections uint32, err error) {
	idx, _, connections, ok := p.claimSlot(timeout)
	if !ok {
		return false, connections, nil
	}
	r := p.ch.ring
	copy(r.slotData(idx), data)
	atomic.StoreUint32(r.slotCCIDPtr(idx), p.id)
	atomic.StoreUint32(r.slotSizePtr(idx), sizeFlags)

	atomic.AddUint32(r.writeCursorPtr(), 1) // Release publish
	p.ch.readerWaiter.Broadcast()
	return true, connections, nil
}

// claimSlot implements spec.md §4.4 inline-send steps 1-3: it claims the
// slot at the current write_cursor, blocking on the writer waiter and
// triggering a forced-push eviction if the slot stays busy past timeout.
// It reports ok=false only when every subscriber has disconnected.
func (p *Producer) claimSlot(timeout time.Duration) (idx, epoch32, connections uint32, ok bool) {
	r := p.ch.ring
	for {
		connections = atomic.LoadUint32(r.connectionsPtr())
		if connections == 0 {
			return 0, 0, 0, false
		}

		idx = atomic.LoadUint32(r.writeCursorPtr())
		rcPtr := r.slotRCPtr(idx)
		epoch32 = r.currentEpoch32()
		rc := atomic.LoadUint64(rcPtr)

		if !slotFree(rc, connections, epoch32) {
			woke := p.ch.writerWaiter.WaitIf(func() bool {
				curConn := atomic.LoadUint32(r.connectionsPtr())
				if curConn == 0 {
					return false
				}
				curRC := atomic.LoadUint64(rcPtr)
				curEpoch := r.currentEpoch32()
				return !slotFree(curRC, curConn, curEpoch)
			}, timeout)
			if !woke {
				p.forcedPush(rcPtr)
			}
			continue
		}

		newRC := packRC(epoch32, connections)
		if atomic.CompareAndSwapUint64(rcPtr, rc, newRC) {
			return idx, epoch32, connections, true
		}
		// lost the CAS race against another producer; retry.
	}
}

// forcedPush is the producer's recovery action when a bounded wait expires
// (spec.md §4.4, §4.8 Forced-Push arrow, §8 P2): bump epoch, then evict
// from connections any subscriber bit still present in the stuck slot's
// rc. This is invisible to live subscribers and to the producer other than
// possibly reducing the subscriber count (spec.md §7).
func (p *Producer) forcedPush(rcPtr *uint64) {
	r := p.ch.ring
	r.bumpEpoch()

	stale := rcMask(atomic.LoadUint64(rcPtr))
	connPtr := r.connectionsPtr()
	for {
		curr := atomic.LoadUint32(connPtr)
		next := curr &^ stale
		if next == curr || atomic.CompareAndSwapUint32(connPtr, curr, next) {
			break
		}
	}
	p.ch.connWaiter.Broadcast()
}
