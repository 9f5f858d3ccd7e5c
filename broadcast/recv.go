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
	"errors"
	"sync/atomic"
	"time"

	"github.com/cloudwego/shmipc/internal/frag"
)

// ErrNoMessage is what waitForSlot reports when timeout elapses with nothing
// new published for this subscriber. Receive reports that case in-band, as a
// nil slice with a nil error.
var ErrNoMessage = errors.New("broadcast: no message before timeout")

// Receive implements spec.md §4.4's receive loop: wait for a slot at
// read_cursor to be published, skip (but still clear its own bit in) any
// slot whose cc_id matches selfID so a producer never receives its own
// writes, resolve chunk-pool indirection, and assemble fragments until the
// last-fragment flag is seen.
//
// selfID is the calling endpoint's own cc_id (Producer.ID), or 0 for a
// pure subscriber that never sends. timeout bounds the entire call: it is
// measured from entry and shared across every fragment of a multi-slot
// message, not reset per fragment. When it elapses, Receive returns a nil
// slice and a nil error.
func (s *Subscriber) Receive(selfID uint32, timeout time.Duration) ([]byte, error) {
	asm := frag.Get()
	defer asm.Free()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}

		idx, size, err := s.waitForSlot(remaining)
		if err != nil {
			if errors.Is(err, ErrNoMessage) {
				return nil, nil
			}
			return nil, err
		}

		r := s.ch.ring
		ccID := atomic.LoadUint32(r.slotCCIDPtr(idx))

		last := size&sizeLastFragment != 0
		storage := size&sizeStorageFlag != 0
		count := size & sizeCountMask

		var payload []byte
		if ccID == selfID {
			// self-echo: still must clear our bit and advance, but the
			// data is discarded (spec.md §4.4, §8 "N-to-1 self-send").
			payload = nil
		} else if storage {
			payload, err = s.resolveStorage(r.slotData(idx), count)
			if err != nil {
				s.releaseSlot(idx)
				return nil, err
			}
		} else {
			payload = r.slotData(idx)[:count]
		}

		if payload != nil {
			asm.Append(payload)
		}
		s.releaseSlot(idx)
		s.readCursor++

		if ccID != selfID && last {
			out := make([]byte, len(asm.Bytes()))
			copy(out, asm.Bytes())
			return out, nil
		}
		if ccID == selfID && last {
			// the message we skipped was whole; keep waiting for the next one
			// rather than returning an empty buffer.
			asm.Free()
			asm = frag.Get()
		}
	}
}

// waitForSlot blocks until the slot at s.readCursor has been published
// (write_cursor has advanced past it), returning its index and raw size
// word.
func (s *Subscriber) waitForSlot(timeout time.Duration) (idx uint32, size uint32, err error) {
	r := s.ch.ring
	idx = s.readCursor
	woke := s.ch.readerWaiter.WaitIf(func() bool {
		return atomic.LoadUint32(r.writeCursorPtr())-s.readCursor == 0
	}, timeout)
	if !woke {
		return 0, 0, ErrNoMessage
	}
	return idx, atomic.LoadUint32(r.slotSizePtr(idx)), nil
}

// resolveStorage decodes a chunk-pool indirection slot (spec.md §6: an
// 8-byte payload holding storage_id and payload_size) and copies out the
// chunk's body before the caller clears its reader bit.
func (s *Subscriber) resolveStorage(raw []byte, wireLen uint32) ([]byte, error) {
	if wireLen < 8 || len(raw) < 8 {
		return nil, errors.New("broadcast: malformed storage slot")
	}
	slot := leUint32(raw[0:4])
	payloadLen := leUint32(raw[4:8])

	pool, err := s.ch.chunkPoolFor(int(payloadLen))
	if err != nil {
		return nil, err
	}
	body := pool.Payload(slot)
	if int(payloadLen) > len(body) {
		return nil, errors.New("broadcast: chunk payload length out of range")
	}
	out := make([]byte, payloadLen)
	copy(out, body[:payloadLen])
	pool.ClearReaderBit(slot, s.bit)
	return out, nil
}

// releaseSlot clears the subscriber's bit in the slot's rc word (spec.md
// §4.4 step 6) and unconditionally wakes the writer waiter so a producer
// blocked on this slot becoming free notices immediately.
func (s *Subscriber) releaseSlot(idx uint32) {
	rcPtr := s.ch.ring.slotRCPtr(idx)
	for {
		rc := atomic.LoadUint64(rcPtr)
		next := rc &^ uint64(s.bit)
		if atomic.CompareAndSwapUint64(rcPtr, rc, next) {
			break
		}
	}
	s.ch.writerWaiter.Broadcast()
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
