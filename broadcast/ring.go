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

// Package broadcast implements the multi-producer, multi-consumer
// broadcast channel (spec.md §2.8, §4.4, §4.8): a 256-slot ring with inline
// payload, epoch-tagged reader bitmask, forced-push eviction, and a
// multi-producer claim via CAS on the write cursor.
//
// The CAS claim/publish loop has no teacher analogue; it is grounded
// directly on original_source/rust/libipc/src/proto/shm_ring.rs and
// channel.rs. The fixed-capacity slot array and byte-offset accessor style
// follow container/ring and protocol/ttheader's struct-of-decoded-fields
// conventions respectively (see DESIGN.md).
package broadcast

import (
	"sync/atomic"
	"unsafe"
)

// Layout constants, byte-exact per spec.md §6:
//
//	RingHeader { connections: u32; write_cursor: u32; sender_count: u32; epoch: u64 }
//	RingSlot[256] { data: [u8;64]; size: u32; cc_id: u32; rc: u64 }
//
// headerSize reserves 4 bytes of padding between sender_count and epoch so
// epoch (a u64, at offEpoch=16) ends on an 8-byte-aligned offset (24),
// which slotSize (also a multiple of 8) then preserves for every slot's rc
// field.
const (
	numSlots     = 256
	slotDataSize = 64
	slotSize     = slotDataSize + 4 /*size*/ + 4 /*cc_id*/ + 8 /*rc*/                     // 80
	headerSize   = 4 /*connections*/ + 4 /*write_cursor*/ + 4 /*sender_count*/ + 4 /*pad*/ + 8 /*epoch*/ // 24
	ringSize     = headerSize + numSlots*slotSize
)

const (
	offConnections = 0
	offWriteCursor = 4
	offSenderCount = 8
	offEpoch       = 16

	offSlotSize = slotDataSize
	offSlotCCID = slotDataSize + 4
	offSlotRC   = slotDataSize + 8
)

// Size-field encoding, spec.md §6: bit31 last-fragment, bit30 storage
// indirection, bits 0-29 byte count.
const (
	sizeLastFragment = uint32(1) << 31
	sizeStorageFlag  = uint32(1) << 30
	sizeCountMask    = uint32(1)<<30 - 1
)

// maxSubscribers is the width of the connections bitmask (spec.md R5).
const maxSubscribers = 32

// ringMem is a thin accessor layer over the raw bytes of a ring region.
type ringMem struct {
	base []byte
}

func (r *ringMem) connectionsPtr() *uint32 { return (*uint32)(unsafe.Pointer(&r.base[offConnections])) }
func (r *ringMem) writeCursorPtr() *uint32 { return (*uint32)(unsafe.Pointer(&r.base[offWriteCursor])) }
func (r *ringMem) senderCountPtr() *uint32 { return (*uint32)(unsafe.Pointer(&r.base[offSenderCount])) }
func (r *ringMem) epochPtr() *uint64       { return (*uint64)(unsafe.Pointer(&r.base[offEpoch])) }

// currentEpoch32 returns the ring-wide epoch truncated to the 32 bits that
// are compared against a slot's rc high-half (spec.md §3: "epoch ... is
// incremented in steps of 2^32").
func (r *ringMem) currentEpoch32() uint32 {
	return uint32(atomic.LoadUint64(r.epochPtr()) >> 32)
}

func (r *ringMem) bumpEpoch() {
	atomic.AddUint64(r.epochPtr(), uint64(1)<<32)
}

func (r *ringMem) slotOffset(i uint32) int {
	return headerSize + int(i%numSlots)*slotSize
}

func (r *ringMem) slotData(i uint32) []byte {
	off := r.slotOffset(i)
	return r.base[off : off+slotDataSize]
}

func (r *ringMem) slotSizePtr(i uint32) *uint32 {
	off := r.slotOffset(i)
	return (*uint32)(unsafe.Pointer(&r.base[off+offSlotSize]))
}

func (r *ringMem) slotCCIDPtr(i uint32) *uint32 {
	off := r.slotOffset(i)
	return (*uint32)(unsafe.Pointer(&r.base[off+offSlotCCID]))
}

func (r *ringMem) slotRCPtr(i uint32) *uint64 {
	off := r.slotOffset(i)
	return (*uint64)(unsafe.Pointer(&r.base[off+offSlotRC]))
}

// packRC combines an epoch (truncated to 32 bits) and a reader bitmask into
// a slot's rc word.
func packRC(epoch32, mask uint32) uint64 {
	return uint64(epoch32)<<32 | uint64(mask)
}

func rcMask(rc uint64) uint32  { return uint32(rc) }
func rcEpoch(rc uint64) uint32 { return uint32(rc >> 32) }

// slotFree reports invariant R1: a slot is free-to-claim iff its remaining
// reader mask has nothing in common with the live connections, or its
// epoch is stale.
func slotFree(rc uint64, connections, epoch32 uint32) bool {
	return rc&uint64(connections) == 0 || rcEpoch(rc) != epoch32
}

// lowestZeroBit finds and sets the lowest unset bit of curr, returning the
// new bitmask value and the bit that was set (0 if curr has no zero bit,
// i.e. is already 0xFFFFFFFF).
func lowestZeroBit(curr uint32) (next, bit uint32) {
	next = curr | (curr + 1)
	bit = next ^ curr
	return
}
