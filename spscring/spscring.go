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

// Package spscring implements the single-producer single-consumer record
// ring (spec.md §4.6, §6): write_idx/read_idx with Release/Acquire
// ordering, a power-of-two element count, and write_overwrite's
// drop-the-oldest behavior.
//
// Grounded directly on original_source's shm_ring.rs -- same header shape
// (two cache-line-padded u64 indices plus a constructed flag), same
// write_slot/write_commit/write_overwrite/read_slot/read_commit split.
// Elements are opaque fixed-size byte records here rather than a Rust
// generic T, since Go has no trivially-copyable-generic constraint; the
// byte-record style matches broadcast/ring.go's own accessor layer.
package spscring

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/cloudwego/shmipc/internal/shm"
)

// Header layout, byte-exact per spec.md §6.
const (
	offWriteIdx    = 0
	offReadIdx     = 64
	offConstructed = 128
	headerSize     = 192
)

// ErrCapacityNotPowerOfTwo is returned by Open when capacity isn't a power
// of two, per spec.md §4.6.
var ErrCapacityNotPowerOfTwo = errors.New("spscring: capacity must be a power of two")

// Ring is a fixed-capacity SPSC record ring over shared memory. One process
// must act as the sole writer (WriteSlot/WriteCommit/WriteOverwrite), one
// as the sole reader (ReadSlot/ReadCommit); mixing roles across processes
// breaks the ordering guarantees.
type Ring struct {
	region   *shm.Region
	base     []byte
	capacity uint64
	mask     uint64
	elemSize int
}

// Open acquires (creating if necessary) a ring of capacity elements of
// elemSize bytes each, backed by name.
func Open(name string, capacity, elemSize int, mode shm.Mode) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrCapacityNotPowerOfTwo
	}
	total := headerSize + capacity*elemSize
	r := &Ring{capacity: uint64(capacity), mask: uint64(capacity - 1), elemSize: elemSize}

	region, err := shm.Acquire(name, total, mode, func(b []byte) {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[offWriteIdx])), 0)
		atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[offReadIdx])), 0)
		atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[offConstructed])), 1)
	})
	if err != nil {
		return nil, err
	}
	r.region = region
	r.base = region.Bytes()
	return r, nil
}

// Close releases this process's reference to the ring's region.
func (r *Ring) Close() error {
	return shm.Drop(r.region.Name())
}

// Constructed reports whether the ring's header has been initialized --
// always true once Open returns successfully, but useful for a caller that
// mapped the region by other means.
func (r *Ring) Constructed() bool {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.base[offConstructed]))) != 0
}

func (r *Ring) writeIdxPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.base[offWriteIdx])) }
func (r *Ring) readIdxPtr() *uint64  { return (*uint64)(unsafe.Pointer(&r.base[offReadIdx])) }

func (r *Ring) slot(idx uint64) []byte {
	off := headerSize + int(idx&r.mask)*r.elemSize
	return r.base[off : off+r.elemSize]
}

// WriteSlot returns the next writable record, or nil if the ring is full.
// The caller fills it in place and then calls WriteCommit.
func (r *Ring) WriteSlot() []byte {
	w := atomic.LoadUint64(r.writeIdxPtr())
	read := atomic.LoadUint64(r.readIdxPtr())
	if w-read >= r.capacity {
		return nil
	}
	return r.slot(w)
}

// WriteCommit advances write_idx with Release ordering after the caller
// has filled the slot WriteSlot returned.
func (r *Ring) WriteCommit() {
	atomic.AddUint64(r.writeIdxPtr(), 1)
}

// Write copies item into the next slot and commits it, reporting false if
// the ring was full.
func (r *Ring) Write(item []byte) bool {
	slot := r.WriteSlot()
	if slot == nil {
		return false
	}
	copy(slot, item)
	r.WriteCommit()
	return true
}

// WriteOverwrite writes item, advancing read_idx first (silently dropping
// the oldest record) if the ring is already full.
func (r *Ring) WriteOverwrite(item []byte) {
	w := atomic.LoadUint64(r.writeIdxPtr())
	read := atomic.LoadUint64(r.readIdxPtr())
	if w-read >= r.capacity {
		atomic.AddUint64(r.readIdxPtr(), 1)
	}
	copy(r.slot(w), item)
	atomic.AddUint64(r.writeIdxPtr(), 1)
}

// ReadSlot returns the next readable record, or nil if the ring is empty.
// The caller consumes it in place and then calls ReadCommit.
func (r *Ring) ReadSlot() []byte {
	read := atomic.LoadUint64(r.readIdxPtr())
	w := atomic.LoadUint64(r.writeIdxPtr())
	if read >= w {
		return nil
	}
	return r.slot(read)
}

// ReadCommit advances read_idx with Release ordering after the caller has
// consumed the slot ReadSlot returned.
func (r *Ring) ReadCommit() {
	atomic.AddUint64(r.readIdxPtr(), 1)
}

// Read copies the next record into out, reporting false if the ring is
// empty.
func (r *Ring) Read(out []byte) bool {
	slot := r.ReadSlot()
	if slot == nil {
		return false
	}
	copy(out, slot)
	r.ReadCommit()
	return true
}

// Available reports how many records are currently queued.
func (r *Ring) Available() int {
	w := atomic.LoadUint64(r.writeIdxPtr())
	read := atomic.LoadUint64(r.readIdxPtr())
	return int(w - read)
}

// IsEmpty reports whether there is nothing to read.
func (r *Ring) IsEmpty() bool { return r.Available() == 0 }

// IsFull reports whether the ring has no room for another write without
// overwriting.
func (r *Ring) IsFull() bool { return uint64(r.Available()) >= r.capacity }
