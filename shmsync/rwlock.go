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

package shmsync

import (
	"sync/atomic"

	"github.com/cloudwego/shmipc/internal/backoff"
)

// writerBit marks the word as write-held; the remaining 31 bits count
// concurrent readers.
const writerBit = uint32(1) << 31

// RWLock is a single-word reader/writer spin-lock (spec.md §2.5), usable
// inside shared memory the same way SpinLock is.
type RWLock struct {
	word *uint32
}

// NewRWLock wraps word as an RWLock. word must start zero.
func NewRWLock(word *uint32) *RWLock {
	return &RWLock{word: word}
}

// TryRLock attempts to acquire a read lock without blocking.
func (l *RWLock) TryRLock() bool {
	for {
		v := atomic.LoadUint32(l.word)
		if v&writerBit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(l.word, v, v+1) {
			return true
		}
	}
}

// RLock blocks until a read lock is acquired.
func (l *RWLock) RLock() {
	var b backoff.Backoff
	for !l.TryRLock() {
		b.Pace()
	}
}

// RUnlock releases a read lock.
func (l *RWLock) RUnlock() {
	atomic.AddUint32(l.word, ^uint32(0)) // -1
}

// TryLock attempts to acquire the exclusive write lock without blocking.
func (l *RWLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(l.word, 0, writerBit)
}

// Lock blocks until the exclusive write lock is acquired.
func (l *RWLock) Lock() {
	var b backoff.Backoff
	for !l.TryLock() {
		b.Pace()
	}
}

// Unlock releases the exclusive write lock.
func (l *RWLock) Unlock() {
	atomic.StoreUint32(l.word, 0)
}
