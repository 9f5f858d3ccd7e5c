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

// Package shmsync implements the process-shared synchronization primitives
// spec.md §2.3-§2.6 depend on: a spin-lock / RW-lock pair over a single
// shared word, a robust mutex, a condition variable, and the Waiter that
// couples a mutex+condvar with a process-local quit flag.
package shmsync

import (
	"sync/atomic"

	"github.com/cloudwego/shmipc/internal/backoff"
)

// SpinLock is a single-word atomic exclusion primitive, usable inside any
// shared-memory data structure (spec.md §2.5). The backing word is supplied
// by the caller so it can live inside an arbitrary SHM layout (e.g. the
// chunk pool header's lock field, or the registry header's lock field).
type SpinLock struct {
	word *uint32
}

// NewSpinLock wraps word as a SpinLock. word must already be zero or the
// lock will appear held.
func NewSpinLock(word *uint32) *SpinLock {
	return &SpinLock{word: word}
}

// TryLock attempts to acquire the lock without blocking.
func (s *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(s.word, 0, 1)
}

// Lock blocks until the lock is acquired, using the adaptive backoff policy
// shared by every spin loop in this library (spec.md §5 shared-resource
// policy (4)).
func (s *SpinLock) Lock() {
	var b backoff.Backoff
	for !s.TryLock() {
		b.Pace()
	}
}

// Unlock releases the lock.
func (s *SpinLock) Unlock() {
	atomic.StoreUint32(s.word, 0)
}
