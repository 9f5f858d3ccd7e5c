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
	"time"

	"github.com/cloudwego/shmipc/internal/shm"
)

// Waiter couples a Cond and a Mutex, both named from one base name (see
// WaiterBackingNames), with a
// process-local quit flag into a single "sleep until predicate is false"
// primitive (spec.md §2.6, §4.3). Cross-process shutdown is never driven by
// the quit flag -- it is process-local by design -- only by a channel
// endpoint disconnecting.
type Waiter struct {
	name  string
	mu    *Mutex
	cond  *Cond
	quit  int32
}

// WaiterBackingNames returns the two shm region names a Waiter opened under
// name actually creates: the mutex and the condvar. Callers that need to
// unlink a Waiter's storage without holding a live *Waiter (shmname's
// ClearStorage) derive the names from here rather than duplicating the
// "__mu"/"__cv" suffixes.
func WaiterBackingNames(name string) (mu, cond string) {
	return name + "__mu", name + "__cv"
}

// NewWaiter opens or creates the named mutex+condvar pair a Waiter needs.
func NewWaiter(name string, mode shm.Mode) (*Waiter, error) {
	muName, condName := WaiterBackingNames(name)
	mu, err := NewMutex(muName, mode)
	if err != nil {
		return nil, err
	}
	cond, err := NewCond(condName, mode)
	if err != nil {
		_ = mu.Close()
		return nil, err
	}
	return &Waiter{name: name, mu: mu, cond: cond}, nil
}

// Close releases both backing regions.
func (w *Waiter) Close() error {
	err1 := w.cond.Close()
	err2 := w.mu.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// WaitIf blocks, re-evaluating pred under the waiter's mutex, while pred()
// is true and the waiter has not been asked to quit, up to timeout. It
// returns true if woken by a notify or a quit request, false on timeout.
func (w *Waiter) WaitIf(pred func() bool, timeout time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for atomic.LoadInt32(&w.quit) == 0 && pred() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		w.cond.Wait(w.mu, remaining)
	}
	return true
}

// Notify wakes one blocked waiter. The lock/unlock bracket around the
// condvar signal ensures a waiter cannot miss the signal between its
// predicate check and the call to Cond.Wait.
func (w *Waiter) Notify() {
	w.mu.Lock()
	w.cond.NotifyOne()
	w.mu.Unlock()
}

// Broadcast wakes every blocked waiter.
func (w *Waiter) Broadcast() {
	w.mu.Lock()
	w.cond.NotifyAll()
	w.mu.Unlock()
}

// QuitWaiting sets the process-local quit flag and wakes every waiter in
// this process so WaitIf returns promptly.
func (w *Waiter) QuitWaiting() {
	atomic.StoreInt32(&w.quit, 1)
	w.Broadcast()
}
