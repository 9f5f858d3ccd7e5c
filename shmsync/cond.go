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
	"unsafe"

	"github.com/cloudwego/shmipc/internal/backoff"
	"github.com/cloudwego/shmipc/internal/shm"
)

// condLayout is the named region Cond maps: a generation counter bumped on
// every notify.
type condLayout struct {
	seq uint32
}

const condLayoutSize = int(unsafe.Sizeof(condLayout{}))

// Cond is a process-shared condition variable (spec.md §2.4, §4.3), paired
// with a caller-supplied Mutex at Wait time. Go has no cross-process condvar
// binding without cgo, so -- exactly as spec.md §4.3 describes for
// platforms lacking a native condvar -- it is emulated: Wait releases the
// mutex and polls the generation counter with the shared adaptive backoff
// until a notify bumps it or the timeout elapses, then reacquires.
//
// Because the emulation is poll-based, NotifyOne cannot guarantee only one
// waiter is woken the way a futex-backed implementation would; every
// waiter re-checks its predicate after reacquiring the mutex, which is the
// POSIX-legal spurious-wakeup behavior callers are already required to
// tolerate (see Waiter.WaitIf).
type Cond struct {
	name   string
	region *shm.Region
	state  *condLayout
}

// NewCond opens or creates the named condition-variable region.
func NewCond(name string, mode shm.Mode) (*Cond, error) {
	r, err := shm.Acquire(name, condLayoutSize, mode, nil)
	if err != nil {
		return nil, err
	}
	return &Cond{
		name:   name,
		region: r,
		state:  (*condLayout)(unsafe.Pointer(&r.Bytes()[0])),
	}, nil
}

// Close releases this process's reference to the condvar's backing region.
func (c *Cond) Close() error {
	return shm.Drop(c.name)
}

// Wait atomically releases m and blocks until notified or timeout elapses,
// then reacquires m. It returns true if a notify was observed before the
// deadline (spurious wakeups are possible and are reported as true, same as
// POSIX). A zero or negative timeout does not wait: unless a notify has
// already landed, Wait returns false on its first check.
func (c *Cond) Wait(m *Mutex, timeout time.Duration) bool {
	observed := atomic.LoadUint32(&c.state.seq)
	m.Unlock()
	defer m.Lock()

	deadline := time.Now().Add(timeout)
	var b backoff.Backoff
	for atomic.LoadUint32(&c.state.seq) == observed {
		if time.Now().After(deadline) {
			return false
		}
		b.Pace()
	}
	return true
}

// NotifyOne wakes at least one waiter (see the emulation note above for why
// it cannot guarantee exactly one).
func (c *Cond) NotifyOne() {
	atomic.AddUint32(&c.state.seq, 1)
}

// NotifyAll wakes every waiter present at the moment of the call.
func (c *Cond) NotifyAll() {
	atomic.AddUint32(&c.state.seq, 1)
}
