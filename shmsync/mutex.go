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
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cloudwego/shmipc/internal/backoff"
	"github.com/cloudwego/shmipc/internal/shm"
	"golang.org/x/sys/unix"
)

// mutexLayout is the named region Mutex maps: a lock word plus the pid of
// whoever currently holds it, so a dead owner can be detected and the lock
// recovered (spec.md §4.2 robust mutex; §9 notes the cgo-free, non-pthread
// recovery this implies -- see DESIGN.md).
type mutexLayout struct {
	locked uint32
	owner  int32
}

const mutexLayoutSize = int(unsafe.Sizeof(mutexLayout{}))

// Mutex is a robust, named, process-shared mutex (spec.md §2.3, §4.2). Go
// has no portable binding to pthread_mutexattr_setrobust_np without cgo, so
// recovery is implemented by storing the owning PID in the shared region
// and probing liveness with a signal-0 kill; this is the "best-effort"
// recovery spec.md allows for platforms without native robust-mutex
// support, applied uniformly rather than only on macOS.
type Mutex struct {
	name   string
	region *shm.Region
	state  *mutexLayout
}

// NewMutex opens or creates the named mutex region.
func NewMutex(name string, mode shm.Mode) (*Mutex, error) {
	r, err := shm.Acquire(name, mutexLayoutSize, mode, nil)
	if err != nil {
		return nil, err
	}
	return &Mutex{
		name:   name,
		region: r,
		state:  (*mutexLayout)(unsafe.Pointer(&r.Bytes()[0])),
	}, nil
}

// Close releases this process's reference to the mutex's backing region.
// It does not destroy the mutex: per spec.md §4.2, destruction is implicit
// once every process has unlinked the underlying shm object.
func (m *Mutex) Close() error {
	return shm.Drop(m.name)
}

func (m *Mutex) lockedPtr() *uint32 { return &m.state.locked }
func (m *Mutex) ownerPtr() *int32   { return &m.state.owner }

// deadOwnerHoldsLock reports whether the mutex is currently marked locked
// by a pid that is no longer running.
func (m *Mutex) deadOwnerHoldsLock() (owner int32, dead bool) {
	owner = atomic.LoadInt32(m.ownerPtr())
	if owner == 0 {
		return 0, false
	}
	err := unix.Kill(int(owner), 0)
	return owner, err == unix.ESRCH
}

// TryLock attempts to acquire the mutex without blocking. If the current
// holder's process has died, TryLock recovers the mutex and succeeds
// (spec.md §4.9: "Next locker succeeds after marking consistent").
func (m *Mutex) TryLock() bool {
	if atomic.CompareAndSwapUint32(m.lockedPtr(), 0, 1) {
		atomic.StoreInt32(m.ownerPtr(), int32(os.Getpid()))
		return true
	}
	if owner, dead := m.deadOwnerHoldsLock(); dead {
		// recover: force-claim regardless of the stale `locked` value.
		if atomic.CompareAndSwapInt32(m.ownerPtr(), owner, int32(os.Getpid())) {
			atomic.StoreUint32(m.lockedPtr(), 1)
			return true
		}
	}
	return false
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() {
	var b backoff.Backoff
	for !m.TryLock() {
		b.Pace()
	}
}

// LockTimeout blocks until the mutex is acquired or timeout elapses,
// reporting which happened.
func (m *Mutex) LockTimeout(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	var b backoff.Backoff
	for {
		if m.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		b.Pace()
	}
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	atomic.StoreInt32(m.ownerPtr(), 0)
	atomic.StoreUint32(m.lockedPtr(), 0)
}

// WithLock runs f while the mutex is held, mirroring the teacher's
// defer-friendly helper conventions (e.g. bufiox.Reader.Release).
func (m *Mutex) WithLock(f func()) {
	m.Lock()
	defer m.Unlock()
	f()
}
