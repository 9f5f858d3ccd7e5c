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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/shmipc/internal/shm"
	"github.com/stretchr/testify/require"
)

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("/shmipc_test_%s_%d", t.Name(), time.Now().UnixNano())
}

func TestSpinLockMutualExclusion(t *testing.T) {
	var word uint32
	l := NewSpinLock(&word)

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 32*1000, counter)
}

func TestRWLockAllowsConcurrentReaders(t *testing.T) {
	var word uint32
	l := NewRWLock(&word)

	require.True(t, l.TryRLock())
	require.True(t, l.TryRLock())
	require.False(t, l.TryLock()) // writer excluded while readers held
	l.RUnlock()
	l.RUnlock()
	require.True(t, l.TryLock())
	require.False(t, l.TryRLock()) // reader excluded while writer held
	l.Unlock()
}

func TestMutexLockUnlock(t *testing.T) {
	name := uniqueName(t)
	m, err := NewMutex(name, shm.CreateOrOpen)
	require.NoError(t, err)
	defer m.Close()

	require.True(t, m.TryLock())
	require.False(t, m.TryLock())
	m.Unlock()
	require.True(t, m.TryLock())
	m.Unlock()
}

func TestMutexLockTimeout(t *testing.T) {
	name := uniqueName(t)
	m, err := NewMutex(name, shm.CreateOrOpen)
	require.NoError(t, err)
	defer m.Close()

	m.Lock()
	start := time.Now()
	ok := m.LockTimeout(30 * time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	m.Unlock()
}

func TestMutexRecoversFromDeadOwner(t *testing.T) {
	name := uniqueName(t)
	m, err := NewMutex(name, shm.CreateOrOpen)
	require.NoError(t, err)
	defer m.Close()

	m.state.locked = 1
	m.state.owner = 999999 // almost certainly not a live pid

	require.True(t, m.TryLock())
}

func TestWaiterWaitIfTimesOutWithoutNotify(t *testing.T) {
	name := uniqueName(t)
	w, err := NewWaiter(name, shm.CreateOrOpen)
	require.NoError(t, err)
	defer w.Close()

	start := time.Now()
	ok := w.WaitIf(func() bool { return true }, 30*time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaiterNotifyWakesWaiter(t *testing.T) {
	name := uniqueName(t)
	w, err := NewWaiter(name, shm.CreateOrOpen)
	require.NoError(t, err)
	defer w.Close()

	var ready int32
	done := make(chan bool, 1)
	go func() {
		done <- w.WaitIf(func() bool { return atomic.LoadInt32(&ready) == 0 }, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	atomic.StoreInt32(&ready, 1)
	w.Broadcast()

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake up")
	}
}

func TestWaiterQuitWaiting(t *testing.T) {
	name := uniqueName(t)
	w, err := NewWaiter(name, shm.CreateOrOpen)
	require.NoError(t, err)
	defer w.Close()

	done := make(chan bool, 1)
	go func() {
		done <- w.WaitIf(func() bool { return true }, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	w.QuitWaiting()

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter did not quit")
	}
}
