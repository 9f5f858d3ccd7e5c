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

package registry

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudwego/shmipc/internal/shm"
)

var testSeq int

func openTestRegistry(t *testing.T) (*Registry, func()) {
	t.Helper()
	testSeq++
	domain := fmt.Sprintf("%s_%d", t.Name(), testSeq)
	r, err := Open(domain)
	require.NoError(t, err)
	return r, func() {
		require.NoError(t, r.Close())
		_ = shm.Unlink("/__ipc_registry__" + domain)
	}
}

func TestRegisterFindUnregister(t *testing.T) {
	r, cleanup := openTestRegistry(t)
	defer cleanup()

	pid := int32(os.Getpid())
	ok := r.Register("svc.1", "ctrl", "reply", pid)
	require.True(t, ok)

	e, found := r.Find("svc.1")
	require.True(t, found)
	require.Equal(t, "svc.1", e.Name)
	require.Equal(t, "ctrl", e.ControlChannel)
	require.Equal(t, "reply", e.ReplyChannel)
	require.Equal(t, pid, e.PID)

	require.True(t, r.Unregister("svc.1", pid))
	_, found = r.Find("svc.1")
	require.False(t, found)
}

func TestRegisterDuplicateLiveNameFails(t *testing.T) {
	r, cleanup := openTestRegistry(t)
	defer cleanup()

	pid := int32(os.Getpid())
	require.True(t, r.Register("svc.dup", "c", "r", pid))
	require.False(t, r.Register("svc.dup", "c", "r", pid+1))
}

func TestRegisterReusesOwnPIDEntry(t *testing.T) {
	r, cleanup := openTestRegistry(t)
	defer cleanup()

	pid := int32(os.Getpid())
	require.True(t, r.Register("svc.self", "c1", "r1", pid))
	require.True(t, r.Register("svc.self", "c2", "r2", pid))

	e, found := r.Find("svc.self")
	require.True(t, found)
	require.Equal(t, "c2", e.ControlChannel)
}

func TestUnregisterRequiresMatchingPID(t *testing.T) {
	r, cleanup := openTestRegistry(t)
	defer cleanup()

	pid := int32(os.Getpid())
	require.True(t, r.Register("svc.owned", "c", "r", pid))
	require.False(t, r.Unregister("svc.owned", pid+1))
}

func TestRegisterFullTableFails(t *testing.T) {
	r, cleanup := openTestRegistry(t)
	defer cleanup()

	pid := int32(os.Getpid())
	for i := 0; i < MaxServices; i++ {
		require.True(t, r.Register(fmt.Sprintf("svc.%d", i), "c", "r", pid))
	}
	require.False(t, r.Register("svc.overflow", "c", "r", pid))
}

func TestGCRemovesDeadPID(t *testing.T) {
	r, cleanup := openTestRegistry(t)
	defer cleanup()

	const deadPID = int32(1 << 30) // astronomically unlikely to be a live pid
	require.True(t, r.Register("svc.dead", "c", "r", deadPID))

	removed := r.GC()
	require.Equal(t, 1, removed)
	_, found := r.Find("svc.dead")
	require.False(t, found)
}

func TestFindAllFiltersByPrefix(t *testing.T) {
	r, cleanup := openTestRegistry(t)
	defer cleanup()

	pid := int32(os.Getpid())
	require.True(t, r.Register("group.a", "c", "r", pid))
	require.True(t, r.Register("group.b", "c", "r", pid))
	require.True(t, r.Register("other", "c", "r", pid))

	matched := r.FindAll("group.")
	require.Len(t, matched, 2)
}

func TestListReturnsEveryLiveEntry(t *testing.T) {
	r, cleanup := openTestRegistry(t)
	defer cleanup()

	pid := int32(os.Getpid())
	require.True(t, r.Register("one", "c", "r", pid))
	require.True(t, r.Register("two", "c", "r", pid))

	require.Len(t, r.List(), 2)
}
