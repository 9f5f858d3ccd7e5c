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

package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnAndWaitForExit(t *testing.T) {
	h, err := Spawn("sleeper", "/bin/sh", "-c", "exit 0")
	require.NoError(t, err)
	require.True(t, h.Valid())

	r := h.WaitForExit(2 * time.Second)
	require.True(t, r.Exited)
	require.Equal(t, 0, r.ExitCode)
}

func TestWaitForExitTimesOutWhileAlive(t *testing.T) {
	h, err := Spawn("sleeper", "/bin/sh", "-c", "sleep 5")
	require.NoError(t, err)
	defer h.ForceKill()

	r := h.WaitForExit(50 * time.Millisecond)
	require.False(t, r.Exited)
	require.True(t, h.IsAlive())
}

func TestForceKillStopsProcess(t *testing.T) {
	h, err := Spawn("sleeper", "/bin/sh", "-c", "sleep 5")
	require.NoError(t, err)

	require.True(t, h.ForceKill())
	r := h.WaitForExit(2 * time.Second)
	require.True(t, r.Signaled)
}

func TestShutdownGracefulExit(t *testing.T) {
	// trap SIGTERM and exit 0. The shell runs the trap only once its current
	// `sleep 1` returns, which can take as long as the grace period, so either
	// a clean exit or an escalated kill is accepted.
	h, err := Spawn("graceful", "/bin/sh", "-c", "trap 'exit 0' TERM; while true; do sleep 1; done")
	require.NoError(t, err)

	r := h.Shutdown(time.Second)
	require.True(t, r.Exited || r.Signaled)
	require.False(t, h.IsAlive())
}

func TestInvalidHandleIsNeverAlive(t *testing.T) {
	h := Invalid("never-spawned", "/bin/does-not-exist")
	require.False(t, h.Valid())
	require.False(t, h.IsAlive())
	require.False(t, h.RequestShutdown())
	require.False(t, h.ForceKill())
}
