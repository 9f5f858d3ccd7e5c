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

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPaceBusyPhaseIsFast(t *testing.T) {
	var b Backoff
	start := time.Now()
	for i := 0; i < pauseThreshold; i++ {
		b.Pace()
	}
	require.Less(t, time.Since(start), 10*time.Millisecond)
	require.EqualValues(t, pauseThreshold, b.Spins())
}

func TestPaceSleepsAfterSleepThreshold(t *testing.T) {
	var b Backoff
	for i := uint32(0); i < sleepThreshold; i++ {
		b.Pace()
	}
	start := time.Now()
	b.Pace()
	require.GreaterOrEqual(t, time.Since(start), sleepStep)
}

func TestReset(t *testing.T) {
	var b Backoff
	b.Pace()
	b.Pace()
	b.Reset()
	require.Zero(t, b.Spins())
}
