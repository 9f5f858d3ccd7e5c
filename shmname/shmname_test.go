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

package shmname

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFNV1a64KnownVector(t *testing.T) {
	// FNV-1a-64 of the empty string is the offset basis.
	require.Equal(t, fnvOffset64, FNV1a64(nil))
	// FNV-1a-64("a") = 0xaf63dc4c8601ec8c is a well known test vector.
	require.Equal(t, uint64(0xaf63dc4c8601ec8c), FNV1a64([]byte("a")))
}

func TestCanonicalizeShortNameUnchanged(t *testing.T) {
	short := "/QU_CONN__app_chan"
	require.Equal(t, short, Canonicalize(short))
}

func TestCanonicalizeLongNameDigests(t *testing.T) {
	long := "/QU_CONN__" + strings.Repeat("x", 400)
	got := Canonicalize(long)
	require.LessOrEqual(t, len(got), 255)
	require.Contains(t, got, "_")
	// deterministic: same input always yields the same digest.
	require.Equal(t, got, Canonicalize(long))
	// and a different input yields a different digest.
	other := "/QU_CONN__" + strings.Repeat("y", 400)
	require.NotEqual(t, got, Canonicalize(other))
}

func TestForDerivesFiveDistinctNames(t *testing.T) {
	n := For("app", "chan1")
	all := map[string]bool{
		n.Ring: true, n.WriterWaiter: true, n.ReaderWaiter: true,
		n.ConnWaiter: true, n.IdentityCounter: true,
	}
	require.Len(t, all, 5)
}

func TestChunkPoolNameIsPerSizeNotPerChannel(t *testing.T) {
	require.Equal(t, ChunkPool(4096), ChunkPool(4096))
}
