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

// Package shmname derives the POSIX-style shared-memory names a broadcast
// channel needs from a (prefix, name) pair, and canonicalises any name that
// would exceed the host's shm-name limit down to a stable, short digest
// form.
package shmname

import (
	"fmt"
	"runtime"

	"github.com/cloudwego/shmipc/internal/shm"
	"github.com/cloudwego/shmipc/shmsync"
)

// FNV-1a-64 constants, byte for byte what spec.md §6 specifies. Kept as a
// plain byte-at-a-time loop (not the teacher's hash/xfnv, which hashes 8
// bytes per round via an unsafe pointer cast and is explicitly documented
// "non-cross-platform compatible" / not for storage) because a shm name must
// hash identically across every process that computes it.
const (
	fnvOffset64 = uint64(0xCBF29CE484222325)
	fnvPrime64  = uint64(0x100000001B3)
)

// digestLen is the number of hex characters the truncated-name digest uses.
const digestLen = 16

// maxNameLen returns the platform's practical shm-name length budget.
// macOS' shm_open enforces a very small PSHMNAMLEN; Linux's tmpfs-backed
// implementation tolerates NAME_MAX. The budget is 30 on darwin and 255
// elsewhere, so a name longer than 30 characters canonicalises differently
// on darwin than on other systems.
func maxNameLen() int {
	if runtime.GOOS == "darwin" {
		return 30
	}
	return 255
}

// FNV1a64 hashes b with the classic byte-at-a-time FNV-1a-64 algorithm.
func FNV1a64(b []byte) uint64 {
	h := fnvOffset64
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime64
	}
	return h
}

// Canonicalize returns name unchanged if it fits the platform's shm-name
// budget, otherwise replaces it with "/<truncated-prefix>_<16-hex digest>"
// where the digest is FNV-1a-64 over the full, pre-truncation name.
func Canonicalize(name string) string {
	limit := maxNameLen()
	if len(name) <= limit {
		return name
	}
	digest := FNV1a64([]byte(name))
	suffix := fmt.Sprintf("_%0*x", digestLen, digest)
	keep := limit - len(suffix)
	if keep < 0 {
		keep = 0
	}
	if keep > len(name) {
		keep = len(name)
	}
	return name[:keep] + suffix
}

// join builds a raw (pre-canonicalization) shm name from a fixed tag, the
// channel's namespace prefix and its logical name.
func join(tag, prefix, name string) string {
	return "/" + tag + prefix + "_" + name
}

// Names holds every shm region name a single broadcast channel needs.
type Names struct {
	Ring           string // QU_CONN__<prefix>_<name>, the 256-slot ring header+slots
	WriterWaiter   string // WT_CONN__<prefix>_<name>, producer-side condvar+mutex
	ReaderWaiter   string // RD_CONN__<prefix>_<name>, subscriber-side condvar+mutex
	ConnWaiter     string // CC_CONN__<prefix>_<name>, connection-count condvar+mutex
	IdentityCounter string // CA_CONN__<prefix>_<name>, endpoint identity allocator
}

// For derives the five per-channel shm names for (prefix, name), applying
// Canonicalize to each.
func For(prefix, name string) Names {
	return Names{
		Ring:            Canonicalize(join("QU_CONN__", prefix, name)),
		WriterWaiter:    Canonicalize(join("WT_CONN__", prefix, name)),
		ReaderWaiter:    Canonicalize(join("RD_CONN__", prefix, name)),
		ConnWaiter:      Canonicalize(join("CC_CONN__", prefix, name)),
		IdentityCounter: Canonicalize(join("CA_CONN__", prefix, name)),
	}
}

// ChunkPool returns the shm name of the chunk pool for a given chunk size
// (chunkpool.SizeFor of the payload). Chunk pools are neither per-channel
// nor per-prefix: every channel on the host shares pools by size, per
// spec.md §4.5.
func ChunkPool(chunkSize int) string {
	return Canonicalize(fmt.Sprintf("/CH_CONN__%d", chunkSize))
}

// DefaultChunkSizes is the fixed list of payload sizes clear_storage sweeps
// when it has no better information, per spec.md §4.5.
var DefaultChunkSizes = []int{128, 256, 512, 1024, 2048, 4096, 8192, 16384, 65536}

// ClearStorage unlinks every shm object a channel named (prefix, name) may
// have created: the ring, the identity counter, the mutex+condvar pair
// backing each of the three Waiters (WriterWaiter/ReaderWaiter/ConnWaiter
// each expand to two real shm regions via shmsync.WaiterBackingNames -- the
// bare waiter name itself is never a backing file), plus the chunk pools for
// DefaultChunkSizes and any additional sizes the caller knows were actually
// opened (broadcast.Channel records these as it runs; see spec.md §9's open
// question about clear_storage's fixed-size guess list). extraChunkSizes
// must already be chunk sizes (chunkpool.SizeFor(payload)), not raw payload
// sizes, or the sweep unlinks nothing for them.
func ClearStorage(prefix, name string, extraChunkSizes ...int) {
	names := For(prefix, name)
	_ = shm.Unlink(names.Ring)
	_ = shm.Unlink(names.IdentityCounter)
	for _, waiter := range []string{names.WriterWaiter, names.ReaderWaiter, names.ConnWaiter} {
		mu, cond := shmsync.WaiterBackingNames(waiter)
		_ = shm.Unlink(mu)
		_ = shm.Unlink(cond)
	}

	seen := make(map[int]bool, len(DefaultChunkSizes)+len(extraChunkSizes))
	for _, sz := range DefaultChunkSizes {
		// payload size -> chunk size, same formula as chunkpool.SizeFor
		// (which this package cannot import).
		chunk := ((sz+1023)&^1023 + 4 + 15) &^ 15
		seen[chunk] = true
	}
	for _, sz := range extraChunkSizes {
		seen[sz] = true
	}
	for sz := range seen {
		_ = shm.Unlink(ChunkPool(sz))
	}
}
