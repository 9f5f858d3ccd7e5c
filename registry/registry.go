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

// Package registry implements the fixed-capacity, spin-lock-protected
// service registry shared by every process in a domain (spec.md §4.7, §6).
//
// Grounded on original_source's service_registry.rs: same fixed 32-entry
// table, same "reuse a slot iff its owner PID is dead or equals ours"
// dedupe rule, same opportunistic stale-entry sweep on find/find_all/list.
// The spin-lock itself reuses shmsync.SpinLock (grounded on the teacher's
// internal/epoll-era CAS-loop style, see DESIGN.md).
package registry

import (
	"errors"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/shmipc/internal/shm"
	"github.com/cloudwego/shmipc/shmsync"
)

// MaxServices and MaxNameLen match spec.md §6's Entry layout exactly.
const (
	MaxServices = 32
	MaxNameLen  = 64
)

const (
	entrySize  = MaxNameLen*3 + 4 + 8 + 4 // name+control+reply + pid + registered_at + flags
	headerSize = 4 /*lock*/ + 4 /*count*/
	regionSize = headerSize + MaxServices*entrySize
)

const (
	offLock  = 0
	offCount = 4

	offEntryName    = 0
	offEntryControl = MaxNameLen
	offEntryReply   = MaxNameLen * 2
	offEntryPID     = MaxNameLen * 3
	offEntryRegAt   = offEntryPID + 4
	offEntryFlags   = offEntryRegAt + 8
)

// Entry is a snapshot of one registered service (spec.md §6 Entry).
type Entry struct {
	Name           string
	ControlChannel string
	ReplyChannel   string
	PID            int32
	RegisteredAt   int64
	Flags          uint32
}

// ErrFull names the condition of a table with no free or reclaimable slot
// (spec.md §4.9 "Registry full"). Register does not return it; it reports
// that condition as a false result.
var ErrFull = errors.New("registry: full")

// Registry is one domain's shared service table (spec.md §6: SHM name
// `__ipc_registry__<domain>`).
type Registry struct {
	region *shm.Region
	lock   *shmsync.SpinLock
	base   []byte
}

// Open acquires (creating if necessary) the registry for domain. An empty
// domain maps to "default", matching the original implementation.
func Open(domain string) (*Registry, error) {
	if domain == "" {
		domain = "default"
	}
	name := "/__ipc_registry__" + domain
	r, err := shm.Acquire(name, regionSize, shm.CreateOrOpen, nil)
	if err != nil {
		return nil, err
	}
	base := r.Bytes()
	return &Registry{
		region: r,
		lock:   shmsync.NewSpinLock((*uint32)(unsafe.Pointer(&base[offLock]))),
		base:   base,
	}, nil
}

// Close releases this process's reference to the registry's region.
func (r *Registry) Close() error {
	return shm.Drop(r.region.Name())
}

func (r *Registry) entryBytes(i int) []byte {
	off := headerSize + i*entrySize
	return r.base[off : off+entrySize]
}

func readCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func writeCString(dst []byte, s string) {
	n := copy(dst, s)
	if n < len(dst) {
		dst[n] = 0
	} else {
		dst[len(dst)-1] = 0
	}
}

func entryPID(e []byte) int32 {
	return int32(uint32(e[offEntryPID]) | uint32(e[offEntryPID+1])<<8 | uint32(e[offEntryPID+2])<<16 | uint32(e[offEntryPID+3])<<24)
}

func setEntryPID(e []byte, pid int32) {
	u := uint32(pid)
	e[offEntryPID] = byte(u)
	e[offEntryPID+1] = byte(u >> 8)
	e[offEntryPID+2] = byte(u >> 16)
	e[offEntryPID+3] = byte(u >> 24)
}

func entryRegisteredAt(e []byte) int64 {
	u := uint64(0)
	for i := 0; i < 8; i++ {
		u |= uint64(e[offEntryRegAt+i]) << (8 * i)
	}
	return int64(u)
}

func setEntryRegisteredAt(e []byte, ts int64) {
	u := uint64(ts)
	for i := 0; i < 8; i++ {
		e[offEntryRegAt+i] = byte(u >> (8 * i))
	}
}

func entryActive(e []byte) bool {
	return entryPID(e) > 0 && e[offEntryName] != 0
}

func isAlive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || err != unix.ESRCH
}

func entryAlive(e []byte) bool {
	return isAlive(entryPID(e))
}

func clearEntry(e []byte) {
	for i := range e {
		e[i] = 0
	}
}

func toEntry(e []byte) Entry {
	return Entry{
		Name:           readCString(e[offEntryName:offEntryControl]),
		ControlChannel: readCString(e[offEntryControl:offEntryReply]),
		ReplyChannel:   readCString(e[offEntryReply:offEntryPID]),
		PID:            entryPID(e),
		RegisteredAt:   entryRegisteredAt(e),
		Flags:          uint32(e[offEntryFlags]) | uint32(e[offEntryFlags+1])<<8 | uint32(e[offEntryFlags+2])<<16 | uint32(e[offEntryFlags+3])<<24,
	}
}

func fillEntry(e []byte, name, control, reply string, pid int32, now time.Time) {
	clearEntry(e)
	writeCString(e[offEntryName:offEntryControl], name)
	writeCString(e[offEntryControl:offEntryReply], control)
	writeCString(e[offEntryReply:offEntryPID], reply)
	setEntryPID(e, pid)
	setEntryRegisteredAt(e, now.Unix())
}

// Register registers a service under pid, reusing a dead or self-owned
// existing entry with the same name (spec.md §4.7). It reports false if
// the name is live under a different PID, or the table is full.
//
// Register is not safe for concurrent registration of the same name from
// several goroutines of one process: they share a pid, so every call
// succeeds and the last one overwrites the entry.
func (r *Registry) Register(name, control, reply string, pid int32) bool {
	if name == "" {
		return false
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	now := time.Now()
	for i := 0; i < MaxServices; i++ {
		e := r.entryBytes(i)
		if !entryActive(e) {
			continue
		}
		if readCString(e[offEntryName:offEntryControl]) != name {
			continue
		}
		if entryAlive(e) && entryPID(e) != pid {
			return false
		}
		fillEntry(e, name, control, reply, pid, now)
		return true
	}

	for i := 0; i < MaxServices; i++ {
		e := r.entryBytes(i)
		if entryActive(e) && entryAlive(e) {
			continue
		}
		fillEntry(e, name, control, reply, pid, now)
		countPtr := (*uint32)(unsafe.Pointer(&r.base[offCount]))
		if atomic.LoadUint32(countPtr) < MaxServices {
			atomic.AddUint32(countPtr, 1)
		}
		return true
	}
	return false
}

// Unregister removes name's entry if it is owned by pid.
func (r *Registry) Unregister(name string, pid int32) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i := 0; i < MaxServices; i++ {
		e := r.entryBytes(i)
		if entryActive(e) && readCString(e[offEntryName:offEntryControl]) == name && entryPID(e) == pid {
			clearEntry(e)
			return true
		}
	}
	return false
}

// Find looks up name, opportunistically clearing any stale entry it
// passes over, per spec.md §4.7.
func (r *Registry) Find(name string) (Entry, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i := 0; i < MaxServices; i++ {
		e := r.entryBytes(i)
		if !entryActive(e) {
			continue
		}
		if readCString(e[offEntryName:offEntryControl]) != name {
			continue
		}
		if !entryAlive(e) {
			clearEntry(e)
			continue
		}
		return toEntry(e), true
	}
	return Entry{}, false
}

// FindAll returns every live entry whose name has the given prefix.
func (r *Registry) FindAll(prefix string) []Entry {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []Entry
	for i := 0; i < MaxServices; i++ {
		e := r.entryBytes(i)
		if !entryActive(e) {
			continue
		}
		if !entryAlive(e) {
			clearEntry(e)
			continue
		}
		name := readCString(e[offEntryName:offEntryControl])
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			out = append(out, toEntry(e))
		}
	}
	return out
}

// List returns every live entry.
func (r *Registry) List() []Entry {
	return r.FindAll("")
}

// GC sweeps the table and zeroes every entry whose owning PID is no longer
// alive, returning the count removed.
func (r *Registry) GC() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	removed := 0
	for i := 0; i < MaxServices; i++ {
		e := r.entryBytes(i)
		if entryActive(e) && !entryAlive(e) {
			clearEntry(e)
			removed++
		}
	}
	return removed
}
