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

// Package shm implements named shared-memory regions (spec.md §4.1): POSIX
// create/open/create-or-open lifecycle, a trailing shared refcount, and a
// process-lifetime cache that guarantees repeated acquires of the same name
// within one process map to the same virtual address, so every handle to a
// name in a process reads and writes the same mapping.
//
// Following the same precedent as the teacher's internal/epoll and
// internal/iouring packages (dropping to raw syscalls via golang.org/x/sys
// when the standard library has no portable binding), named regions are
// backed by a plain file mapped with unix.Mmap rather than a real
// shm_open(3) call, which Go does not expose directly. On Linux the backing
// directory is tmpfs-backed /dev/shm, giving the same memory-only
// semantics shm_open provides; elsewhere it falls back to a directory under
// os.TempDir().
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mode selects acquire semantics.
type Mode int

const (
	// CreateExclusive fails if the region already exists.
	CreateExclusive Mode = iota
	// OpenExisting fails if the region does not already exist.
	OpenExisting
	// CreateOrOpen creates the region if absent, opens it otherwise.
	CreateOrOpen
)

var (
	// ErrAlreadyExists is returned by CreateExclusive when name is taken.
	ErrAlreadyExists = errors.New("shm: region already exists")
	// ErrNotFound is returned by OpenExisting when name does not exist.
	ErrNotFound = errors.New("shm: region not found")
	// ErrTransportUnavailable wraps any other failure to create/open/map.
	ErrTransportUnavailable = errors.New("shm: transport unavailable")
)

const refcountWidth = 4

func alignUp4(n int) int {
	return (n + 3) &^ 3
}

// Region is a mapped named shared-memory region. Bytes returns the
// caller-requested user_bytes window rounded up to a multiple of 4; the
// trailing refcount word is not part of it.
type Region struct {
	name     string
	full     []byte // user bytes + trailing refcount word
	file     *os.File
	isCreate bool // true if this Acquire observed a prior global refcount of 0
}

// Name returns the canonical name this region was acquired under.
func (r *Region) Name() string { return r.name }

// Bytes returns the mapped user-visible region, rounded up to 4-byte
// alignment as spec.md §3 describes.
func (r *Region) Bytes() []byte { return r.full[:len(r.full)-refcountWidth] }

// IsCreator reports whether, at the moment this mapping was first created
// in the whole process, the region's global refcount was observed to be
// zero -- i.e. this caller is logically responsible for initializing any
// in-band objects the region carries.
func (r *Region) IsCreator() bool { return r.isCreate }

func (r *Region) refcountPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.full[len(r.full)-refcountWidth]))
}

func backingDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	dir := filepath.Join(os.TempDir(), "shmipc")
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

func pathFor(name string) string {
	clean := strings.TrimPrefix(name, "/")
	clean = strings.ReplaceAll(clean, "/", "_")
	return filepath.Join(backingDir(), clean)
}

// mapFile opens/creates the backing file per mode, ensures it is sized to
// mappedSize, and mmaps it MAP_SHARED.
func mapFile(name string, mappedSize int, mode Mode) (*os.File, []byte, error) {
	path := pathFor(name)

	var flags int
	switch mode {
	case CreateExclusive:
		flags = os.O_CREATE | os.O_EXCL | os.O_RDWR
	case OpenExisting:
		flags = os.O_RDWR
	case CreateOrOpen:
		flags = os.O_CREATE | os.O_RDWR
	default:
		return nil, nil, fmt.Errorf("shm: invalid mode %d", mode)
	}

	f, err := os.OpenFile(path, flags, 0o666)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil, ErrAlreadyExists
		}
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("%w: %s: %s", ErrTransportUnavailable, name, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s: %s", ErrTransportUnavailable, name, err)
	}
	if fi.Size() < int64(mappedSize) {
		if err := f.Truncate(int64(mappedSize)); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%w: %s: %s", ErrTransportUnavailable, name, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, mappedSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s: %s", ErrTransportUnavailable, name, err)
	}
	return f, data, nil
}

// acquireRaw performs the actual OS-level create/open/map, independent of
// the process-local cache. Acquire calls it only when name has no entry in
// that cache.
func acquireRaw(name string, size int, mode Mode) (*Region, error) {
	mappedSize := alignUp4(size) + refcountWidth
	f, data, err := mapFile(name, mappedSize, mode)
	if err != nil {
		return nil, err
	}
	r := &Region{name: name, full: data, file: f}

	rc := r.refcountPtr()
	if atomic.CompareAndSwapUint32(rc, 0, 1) {
		r.isCreate = true
	} else {
		atomic.AddUint32(rc, 1)
	}
	return r, nil
}

// dropRaw decrements the region's global refcount and unmaps the region;
// if the refcount reached zero it also unlinks the backing object.
func dropRaw(r *Region) error {
	rc := r.refcountPtr()
	remaining := atomic.AddUint32(rc, ^uint32(0)) // -1
	mappedSize := len(r.full)
	err := unix.Munmap(r.full)
	r.file.Close()
	if remaining == 0 {
		_ = os.Remove(pathFor(r.name))
	}
	_ = mappedSize
	return err
}

// Unlink removes the backing object for name unconditionally, used by
// shmname.ClearStorage. It is a no-op if the object does not exist.
func Unlink(name string) error {
	err := os.Remove(pathFor(name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*cacheEntry{}
)

type cacheEntry struct {
	region    *Region
	localRefs int32
}

// InitFunc initializes the in-band contents of a freshly created region. It
// runs at most once per (process, name), under the cache lock, before any
// other caller in this process observes the mapping.
type InitFunc func(userBytes []byte)

// Acquire opens or creates a named region of size bytes (pre-alignment).
// Within one process, repeated Acquire calls for the same name return the
// same mapping and only bump a local refcount; the first such call runs
// initFn iff the region's global refcount was observed to be zero (spec.md
// §4.1).
func Acquire(name string, size int, mode Mode, initFn InitFunc) (*Region, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if e, ok := cache[name]; ok {
		e.localRefs++
		return e.region, nil
	}

	r, err := acquireRaw(name, size, mode)
	if err != nil {
		return nil, err
	}
	if r.IsCreator() && initFn != nil {
		initFn(r.Bytes())
	}
	cache[name] = &cacheEntry{region: r, localRefs: 1}
	return r, nil
}

// Drop releases one reference to name. When the process-local refcount
// reaches zero the mapping is unmapped and, if this was also the last
// reference anywhere, the backing object is unlinked.
func Drop(name string) error {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	e, ok := cache[name]
	if !ok {
		return nil
	}
	e.localRefs--
	if e.localRefs > 0 {
		return nil
	}
	delete(cache, name)
	return dropRaw(e.region)
}
