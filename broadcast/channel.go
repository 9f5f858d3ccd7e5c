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

package broadcast

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cloudwego/shmipc/internal/chunkpool"
	"github.com/cloudwego/shmipc/internal/shm"
	"github.com/cloudwego/shmipc/shmname"
	"github.com/cloudwego/shmipc/shmsync"
)

// Errors surfaced to callers, spec.md §7.
var (
	ErrTooManySubscribers = errors.New("broadcast: too many subscribers")
	ErrTransportUnavailable = errors.New("broadcast: transport unavailable")
)

// Channel is a single named broadcast ring plus its waiters and identity
// counter (spec.md §4.5's five shm names). It is opened once per process
// per (prefix, name) and shared by every local Producer/Subscriber created
// from it.
type Channel struct {
	names shmname.Names

	ring         *ringMem
	ringRegion   *shm.Region
	writerWaiter *shmsync.Waiter
	readerWaiter *shmsync.Waiter
	connWaiter   *shmsync.Waiter
	identity     *shm.Region

	chunkMu          sync.Mutex
	chunkPools       map[int]*chunkpool.Pool
	openedChunkSizes []int
}

// Open creates or attaches to the broadcast channel named (prefix, name).
func Open(prefix, name string) (*Channel, error) {
	names := shmname.For(prefix, name)

	ringRegion, err := shm.Acquire(names.Ring, ringSize, shm.CreateOrOpen, nil)
	if err != nil {
		return nil, errTransport(err)
	}

	ww, err := shmsync.NewWaiter(names.WriterWaiter, shm.CreateOrOpen)
	if err != nil {
		shm.Drop(names.Ring)
		return nil, errTransport(err)
	}
	rw, err := shmsync.NewWaiter(names.ReaderWaiter, shm.CreateOrOpen)
	if err != nil {
		ww.Close()
		shm.Drop(names.Ring)
		return nil, errTransport(err)
	}
	cw, err := shmsync.NewWaiter(names.ConnWaiter, shm.CreateOrOpen)
	if err != nil {
		rw.Close()
		ww.Close()
		shm.Drop(names.Ring)
		return nil, errTransport(err)
	}
	idRegion, err := shm.Acquire(names.IdentityCounter, 4, shm.CreateOrOpen, nil)
	if err != nil {
		cw.Close()
		rw.Close()
		ww.Close()
		shm.Drop(names.Ring)
		return nil, errTransport(err)
	}

	return &Channel{
		names:        names,
		ring:         &ringMem{base: ringRegion.Bytes()},
		ringRegion:   ringRegion,
		writerWaiter: ww,
		readerWaiter: rw,
		connWaiter:   cw,
		identity:     idRegion,
		chunkPools:   make(map[int]*chunkpool.Pool),
	}, nil
}

func errTransport(err error) error {
	return fmt.Errorf("%w: %s", ErrTransportUnavailable, err)
}

// Close releases this process's references to every region the channel
// holds. It does not clear the channel's storage -- see shmname.ClearStorage
// for that.
func (c *Channel) Close() error {
	c.chunkMu.Lock()
	for _, p := range c.chunkPools {
		p.Close()
	}
	c.chunkMu.Unlock()

	shm.Drop(c.names.IdentityCounter)
	c.connWaiter.Close()
	c.readerWaiter.Close()
	c.writerWaiter.Close()
	return shm.Drop(c.names.Ring)
}

// OpenedChunkSizes reports the chunk-pool sizes this channel actually used,
// for a more exhaustive shmname.ClearStorage sweep (spec.md §9).
func (c *Channel) OpenedChunkSizes() []int {
	c.chunkMu.Lock()
	defer c.chunkMu.Unlock()
	out := make([]int, len(c.openedChunkSizes))
	copy(out, c.openedChunkSizes)
	return out
}

func (c *Channel) chunkPoolFor(payloadSize int) (*chunkpool.Pool, error) {
	chunkSize := chunkpool.SizeFor(payloadSize)
	c.chunkMu.Lock()
	defer c.chunkMu.Unlock()
	if p, ok := c.chunkPools[chunkSize]; ok {
		return p, nil
	}
	p, err := chunkpool.Open(chunkSize)
	if err != nil {
		return nil, err
	}
	c.chunkPools[chunkSize] = p
	c.openedChunkSizes = append(c.openedChunkSizes, chunkSize)
	return p, nil
}

// popcount counts live subscribers.
func popcount(mask uint32) int { return bits.OnesCount32(mask) }

// Subscriber is one connected reader of a Channel (spec.md §4.4 Connection,
// Receive).
type Subscriber struct {
	ch         *Channel
	bit        uint32
	readCursor uint32
}

// Connect allocates the lowest free bit in the ring's connections mask and
// snapshots write_cursor as the subscriber's initial read position
// (spec.md §4.4, R5). The 33rd concurrent subscriber fails.
func (c *Channel) Connect() (*Subscriber, error) {
	ptr := c.ring.connectionsPtr()
	for {
		curr := atomic.LoadUint32(ptr)
		next, bit := lowestZeroBit(curr)
		if bit == 0 {
			return nil, ErrTooManySubscribers
		}
		if atomic.CompareAndSwapUint32(ptr, curr, next) {
			s := &Subscriber{
				ch:         c,
				bit:        bit,
				readCursor: atomic.LoadUint32(c.ring.writeCursorPtr()),
			}
			c.connWaiter.Broadcast()
			return s, nil
		}
	}
}

// Bit returns the subscriber's 1-bit identity within the connections mask.
func (s *Subscriber) Bit() uint32 { return s.bit }

// Disconnect clears the subscriber's bit in connections (spec.md §4.4
// Disconnect).
func (s *Subscriber) Disconnect() {
	ptr := s.ch.ring.connectionsPtr()
	for {
		curr := atomic.LoadUint32(ptr)
		next := curr &^ s.bit
		if atomic.CompareAndSwapUint32(ptr, curr, next) {
			break
		}
	}
	s.ch.writerWaiter.Broadcast()
	s.ch.connWaiter.Broadcast()
}

// Producer is one connected writer of a Channel (spec.md §4.4 send path).
type Producer struct {
	ch *Channel
	id uint32
}

// NewProducer registers a new producer, allocating a unique endpoint
// identity (cc_id) and incrementing sender_count. Identity allocation
// re-rolls a draw of zero so cc_id never collides with the zero value,
// spec.md §8 boundary behaviors.
func (c *Channel) NewProducer() (*Producer, error) {
	ptr := (*uint32)(unsafe.Pointer(&c.identity.Bytes()[0]))
	id := atomic.AddUint32(ptr, 1)
	if id == 0 {
		id = atomic.AddUint32(ptr, 1)
	}
	atomic.AddUint32(c.ring.senderCountPtr(), 1)
	return &Producer{ch: c, id: id}, nil
}

// ID returns the producer's endpoint identity (cc_id).
func (p *Producer) ID() uint32 { return p.id }

// Close decrements sender_count (spec.md §4.4 Disconnect).
func (p *Producer) Close() {
	atomic.AddUint32(p.ch.ring.senderCountPtr(), ^uint32(0))
}

// WaitForSubscribers blocks until at least min subscribers are connected or
// timeout elapses (spec.md §4.4 "wait_for_recv").
func (c *Channel) WaitForSubscribers(min int, timeout time.Duration) bool {
	return c.connWaiter.WaitIf(func() bool {
		return popcount(atomic.LoadUint32(c.ring.connectionsPtr())) < min
	}, timeout)
}

// SenderCount returns the number of currently registered producers.
func (c *Channel) SenderCount() uint32 {
	return atomic.LoadUint32(c.ring.senderCountPtr())
}

// Connections returns the live subscriber bitmask.
func (c *Channel) Connections() uint32 {
	return atomic.LoadUint32(c.ring.connectionsPtr())
}
