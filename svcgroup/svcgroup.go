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

// Package svcgroup manages a group of redundant service instances with
// automatic election and failover (spec.md §4.7, §4.8 Instance state
// machine): Dead -> Standby (spawned and registered) -> Primary (elected)
// -> Dead (exit or forced failover), with Dead -> Standby on respawn.
//
// Grounded directly on original_source's service_group.rs: same
// spawn-then-poll-registry loop, same "first alive instance becomes
// Primary, the rest Standby" election rule, same auto-respawn and
// force-failover behavior. Composed from registry.Registry and
// supervisor.ProcessHandle rather than re-implementing either.
// StartHealthLoop's periodic check runs on concurrency/gopool the same way
// the teacher backs its own background tasks, rather than a bare goroutine.
package svcgroup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/shmipc/concurrency/gopool"
	"github.com/cloudwego/shmipc/container/ring"
	"github.com/cloudwego/shmipc/registry"
	"github.com/cloudwego/shmipc/supervisor"
)

// Role is an instance's position within the group (spec.md §4.8).
type Role int

const (
	Dead Role = iota
	Standby
	Primary
)

func (r Role) String() string {
	switch r {
	case Standby:
		return "standby"
	case Primary:
		return "primary"
	default:
		return "dead"
	}
}

// Instance is one managed replica.
type Instance struct {
	ID           int
	Role         Role
	InstanceName string
	Proc         *supervisor.ProcessHandle
	Entry        registry.Entry
}

func (i *Instance) isAlive() bool {
	return i.Proc != nil && i.Proc.IsAlive()
}

// Config configures a Group, defaults matching spec.md §4.7.
type Config struct {
	ServiceName  string
	Executable   string
	Replicas     int
	AutoRespawn  bool
	SpawnTimeout time.Duration
}

// DefaultConfig returns the spec's defaults: 2 replicas, auto-respawn on,
// a 5 second spawn timeout.
func DefaultConfig(serviceName, executable string) Config {
	return Config{
		ServiceName:  serviceName,
		Executable:   executable,
		Replicas:     2,
		AutoRespawn:  true,
		SpawnTimeout: 5 * time.Second,
	}
}

// Group manages a redundant set of instances of one service over a shared
// Registry.
type Group struct {
	registry   *registry.Registry
	config     Config
	instances  []*Instance
	ring       *ring.Ring[int] // ring.Item.Value() is an index into instances
	primaryIdx int             // -1 if none
	lastIdx    int // -1 if no election has ever run

	healthMu   sync.Mutex
	healthStop chan struct{}
	healthDone chan struct{}
}

// New constructs a Group with Dead instances; call Start to spawn them.
func New(reg *registry.Registry, config Config) *Group {
	instances := make([]*Instance, config.Replicas)
	for i := range instances {
		instances[i] = &Instance{
			ID:           i,
			Role:         Dead,
			InstanceName: fmt.Sprintf("%s.%d", config.ServiceName, i),
		}
	}
	indices := make([]int, config.Replicas)
	for i := range indices {
		indices[i] = i
	}
	return &Group{
		registry:   reg,
		config:     config,
		instances:  instances,
		ring:       ring.NewFromSlice(indices),
		primaryIdx: -1,
		lastIdx:    -1,
	}
}

// Start spawns every instance and elects a primary. It reports whether at
// least one instance came up alive.
func (g *Group) Start() bool {
	for i := range g.instances {
		g.spawnInstance(i)
	}
	return g.electPrimary()
}

// spawnInstance launches instance i and polls the registry for its
// appearance up to the configured spawn timeout, per spec.md §4.7.
func (g *Group) spawnInstance(i int) bool {
	g.registry.GC()
	inst := g.instances[i]

	h, err := supervisor.Spawn(inst.InstanceName, g.config.Executable, fmt.Sprintf("%d", i))
	if err != nil || !h.Valid() {
		return false
	}

	deadline := time.Now().Add(g.config.SpawnTimeout)
	for {
		if e, found := g.registry.Find(inst.InstanceName); found {
			inst.Proc = h
			inst.Entry = e
			inst.Role = Standby
			return true
		}
		if !h.IsAlive() {
			return false
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// electPrimary promotes the first alive instance to Primary and demotes
// every other alive instance to Standby. The search starts right after the
// previously elected instance (container/ring.Next, wrapping around) rather
// than always restarting at instance 0, so repeated failovers spread the
// Primary role across replicas instead of pinning it to the lowest index.
func (g *Group) electPrimary() bool {
	g.primaryIdx = -1
	n := g.ring.Len()
	if n == 0 {
		return false
	}

	start := 0
	if g.lastIdx >= 0 {
		start = (g.lastIdx + 1) % n
	}

	item, ok := g.ring.Get(start)
	for step := 0; step < n && ok; step++ {
		idx := item.Value()
		inst := g.instances[idx]
		if inst.isAlive() {
			inst.Role = Primary
			g.primaryIdx = idx
			g.lastIdx = idx
			for _, other := range g.instances {
				if other.ID != idx && other.isAlive() {
					other.Role = Standby
				}
			}
			return true
		}
		item, ok = g.ring.Next(item.Index())
	}
	return false
}

// HealthCheck marks any dead instance Dead, triggers election and (if
// configured) respawn when the Primary has died, and reports whether a
// failover occurred.
func (g *Group) HealthCheck() bool {
	failoverNeeded := false
	for _, inst := range g.instances {
		if inst.Role == Dead {
			continue
		}
		if !inst.isAlive() {
			if inst.Role == Primary {
				failoverNeeded = true
			}
			inst.Role = Dead
		}
	}

	if failoverNeeded {
		g.electPrimary()
		if g.config.AutoRespawn {
			g.respawnDead()
		}
		return true
	}

	if g.config.AutoRespawn {
		g.respawnDead()
	}
	return false
}

func (g *Group) respawnDead() {
	for i, inst := range g.instances {
		if inst.Role == Dead {
			g.spawnInstance(i)
		}
	}
}

// Primary returns the current Primary instance, if any.
func (g *Group) Primary() (*Instance, bool) {
	if g.primaryIdx < 0 {
		return nil, false
	}
	inst := g.instances[g.primaryIdx]
	if inst.Role != Primary {
		return nil, false
	}
	return inst, true
}

// Instances returns every managed instance.
func (g *Group) Instances() []*Instance {
	return g.instances
}

// AliveCount reports how many instances are currently alive.
func (g *Group) AliveCount() int {
	n := 0
	for _, inst := range g.instances {
		if inst.isAlive() {
			n++
		}
	}
	return n
}

// ForceFailover kills the current primary and elects (and, if configured,
// respawns) a replacement.
func (g *Group) ForceFailover() bool {
	if g.primaryIdx >= 0 {
		inst := g.instances[g.primaryIdx]
		if inst.isAlive() {
			inst.Proc.ForceKill()
			inst.Proc.WaitForExit(2 * time.Second)
		}
		inst.Role = Dead
	}
	ok := g.electPrimary()
	if g.config.AutoRespawn {
		g.respawnDead()
	}
	return ok
}

// Stop gracefully shuts down every instance, giving each up to grace
// before force-killing it.
func (g *Group) Stop(grace time.Duration) {
	g.StopHealthLoop()
	for _, inst := range g.instances {
		if inst.isAlive() {
			inst.Proc.Shutdown(grace)
		}
		inst.Role = Dead
	}
	g.primaryIdx = -1
}

// StartHealthLoop runs HealthCheck on the shared background pool every
// interval until StopHealthLoop is called or the Group is Stop'd. Calling it
// twice without an intervening stop is a no-op.
func (g *Group) StartHealthLoop(interval time.Duration) {
	g.healthMu.Lock()
	defer g.healthMu.Unlock()
	if g.healthStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	g.healthStop = stop
	g.healthDone = done

	gopool.CtxGo(context.Background(), func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				g.HealthCheck()
			}
		}
	})
}

// StopHealthLoop stops a loop started by StartHealthLoop and waits for its
// goroutine to exit. It is a no-op if no loop is running.
func (g *Group) StopHealthLoop() {
	g.healthMu.Lock()
	stop, done := g.healthStop, g.healthDone
	g.healthStop, g.healthDone = nil, nil
	g.healthMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
