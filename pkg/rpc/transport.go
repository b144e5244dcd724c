// Package rpc provides an in-memory, fault-injecting transport used by
// pkg/testing's cluster harness: no sockets,
// synchronous delivery, with knobs to simulate latency, disconnects and
// partitions.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/raftlite/raftlite/pkg/node"
	"github.com/raftlite/raftlite/pkg/raft"
	"github.com/raftlite/raftlite/pkg/wal"
)

// LocalTransport wires a set of in-process node.Drivers together.
type LocalTransport struct {
	mu       sync.RWMutex
	drivers  map[raft.ReplicaID]*node.Driver
	disabled map[raft.ReplicaID]map[raft.ReplicaID]bool
	latency  time.Duration
}

// NewLocalTransport creates an empty transport; Register drivers before use.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		drivers:  make(map[raft.ReplicaID]*node.Driver),
		disabled: make(map[raft.ReplicaID]map[raft.ReplicaID]bool),
	}
}

// Register makes id's driver reachable through the transport. Each
// registered replica gets its own node.Transport view via For, so that
// RPCs carry the correct sender id.
func (t *LocalTransport) Register(id raft.ReplicaID, d *node.Driver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drivers[id] = d
	if t.disabled[id] == nil {
		t.disabled[id] = make(map[raft.ReplicaID]bool)
	}
}

// SetLatency adds artificial latency to every delivered RPC.
func (t *LocalTransport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Disconnect makes RPCs from "from" to "to" silently fail.
func (t *LocalTransport) Disconnect(from, to raft.ReplicaID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] == nil {
		t.disabled[from] = make(map[raft.ReplicaID]bool)
	}
	t.disabled[from][to] = true
}

// Connect undoes a prior Disconnect.
func (t *LocalTransport) Connect(from, to raft.ReplicaID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled[from] != nil {
		delete(t.disabled[from], to)
	}
}

// Partition isolates id from every other registered replica, both ways.
func (t *LocalTransport) Partition(id raft.ReplicaID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer := range t.drivers {
		if peer == id {
			continue
		}
		if t.disabled[id] == nil {
			t.disabled[id] = make(map[raft.ReplicaID]bool)
		}
		if t.disabled[peer] == nil {
			t.disabled[peer] = make(map[raft.ReplicaID]bool)
		}
		t.disabled[id][peer] = true
		t.disabled[peer][id] = true
	}
}

// Heal restores every connection to and from id.
func (t *LocalTransport) Heal(id raft.ReplicaID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[id] = make(map[raft.ReplicaID]bool)
	for peer := range t.disabled {
		delete(t.disabled[peer], id)
	}
}

// HealAll clears every disconnect and partition.
func (t *LocalTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[raft.ReplicaID]map[raft.ReplicaID]bool)
}

func (t *LocalTransport) connected(from, to raft.ReplicaID) bool {
	if t.disabled[from] == nil {
		return true
	}
	return !t.disabled[from][to]
}

func (t *LocalTransport) delay() {
	t.mu.RLock()
	d := t.latency
	t.mu.RUnlock()
	if d > 0 {
		time.Sleep(d)
	}
}

// For returns a node.Transport bound to self's outbound view of t — the
// object each replica's Driver actually calls.
func (t *LocalTransport) For(self raft.ReplicaID) node.Transport {
	return &boundTransport{t: t, self: self}
}

type boundTransport struct {
	t    *LocalTransport
	self raft.ReplicaID
}

func (b *boundTransport) target(to raft.ReplicaID) (*node.Driver, error) {
	b.t.mu.RLock()
	d, ok := b.t.drivers[to]
	connected := b.t.connected(b.self, to)
	b.t.mu.RUnlock()
	if !ok || !connected {
		return nil, fmt.Errorf("rpc: %s unreachable from %s", to, b.self)
	}
	return d, nil
}

func (b *boundTransport) SendRequestVote(ctx context.Context, target raft.ReplicaID, m raft.RequestVote) (raft.VoteResult, error) {
	d, err := b.target(target)
	if err != nil {
		return raft.VoteResult{}, err
	}
	b.t.delay()
	return d.HandleRequestVote(b.self, m), nil
}

func (b *boundTransport) SendAppendEntries(ctx context.Context, target raft.ReplicaID, m raft.AppendEntries) (raft.AppendResult, error) {
	d, err := b.target(target)
	if err != nil {
		return raft.AppendResult{}, err
	}
	b.t.delay()
	return d.HandleAppendEntries(b.self, m), nil
}

func (b *boundTransport) SendSnapshot(ctx context.Context, target raft.ReplicaID, rec wal.SnapshotRecord) error {
	d, err := b.target(target)
	if err != nil {
		return err
	}
	b.t.delay()
	return d.HandleInstallSnapshot(b.self, rec)
}
