// Package testing builds small in-process raftlite clusters over
// pkg/rpc's in-memory transport, for driving the scenarios and
// invariants spec.md describes without any real networking or disk I/O
// beyond a scratch WAL directory per node.
package testing

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/raftlite/raftlite/pkg/kv"
	"github.com/raftlite/raftlite/pkg/node"
	"github.com/raftlite/raftlite/pkg/raft"
	"github.com/raftlite/raftlite/pkg/rpc"
	"github.com/raftlite/raftlite/pkg/wal"
)

// TestCluster wires a fixed set of node.Drivers together over a shared
// LocalTransport.
type TestCluster struct {
	IDs       []raft.ReplicaID
	Drivers   []*node.Driver
	Stores    []*kv.Store
	Transport *rpc.LocalTransport
	WALs      []*wal.WAL
	walDirs   []string
}

// NewTestCluster creates a size-node cluster, all voting members of one
// another from the start.
func NewTestCluster(size int) (*TestCluster, error) {
	transport := rpc.NewLocalTransport()
	uniqueID := rand.Int63()

	ids := make([]raft.ReplicaID, size)
	for i := 0; i < size; i++ {
		ids[i] = raft.ReplicaID(fmt.Sprintf("node-%d", i))
	}
	initialConfig := raft.SimpleConfig(ids, nil)

	cluster := &TestCluster{
		IDs:       ids,
		Drivers:   make([]*node.Driver, size),
		Stores:    make([]*kv.Store, size),
		Transport: transport,
		WALs:      make([]*wal.WAL, size),
		walDirs:   make([]string, size),
	}

	for i := 0; i < size; i++ {
		walDir := fmt.Sprintf("/tmp/raftlite-test-wal-%d-%d-%d", os.Getpid(), uniqueID, i)
		cluster.walDirs[i] = walDir
		os.RemoveAll(walDir)

		w, err := wal.New(walDir)
		if err != nil {
			cluster.Cleanup()
			return nil, err
		}
		cluster.WALs[i] = w

		store := kv.New()
		cluster.Stores[i] = store

		cfg := node.Config{
			ID:                 ids[i],
			ElectionTimeoutMin: 1500 * time.Millisecond,
			ElectionTimeoutMax: 3000 * time.Millisecond,
			HeartbeatInterval:  100 * time.Millisecond,
			RPCTimeout:         500 * time.Millisecond,
		}

		d, err := node.New(cfg, initialConfig, w, transport.For(ids[i]), store)
		if err != nil {
			cluster.Cleanup()
			return nil, err
		}
		cluster.Drivers[i] = d
		transport.Register(ids[i], d)
	}

	return cluster, nil
}

// Start arms every node's election timer.
func (c *TestCluster) Start() error {
	for _, d := range c.Drivers {
		d.Start()
	}
	return nil
}

// Stop disarms every node's timers.
func (c *TestCluster) Stop() {
	for _, d := range c.Drivers {
		if d != nil {
			d.Stop()
		}
	}
}

// Cleanup stops the cluster and removes every node's scratch WAL directory.
func (c *TestCluster) Cleanup() {
	c.Stop()
	time.Sleep(100 * time.Millisecond)
	for _, dir := range c.walDirs {
		os.RemoveAll(dir)
	}
}

// GetLeader returns the first driver currently believing itself Leader,
// or nil if none does.
func (c *TestCluster) GetLeader() *node.Driver {
	for _, d := range c.Drivers {
		if d.Status().Role == raft.Leader {
			return d
		}
	}
	return nil
}

// WaitForLeader waits for any node to become leader.
func (c *TestCluster) WaitForLeader(timeout time.Duration) (*node.Driver, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.GetLeader(); leader != nil {
			return leader, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader elected within timeout")
}

// WaitForStableLeader waits for a leader that holds the role across
// requiredStable consecutive polls. If the timeout runs out first, a leader
// seen on at least 3 consecutive polls is still returned.
func (c *TestCluster) WaitForStableLeader(timeout time.Duration) (*node.Driver, error) {
	deadline := time.Now().Add(timeout)
	var leader *node.Driver
	stableCount := 0
	const requiredStable = 10

	for time.Now().Before(deadline) {
		current := c.GetLeader()
		if current != nil {
			if leader == current {
				stableCount++
				if stableCount >= requiredStable {
					return leader, nil
				}
			} else {
				leader = current
				stableCount = 1
			}
		} else {
			leader = nil
			stableCount = 0
		}
		time.Sleep(100 * time.Millisecond)
	}

	if leader != nil && stableCount >= 3 {
		return leader, nil
	}
	return nil, fmt.Errorf("no stable leader elected within timeout")
}

// WaitForNewLeader waits for a leader other than exclude.
func (c *TestCluster) WaitForNewLeader(exclude raft.ReplicaID, timeout time.Duration) (*node.Driver, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, d := range c.Drivers {
			st := d.Status()
			if st.ID != exclude && st.Role == raft.Leader {
				return d, nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("no new leader elected within timeout")
}

// PartitionLeader isolates the current leader from the rest of the
// cluster and returns it.
func (c *TestCluster) PartitionLeader() *node.Driver {
	leader := c.GetLeader()
	if leader != nil {
		c.Transport.Partition(leader.Status().ID)
	}
	return leader
}

// HealPartition clears every fault previously injected into the transport.
func (c *TestCluster) HealPartition() {
	c.Transport.HealAll()
}

// SubmitCommand proposes payload against whichever node is currently leader,
// retrying until it succeeds or timeout elapses.
func (c *TestCluster) SubmitCommand(payload []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		leader := c.GetLeader()
		if leader == nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		err := leader.Propose(payload)
		if err == nil {
			return nil
		}
		if err == raft.ErrNotLeader {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		return err
	}

	return fmt.Errorf("timeout submitting command")
}
