package testing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftlite/raftlite/pkg/kv"
	"github.com/raftlite/raftlite/pkg/raft"
)

// These drive pkg/node.Driver end-to-end over pkg/rpc's in-memory transport:
// real timers, real WAL files (in NewTestCluster's per-node scratch
// directories under /tmp), real gob-encoded commands. They are slower than the
// pkg/raft unit tests by design — they are exercising the driver and
// transport layers those tests never touch.

func TestCluster_ElectsASingleLeader(t *testing.T) {
	c, err := NewTestCluster(3)
	require.NoError(t, err)
	defer c.Cleanup()
	require.NoError(t, c.Start())

	leader, err := c.WaitForLeader(5 * time.Second)
	require.NoError(t, err)
	assert.NotNil(t, leader)

	leaders := 0
	for _, d := range c.Drivers {
		if d.Status().Term == leader.Status().Term && d.Status().Role == raft.Leader {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)
}

func TestCluster_CommittedCommandReachesEveryStore(t *testing.T) {
	c, err := NewTestCluster(3)
	require.NoError(t, err)
	defer c.Cleanup()
	require.NoError(t, c.Start())

	_, err = c.WaitForLeader(5 * time.Second)
	require.NoError(t, err)

	payload, err := kv.EncodeCommand(kv.CommandSet, "greeting", []byte("hello"), kv.NewClientID(), 1)
	require.NoError(t, err)
	require.NoError(t, c.SubmitCommand(payload, 5*time.Second))

	deadline := time.Now().Add(5 * time.Second)
	for {
		allCaughtUp := true
		for _, store := range c.Stores {
			if v, ok := store.Get("greeting"); !ok || string(v) != "hello" {
				allCaughtUp = false
				break
			}
		}
		if allCaughtUp {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("not every replica applied the committed command in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestCluster_PartitionedLeaderStepsAsideForNewLeader(t *testing.T) {
	c, err := NewTestCluster(3)
	require.NoError(t, err)
	defer c.Cleanup()
	require.NoError(t, c.Start())

	first, err := c.WaitForLeader(5 * time.Second)
	require.NoError(t, err)
	firstID := first.Status().ID

	c.PartitionLeader()

	next, err := c.WaitForNewLeader(firstID, 10*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, next.Status().ID)
	assert.Greater(t, uint64(next.Status().Term), uint64(first.Status().Term))

	c.HealPartition()
}
