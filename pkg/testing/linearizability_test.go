package testing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftlite/raftlite/pkg/kv"
)

// TestKVHistory_SequentialWritesAndReadsAreLinearizable drives a real
// TestCluster through a sequence of writes and reads, recording each as a
// KVHistory invocation, then checks the recorded history against
// KVLinearizabilityChecker — the store-level counterpart to
// TestCluster_CommittedCommandReachesEveryStore's weaker eventual-
// consistency check.
func TestKVHistory_SequentialWritesAndReadsAreLinearizable(t *testing.T) {
	c, err := NewTestCluster(3)
	require.NoError(t, err)
	defer c.Cleanup()
	require.NoError(t, c.Start())

	_, err = c.WaitForLeader(5 * time.Second)
	require.NoError(t, err)

	history := NewKVHistory()
	clientID := kv.NewClientID()
	const key = "k"

	for i := 0; i < 5; i++ {
		value := fmt.Sprintf("v%d", i)

		writeID := history.Invoke(clientID, "write", key, value, time.Now().UnixNano())
		payload, err := kv.EncodeCommand(kv.CommandSet, key, []byte(value), clientID, uint64(i+1))
		require.NoError(t, err)
		require.NoError(t, c.SubmitCommand(payload, 5*time.Second))
		history.Complete(writeID, value, time.Now().UnixNano())

		deadline := time.Now().Add(2 * time.Second)
		for {
			if v, ok := c.Stores[0].Get(key); ok && string(v) == value {
				break
			}
			require.False(t, time.Now().After(deadline), "store never caught up to write %d", i)
			time.Sleep(20 * time.Millisecond)
		}

		readID := history.Invoke(clientID, "read", key, "", time.Now().UnixNano())
		v, _ := c.Stores[0].Get(key)
		history.Complete(readID, string(v), time.Now().UnixNano())
	}

	checker := NewKVLinearizabilityChecker(history)
	ok, err := checker.Check()
	assert.NoError(t, err)
	assert.True(t, ok)

	stats := history.Latency()
	assert.Equal(t, int64(10), stats.Count)
	assert.GreaterOrEqual(t, stats.Mean, float64(0))
}

// TestJepsenStyleChecker_FlagsAReadOfAnUnwrittenValue exercises the
// invoke/ok/fail history checker directly: a read that reports a value no
// write ever produced must be flagged.
func TestJepsenStyleChecker_FlagsAReadOfAnUnwrittenValue(t *testing.T) {
	checker := NewJepsenStyleChecker()

	w := checker.RecordInvoke("node-0", "write", "k", "hello", 0)
	checker.RecordOk(w, "", 1)

	r := checker.RecordInvoke("node-0", "read", "k", "", 2)
	checker.RecordOk(r, "goodbye", 3)

	ok, issues := checker.CheckLinearizability()
	assert.False(t, ok)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "goodbye")

	assert.Len(t, checker.GetOperations(), 4)
}
