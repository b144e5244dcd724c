package kv_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftlite/raftlite/pkg/kv"
	"github.com/raftlite/raftlite/pkg/raft"
)

func TestStore_SetThenGet(t *testing.T) {
	s := kv.New()

	payload, err := kv.EncodeCommand(kv.CommandSet, "a", []byte("1"), "c1", 1)
	require.NoError(t, err)

	_, err = s.Apply(payload)
	require.NoError(t, err)

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	assert.Equal(t, 1, s.Size())
}

func TestStore_DeleteRemovesKey(t *testing.T) {
	s := kv.New()

	set, _ := kv.EncodeCommand(kv.CommandSet, "a", []byte("1"), "c1", 1)
	s.Apply(set)

	del, _ := kv.EncodeCommand(kv.CommandDelete, "a", nil, "c1", 2)
	_, err := s.Apply(del)
	require.NoError(t, err)

	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Size())
}

// A replayed (or retried-by-the-client) command with a request id no newer
// than the client's last one must not be applied twice — this is the de-
// duplication table that makes it safe for a client to retry a Propose
// after an ambiguous failure.
func TestStore_DuplicateRequestIDIsIgnored(t *testing.T) {
	s := kv.New()

	first, _ := kv.EncodeCommand(kv.CommandSet, "a", []byte("1"), "c1", 5)
	s.Apply(first)

	replay, _ := kv.EncodeCommand(kv.CommandSet, "a", []byte("2"), "c1", 5)
	resp, err := s.Apply(replay)
	require.NoError(t, err)
	assert.Equal(t, true, resp, "the duplicate returns the original response, not an error")

	v, _ := s.Get("a")
	assert.Equal(t, []byte("1"), v, "the replayed write must not overwrite the original value")
}

func TestStore_NewerRequestIDFromSameClientApplies(t *testing.T) {
	s := kv.New()

	first, _ := kv.EncodeCommand(kv.CommandSet, "a", []byte("1"), "c1", 5)
	s.Apply(first)

	second, _ := kv.EncodeCommand(kv.CommandSet, "a", []byte("2"), "c1", 6)
	s.Apply(second)

	v, _ := s.Get("a")
	assert.Equal(t, []byte("2"), v)
}

func TestStore_DifferentClientsDoNotShareDeduplicationState(t *testing.T) {
	s := kv.New()

	a, _ := kv.EncodeCommand(kv.CommandSet, "k", []byte("from-c1"), "c1", 1)
	s.Apply(a)

	b, _ := kv.EncodeCommand(kv.CommandSet, "k", []byte("from-c2"), "c2", 1)
	s.Apply(b)

	v, _ := s.Get("k")
	assert.Equal(t, []byte("from-c2"), v, "c2's request 1 is new to c2, regardless of c1's history")
}

func TestStore_SnapshotRestoreRoundTrip(t *testing.T) {
	s := kv.New()
	set1, _ := kv.EncodeCommand(kv.CommandSet, "a", []byte("1"), "c1", 1)
	set2, _ := kv.EncodeCommand(kv.CommandSet, "b", []byte("2"), "c1", 2)
	s.Apply(set1)
	s.Apply(set2)

	blob, err := s.Snapshot()
	require.NoError(t, err)

	restored := kv.New()
	require.NoError(t, restored.Restore(blob))

	va, ok := restored.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), va)

	vb, ok := restored.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), vb)

	// The deduplication table travels with the snapshot too: a replay of
	// request 1 against the restored store must still be a no-op.
	replay, _ := kv.EncodeCommand(kv.CommandSet, "a", []byte("clobbered"), "c1", 1)
	restored.Apply(replay)
	va, _ = restored.Get("a")
	assert.Equal(t, []byte("1"), va)
}

// ApplyOp is the path driver.Driver actually calls (pkg/node/driver.go's
// executeAsync on ActionApply); it must track commit_index/last_applied
// progress independent of the per-client dedup table above, and refuse to
// re-apply an index it has already seen.
func TestStore_ApplyOpTracksAppliedIndexAndRejectsReplay(t *testing.T) {
	s := kv.New()

	payload, _ := kv.EncodeCommand(kv.CommandSet, "a", []byte("1"), "c1", 1)
	_, err := s.ApplyOp(raft.AppliedOp{Index: 1, Term: 1, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, raft.Index(1), s.AppliedIndex())
	assert.Equal(t, raft.Term(1), s.AppliedTerm())

	replay, _ := kv.EncodeCommand(kv.CommandSet, "a", []byte("clobbered"), "c1", 1)
	_, err = s.ApplyOp(raft.AppliedOp{Index: 1, Term: 1, Payload: replay})
	require.NoError(t, err)

	v, _ := s.Get("a")
	assert.Equal(t, []byte("1"), v, "a stale index replay must not be re-applied")

	second, _ := kv.EncodeCommand(kv.CommandSet, "a", []byte("2"), "c1", 2)
	_, err = s.ApplyOp(raft.AppliedOp{Index: 2, Term: 1, Payload: second})
	require.NoError(t, err)
	assert.Equal(t, raft.Index(2), s.AppliedIndex())
	v, _ = s.Get("a")
	assert.Equal(t, []byte("2"), v)
}

func TestNewClientID_ProducesDistinctValues(t *testing.T) {
	a := kv.NewClientID()
	b := kv.NewClientID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
