package raft_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftlite/raftlite/pkg/raft"
)

func newFollower(id string, peers ...string) raft.State {
	cfg := raft.SimpleConfig(append(ids(peers...), raft.ReplicaID(id)), nil)
	return raft.New(raft.ReplicaID(id), cfg, 0, 0)
}

func actionKinds(actions []raft.Action) []raft.ActionKind {
	out := make([]raft.ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func findSend(t *testing.T, actions []raft.Action, kind raft.ActionKind, to raft.ReplicaID) raft.Action {
	t.Helper()
	for _, a := range actions {
		if a.Kind == kind && a.Peer == to {
			return a
		}
	}
	require.Failf(t, "action not found", "no action of kind %d addressed to %s in %v", kind, to, actions)
	return raft.Action{}
}

// S1: single-node cluster election (spec.md §8).
func TestScenario_SingleNodeElection(t *testing.T) {
	state := newFollower("A")

	state, actions := raft.Step(state, raft.ElectionTimeoutInput())

	assert.Equal(t, raft.Leader, state.Role)
	assert.Equal(t, raft.Term(1), state.CurrentTerm)
	assert.Equal(t, raft.Index(1), state.CommitIndex, "lone node commits its own blank entry immediately")
	assert.Equal(t, raft.Index(1), state.Log.LastIndex())

	for _, a := range actions {
		assert.NotEqual(t, raft.ActionSend, a.Kind, "a lone node has no peers to send to")
	}
	kinds := actionKinds(actions)
	assert.Contains(t, kinds, raft.ActionBecomeCandidate)
	assert.Contains(t, kinds, raft.ActionBecomeLeader)
}

// S2: three-node normal election (spec.md §8).
func TestScenario_ThreeNodeElection(t *testing.T) {
	a := newFollower("A", "B", "C")
	b := newFollower("B", "A", "C")
	c := newFollower("C", "A", "B")

	a, actions := raft.Step(a, raft.ElectionTimeoutInput())
	require.Equal(t, raft.Candidate, a.Role)
	require.Equal(t, raft.Term(1), a.CurrentTerm)

	rvToB := findSend(t, actions, raft.ActionSend, "B").RequestVote
	rvToC := findSend(t, actions, raft.ActionSend, "C").RequestVote
	require.NotNil(t, rvToB)
	require.NotNil(t, rvToC)

	var voteFromB, voteFromC raft.Action
	b, repB := raft.Step(b, raft.RequestVoteInput("A", *rvToB))
	voteFromB = findSend(t, repB, raft.ActionSend, "A")
	require.True(t, voteFromB.VoteResult.VoteGranted)
	assert.Equal(t, raft.Follower, b.Role)

	c, repC := raft.Step(c, raft.RequestVoteInput("A", *rvToC))
	voteFromC = findSend(t, repC, raft.ActionSend, "A")
	require.True(t, voteFromC.VoteResult.VoteGranted)
	assert.Equal(t, raft.Follower, c.Role)

	// Self-vote plus one peer's vote already forms a majority of 3, so A
	// becomes Leader as soon as B's grant arrives, without waiting for C.
	a, actions = raft.Step(a, raft.VoteResultInput("B", *voteFromB.VoteResult))
	require.Equal(t, raft.Leader, a.Role)
	require.Equal(t, raft.Index(1), a.Log.LastIndex())

	// C's vote arrives after the election already concluded; it must be a
	// harmless no-op rather than double-counting or erroring.
	a, lateActions := raft.Step(a, raft.VoteResultInput("C", *voteFromC.VoteResult))
	assert.Empty(t, lateActions)
	assert.Equal(t, raft.Leader, a.Role)

	aeToB := findSend(t, actions, raft.ActionSend, "B").AppendEntries
	aeToC := findSend(t, actions, raft.ActionSend, "C").AppendEntries
	require.NotNil(t, aeToB)
	require.NotNil(t, aeToC)
	require.Len(t, aeToB.Entries, 1)
	assert.Equal(t, raft.EntryNop, aeToB.Entries[0].Kind)

	b, repB = raft.Step(b, raft.AppendEntriesInput("A", *aeToB))
	arFromB := findSend(t, repB, raft.ActionSend, "A").AppendResult
	require.Equal(t, raft.AppendSuccess, arFromB.Kind)

	c, repC = raft.Step(c, raft.AppendEntriesInput("A", *aeToC))
	arFromC := findSend(t, repC, raft.ActionSend, "A").AppendResult
	require.Equal(t, raft.AppendSuccess, arFromC.Kind)

	// A's own log position (1) plus B's ack already form a quorum of 2 in a
	// 3-node cluster, so commit_index advances on B's ack alone.
	a, actions = raft.Step(a, raft.AppendResultInput("B", *arFromB))
	assert.Equal(t, raft.Index(1), a.CommitIndex)
	for _, act := range actions {
		assert.NotEqual(t, raft.ActionApply, act.Kind, "the blank Nop entry is never surfaced via Apply")
	}

	a, actions = raft.Step(a, raft.AppendResultInput("C", *arFromC))
	assert.Equal(t, raft.Index(1), a.CommitIndex, "C's ack is redundant but harmless")
}

// S4: stale term rejection (spec.md §8) — the replica's state must be
// completely unchanged by a message from a stale term.
func TestScenario_StaleTermRejected(t *testing.T) {
	state := newFollower("A", "D")
	state.CurrentTerm = 5

	before := state
	next, actions := raft.Step(state, raft.RequestVoteInput("D", raft.RequestVote{Term: 3, CandidateID: "D"}))

	assert.Equal(t, before.CurrentTerm, next.CurrentTerm)
	assert.Equal(t, before.VotedFor, next.VotedFor)
	assert.Equal(t, before.Role, next.Role)

	reply := findSend(t, actions, raft.ActionSend, "D").VoteResult
	require.NotNil(t, reply)
	assert.Equal(t, raft.Term(5), reply.Term)
	assert.False(t, reply.VoteGranted)
}

func TestRequestVote_DeniesSecondVoteInSameTerm(t *testing.T) {
	state := newFollower("A", "B", "C")
	voted := raft.ReplicaID("B")
	state.VotedFor = &voted
	state.CurrentTerm = 1

	_, actions := raft.Step(state, raft.RequestVoteInput("C", raft.RequestVote{Term: 1, CandidateID: "C"}))
	reply := findSend(t, actions, raft.ActionSend, "C").VoteResult
	assert.False(t, reply.VoteGranted)
}

func TestRequestVote_DeniesWhenCandidateLogIsBehind(t *testing.T) {
	state := newFollower("A", "B")
	state.Log = state.Log.Append(1, raft.EntryOp, []byte("x"), raft.Configuration{})
	state.CurrentTerm = 1

	_, actions := raft.Step(state, raft.RequestVoteInput("B", raft.RequestVote{
		Term: 1, CandidateID: "B", LastLogIndex: 0, LastLogTerm: 0,
	}))
	reply := findSend(t, actions, raft.ActionSend, "B").VoteResult
	assert.False(t, reply.VoteGranted, "candidate's log is strictly behind ours")
}

func TestAppendEntries_RejectsOnTermMismatchAndRewinds(t *testing.T) {
	state := newFollower("B", "A")
	state.Log = state.Log.Append(1, raft.EntryOp, []byte("X"), raft.Configuration{})
	state.Log = state.Log.Append(1, raft.EntryOp, []byte("Y"), raft.Configuration{})
	state.CurrentTerm = 2

	next, actions := raft.Step(state, raft.AppendEntriesInput("A", raft.AppendEntries{
		Term: 2, LeaderID: "A", PrevLogIndex: 2, PrevLogTerm: 2, // our entry at 2 has term 1, not 2
	}))
	reply := findSend(t, actions, raft.ActionSend, "A").AppendResult
	require.Equal(t, raft.AppendFailure, reply.Kind)
	assert.Equal(t, raft.Index(2), reply.Index)
	assert.Equal(t, raft.Index(2), next.Log.LastIndex(), "a rejected append never mutates the log")
}

func TestAppendEntries_UnknownPrevIndexRewindsToOurLast(t *testing.T) {
	state := newFollower("B", "A")
	state.CurrentTerm = 2

	_, actions := raft.Step(state, raft.AppendEntriesInput("A", raft.AppendEntries{
		Term: 2, LeaderID: "A", PrevLogIndex: 5, PrevLogTerm: 1,
	}))
	reply := findSend(t, actions, raft.ActionSend, "A").AppendResult
	require.Equal(t, raft.AppendFailure, reply.Kind)
	assert.Equal(t, raft.Index(0), reply.Index)
}

// S5: membership change via joint consensus (spec.md §8).
func TestScenario_MembershipChangeAddsReplica(t *testing.T) {
	a := newFollower("A", "B", "C")
	b := newFollower("B", "A", "C")
	c := newFollower("C", "A", "B")
	a, actions := raft.Step(a, raft.ElectionTimeoutInput())
	rvB := findSend(t, actions, raft.ActionSend, "B").RequestVote
	rvC := findSend(t, actions, raft.ActionSend, "C").RequestVote
	_, repB := raft.Step(b, raft.RequestVoteInput("A", *rvB))
	_, repC := raft.Step(c, raft.RequestVoteInput("A", *rvC))
	voteB := findSend(t, repB, raft.ActionSend, "A").VoteResult
	voteC := findSend(t, repC, raft.ActionSend, "A").VoteResult
	a, _ = raft.Step(a, raft.VoteResultInput("B", *voteB))
	a, _ = raft.Step(a, raft.VoteResultInput("C", *voteC))
	require.Equal(t, raft.Leader, a.Role)

	a, _, outcome := raft.ChangeConfig(a, ids("A", "B", "C", "D"), nil)
	require.Equal(t, raft.ChangeStarted, outcome.Kind)
	assert.Equal(t, raft.StatusTransitional, a.Config.Status())

	entry, ok := a.Log.GetEntry(a.Log.LastIndex())
	require.True(t, ok)
	require.Equal(t, raft.EntryConfig, entry.Kind)
	assert.Equal(t, raft.ConfigJoint, entry.Config.Kind)
	assert.ElementsMatch(t, ids("A", "B", "C"), entry.Config.OldActive)
	assert.ElementsMatch(t, ids("A", "B", "C", "D"), entry.Config.Active)
}

// S6: a leader that commits its own removal from the active configuration
// must surrender leadership (spec.md §8), with any concurrently committed
// Op applied first (pkg/raft/commit.go's Apply-then-Changed_config-then-
// Stop ordering). The trailing Simple_config entry is modeled as already
// adopted into the tracker, the way a follower's AdoptEntry would on
// receipt, ahead of it actually committing.
func TestScenario_LeaderRemovedByMembershipChangeStops(t *testing.T) {
	state := raft.New("A", raft.SimpleConfig(ids("A", "B"), nil), 0, 0)
	state.Role = raft.Leader
	self := raft.ReplicaID("A")
	state.LeaderID = &self
	state.CurrentTerm = 1
	state.Log = state.Log.Append(1, raft.EntryOp, []byte("x"), raft.Configuration{})
	state.Log = state.Log.Append(1, raft.EntryConfig, nil, raft.SimpleConfig(ids("B"), nil))
	state.NextIndex = map[raft.ReplicaID]raft.Index{"B": 1}
	state.MatchIndex = map[raft.ReplicaID]raft.Index{"B": 0}
	state.Config = raft.NewTracker("A", raft.SimpleConfig(ids("B"), nil))

	next, actions := raft.Step(state, raft.AppendResultInput("B", raft.AppendResult{
		Term: 1, Kind: raft.AppendSuccess, Index: 2,
	}))

	require.Equal(t, raft.Index(2), next.CommitIndex)
	kinds := actionKinds(actions)
	require.Contains(t, kinds, raft.ActionApply)
	require.Contains(t, kinds, raft.ActionStop)

	applyAt, stopAt := -1, -1
	for i, k := range kinds {
		if k == raft.ActionApply {
			applyAt = i
		}
		if k == raft.ActionStop {
			stopAt = i
		}
	}
	assert.Less(t, applyAt, stopAt, "Apply must precede Stop")
	assert.False(t, next.Config.Member(next.ID), "the leader has removed itself from the configuration")
}

func TestChangeConfig_RejectsWhenNotLeader(t *testing.T) {
	state := newFollower("A", "B")
	_, _, outcome := raft.ChangeConfig(state, ids("A", "B", "C"), nil)
	assert.Equal(t, raft.ChangeRedirect, outcome.Kind)
}

// soleLeader builds a single-node cluster and drives it to Leader via a
// real election (spec.md S1), avoiding hand-mutation of internal state.
func soleLeader(id string) raft.State {
	state := raft.New(raft.ReplicaID(id), raft.SimpleConfig(ids(id), nil), 0, 0)
	state, _ = raft.Step(state, raft.ElectionTimeoutInput())
	return state
}

func TestChangeConfig_RejectsWhenAlreadyInProgress(t *testing.T) {
	a := soleLeader("A")

	a, _, first := raft.ChangeConfig(a, ids("A", "D"), nil)
	require.Equal(t, raft.ChangeStarted, first.Kind)

	_, _, second := raft.ChangeConfig(a, ids("A", "E"), nil)
	assert.Equal(t, raft.ChangeInProcess, second.Kind)
}

func TestChangeConfig_NoOpWhenAlreadyCurrent(t *testing.T) {
	a := soleLeader("A")
	_, _, outcome := raft.ChangeConfig(a, ids("A"), nil)
	assert.Equal(t, raft.ChangeAlready, outcome.Kind)
}

func TestClientCommand_RedirectsWhenNotLeader(t *testing.T) {
	state := newFollower("A", "B")
	leader := raft.ReplicaID("B")
	state.LeaderID = &leader

	_, actions := raft.Step(state, raft.ClientCommandInput([]byte("op")))
	require.Len(t, actions, 1)
	assert.Equal(t, raft.ActionRedirect, actions[0].Kind)
	assert.Equal(t, &leader, actions[0].LeaderHint)
}

func TestInstallSnapshot_RejectedWhenNotFollower(t *testing.T) {
	state := newFollower("A", "B")
	state.Role = raft.Leader

	_, ok := raft.InstallSnapshot(state, 3, 10, raft.SimpleConfig(ids("A", "B"), nil))
	assert.False(t, ok)
}

func TestInstallSnapshot_ResetsLogWhenNoMatchingEntry(t *testing.T) {
	state := newFollower("A", "B")
	state.Log = state.Log.Append(1, raft.EntryOp, nil, raft.Configuration{})

	next, ok := raft.InstallSnapshot(state, 3, 10, raft.SimpleConfig(ids("A", "B"), nil))
	require.True(t, ok)
	assert.Equal(t, raft.Index(10), next.Log.PrevLogIndex())
	assert.Equal(t, raft.Term(3), next.Log.PrevLogTerm())
	assert.Equal(t, raft.Index(10), next.CommitIndex)
	assert.Equal(t, raft.Index(10), next.LastApplied)
}

func TestCompactLog_RefusedDuringSnapshotTransfer(t *testing.T) {
	state := newFollower("A", "B")
	state.Role = raft.Leader
	state.Log = state.Log.Append(1, raft.EntryOp, nil, raft.Configuration{})
	state.SnapshotTransfers = map[raft.ReplicaID]struct{}{"B": {}}

	_, ok := raft.CompactLog(state, 1)
	assert.False(t, ok)
}
