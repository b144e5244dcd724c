package raft

// ActionKind tags the Action variants the core can emit.
type ActionKind int

const (
	ActionApply ActionKind = iota
	ActionBecomeCandidate
	ActionBecomeFollower
	ActionBecomeLeader
	ActionChangedConfig
	ActionRedirect
	ActionResetElectionTimeout
	ActionResetHeartbeat
	ActionSend
	ActionSendSnapshot
	ActionStop
)

// AppliedOp is one committed Op entry handed to the driver/state machine.
type AppliedOp struct {
	Index   Index
	Term    Term
	Payload []byte
}

// Action is a single instruction the driver must execute. Exactly the
// fields relevant to Kind are populated. Action lists returned by the core
// are ordered and MUST be executed in order (spec.md §5, §6): role-change
// notifications precede sends, Apply precedes Stop, Reset_* timer actions
// precede the sends they pertain to.
type Action struct {
	Kind ActionKind

	Ops []AppliedOp // ActionApply

	Peer        ReplicaID // ActionSend, ActionSendSnapshot
	RequestVote *RequestVote
	VoteResult  *VoteResult
	AppendEntries *AppendEntries
	AppendResult  *AppendResult

	SnapshotFromIndex Index         // ActionSendSnapshot
	SnapshotConfig    Configuration // ActionSendSnapshot

	LeaderHint *ReplicaID // ActionBecomeFollower, ActionRedirect
	Op         []byte     // ActionRedirect: the rejected client payload
}

func apply(ops []AppliedOp) Action { return Action{Kind: ActionApply, Ops: ops} }

func becomeCandidate() Action { return Action{Kind: ActionBecomeCandidate} }

func becomeFollower(leader *ReplicaID) Action {
	return Action{Kind: ActionBecomeFollower, LeaderHint: leader}
}

func becomeLeader() Action { return Action{Kind: ActionBecomeLeader} }

func changedConfig() Action { return Action{Kind: ActionChangedConfig} }

func redirect(leader *ReplicaID, op []byte) Action {
	return Action{Kind: ActionRedirect, LeaderHint: leader, Op: op}
}

func resetElectionTimeout() Action { return Action{Kind: ActionResetElectionTimeout} }

func resetHeartbeat() Action { return Action{Kind: ActionResetHeartbeat} }

func sendRequestVote(peer ReplicaID, m RequestVote) Action {
	return Action{Kind: ActionSend, Peer: peer, RequestVote: &m}
}

func sendVoteResult(peer ReplicaID, m VoteResult) Action {
	return Action{Kind: ActionSend, Peer: peer, VoteResult: &m}
}

func sendAppendEntries(peer ReplicaID, m AppendEntries) Action {
	return Action{Kind: ActionSend, Peer: peer, AppendEntries: &m}
}

func sendAppendResult(peer ReplicaID, m AppendResult) Action {
	return Action{Kind: ActionSend, Peer: peer, AppendResult: &m}
}

func sendSnapshot(peer ReplicaID, fromIndex Index, cfg Configuration) Action {
	return Action{Kind: ActionSendSnapshot, Peer: peer, SnapshotFromIndex: fromIndex, SnapshotConfig: cfg}
}

func stop() Action { return Action{Kind: ActionStop} }
