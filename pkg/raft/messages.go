package raft

// Messages exchanged between replicas (spec.md §4.3, wire surface §6). The
// core never serializes them; it only constructs and pattern-matches on
// them. A length-prefixed tagged-union encoding (or any serializer
// preserving these field semantics) is the driver's concern.

// RequestVote is sent by a candidate soliciting votes.
type RequestVote struct {
	Term         Term
	CandidateID  ReplicaID
	LastLogIndex Index
	LastLogTerm  Term
}

// VoteResult is the reply to RequestVote.
type VoteResult struct {
	Term        Term
	VoteGranted bool
}

// AppendEntries replicates log entries (or serves as a heartbeat when
// Entries is empty).
type AppendEntries struct {
	Term         Term
	LeaderID     ReplicaID
	PrevLogIndex Index
	PrevLogTerm  Term
	Entries      []Entry
	LeaderCommit Index
}

// AppendResultKind distinguishes the two AppendEntries outcomes.
type AppendResultKind int

const (
	AppendSuccess AppendResultKind = iota
	AppendFailure
)

// AppendResult is the reply to AppendEntries. For AppendSuccess, Index is
// the replying replica's new last log index. For AppendFailure, Index is
// the PrevLogIndex the leader should consider rewinding from.
type AppendResult struct {
	Term  Term
	Kind  AppendResultKind
	Index Index
}

// InstallSnapshotMsg carries snapshot metadata; the snapshot body is opaque
// to the core and is not part of this struct (spec.md §6).
type InstallSnapshotMsg struct {
	LastIncludedTerm  Term
	LastIncludedIndex Index
	Config            Configuration
}
