package raft

// State aggregates a replica's persistent fields (must survive restarts:
// CurrentTerm, VotedFor, Log, ID, Config) and volatile fields (recomputable,
// reset on restart). State values are immutable; every transition function
// returns a fresh State.
type State struct {
	// Persistent.
	ID          ReplicaID
	CurrentTerm Term
	VotedFor    *ReplicaID
	Log         Log
	Config      Tracker

	// Volatile.
	Role        Role
	CommitIndex Index
	LastApplied Index
	LeaderID    *ReplicaID

	// Leader-only.
	NextIndex         map[ReplicaID]Index
	MatchIndex        map[ReplicaID]Index
	SnapshotTransfers map[ReplicaID]struct{}

	// Candidate-only (retained for leader book-keeping of its own election).
	Votes map[ReplicaID]struct{}
}

// New creates the initial state for a replica: Follower, term 0, empty log
// anchored at (initIndex, initTerm), and the given starting configuration.
func New(id ReplicaID, cfg Configuration, initIndex Index, initTerm Term) State {
	return State{
		ID:     id,
		Log:    NewLog(initIndex, initTerm),
		Config: NewTracker(id, cfg),
		Role:   Follower,
	}
}

// clone makes a shallow copy of s with independent leader-state maps, so
// that mutating the copy's maps never mutates s's.
func (s State) clone() State {
	next := s
	next.NextIndex = cloneIndexMap(s.NextIndex)
	next.MatchIndex = cloneIndexMap(s.MatchIndex)
	next.SnapshotTransfers = cloneSet(s.SnapshotTransfers)
	next.Votes = cloneSet(s.Votes)
	return next
}

func cloneIndexMap(m map[ReplicaID]Index) map[ReplicaID]Index {
	if m == nil {
		return nil
	}
	out := make(map[ReplicaID]Index, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSet(m map[ReplicaID]struct{}) map[ReplicaID]struct{} {
	if m == nil {
		return nil
	}
	out := make(map[ReplicaID]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
