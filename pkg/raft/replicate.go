package raft

// sendToPeer builds the next replication message for peer given the
// leader's current NextIndex[peer]: an AppendEntries carrying whatever the
// log still holds, or a SendSnapshot when the peer has fallen behind the
// leader's retained log prefix. It returns ok=false when a snapshot
// transfer to peer is already in flight (the driver hasn't reported
// Snapshot_sent/Snapshot_send_failed yet), in which case nothing is sent.
func sendToPeer(state State, peer ReplicaID) (State, Action, bool) {
	next := state.NextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIdx := next - 1

	if prevIdx < state.Log.PrevLogIndex() {
		if _, inProgress := state.SnapshotTransfers[peer]; inProgress {
			return state, Action{}, false
		}
		state = state.clone()
		if state.SnapshotTransfers == nil {
			state.SnapshotTransfers = map[ReplicaID]struct{}{}
		}
		state.SnapshotTransfers[peer] = struct{}{}
		return state, sendSnapshot(peer, next, state.Config.LastCommit()), true
	}

	prevTerm, ok := state.Log.GetTerm(prevIdx)
	if !ok {
		// Can't happen given the PrevLogIndex check above, but fall back to
		// a snapshot rather than sending an unsatisfiable AppendEntries.
		if _, inProgress := state.SnapshotTransfers[peer]; inProgress {
			return state, Action{}, false
		}
		state = state.clone()
		if state.SnapshotTransfers == nil {
			state.SnapshotTransfers = map[ReplicaID]struct{}{}
		}
		state.SnapshotTransfers[peer] = struct{}{}
		return state, sendSnapshot(peer, next, state.Config.LastCommit()), true
	}

	entries := state.Log.GetRange(next, state.Log.LastIndex())
	return state, sendAppendEntries(peer, AppendEntries{
		Term:         state.CurrentTerm,
		LeaderID:     state.ID,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: state.CommitIndex,
	}), true
}

// sendToAllPeers replicates to every peer in peers, skipping any whose
// snapshot transfer is already in flight.
func sendToAllPeers(state State, peers []ReplicaID) (State, []Action) {
	var actions []Action
	for _, p := range peers {
		var a Action
		var ok bool
		state, a, ok = sendToPeer(state, p)
		if ok {
			actions = append(actions, a)
		}
	}
	return state, actions
}

// becomeLeaderTransition finishes a candidate's transition to Leader once
// it holds a quorum of votes (spec.md §4.3): append a blank entry, reset
// per-peer replication progress, and begin replicating to every peer.
func becomeLeaderTransition(state State) (State, []Action) {
	state = state.clone()
	state.Role = Leader
	self := state.ID
	state.LeaderID = &self
	state.Votes = nil

	kind := EntryNop
	var cfgPayload Configuration
	if target, ok := state.Config.PendingTarget(); ok {
		kind = EntryConfig
		cfgPayload = target
	}
	state.Log = state.Log.Append(state.CurrentTerm, kind, nil, cfgPayload)
	newLast := state.Log.LastIndex()

	peers := state.Config.Peers()
	state.NextIndex = map[ReplicaID]Index{}
	state.MatchIndex = map[ReplicaID]Index{}
	for _, p := range peers {
		state.NextIndex[p] = newLast
		state.MatchIndex[p] = 0
	}
	state.SnapshotTransfers = map[ReplicaID]struct{}{}

	actions := []Action{becomeLeader()}
	var sendActions []Action
	state, sendActions = sendToAllPeers(state, peers)
	actions = append(actions, sendActions...)

	// A lone-node active configuration already holds quorum on its own log
	// position; nothing will ever send this replica an Append_result to
	// trigger the commit pipeline, so run it here too.
	var commitActions []Action
	state, commitActions = tryCommit(state)
	actions = append(actions, commitActions...)
	return state, actions
}
