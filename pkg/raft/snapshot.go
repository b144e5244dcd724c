package raft

// InstallSnapshot implements spec.md §4.6's Install_snapshot: valid on
// Followers only (a Candidate or Leader ignores it and reports false). The
// snapshot body itself is opaque to the core; only the metadata needed to
// re-anchor the log and configuration tracker is handled here. Like
// ChangeConfig, this is called directly by the driver (from its inbound
// Install_snapshot RPC handler) rather than through Step/Input, since the
// driver needs the boolean outcome to decide how to reply.
func InstallSnapshot(state State, lastTerm Term, lastIndex Index, cfg Configuration) (State, bool) {
	if state.Role != Follower {
		return state, false
	}
	state = state.clone()
	state.Config = NewTracker(state.ID, cfg)

	if t, ok := state.Log.GetTerm(lastIndex); ok && t == lastTerm {
		state.Log = state.Log.TrimPrefix(lastIndex, lastTerm)
	} else {
		state.Log = NewLog(lastIndex, lastTerm)
	}

	if lastIndex > state.CommitIndex {
		state.CommitIndex = lastIndex
	}
	if lastIndex > state.LastApplied {
		state.LastApplied = lastIndex
	}
	return state, true
}

// snapshotSent implements spec.md §4.6's Snapshot_sent: the driver reports
// that a snapshot transfer to peer completed up to lastIndex, so the
// Leader resumes ordinary replication from there.
func snapshotSent(state State, peer ReplicaID, lastIndex Index) (State, []Action) {
	if state.Role != Leader {
		return state, nil
	}
	state = state.clone()
	delete(state.SnapshotTransfers, peer)
	if lastIndex+1 > state.NextIndex[peer] {
		state.NextIndex[peer] = lastIndex + 1
	}

	var a Action
	var ok bool
	state, a, ok = sendToPeer(state, peer)
	if !ok {
		return state, nil
	}
	return state, []Action{a}
}

// snapshotSendFailed implements spec.md §4.6's Snapshot_send_failed: the
// transfer is abandoned; the next Heartbeat_timeout or Append_result will
// retry it.
func snapshotSendFailed(state State, peer ReplicaID) (State, []Action) {
	if state.Role != Leader {
		return state, nil
	}
	state = state.clone()
	delete(state.SnapshotTransfers, peer)
	return state, nil
}

// CompactLog implements spec.md §4.6's Compact_log: a Leader-only, driver-
// initiated trim of the log prefix up to lastIndex, refused while any
// snapshot transfer is in flight (a peer mid-transfer may still need the
// entries a compaction would discard from its replication stream). It can be
// called directly or reached through Step with a CompactLog input; the
// pkg/node driver does not issue it.
func CompactLog(state State, lastIndex Index) (State, bool) {
	if state.Role != Leader || len(state.SnapshotTransfers) > 0 {
		return state, false
	}
	term, ok := state.Log.GetTerm(lastIndex)
	if !ok {
		return state, false
	}
	state = state.clone()
	state.Log = state.Log.TrimPrefix(lastIndex, term)
	return state, true
}
