package raft

// Step is the core's main entry point (ChangeConfig, InstallSnapshot and
// CompactLog are also exported for direct calls): it maps one (State, Input)
// pair to the successor State and the ordered list of Actions the driver
// must execute.
// Step never blocks, never allocates a goroutine, and never consults a
// clock — every notion of time reaches it as an Election_timeout or
// Heartbeat_timeout Input (spec.md §2, §4.5).
func Step(state State, input Input) (State, []Action) {
	switch input.Kind {
	case InputRequestVote:
		return handleRequestVote(state, input.From, *input.RequestVote)
	case InputVoteResult:
		return handleVoteResult(state, input.From, *input.VoteResult)
	case InputAppendEntries:
		return handleAppendEntries(state, input.From, *input.AppendEntries)
	case InputAppendResult:
		return handleAppendResult(state, input.From, *input.AppendResult)
	case InputElectionTimeout:
		return electionTimeout(state)
	case InputHeartbeatTimeout:
		return heartbeatTimeout(state)
	case InputClientCommand:
		return clientCommand(state, input.ClientOp)
	case InputInstallSnapshot:
		next, _ := InstallSnapshot(state, input.InstallSnapshot.LastIncludedTerm, input.InstallSnapshot.LastIncludedIndex, input.InstallSnapshot.Config)
		return next, nil
	case InputSnapshotSent:
		return snapshotSent(state, input.From, input.SnapshotLastIndex)
	case InputSnapshotSendFailed:
		return snapshotSendFailed(state, input.From)
	case InputCompactLog:
		next, _ := CompactLog(state, input.CompactLastIndex)
		return next, nil
	default:
		return state, nil
	}
}

// preflight implements the three universal rules applied before any
// per-message logic (spec.md §4.3): discovering a higher term steps down
// to Follower (recording the sender as voted_for for an Append_entries, to
// preclude a competing candidate winning the same new term); a lower term
// is rejected outright; equal terms pass through unchanged. Membership
// filtering (item 3 in the spec's list) is applied by each caller before
// preflight runs, so that messages from a non-active peer are dropped
// without ever mutating state — including the term bump itself.
func preflight(state State, term Term, sender ReplicaID, isAppendEntriesRequest bool) (State, []Action, bool) {
	if term > state.CurrentTerm {
		state = state.clone()
		state.CurrentTerm = term
		state.VotedFor = nil
		state.Role = Follower
		state.Votes = nil
		if isAppendEntriesRequest {
			state.VotedFor = &sender
		}
		return state, []Action{becomeFollower(nil)}, false
	}
	if term < state.CurrentTerm {
		return state, nil, true
	}
	return state, nil, false
}

func lastIsBecomeFollower(actions []Action) bool {
	return len(actions) > 0 && actions[len(actions)-1].Kind == ActionBecomeFollower
}

// replaceOrAppendBecomeFollower folds a leader hint into a just-emitted
// Become_follower(None) from preflight rather than emitting a second one.
func replaceOrAppendBecomeFollower(actions []Action, leader *ReplicaID) []Action {
	if lastIsBecomeFollower(actions) {
		actions[len(actions)-1] = becomeFollower(leader)
		return actions
	}
	return append(actions, becomeFollower(leader))
}

func logUpToDate(candTerm Term, candIndex Index, ourTerm Term, ourIndex Index) bool {
	if candTerm != ourTerm {
		return candTerm > ourTerm
	}
	return candIndex >= ourIndex
}

// handleRequestVote implements spec.md §4.3's Request_vote.
func handleRequestVote(state State, from ReplicaID, msg RequestVote) (State, []Action) {
	if !state.Config.MemberActive(from) {
		return state, nil
	}
	state, actions, stale := preflight(state, msg.Term, from, false)
	if stale {
		return state, []Action{sendVoteResult(from, VoteResult{Term: state.CurrentTerm, VoteGranted: false})}
	}

	grant := msg.Term == state.CurrentTerm &&
		state.Role == Follower &&
		(state.VotedFor == nil || *state.VotedFor == msg.CandidateID) &&
		logUpToDate(msg.LastLogTerm, msg.LastLogIndex, state.Log.LastTerm(), state.Log.LastIndex())

	if !grant {
		actions = append(actions, sendVoteResult(from, VoteResult{Term: state.CurrentTerm, VoteGranted: false}))
		return state, actions
	}

	state = state.clone()
	cand := msg.CandidateID
	state.VotedFor = &cand
	if !lastIsBecomeFollower(actions) {
		actions = append(actions, becomeFollower(nil))
	}
	actions = append(actions, sendVoteResult(from, VoteResult{Term: state.CurrentTerm, VoteGranted: true}))
	return state, actions
}

// handleVoteResult implements spec.md §4.3's Vote_result.
func handleVoteResult(state State, from ReplicaID, msg VoteResult) (State, []Action) {
	if !state.Config.MemberActive(from) {
		return state, nil
	}
	state, actions, stale := preflight(state, msg.Term, from, false)
	if stale {
		return state, nil
	}
	if len(actions) > 0 {
		// A higher term arrived on this reply: we've stepped down, and this
		// result can't count toward the (now-obsolete) election.
		return state, actions
	}
	if state.Role != Candidate || !msg.VoteGranted {
		return state, nil
	}

	state = state.clone()
	if state.Votes == nil {
		state.Votes = map[ReplicaID]struct{}{}
	}
	state.Votes[from] = struct{}{}
	if !state.Config.HasQuorum(state.Votes) {
		return state, nil
	}
	return becomeLeaderTransition(state)
}

// handleAppendEntries implements spec.md §4.3's Append_entries receiver
// logic, including the snapshot-boundary prev_log_index reconciliation of
// §4.6 and the commit pipeline of §4.4.
func handleAppendEntries(state State, from ReplicaID, msg AppendEntries) (State, []Action) {
	if !state.Config.MemberActive(from) {
		return state, nil
	}
	state, actions, stale := preflight(state, msg.Term, from, true)
	if stale {
		return state, []Action{sendAppendResult(from, AppendResult{Term: state.CurrentTerm, Kind: AppendFailure, Index: msg.PrevLogIndex})}
	}

	if state.Role == Candidate {
		state = state.clone()
		state.Role = Follower
		leader := from
		state.LeaderID = &leader
		actions = replaceOrAppendBecomeFollower(actions, &leader)
	} else {
		actions = append(actions, resetElectionTimeout())
	}

	prevIndex := msg.PrevLogIndex
	prevTerm := msg.PrevLogTerm
	entries := msg.Entries

	if prevIndex < state.Log.PrevLogIndex() {
		// The leader's view of our log predates our retained snapshot
		// boundary. If the batch itself carries the entry at our boundary,
		// reconcile against that instead of failing outright.
		for _, e := range entries {
			if e.Index == state.Log.PrevLogIndex() {
				prevIndex = e.Index
				prevTerm = e.Term
				var trimmed []Entry
				for _, e2 := range entries {
					if e2.Index > prevIndex {
						trimmed = append(trimmed, e2)
					}
				}
				entries = trimmed
				break
			}
		}
	}

	existingTerm, known := state.Log.GetTerm(prevIndex)
	if !known {
		actions = append(actions, sendAppendResult(from, AppendResult{Term: state.CurrentTerm, Kind: AppendFailure, Index: state.Log.LastIndex()}))
		return state, actions
	}
	if existingTerm != prevTerm {
		actions = append(actions, sendAppendResult(from, AppendResult{Term: state.CurrentTerm, Kind: AppendFailure, Index: prevIndex}))
		return state, actions
	}

	newLog, conflict := state.Log.AppendMany(entries)
	state = state.clone()
	state.Log = newLog
	if conflict != nil {
		state.Config = state.Config.Drop(*conflict)
	}
	for _, e := range entries {
		if e.Kind == EntryConfig {
			state.Config = state.Config.AdoptEntry(e)
		}
	}

	if msg.LeaderCommit > state.CommitIndex {
		newCommit := msg.LeaderCommit
		if newLog.LastIndex() < newCommit {
			newCommit = newLog.LastIndex()
		}
		state.CommitIndex = newCommit
	}
	leader := from
	state.LeaderID = &leader

	actions = append(actions, sendAppendResult(from, AppendResult{Term: state.CurrentTerm, Kind: AppendSuccess, Index: newLog.LastIndex()}))

	var commitActions []Action
	state, commitActions = tryCommit(state)
	actions = append(actions, commitActions...)

	return state, actions
}

// handleAppendResult implements spec.md §4.3's Append_result, the Leader
// side of replication: advance next_index/match_index on success and run
// the commit pipeline, or rewind next_index and retry (with a snapshot if
// the rewind passes the log's retained prefix) on failure.
func handleAppendResult(state State, from ReplicaID, msg AppendResult) (State, []Action) {
	if !state.Config.MemberActive(from) {
		return state, nil
	}
	state, actions, stale := preflight(state, msg.Term, from, false)
	if stale {
		return state, nil
	}
	if len(actions) > 0 {
		return state, actions
	}
	if state.Role != Leader {
		return state, nil
	}

	state = state.clone()
	switch msg.Kind {
	case AppendSuccess:
		if msg.Index+1 > state.NextIndex[from] {
			state.NextIndex[from] = msg.Index + 1
		}
		if msg.Index > state.MatchIndex[from] {
			state.MatchIndex[from] = msg.Index
		}
		actions = append(actions, resetElectionTimeout())
		var commitActions []Action
		state, commitActions = tryCommit(state)
		actions = append(actions, commitActions...)
		return state, actions

	default: // AppendFailure
		if msg.Index < state.NextIndex[from] {
			state.NextIndex[from] = msg.Index
		}
		if state.NextIndex[from] == 0 {
			state.NextIndex[from] = 1
		}
		var a Action
		var ok bool
		state, a, ok = sendToPeer(state, from)
		if ok {
			actions = append(actions, a)
		}
		return state, actions
	}
}

// electionTimeout implements spec.md §4.5: begin a new election. A
// replica that is alone in its active configuration (or otherwise already
// holds a quorum of one — itself) becomes Leader immediately, with no
// peers to wait on.
func electionTimeout(state State) (State, []Action) {
	state = state.clone()
	state.CurrentTerm++
	state.Role = Candidate
	self := state.ID
	state.VotedFor = &self
	state.Votes = map[ReplicaID]struct{}{self: {}}
	state.LeaderID = nil

	actions := []Action{becomeCandidate()}

	if state.Config.HasQuorum(state.Votes) {
		var leaderActions []Action
		state, leaderActions = becomeLeaderTransition(state)
		return state, append(actions, leaderActions...)
	}

	lastTerm := state.Log.LastTerm()
	lastIndex := state.Log.LastIndex()
	for _, p := range state.Config.Peers() {
		actions = append(actions, sendRequestVote(p, RequestVote{
			Term:         state.CurrentTerm,
			CandidateID:  self,
			LastLogIndex: lastIndex,
			LastLogTerm:  lastTerm,
		}))
	}
	return state, actions
}

// heartbeatTimeout implements spec.md §4.5: a Leader re-replicates to
// every peer (AppendEntries with whatever entries remain unacknowledged,
// possibly empty) to assert its authority before followers time out.
func heartbeatTimeout(state State) (State, []Action) {
	if state.Role != Leader {
		return state, nil
	}
	actions := []Action{resetHeartbeat()}
	var sendActions []Action
	state, sendActions = sendToAllPeers(state, state.Config.Peers())
	actions = append(actions, sendActions...)
	return state, actions
}

// clientCommand implements spec.md §4.3/§4.7's Client_command: a Leader
// appends an Op entry and replicates it; any other role redirects.
func clientCommand(state State, op []byte) (State, []Action) {
	if state.Role != Leader {
		return state, []Action{redirect(state.LeaderID, op)}
	}
	state = state.clone()
	state.Log = state.Log.Append(state.CurrentTerm, EntryOp, op, Configuration{})

	var sendActions []Action
	state, sendActions = sendToAllPeers(state, state.Config.Peers())
	var actions []Action
	if len(sendActions) > 0 {
		actions = append(actions, resetHeartbeat())
		actions = append(actions, sendActions...)
	}

	var commitActions []Action
	state, commitActions = tryCommit(state)
	actions = append(actions, commitActions...)
	return state, actions
}
