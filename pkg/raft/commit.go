package raft

// updateCommitIndex recomputes a Leader's commit_index from the replicated
// positions of the cluster (spec.md §4.4): the highest index acknowledged
// by a quorum of every active set (old and new, during joint consensus),
// subject to the term-match safety rule — a leader only commits entries
// from its own current term directly (earlier-term entries ride along
// once a current-term entry reaches quorum, per the Log Matching /
// leader-completeness argument). No-op for non-Leaders.
func updateCommitIndex(state State) State {
	if state.Role != Leader {
		return state
	}
	get := func(id ReplicaID) Index {
		if id == state.ID {
			return state.Log.LastIndex()
		}
		return state.MatchIndex[id]
	}
	n := state.Config.QuorumMin(get)
	if n <= state.CommitIndex {
		return state
	}
	if t, ok := state.Log.GetTerm(n); !ok || t != state.CurrentTerm {
		return state
	}
	state = state.clone()
	state.CommitIndex = n
	return state
}

// tryCommit runs the commit pipeline shared by every input that might
// advance commit_index (spec.md §4.4): recompute commit_index, apply newly
// committed Op entries, advance the configuration tracker through any
// newly committed Config entries (appending the trailing Simple_config
// when a Leader's own joint entry just committed), and emit Changed_config
// / Stop as appropriate. Ordering: Apply precedes Changed_config precedes
// Stop.
func tryCommit(state State) (State, []Action) {
	state = updateCommitIndex(state)
	if state.CommitIndex <= state.LastApplied {
		return state, nil
	}

	from := state.LastApplied + 1
	to := state.CommitIndex
	state = state.clone()
	state.LastApplied = to

	var ops []AppliedOp
	sawConfig := false
	for idx := from; idx <= to; idx++ {
		e, ok := state.Log.GetEntry(idx)
		if !ok {
			continue
		}
		switch e.Kind {
		case EntryOp:
			ops = append(ops, AppliedOp{Index: e.Index, Term: e.Term, Payload: e.Payload})
		case EntryConfig:
			sawConfig = true
		}
	}

	var actions []Action
	if len(ops) > 0 {
		actions = append(actions, apply(ops))
	}

	nextCfg, wanted := state.Config.Commit(to)
	state.Config = nextCfg
	if wanted != nil && state.Role == Leader {
		state.Log = state.Log.Append(state.CurrentTerm, EntryConfig, nil, *wanted)
	}

	if sawConfig {
		actions = append(actions, changedConfig())
	}

	if !state.Config.Member(state.ID) {
		actions = append(actions, stop())
	}

	return state, actions
}
