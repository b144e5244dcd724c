package raft

// ChangeOutcomeKind tags the four results of a Change_config request
// (spec.md §4.7). These are outcomes, not errors: a redirect or an
// in-process rejection is an expected, routine response, not a failure
// mode the driver needs to log as exceptional.
type ChangeOutcomeKind int

const (
	// ChangeRedirect: this replica isn't Leader; retry against LeaderHint.
	ChangeRedirect ChangeOutcomeKind = iota
	// ChangeInProcess: a configuration change is already underway.
	ChangeInProcess
	// ChangeAlready: the requested membership already matches the
	// committed configuration; nothing to do.
	ChangeAlready
	// ChangeStarted: a Joint_config entry was appended and is replicating.
	ChangeStarted
)

// ChangeOutcome reports which of the four Change_config results occurred.
type ChangeOutcome struct {
	Kind       ChangeOutcomeKind
	LeaderHint *ReplicaID // ChangeRedirect only
}

// ChangeConfig implements spec.md §4.7's Change_config: begin a
// joint-consensus membership change. passive may be nil to leave the
// passive set unchanged. It is not dispatched through Step/Input because
// it returns a result sum type rather than fitting the uniform
// message/timer/client Input shape — callers (the driver's ChangeConfig
// API) invoke it directly.
func ChangeConfig(state State, newActive []ReplicaID, passive []ReplicaID) (State, []Action, ChangeOutcome) {
	if state.Role != Leader {
		return state, nil, ChangeOutcome{Kind: ChangeRedirect, LeaderHint: state.LeaderID}
	}
	if state.Config.Status() != StatusNormal {
		return state, nil, ChangeOutcome{Kind: ChangeInProcess}
	}

	current := state.Config.LastCommit()
	wantPassive := passive
	if wantPassive == nil {
		wantPassive = current.Passive
	}
	if sameMembers(current.Active, newActive) && sameMembers(current.Passive, wantPassive) {
		return state, nil, ChangeOutcome{Kind: ChangeAlready}
	}

	state = state.clone()
	idx := state.Log.LastIndex() + 1
	tracker, payload := state.Config.Join(idx, newActive, passive)
	state.Config = tracker
	state.Log = state.Log.Append(state.CurrentTerm, EntryConfig, nil, payload)

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
	return state, actions, ChangeOutcome{Kind: ChangeStarted}
}
