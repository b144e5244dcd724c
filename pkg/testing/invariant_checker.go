package testing

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/raftlite/raftlite/pkg/kv"
	"github.com/raftlite/raftlite/pkg/node"
	"github.com/raftlite/raftlite/pkg/raft"
)

// CommittedEntry is one committed log entry as observed on a single
// replica, decoded enough to compare SET/DELETE values across replicas.
type CommittedEntry struct {
	Index   raft.Index
	Term    raft.Term
	Kind    raft.EntryKind
	Command kv.Command
	NodeID  raft.ReplicaID
}

// InvariantViolation describes a single detected safety violation.
type InvariantViolation struct {
	Type        string
	Description string
	Details     map[string]interface{}
}

// InvariantChecker checks the cross-replica safety invariants spec.md §8
// names: log matching, monotonic commit and term consistency.
type InvariantChecker struct {
	mu              sync.Mutex
	committedByNode map[raft.ReplicaID][]CommittedEntry
	violations      []InvariantViolation
}

func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{committedByNode: make(map[raft.ReplicaID][]CommittedEntry)}
}

// RecordCommit records one committed entry observed on nodeID.
func (ic *InvariantChecker) RecordCommit(nodeID raft.ReplicaID, index raft.Index, term raft.Term, cmd kv.Command) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.committedByNode[nodeID] = append(ic.committedByNode[nodeID], CommittedEntry{
		Index: index, Term: term, Kind: raft.EntryOp, Command: cmd, NodeID: nodeID,
	})
}

// CheckSafetyInvariants runs every check against everything recorded so far.
func (ic *InvariantChecker) CheckSafetyInvariants() (bool, []InvariantViolation) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	ic.violations = nil
	ic.checkLogMatchingSafety()
	ic.checkMonotonicCommit()
	ic.checkTermConsistency()

	return len(ic.violations) == 0, ic.violations
}

// checkLogMatchingSafety verifies every replica committed the same thing
// at the same index — the core invariant the log-matching property and
// state-machine safety property both reduce to.
func (ic *InvariantChecker) checkLogMatchingSafety() {
	indexEntries := make(map[raft.Index]map[raft.ReplicaID]CommittedEntry)

	for nodeID, entries := range ic.committedByNode {
		for _, entry := range entries {
			if indexEntries[entry.Index] == nil {
				indexEntries[entry.Index] = make(map[raft.ReplicaID]CommittedEntry)
			}
			indexEntries[entry.Index][nodeID] = entry
		}
	}

	for index, nodeEntries := range indexEntries {
		var refEntry *CommittedEntry
		var refNodeID raft.ReplicaID

		for nodeID, entry := range nodeEntries {
			entry := entry
			if refEntry == nil {
				refEntry = &entry
				refNodeID = nodeID
				continue
			}

			if entry.Term != refEntry.Term {
				ic.violations = append(ic.violations, InvariantViolation{
					Type: "LOG_MATCHING_VIOLATION",
					Description: fmt.Sprintf("different terms at index %d: node %s has term %d, node %s has term %d",
						index, refNodeID, refEntry.Term, nodeID, entry.Term),
					Details: map[string]interface{}{"index": index, "node1": refNodeID, "term1": refEntry.Term, "node2": nodeID, "term2": entry.Term},
				})
			}

			if entry.Command.Type == kv.CommandSet && refEntry.Command.Type == kv.CommandSet {
				if entry.Command.Key != refEntry.Command.Key || !bytes.Equal(entry.Command.Value, refEntry.Command.Value) {
					ic.violations = append(ic.violations, InvariantViolation{
						Type: "VALUE_MISMATCH",
						Description: fmt.Sprintf("different values at index %d: node %s has %s=%s, node %s has %s=%s",
							index, refNodeID, refEntry.Command.Key, refEntry.Command.Value, nodeID, entry.Command.Key, entry.Command.Value),
						Details: map[string]interface{}{
							"index": index, "node1": refNodeID, "key1": refEntry.Command.Key, "value1": string(refEntry.Command.Value),
							"node2": nodeID, "key2": entry.Command.Key, "value2": string(entry.Command.Value),
						},
					})
				}
			}
		}
	}
}

// checkMonotonicCommit verifies each replica's committed index sequence
// never decreases.
func (ic *InvariantChecker) checkMonotonicCommit() {
	for nodeID, entries := range ic.committedByNode {
		var lastIndex raft.Index
		for _, entry := range entries {
			if entry.Index < lastIndex {
				ic.violations = append(ic.violations, InvariantViolation{
					Type:        "NON_MONOTONIC_COMMIT",
					Description: fmt.Sprintf("node %s committed index %d after index %d", nodeID, entry.Index, lastIndex),
					Details:     map[string]interface{}{"nodeID": nodeID, "prevIndex": lastIndex, "currIndex": entry.Index},
				})
			}
			lastIndex = entry.Index
		}
	}
}

// checkTermConsistency verifies terms never decrease across increasing
// indices on the same replica.
func (ic *InvariantChecker) checkTermConsistency() {
	for nodeID, entries := range ic.committedByNode {
		for i := 1; i < len(entries); i++ {
			prev, curr := entries[i-1], entries[i]
			if curr.Index > prev.Index && curr.Term < prev.Term {
				ic.violations = append(ic.violations, InvariantViolation{
					Type: "TERM_CONSISTENCY_VIOLATION",
					Description: fmt.Sprintf("node %s has term %d at index %d, but term %d at higher index %d",
						nodeID, prev.Term, prev.Index, curr.Term, curr.Index),
					Details: map[string]interface{}{"nodeID": nodeID, "prevIndex": prev.Index, "prevTerm": prev.Term, "currIndex": curr.Index, "currTerm": curr.Term},
				})
			}
		}
	}
}

// Clear discards every recorded commit and violation.
func (ic *InvariantChecker) Clear() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.committedByNode = make(map[raft.ReplicaID][]CommittedEntry)
	ic.violations = nil
}

// CollectFromNodes pulls every committed Op entry from each driver's log
// and records it for checking.
func (ic *InvariantChecker) CollectFromNodes(drivers []*node.Driver) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	for _, d := range drivers {
		status := d.Status()
		for _, entry := range d.CommittedEntries() {
			if entry.Kind != raft.EntryOp {
				continue
			}
			var cmd kv.Command
			if err := gob.NewDecoder(bytes.NewReader(entry.Payload)).Decode(&cmd); err != nil {
				continue
			}
			ic.committedByNode[status.ID] = append(ic.committedByNode[status.ID], CommittedEntry{
				Index: entry.Index, Term: entry.Term, Kind: entry.Kind, Command: cmd, NodeID: status.ID,
			})
		}
	}
}

// CompareStateMachines compares every SimulatedStore's final key set
// against the first, reporting every discrepancy found.
func CompareStateMachines(stores []*SimulatedStore) (bool, []string) {
	if len(stores) == 0 {
		return true, nil
	}

	var differences []string
	refState := stores[0].GetSnapshot()

	for i := 1; i < len(stores); i++ {
		state := stores[i].GetSnapshot()

		for key, refValue := range refState {
			if value, ok := state[key]; !ok {
				differences = append(differences, fmt.Sprintf("store %d missing key %s (expected %s)", i, key, refValue))
			} else if value != refValue {
				differences = append(differences, fmt.Sprintf("store %d has %s=%s, expected %s", i, key, value, refValue))
			}
		}
		for key, value := range state {
			if _, ok := refState[key]; !ok {
				differences = append(differences, fmt.Sprintf("store %d has unexpected key %s=%s", i, key, value))
			}
		}
	}

	return len(differences) == 0, differences
}

// JepsenStyleChecker performs invoke/ok/fail history-based
// safety checking over a run's recorded operations.
type JepsenStyleChecker struct {
	operations []JepsenOperation
	mu         sync.Mutex
}

// JepsenOperation records one client-visible operation for analysis.
type JepsenOperation struct {
	ID        int64
	Type      string // "invoke", "ok", or "fail"
	OpType    string // "read", "write", or "cas"
	Key       string
	Value     string
	ReadValue string
	StartTime int64
	EndTime   int64
	NodeID    raft.ReplicaID
	Success   bool
}

func NewJepsenStyleChecker() *JepsenStyleChecker {
	return &JepsenStyleChecker{}
}

// RecordInvoke records the start of an operation and returns its id.
func (j *JepsenStyleChecker) RecordInvoke(nodeID raft.ReplicaID, opType, key, value string, startTime int64) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := int64(len(j.operations))
	j.operations = append(j.operations, JepsenOperation{
		ID: id, Type: "invoke", OpType: opType, Key: key, Value: value, StartTime: startTime, NodeID: nodeID,
	})
	return id
}

// RecordOk records successful completion of operation id.
func (j *JepsenStyleChecker) RecordOk(id int64, readValue string, endTime int64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if id >= 0 && id < int64(len(j.operations)) {
		j.operations = append(j.operations, JepsenOperation{
			ID: id, Type: "ok", OpType: j.operations[id].OpType, Key: j.operations[id].Key,
			Value: j.operations[id].Value, ReadValue: readValue, EndTime: endTime,
			NodeID: j.operations[id].NodeID, Success: true,
		})
	}
}

// RecordFail records failure of operation id.
func (j *JepsenStyleChecker) RecordFail(id int64, endTime int64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if id >= 0 && id < int64(len(j.operations)) {
		j.operations = append(j.operations, JepsenOperation{
			ID: id, Type: "fail", OpType: j.operations[id].OpType, Key: j.operations[id].Key,
			EndTime: endTime, NodeID: j.operations[id].NodeID, Success: false,
		})
	}
}

// CheckLinearizability verifies every successful read returned a value
// that was actually written at some point.
func (j *JepsenStyleChecker) CheckLinearizability() (bool, []string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var issues []string

	invokes := make(map[int64]JepsenOperation)
	completes := make(map[int64]JepsenOperation)
	for _, op := range j.operations {
		if op.Type == "invoke" {
			invokes[op.ID] = op
		} else {
			completes[op.ID] = op
		}
	}

	keyWrites := make(map[string][]JepsenOperation)
	for id, complete := range completes {
		invoke, ok := invokes[id]
		if !ok {
			continue
		}
		if invoke.OpType == "write" && complete.Success {
			keyWrites[invoke.Key] = append(keyWrites[invoke.Key], complete)
		}
	}

	for id, complete := range completes {
		invoke, ok := invokes[id]
		if !ok || invoke.OpType != "read" || !complete.Success || complete.ReadValue == "" {
			continue
		}
		writes, hasWrites := keyWrites[invoke.Key]
		if !hasWrites {
			continue
		}
		found := false
		for _, write := range writes {
			if write.Value == complete.ReadValue {
				found = true
				break
			}
		}
		if !found {
			issues = append(issues, fmt.Sprintf("read of key %s returned %s, but no write with that value found", invoke.Key, complete.ReadValue))
		}
	}

	return len(issues) == 0, issues
}

// GetOperations returns every recorded operation.
func (j *JepsenStyleChecker) GetOperations() []JepsenOperation {
	j.mu.Lock()
	defer j.mu.Unlock()
	result := make([]JepsenOperation, len(j.operations))
	copy(result, j.operations)
	return result
}
