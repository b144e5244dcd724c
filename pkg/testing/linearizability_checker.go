package testing

import (
	"fmt"
	"sort"
	"sync"
)

// KVOperation is a single invoke/response pair recorded against the demo
// key-value state machine, keyed by the session id pkg/kv.ClientSession
// uses for request deduplication.
type KVOperation struct {
	ID        int64
	ClientID  string
	OpType    string // "read" or "write"
	Key       string
	Value     string
	StartTime int64
	EndTime   int64
	Completed bool
}

// KVHistory records every operation a Cluster's simulated clients issue
// against the replicated dictionary, for post-run linearizability
// verification (spec.md §8, property 5: state-machine safety).
type KVHistory struct {
	mu       sync.Mutex
	ops      map[int64]*KVOperation
	nextID   int64
	latency  []int64 // EndTime-StartTime of every completed op, for reporting
}

// NewKVHistory creates an empty history recorder.
func NewKVHistory() *KVHistory {
	return &KVHistory{ops: make(map[int64]*KVOperation)}
}

// Invoke records the start of an operation and returns its id.
func (h *KVHistory) Invoke(clientID, opType, key, value string, startTime int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.ops[id] = &KVOperation{
		ID:        id,
		ClientID:  clientID,
		OpType:    opType,
		Key:       key,
		Value:     value,
		StartTime: startTime,
	}
	return id
}

// Complete records the response value and end time for a previously
// invoked operation. A dropped or timed-out request simply never calls
// this, leaving the operation incomplete and excluded from the check.
func (h *KVHistory) Complete(id int64, response string, endTime int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	op, ok := h.ops[id]
	if !ok {
		return
	}
	op.Value = response
	op.EndTime = endTime
	op.Completed = true
	h.latency = append(h.latency, endTime-op.StartTime)
}

// LatencyStats summarizes completed-operation latency for a run report.
type LatencyStats struct {
	Count int64
	Min   int64
	Max   int64
	Mean  float64
}

// Latency computes LatencyStats over every completed operation so far.
func (h *KVHistory) Latency() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.latency) == 0 {
		return LatencyStats{}
	}
	stats := LatencyStats{Count: int64(len(h.latency)), Min: h.latency[0], Max: h.latency[0]}
	var sum int64
	for _, l := range h.latency {
		sum += l
		if l < stats.Min {
			stats.Min = l
		}
		if l > stats.Max {
			stats.Max = l
		}
	}
	stats.Mean = float64(sum) / float64(stats.Count)
	return stats
}

// KVLinearizabilityChecker verifies that a KVHistory is consistent with
// some sequential order of the completed operations it recorded — the
// demo-store-level counterpart to spec.md §8's state-machine-safety
// property, which the core's own tests check directly against Apply
// actions rather than against this store-level history.
type KVLinearizabilityChecker struct {
	history *KVHistory
}

// NewKVLinearizabilityChecker builds a checker over h.
func NewKVLinearizabilityChecker(h *KVHistory) *KVLinearizabilityChecker {
	return &KVLinearizabilityChecker{history: h}
}

// Check performs a single-key sequential-consistency check: every read
// must return the value of the most recent write that precedes it in
// start-time order, or the value of a write concurrent with it (one whose
// interval overlaps the read's).
func (c *KVLinearizabilityChecker) Check() (bool, error) {
	c.history.mu.Lock()
	complete := make([]*KVOperation, 0, len(c.history.ops))
	for _, op := range c.history.ops {
		if op.Completed {
			complete = append(complete, op)
		}
	}
	c.history.mu.Unlock()

	sort.Slice(complete, func(i, j int) bool {
		return complete[i].StartTime < complete[j].StartTime
	})

	state := make(map[string]string)
	for _, op := range complete {
		switch op.OpType {
		case "write":
			state[op.Key] = op.Value
		case "read":
			expected := state[op.Key]
			if op.Value == expected {
				continue
			}
			if !c.explainedByConcurrentWrite(complete, op) {
				return false, fmt.Errorf("client %s: read of %q returned %q, expected %q",
					op.ClientID, op.Key, op.Value, expected)
			}
		}
	}
	return true, nil
}

// explainedByConcurrentWrite reports whether some write to readOp's key,
// carrying the value the read actually observed, overlapped readOp's
// invocation interval — the standard linearizability escape hatch for
// reads that race a write rather than strictly follow it.
func (c *KVLinearizabilityChecker) explainedByConcurrentWrite(ops []*KVOperation, readOp *KVOperation) bool {
	for _, op := range ops {
		if op.OpType != "write" || op.Key != readOp.Key || op.Value != readOp.Value {
			continue
		}
		if op.StartTime <= readOp.EndTime && op.EndTime >= readOp.StartTime {
			return true
		}
	}
	return false
}
