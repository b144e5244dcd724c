package testing

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/raftlite/raftlite/pkg/kv"
	"github.com/raftlite/raftlite/pkg/node"
	"github.com/raftlite/raftlite/pkg/raft"
	"github.com/raftlite/raftlite/pkg/wal"
)

// DeterministicClock is a controllable clock used only to timestamp
// MessageRecords for later analysis — replica timing itself still runs on
// real time.AfterFunc timers inside node.Driver.
type DeterministicClock struct {
	mu      sync.Mutex
	current int64
}

func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{current: 0}
}

func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current += int64(d)
}

func (c *DeterministicClock) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NetworkCondition describes the link behavior the transport applies from
// one replica to another.
type NetworkCondition struct {
	Delay       time.Duration
	DropRate    float64
	Partitioned bool
}

// MessageRecord records one RPC attempt for post-hoc analysis.
type MessageRecord struct {
	Time      int64
	From      raft.ReplicaID
	To        raft.ReplicaID
	Type      string
	Delivered bool
	Dropped   bool
}

// DeterministicTransport is a node.Transport-producing transport with
// per-link fault injection finer-grained than pkg/rpc.LocalTransport's
// (drop rate as well as hard disconnect, plus a message history), for
// probabilistic scenario testing.
type DeterministicTransport struct {
	mu         sync.RWMutex
	drivers    map[raft.ReplicaID]*node.Driver
	conditions map[raft.ReplicaID]map[raft.ReplicaID]*NetworkCondition
	clock      *DeterministicClock
	rng        *rand.Rand

	msgMu    sync.Mutex
	messages []MessageRecord
}

func NewDeterministicTransport(seed int64) *DeterministicTransport {
	return &DeterministicTransport{
		drivers:    make(map[raft.ReplicaID]*node.Driver),
		conditions: make(map[raft.ReplicaID]map[raft.ReplicaID]*NetworkCondition),
		clock:      NewDeterministicClock(),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (t *DeterministicTransport) Register(id raft.ReplicaID, d *node.Driver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drivers[id] = d
	if t.conditions[id] == nil {
		t.conditions[id] = make(map[raft.ReplicaID]*NetworkCondition)
	}
}

func (t *DeterministicTransport) GetClock() *DeterministicClock { return t.clock }

// SetNetworkCondition sets the link behavior from "from" to "to".
func (t *DeterministicTransport) SetNetworkCondition(from, to raft.ReplicaID, cond *NetworkCondition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conditions[from] == nil {
		t.conditions[from] = make(map[raft.ReplicaID]*NetworkCondition)
	}
	t.conditions[from][to] = cond
}

// Partition isolates id from every other registered replica.
func (t *DeterministicTransport) Partition(id raft.ReplicaID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer := range t.drivers {
		if peer == id {
			continue
		}
		if t.conditions[id] == nil {
			t.conditions[id] = make(map[raft.ReplicaID]*NetworkCondition)
		}
		if t.conditions[peer] == nil {
			t.conditions[peer] = make(map[raft.ReplicaID]*NetworkCondition)
		}
		t.conditions[id][peer] = &NetworkCondition{Partitioned: true}
		t.conditions[peer][id] = &NetworkCondition{Partitioned: true}
	}
}

// Heal clears every condition to and from id.
func (t *DeterministicTransport) Heal(id raft.ReplicaID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conditions[id] = make(map[raft.ReplicaID]*NetworkCondition)
	for peer := range t.conditions {
		delete(t.conditions[peer], id)
	}
}

// HealAll clears every network condition.
func (t *DeterministicTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conditions = make(map[raft.ReplicaID]map[raft.ReplicaID]*NetworkCondition)
}

func (t *DeterministicTransport) getCondition(from, to raft.ReplicaID) *NetworkCondition {
	if t.conditions[from] == nil {
		return nil
	}
	return t.conditions[from][to]
}

func (t *DeterministicTransport) shouldDrop(from, to raft.ReplicaID) (bool, time.Duration) {
	t.mu.RLock()
	cond := t.getCondition(from, to)
	t.mu.RUnlock()
	if cond == nil {
		return false, 0
	}
	if cond.Partitioned {
		return true, 0
	}
	if cond.DropRate > 0 && t.rng.Float64() < cond.DropRate {
		return true, 0
	}
	return false, cond.Delay
}

func (t *DeterministicTransport) recordMessage(from, to raft.ReplicaID, msgType string, delivered, dropped bool) {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	t.messages = append(t.messages, MessageRecord{
		Time: t.clock.Get(), From: from, To: to, Type: msgType,
		Delivered: delivered, Dropped: dropped,
	})
}

// GetMessageHistory returns every recorded RPC attempt.
func (t *DeterministicTransport) GetMessageHistory() []MessageRecord {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	result := make([]MessageRecord, len(t.messages))
	copy(result, t.messages)
	return result
}

// For returns a node.Transport bound to self's outbound view of t.
func (t *DeterministicTransport) For(self raft.ReplicaID) node.Transport {
	return &detBoundTransport{t: t, self: self}
}

type detBoundTransport struct {
	t    *DeterministicTransport
	self raft.ReplicaID
}

func (b *detBoundTransport) driver(to raft.ReplicaID) (*node.Driver, bool) {
	b.t.mu.RLock()
	defer b.t.mu.RUnlock()
	d, ok := b.t.drivers[to]
	return d, ok
}

func (b *detBoundTransport) SendRequestVote(ctx context.Context, target raft.ReplicaID, m raft.RequestVote) (raft.VoteResult, error) {
	d, ok := b.driver(target)
	if !ok {
		b.t.recordMessage(b.self, target, "RequestVote", false, false)
		return raft.VoteResult{}, raft.ErrNodeNotFound
	}
	drop, delay := b.t.shouldDrop(b.self, target)
	if drop {
		b.t.recordMessage(b.self, target, "RequestVote", false, true)
		return raft.VoteResult{}, raft.ErrTimeout
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	b.t.recordMessage(b.self, target, "RequestVote", true, false)
	return d.HandleRequestVote(b.self, m), nil
}

func (b *detBoundTransport) SendAppendEntries(ctx context.Context, target raft.ReplicaID, m raft.AppendEntries) (raft.AppendResult, error) {
	d, ok := b.driver(target)
	if !ok {
		b.t.recordMessage(b.self, target, "AppendEntries", false, false)
		return raft.AppendResult{}, raft.ErrNodeNotFound
	}
	drop, delay := b.t.shouldDrop(b.self, target)
	if drop {
		b.t.recordMessage(b.self, target, "AppendEntries", false, true)
		return raft.AppendResult{}, raft.ErrTimeout
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	b.t.recordMessage(b.self, target, "AppendEntries", true, false)
	return d.HandleAppendEntries(b.self, m), nil
}

func (b *detBoundTransport) SendSnapshot(ctx context.Context, target raft.ReplicaID, rec wal.SnapshotRecord) error {
	d, ok := b.driver(target)
	if !ok {
		b.t.recordMessage(b.self, target, "InstallSnapshot", false, false)
		return raft.ErrNodeNotFound
	}
	drop, delay := b.t.shouldDrop(b.self, target)
	if drop {
		b.t.recordMessage(b.self, target, "InstallSnapshot", false, true)
		return raft.ErrTimeout
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	b.t.recordMessage(b.self, target, "InstallSnapshot", true, false)
	return d.HandleInstallSnapshot(b.self, rec)
}

// SimulatedStore is a state machine that additionally records every
// applied operation, for scenario assertions and CompareStateMachines.
type SimulatedStore struct {
	mu   sync.RWMutex
	data map[string]string
	ops  []StoreOperation
}

type StoreOperation struct {
	Time  int64
	Op    string
	Key   string
	Value string
}

func NewSimulatedStore() *SimulatedStore {
	return &SimulatedStore{data: make(map[string]string)}
}

// ApplyOp decodes a gob-encoded kv.Command, same wire format as kv.Store,
// and applies it.
func (s *SimulatedStore) ApplyOp(op raft.AppliedOp) (interface{}, error) {
	var cmd kv.Command
	if err := gob.NewDecoder(bytes.NewReader(op.Payload)).Decode(&cmd); err != nil {
		return nil, err
	}
	return s.apply(cmd), nil
}

func (s *SimulatedStore) apply(cmd kv.Command) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Type {
	case kv.CommandSet:
		s.data[cmd.Key] = string(cmd.Value)
		s.ops = append(s.ops, StoreOperation{Time: time.Now().UnixNano(), Op: "SET", Key: cmd.Key, Value: string(cmd.Value)})
		return string(cmd.Value)
	case kv.CommandDelete:
		delete(s.data, cmd.Key)
		s.ops = append(s.ops, StoreOperation{Time: time.Now().UnixNano(), Op: "DELETE", Key: cmd.Key})
		return ""
	default:
		return ""
	}
}

func (s *SimulatedStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *SimulatedStore) GetSnapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]string)
	for k, v := range s.data {
		result[k] = v
	}
	return result
}

// Snapshot implements node.StateMachine.
func (s *SimulatedStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore implements node.StateMachine.
func (s *SimulatedStore) Restore(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := make(map[string]string)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&restored); err != nil {
		return err
	}
	s.data = restored
	return nil
}

func (s *SimulatedStore) GetOperations() []StoreOperation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]StoreOperation, len(s.ops))
	copy(result, s.ops)
	return result
}

// Simulator runs a cluster of node.Drivers over a DeterministicTransport,
// each with its own scratch WAL directory, suited to probabilistic
// fault-injection scenarios that want message-level visibility.
type Simulator struct {
	Transport *DeterministicTransport
	IDs       []raft.ReplicaID
	Drivers   []*node.Driver
	Stores    []*SimulatedStore
	clock     *DeterministicClock
	rng       *rand.Rand
	seed      int64
}

// NewSimulator creates a size-node simulated cluster seeded for
// reproducibility.
func NewSimulator(size int, seed int64) (*Simulator, error) {
	transport := NewDeterministicTransport(seed)
	rng := rand.New(rand.NewSource(seed))

	ids := make([]raft.ReplicaID, size)
	for i := 0; i < size; i++ {
		ids[i] = raft.ReplicaID(fmt.Sprintf("sim-node-%d", i))
	}
	initialConfig := raft.SimpleConfig(ids, nil)

	sim := &Simulator{
		Transport: transport,
		IDs:       ids,
		Drivers:   make([]*node.Driver, size),
		Stores:    make([]*SimulatedStore, size),
		clock:     transport.GetClock(),
		rng:       rng,
		seed:      seed,
	}

	for i := 0; i < size; i++ {
		store := NewSimulatedStore()
		sim.Stores[i] = store

		cfg := node.Config{
			ID:                 ids[i],
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
			RPCTimeout:         300 * time.Millisecond,
		}

		w, err := wal.New(fmt.Sprintf("/tmp/raftlite-sim-wal-%d-%d", seed, i))
		if err != nil {
			return nil, err
		}

		d, err := node.New(cfg, initialConfig, w, transport.For(ids[i]), store)
		if err != nil {
			return nil, err
		}
		sim.Drivers[i] = d
		transport.Register(ids[i], d)
	}

	return sim, nil
}

// Start arms every driver's election timer.
func (s *Simulator) Start() error {
	for _, d := range s.Drivers {
		d.Start()
	}
	return nil
}

// Stop disarms every driver's timers.
func (s *Simulator) Stop() {
	for _, d := range s.Drivers {
		d.Stop()
	}
}

// AdvanceTime moves the message-timestamp clock; it does not itself drive
// any replica's timers, which run on wall-clock time.
func (s *Simulator) AdvanceTime(d time.Duration) {
	s.clock.Advance(d)
}

// GetLeader returns the current leader, or nil.
func (s *Simulator) GetLeader() *node.Driver {
	for _, d := range s.Drivers {
		if d.Status().Role == raft.Leader {
			return d
		}
	}
	return nil
}

// WaitForLeader polls up to maxIterations times for a leader to emerge.
func (s *Simulator) WaitForLeader(maxIterations int) *node.Driver {
	for i := 0; i < maxIterations; i++ {
		if leader := s.GetLeader(); leader != nil {
			return leader
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// InjectPartition isolates the node at index nodeIdx.
func (s *Simulator) InjectPartition(nodeIdx int) {
	if nodeIdx >= 0 && nodeIdx < len(s.Drivers) {
		s.Transport.Partition(s.IDs[nodeIdx])
	}
}

// HealPartition heals the node at index nodeIdx.
func (s *Simulator) HealPartition(nodeIdx int) {
	if nodeIdx >= 0 && nodeIdx < len(s.Drivers) {
		s.Transport.Heal(s.IDs[nodeIdx])
	}
}

// HealAll clears every network condition.
func (s *Simulator) HealAll() {
	s.Transport.HealAll()
}

// RandomPartition partitions a random node and returns its index.
func (s *Simulator) RandomPartition() int {
	idx := s.rng.Intn(len(s.Drivers))
	s.InjectPartition(idx)
	return idx
}

// GetSeed returns the simulation seed for reproducibility.
func (s *Simulator) GetSeed() int64 { return s.seed }
