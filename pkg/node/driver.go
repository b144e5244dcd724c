// Package node is the driver that turns pkg/raft's pure transition function
// into a running replica: it owns the election/heartbeat timers, persists
// state to the write-ahead log before acknowledging it, executes the
// action list a Step returns against a Transport and a state machine, and
// exposes the client-facing operations (Propose, ChangeConfig, Status)
// that pkg/api and cmd/server drive.
package node

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/raftlite/raftlite/pkg/log"
	"github.com/raftlite/raftlite/pkg/raft"
	"github.com/raftlite/raftlite/pkg/wal"
)

// Transport is everything the driver needs to talk to other replicas. A
// Send* call blocks for the RPC's reply; the driver always calls these
// from their own goroutine so a slow or partitioned peer never stalls the
// driver's own loop.
type Transport interface {
	SendRequestVote(ctx context.Context, target raft.ReplicaID, m raft.RequestVote) (raft.VoteResult, error)
	SendAppendEntries(ctx context.Context, target raft.ReplicaID, m raft.AppendEntries) (raft.AppendResult, error)
	SendSnapshot(ctx context.Context, target raft.ReplicaID, rec wal.SnapshotRecord) error
}

// StateMachine applies committed operations. pkg/kv.Store implements this.
type StateMachine interface {
	ApplyOp(op raft.AppliedOp) (interface{}, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Config holds the timing knobs spec.md leaves to the driver (§2, §9: the
// core has no timers of its own).
type Config struct {
	ID                 raft.ReplicaID
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 2 * time.Second
	}
	return c
}

// Status is a point-in-time snapshot of a replica for diagnostics and the
// HTTP API.
type Status struct {
	ID          raft.ReplicaID
	Role        raft.Role
	Term        raft.Term
	LeaderID    *raft.ReplicaID
	CommitIndex raft.Index
	LastApplied raft.Index
	Config      raft.Configuration
}

// Driver owns one replica's State and runs it forward in response to
// Inputs. All state access happens under mu; RPC sends and state-machine
// applies happen outside it.
type Driver struct {
	cfg       Config
	transport Transport
	sm        StateMachine
	wal       *wal.WAL
	logger    zerolog.Logger

	mu    sync.Mutex
	state raft.State

	electionTimer  *time.Timer
	heartbeatTimer *time.Timer
	stopped        bool
	rng            *rand.Rand
}

// New constructs a Driver. initialConfig is used only if the WAL has no
// persisted log (a brand-new replica); otherwise the persisted log and
// term/vote win.
func New(cfg Config, initialConfig raft.Configuration, w *wal.WAL, transport Transport, sm StateMachine) (*Driver, error) {
	cfg = cfg.withDefaults()

	entries := w.Entries()
	var state raft.State
	if len(entries) == 0 && w.CurrentTerm() == 0 {
		state = raft.New(cfg.ID, initialConfig, 0, 0)
	} else {
		state = raft.New(cfg.ID, initialConfig, 0, 0)
		state.CurrentTerm = w.CurrentTerm()
		state.VotedFor = w.VotedFor()
		for _, e := range entries {
			state.Log = state.Log.Append(e.Term, e.Kind, e.Payload, e.Config)
			if e.Kind == raft.EntryConfig {
				state.Config = state.Config.AdoptEntry(e)
			}
		}
	}

	if rec, err := w.LoadSnapshot(); err == nil && rec != nil {
		if err := sm.Restore(rec.Data); err != nil {
			return nil, fmt.Errorf("restore snapshot into state machine: %w", err)
		}
		state.Log = state.Log.TrimPrefix(rec.LastIncludedIndex, rec.LastIncludedTerm)
		state.Config = raft.NewTracker(cfg.ID, rec.Config)
		if rec.LastIncludedIndex > state.CommitIndex {
			state.CommitIndex = rec.LastIncludedIndex
		}
		if rec.LastIncludedIndex > state.LastApplied {
			state.LastApplied = rec.LastIncludedIndex
		}
	}

	d := &Driver{
		cfg:       cfg,
		transport: transport,
		sm:        sm,
		wal:       w,
		logger:    log.WithReplica(string(cfg.ID)),
		state:     state,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() + int64(len(string(cfg.ID))))),
	}
	return d, nil
}

// Start arms the election timer. Call once.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armElectionTimerLocked()
}

// Stop disarms both timers. The Driver is not reusable after Stop.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.electionTimer != nil {
		d.electionTimer.Stop()
	}
	if d.heartbeatTimer != nil {
		d.heartbeatTimer.Stop()
	}
}

func (d *Driver) randomElectionTimeout() time.Duration {
	span := d.cfg.ElectionTimeoutMax - d.cfg.ElectionTimeoutMin
	if span <= 0 {
		return d.cfg.ElectionTimeoutMin
	}
	return d.cfg.ElectionTimeoutMin + time.Duration(d.rng.Int63n(int64(span)))
}

func (d *Driver) armElectionTimerLocked() {
	if d.stopped {
		return
	}
	if d.electionTimer != nil {
		d.electionTimer.Stop()
	}
	d.electionTimer = time.AfterFunc(d.randomElectionTimeout(), d.fireElectionTimeout)
}

func (d *Driver) disarmElectionTimerLocked() {
	if d.electionTimer != nil {
		d.electionTimer.Stop()
	}
}

func (d *Driver) armHeartbeatTimerLocked() {
	if d.stopped {
		return
	}
	if d.heartbeatTimer != nil {
		d.heartbeatTimer.Stop()
	}
	d.heartbeatTimer = time.AfterFunc(d.cfg.HeartbeatInterval, d.fireHeartbeatTimeout)
}

func (d *Driver) disarmHeartbeatTimerLocked() {
	if d.heartbeatTimer != nil {
		d.heartbeatTimer.Stop()
	}
}

func (d *Driver) fireElectionTimeout() {
	actions := d.step(raft.ElectionTimeoutInput())
	d.executeAsync(actions)
}

func (d *Driver) fireHeartbeatTimeout() {
	actions := d.step(raft.HeartbeatTimeoutInput())
	d.executeAsync(actions)
}

// step runs input through Step under the lock, persists the result (the
// persist-before-send guarantee of spec.md §5), adjusts timers, and
// returns the action list for the caller to execute.
func (d *Driver) step(input raft.Input) []raft.Action {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	next, actions := raft.Step(d.state, input)
	d.state = next

	if err := d.wal.Save(next.CurrentTerm, next.VotedFor, next.Log.GetRange(1, next.Log.LastIndex())); err != nil {
		d.logger.Error().Err(err).Msg("wal persist failed")
	}

	d.applyTimerEffectsLocked(actions)
	d.mu.Unlock()
	return actions
}

func (d *Driver) applyTimerEffectsLocked(actions []raft.Action) {
	for _, a := range actions {
		switch a.Kind {
		case raft.ActionBecomeCandidate:
			d.armElectionTimerLocked()
			d.disarmHeartbeatTimerLocked()
		case raft.ActionBecomeLeader:
			d.disarmElectionTimerLocked()
			d.armHeartbeatTimerLocked()
		case raft.ActionBecomeFollower:
			d.armElectionTimerLocked()
			d.disarmHeartbeatTimerLocked()
		case raft.ActionResetElectionTimeout:
			d.armElectionTimerLocked()
		case raft.ActionResetHeartbeat:
			d.armHeartbeatTimerLocked()
		case raft.ActionStop:
			d.stopped = true
			d.disarmElectionTimerLocked()
			d.disarmHeartbeatTimerLocked()
		}
	}
}

// executeAsync carries out every Action that has a side effect outside
// Step itself: outbound RPCs (run in their own goroutine, feeding the
// reply back in as a new Input), Apply against the state machine, and
// Stop. Send actions carrying a reply payload (VoteResult/AppendResult)
// are not transportable here — they are the direct return value of an
// inbound RPC handler and are extracted by the caller before this runs.
func (d *Driver) executeAsync(actions []raft.Action) {
	for _, a := range actions {
		a := a
		switch a.Kind {
		case raft.ActionSend:
			if a.RequestVote != nil {
				go d.sendRequestVote(a.Peer, *a.RequestVote)
			} else if a.AppendEntries != nil {
				go d.sendAppendEntries(a.Peer, *a.AppendEntries)
			}
		case raft.ActionSendSnapshot:
			go d.sendSnapshot(a.Peer, a.SnapshotFromIndex, a.SnapshotConfig)
		case raft.ActionApply:
			for _, op := range a.Ops {
				if _, err := d.sm.ApplyOp(op); err != nil {
					d.logger.Error().Err(err).Uint64("index", uint64(op.Index)).Msg("apply failed")
				}
			}
		case raft.ActionRedirect:
			d.logger.Debug().Msg("rejected client command: not leader")
		}
	}
}

func (d *Driver) sendRequestVote(peer raft.ReplicaID, m raft.RequestVote) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RPCTimeout)
	defer cancel()
	reply, err := d.transport.SendRequestVote(ctx, peer, m)
	if err != nil {
		d.logger.Debug().Err(err).Str("peer", string(peer)).Msg("request_vote rpc failed")
		return
	}
	actions := d.step(raft.VoteResultInput(peer, reply))
	d.executeAsync(actions)
}

func (d *Driver) sendAppendEntries(peer raft.ReplicaID, m raft.AppendEntries) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RPCTimeout)
	defer cancel()
	reply, err := d.transport.SendAppendEntries(ctx, peer, m)
	if err != nil {
		d.logger.Debug().Err(err).Str("peer", string(peer)).Msg("append_entries rpc failed")
		return
	}
	actions := d.step(raft.AppendResultInput(peer, reply))
	d.executeAsync(actions)
}

func (d *Driver) sendSnapshot(peer raft.ReplicaID, fromIndex raft.Index, cfg raft.Configuration) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RPCTimeout)
	defer cancel()

	d.mu.Lock()
	lastIndex := d.state.Log.PrevLogIndex()
	lastTerm := d.state.Log.PrevLogTerm()
	d.mu.Unlock()

	data, err := d.sm.Snapshot()
	if err != nil {
		d.logger.Error().Err(err).Msg("snapshot build failed")
		actions := d.step(raft.SnapshotSendFailedInput(peer))
		d.executeAsync(actions)
		return
	}

	rec := wal.SnapshotRecord{LastIncludedIndex: lastIndex, LastIncludedTerm: lastTerm, Config: cfg, Data: data}
	if err := d.transport.SendSnapshot(ctx, peer, rec); err != nil {
		d.logger.Debug().Err(err).Str("peer", string(peer)).Msg("install_snapshot rpc failed")
		actions := d.step(raft.SnapshotSendFailedInput(peer))
		d.executeAsync(actions)
		return
	}

	actions := d.step(raft.SnapshotSentInput(peer, fromIndex-1))
	d.executeAsync(actions)
}

// HandleRequestVote answers an inbound RequestVote RPC.
func (d *Driver) HandleRequestVote(from raft.ReplicaID, m raft.RequestVote) raft.VoteResult {
	actions := d.step(raft.RequestVoteInput(from, m))
	var reply raft.VoteResult
	var rest []raft.Action
	for _, a := range actions {
		if a.Kind == raft.ActionSend && a.VoteResult != nil && a.Peer == from {
			reply = *a.VoteResult
			continue
		}
		rest = append(rest, a)
	}
	d.executeAsync(rest)
	return reply
}

// HandleAppendEntries answers an inbound AppendEntries RPC.
func (d *Driver) HandleAppendEntries(from raft.ReplicaID, m raft.AppendEntries) raft.AppendResult {
	actions := d.step(raft.AppendEntriesInput(from, m))
	var reply raft.AppendResult
	var rest []raft.Action
	for _, a := range actions {
		if a.Kind == raft.ActionSend && a.AppendResult != nil && a.Peer == from {
			reply = *a.AppendResult
			continue
		}
		rest = append(rest, a)
	}
	d.executeAsync(rest)
	return reply
}

// HandleInstallSnapshot answers an inbound InstallSnapshot RPC.
func (d *Driver) HandleInstallSnapshot(from raft.ReplicaID, rec wal.SnapshotRecord) error {
	if err := d.sm.Restore(rec.Data); err != nil {
		return fmt.Errorf("restore state machine: %w", err)
	}
	if err := d.wal.SaveSnapshot(rec); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	d.mu.Lock()
	next, ok := raft.InstallSnapshot(d.state, rec.LastIncludedTerm, rec.LastIncludedIndex, rec.Config)
	if ok {
		d.state = next
		d.armElectionTimerLocked()
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("install_snapshot rejected: replica is not a follower")
	}
	return nil
}

// Propose submits op to be replicated. It fails fast with raft.ErrNotLeader
// (carrying the current leader hint via Status) when this replica isn't
// Leader — the caller (pkg/api) is expected to redirect.
func (d *Driver) Propose(op []byte) error {
	actions := d.step(raft.ClientCommandInput(op))
	for _, a := range actions {
		if a.Kind == raft.ActionRedirect {
			d.executeAsync(actions)
			return raft.ErrNotLeader
		}
	}
	d.executeAsync(actions)
	return nil
}

// ChangeConfig starts a joint-consensus membership change.
func (d *Driver) ChangeConfig(newActive, passive []raft.ReplicaID) (raft.ChangeOutcome, error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return raft.ChangeOutcome{}, raft.ErrNodeStopped
	}
	next, actions, outcome := raft.ChangeConfig(d.state, newActive, passive)
	d.state = next
	if outcome.Kind == raft.ChangeStarted {
		if err := d.wal.Save(next.CurrentTerm, next.VotedFor, next.Log.GetRange(1, next.Log.LastIndex())); err != nil {
			d.logger.Error().Err(err).Msg("wal persist failed")
		}
		d.applyTimerEffectsLocked(actions)
	}
	d.mu.Unlock()

	d.executeAsync(actions)
	return outcome, nil
}

// CommittedEntries returns every log entry up to CommitIndex, for tests
// and diagnostics that need to inspect what has actually been committed.
func (d *Driver) CommittedEntries() []raft.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.CommitIndex < 1 {
		return nil
	}
	return d.state.Log.GetRange(1, d.state.CommitIndex)
}

// Status reports a snapshot of the replica's current view of itself.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		ID:          d.state.ID,
		Role:        d.state.Role,
		Term:        d.state.CurrentTerm,
		LeaderID:    d.state.LeaderID,
		CommitIndex: d.state.CommitIndex,
		LastApplied: d.state.LastApplied,
		Config:      d.state.Config.Current(),
	}
}
