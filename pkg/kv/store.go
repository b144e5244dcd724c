// Package kv is the demo replicated state machine driven by committed log
// entries: a gob-encoded Set/Delete dictionary with per-client request
// deduplication, applied through raft.AppliedOp rather than directly off
// the wire.
package kv

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/google/uuid"

	"github.com/raftlite/raftlite/pkg/raft"
)

// NewClientID mints a request-deduplication identity for a new client
// session.
func NewClientID() string {
	return uuid.NewString()
}

// Command types for the KV store
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
)

// Command represents a command to be applied to the state machine
type Command struct {
	Type      CommandType
	Key       string
	Value     []byte
	ClientID  string
	RequestID uint64
}

// ClientSession tracks the last request from each client for deduplication
type ClientSession struct {
	LastRequestID uint64
	Response      interface{}
}

// Store represents an in-memory key-value state machine. It tracks the
// index/term of the last op it applied so callers can tell a freshly
// restored replica's progress apart from the core's own bookkeeping
// (driver.Status().LastApplied), and so a duplicate or out-of-order
// delivery of an already-applied index is caught here too, not just at
// the per-client request layer.
type Store struct {
	mu           sync.RWMutex
	data         map[string][]byte
	sessions     map[string]*ClientSession
	appliedIndex raft.Index
	appliedTerm  raft.Term
}

// New creates a new KV store
func New() *Store {
	return &Store{
		data:     make(map[string][]byte),
		sessions: make(map[string]*ClientSession),
	}
}

// ApplyOp decodes and applies one committed Op entry, as handed to the
// driver inside an raft.Action of kind ActionApply. commit_index and
// last_applied only ever move forward (spec.md §8 commit monotonicity);
// ApplyOp enforces the same at the state-machine layer by refusing to
// re-apply an index it has already seen, independent of the driver's own
// last_applied tracking.
func (s *Store) ApplyOp(op raft.AppliedOp) (interface{}, error) {
	s.mu.Lock()
	if op.Index <= s.appliedIndex && s.appliedIndex != 0 {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	response, err := s.Apply(op.Payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.appliedIndex = op.Index
	s.appliedTerm = op.Term
	s.mu.Unlock()

	return response, nil
}

// AppliedIndex returns the index of the last entry ApplyOp accepted.
func (s *Store) AppliedIndex() raft.Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appliedIndex
}

// AppliedTerm returns the term of the last entry ApplyOp accepted.
func (s *Store) AppliedTerm() raft.Term {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appliedTerm
}

// Apply applies a gob-encoded Command to the state machine.
func (s *Store) Apply(command []byte) (interface{}, error) {
	var cmd Command
	dec := gob.NewDecoder(bytes.NewReader(command))
	if err := dec.Decode(&cmd); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check for duplicate request
	if session, ok := s.sessions[cmd.ClientID]; ok {
		if session.LastRequestID >= cmd.RequestID {
			return session.Response, nil
		}
	}

	var response interface{}
	switch cmd.Type {
	case CommandSet:
		s.data[cmd.Key] = cmd.Value
		response = true
	case CommandDelete:
		delete(s.data, cmd.Key)
		response = true
	}

	// Update session
	s.sessions[cmd.ClientID] = &ClientSession{
		LastRequestID: cmd.RequestID,
		Response:      response,
	}

	return response, nil
}

// Get retrieves a value by key
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, false
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, true
}

// GetAll returns all key-value pairs
func (s *Store) GetAll() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]byte)
	for k, v := range s.data {
		result[k] = v
	}
	return result
}

// Snapshot creates a snapshot of the current state
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := struct {
		Data     map[string][]byte
		Sessions map[string]*ClientSession
	}{
		Data:     s.data,
		Sessions: s.sessions,
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(state); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Restore restores state from a snapshot
func (s *Store) Restore(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state struct {
		Data     map[string][]byte
		Sessions map[string]*ClientSession
	}

	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&state); err != nil {
		return err
	}

	s.data = state.Data
	s.sessions = state.Sessions
	return nil
}

// EncodeCommand encodes a command for log storage
func EncodeCommand(cmdType CommandType, key string, value []byte, clientID string, requestID uint64) ([]byte, error) {
	cmd := Command{
		Type:      cmdType,
		Key:       key,
		Value:     value,
		ClientID:  clientID,
		RequestID: requestID,
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(cmd); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Size returns the number of keys in the store
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}