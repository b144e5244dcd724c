// Package wal provides the on-disk write-ahead log the node driver uses to
// satisfy the persist-before-send rule (spec.md §5): current_term,
// voted_for and log must reach durable storage before any Action that
// acknowledges them is sent.
package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/raftlite/raftlite/pkg/raft"
)

// WAL persists a replica's term, vote and log, plus the most recent
// snapshot, to a directory on disk.
type WAL struct {
	mu          sync.RWMutex
	dir         string
	file        *os.File
	currentTerm raft.Term
	votedFor    *raft.ReplicaID
	entries     []raft.Entry
}

// persistentState is the gob-encoded record written on every Save.
type persistentState struct {
	CurrentTerm raft.Term
	HasVote     bool
	VotedFor    raft.ReplicaID
	Entries     []raft.Entry
}

// SnapshotRecord is a complete snapshot: the metadata needed to re-anchor
// the log and configuration tracker (spec.md §4.6), plus the opaque state
// machine bytes produced by pkg/kv.
type SnapshotRecord struct {
	LastIncludedIndex raft.Index
	LastIncludedTerm  raft.Term
	Config            raft.Configuration
	Data              []byte
}

const (
	walFileName      = "raft.wal"
	snapshotFileName = "snapshot.dat"
	recordHeaderSize = 8 // 4 bytes CRC32 + 4 bytes length
)

// New opens (creating if necessary) a WAL rooted at dir and replays
// whatever state was last persisted there.
func New(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}
	w := &WAL{dir: dir}
	if err := w.recover(); err != nil {
		return nil, fmt.Errorf("recover wal: %w", err)
	}
	return w, nil
}

func (w *WAL) recover() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	walPath := filepath.Join(w.dir, walFileName)
	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open wal file: %w", err)
	}
	w.file = file

	if err := w.readState(); err != nil && err != io.EOF {
		return fmt.Errorf("read wal state: %w", err)
	}
	return nil
}

func (w *WAL) readState() error {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(w.file, header); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(w.file, data); err != nil {
		return err
	}
	if crc32.ChecksumIEEE(data) != crc {
		return fmt.Errorf("wal: CRC mismatch")
	}

	var state persistentState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return fmt.Errorf("decode wal state: %w", err)
	}

	w.currentTerm = state.CurrentTerm
	w.votedFor = nil
	if state.HasVote {
		v := state.VotedFor
		w.votedFor = &v
	}
	w.entries = state.Entries
	return nil
}

// persist overwrites the WAL file with the current in-memory state. Whole-
// state overwrite (rather than incremental append) mirrors the teacher's
// strategy: correctness over throughput, since the log lives entirely in
// memory between saves and the file is only read back on restart.
func (w *WAL) persist() error {
	state := persistentState{CurrentTerm: w.currentTerm, Entries: w.entries}
	if w.votedFor != nil {
		state.HasVote = true
		state.VotedFor = *w.votedFor
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("encode wal state: %w", err)
	}
	data := buf.Bytes()
	crc := crc32.ChecksumIEEE(data)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := w.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek wal file: %w", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal file: %w", err)
	}
	if _, err := w.file.Write(header); err != nil {
		return fmt.Errorf("write wal header: %w", err)
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write wal data: %w", err)
	}
	return w.file.Sync()
}

// Save durably records term, voted_for and the full log. The driver calls
// this before executing any Action that acknowledges the resulting state.
func (w *WAL) Save(term raft.Term, votedFor *raft.ReplicaID, entries []raft.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.currentTerm = term
	w.votedFor = votedFor
	w.entries = entries
	return w.persist()
}

// CurrentTerm returns the last persisted term.
func (w *WAL) CurrentTerm() raft.Term {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentTerm
}

// VotedFor returns the last persisted vote, if any.
func (w *WAL) VotedFor() *raft.ReplicaID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.votedFor
}

// Entries returns every persisted log entry.
func (w *WAL) Entries() []raft.Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]raft.Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// SaveSnapshot persists rec and drops log entries it supersedes.
func (w *WAL) SaveSnapshot(rec SnapshotRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data := buf.Bytes()
	crc := crc32.ChecksumIEEE(data)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	path := filepath.Join(w.dir, snapshotFileName)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(header); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write snapshot data: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync snapshot file: %w", err)
	}

	var kept []raft.Entry
	for _, e := range w.entries {
		if e.Index > rec.LastIncludedIndex {
			kept = append(kept, e)
		}
	}
	w.entries = kept
	return w.persist()
}

// LoadSnapshot reads the most recently persisted snapshot, if any.
func (w *WAL) LoadSnapshot() (*SnapshotRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	path := filepath.Join(w.dir, snapshotFileName)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(file, data); err != nil {
		return nil, fmt.Errorf("read snapshot data: %w", err)
	}
	if crc32.ChecksumIEEE(data) != crc {
		return nil, fmt.Errorf("snapshot: CRC mismatch")
	}

	var rec SnapshotRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &rec, nil
}

// Close releases the underlying file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
