// Package cluster is a peer address book: it maps a replica's raft.ReplicaID
// to the network address the transport should dial. All membership and
// quorum semantics live in raft.Tracker; this package only answers "where
// do I find replica X", so the address book and the committed configuration
// can never disagree about who gets to vote.
package cluster

import (
	"fmt"
	"sync"

	"github.com/raftlite/raftlite/pkg/raft"
)

// Book is a thread-safe map from replica id to dial address.
type Book struct {
	mu        sync.RWMutex
	addresses map[raft.ReplicaID]string
	version   uint64
}

// NewBook creates an empty address book.
func NewBook() *Book {
	return &Book{addresses: make(map[raft.ReplicaID]string)}
}

// Set records (or updates) the dial address for id.
func (b *Book) Set(id raft.ReplicaID, address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addresses[id] = address
	b.version++
}

// Remove drops id from the book.
func (b *Book) Remove(id raft.ReplicaID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.addresses, id)
	b.version++
}

// Address returns the dial address for id, if known.
func (b *Book) Address(id raft.ReplicaID) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.addresses[id]
	if !ok {
		return "", fmt.Errorf("cluster: no address known for replica %q", id)
	}
	return addr, nil
}

// All returns every known replica id.
func (b *Book) All() []raft.ReplicaID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]raft.ReplicaID, 0, len(b.addresses))
	for id := range b.addresses {
		out = append(out, id)
	}
	return out
}

// Version reports how many times the book has changed, for diagnostics.
func (b *Book) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}
