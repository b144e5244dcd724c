// Package api is the demo HTTP front end for a raftlite cluster: a thin
// net/http.ServeMux wrapping one replica's node.Driver and kv.Store, the
// same shape as the rest of this repo's HTTP-facing code.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/raftlite/raftlite/pkg/kv"
	"github.com/raftlite/raftlite/pkg/node"
	"github.com/raftlite/raftlite/pkg/raft"
)

// HTTPHandler exposes a replica's KV store over HTTP.
type HTTPHandler struct {
	driver   *node.Driver
	store    *kv.Store
	mux      *http.ServeMux
	clientID string
	reqID    uint64
}

// NewHTTPHandler wires driver and store behind a ServeMux. clientID tags
// every write this handler submits, for the store's deduplication.
func NewHTTPHandler(driver *node.Driver, store *kv.Store) *HTTPHandler {
	h := &HTTPHandler{
		driver:   driver,
		store:    store,
		mux:      http.NewServeMux(),
		clientID: kv.NewClientID(),
	}

	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	h.mux.HandleFunc("/config", h.handleConfig)

	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) nextRequestID() uint64 {
	return atomic.AddUint64(&h.reqID, 1)
}

func (h *HTTPHandler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		status := h.driver.Status()
		if status.Role != raft.Leader {
			h.respondNotLeader(w, status.LeaderID)
			return
		}

		value, ok := h.store.Get(key)
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"value": string(value)})

	case http.MethodPut, http.MethodPost:
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		payload, err := kv.EncodeCommand(kv.CommandSet, key, []byte(req.Value), h.clientID, h.nextRequestID())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.submit(w, payload)

	case http.MethodDelete:
		payload, err := kv.EncodeCommand(kv.CommandDelete, key, nil, h.clientID, h.nextRequestID())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.submit(w, payload)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// submit proposes payload and waits briefly for it to be reflected as
// committed. The core only tells the driver "accepted, will replicate" —
// there's no blocking commit-wait in pkg/raft (spec.md's Step never
// blocks), so the handler polls CommitIndex the way a thin demo client
// reasonably would.
func (h *HTTPHandler) submit(w http.ResponseWriter, payload []byte) {
	status := h.driver.Status()
	beforeIndex := status.CommitIndex

	if err := h.driver.Propose(payload); err != nil {
		if err == raft.ErrNotLeader {
			h.respondNotLeader(w, status.LeaderID)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if h.driver.Status().CommitIndex > beforeIndex {
			break
		}
		select {
		case <-ctx.Done():
			http.Error(w, "request timeout", http.StatusGatewayTimeout)
			return
		case <-time.After(5 * time.Millisecond):
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *HTTPHandler) respondNotLeader(w http.ResponseWriter, leaderID *raft.ReplicaID) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     "not leader",
		"leader_id": leaderID,
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.driver.Status()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":            status.ID,
		"role":          status.Role,
		"term":          status.Term,
		"leader_id":     status.LeaderID,
		"commit_index":  status.CommitIndex,
		"last_applied":  status.LastApplied,
		"store_applied": h.store.AppliedIndex(),
		"config":        status.Config,
	})
}

func (h *HTTPHandler) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Active  []string `json:"active"`
		Passive []string `json:"passive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	active := make([]raft.ReplicaID, len(req.Active))
	for i, id := range req.Active {
		active[i] = raft.ReplicaID(id)
	}
	var passive []raft.ReplicaID
	if req.Passive != nil {
		passive = make([]raft.ReplicaID, len(req.Passive))
		for i, id := range req.Passive {
			passive[i] = raft.ReplicaID(id)
		}
	}

	outcome, err := h.driver.ChangeConfig(active, passive)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch outcome.Kind {
	case raft.ChangeRedirect:
		h.respondNotLeader(w, outcome.LeaderHint)
	case raft.ChangeInProcess:
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "configuration change already in progress"})
	case raft.ChangeAlready:
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "already current"})
	case raft.ChangeStarted:
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "started"})
	}
}
