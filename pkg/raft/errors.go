// Package raft's own transition functions never return an error: every
// outcome they produce (redirects, rejected votes, change-config results)
// is a typed return value, not an exception. These sentinels are for the
// driver layer, which does have real failure modes (persistence, timeouts,
// operator mistakes) layered on top of the pure core.
package raft

import "errors"

var (
	ErrNotLeader      = errors.New("not the leader")
	ErrTimeout        = errors.New("operation timed out")
	ErrNodeNotFound   = errors.New("node not found")
	ErrLogCompacted   = errors.New("log has been compacted")
	ErrSnapshotFailed = errors.New("snapshot operation failed")
	ErrNodeStopped    = errors.New("node has been stopped")
)