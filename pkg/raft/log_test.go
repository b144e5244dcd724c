package raft_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftlite/raftlite/pkg/raft"
)

func TestLog_EmptyLogSentinel(t *testing.T) {
	l := raft.NewLog(0, 0)
	assert.Equal(t, raft.Index(0), l.PrevLogIndex())
	assert.Equal(t, raft.Term(0), l.PrevLogTerm())
	assert.Equal(t, raft.Index(0), l.LastIndex())
	assert.Equal(t, raft.Term(0), l.LastTerm())

	term, ok := l.GetTerm(0)
	require.True(t, ok)
	assert.Equal(t, raft.Term(0), term)

	_, ok = l.GetTerm(1)
	assert.False(t, ok, "term of an index past the end of an empty log is undefined")
}

func TestLog_AppendAssignsContiguousIndices(t *testing.T) {
	l := raft.NewLog(0, 0)
	l = l.Append(1, raft.EntryNop, nil, raft.Configuration{})
	l = l.Append(1, raft.EntryOp, []byte("x"), raft.Configuration{})
	l = l.Append(2, raft.EntryOp, []byte("y"), raft.Configuration{})

	require.Equal(t, raft.Index(3), l.LastIndex())
	assert.Equal(t, raft.Term(2), l.LastTerm())

	e, ok := l.GetEntry(2)
	require.True(t, ok)
	assert.Equal(t, raft.Index(2), e.Index)
	assert.Equal(t, []byte("x"), e.Payload)
}

func TestLog_GetRangeFastPathAndBounds(t *testing.T) {
	l := raft.NewLog(0, 0)
	for i := 0; i < 3; i++ {
		l = l.Append(1, raft.EntryOp, nil, raft.Configuration{})
	}

	full := l.GetRange(1, 3)
	require.Len(t, full, 3)

	fastPath := l.GetRange(3, 3)
	require.Len(t, fastPath, 1)
	assert.Equal(t, raft.Index(3), fastPath[0].Index)

	assert.Nil(t, l.GetRange(5, 10), "range entirely past the log returns nothing")
	assert.Nil(t, l.GetRange(5, 4), "inverted range is empty")
}

func TestLog_AppendManyNoOpOnEmptyBatch(t *testing.T) {
	l := raft.NewLog(0, 0).Append(1, raft.EntryOp, nil, raft.Configuration{})
	next, conflict := l.AppendMany(nil)
	assert.Nil(t, conflict)
	assert.Equal(t, l.LastIndex(), next.LastIndex())
}

// Scenario S3 (spec.md §8): a follower with [(1,X,t=1),(2,Y,t=1),(3,Z,t=1)]
// receives a replacement entry at index 2 with a new term; the conflicting
// suffix is truncated and the new entry installed.
func TestLog_AppendManyTruncatesOnTermConflict(t *testing.T) {
	l := raft.NewLog(0, 0)
	l = l.Append(1, raft.EntryOp, []byte("X"), raft.Configuration{})
	l = l.Append(1, raft.EntryOp, []byte("Y"), raft.Configuration{})
	l = l.Append(1, raft.EntryOp, []byte("Z"), raft.Configuration{})

	incoming := []raft.Entry{{Index: 2, Term: 2, Kind: raft.EntryOp, Payload: []byte("Y'")}}
	next, conflict := l.AppendMany(incoming)

	require.NotNil(t, conflict)
	assert.Equal(t, raft.Index(2), *conflict)
	assert.Equal(t, raft.Index(2), next.LastIndex())

	e, ok := next.GetEntry(2)
	require.True(t, ok)
	assert.Equal(t, raft.Term(2), e.Term)
	assert.Equal(t, []byte("Y'"), e.Payload)
}

func TestLog_AppendManyLeavesMatchingEntriesUntouched(t *testing.T) {
	l := raft.NewLog(0, 0)
	l = l.Append(1, raft.EntryOp, []byte("X"), raft.Configuration{})
	l = l.Append(1, raft.EntryOp, []byte("Y"), raft.Configuration{})

	incoming := []raft.Entry{
		{Index: 1, Term: 1, Kind: raft.EntryOp, Payload: []byte("X")},
		{Index: 2, Term: 1, Kind: raft.EntryOp, Payload: []byte("Y")},
		{Index: 3, Term: 1, Kind: raft.EntryOp, Payload: []byte("W")},
	}
	next, conflict := l.AppendMany(incoming)
	assert.Nil(t, conflict)
	assert.Equal(t, raft.Index(3), next.LastIndex())

	e2, _ := next.GetEntry(2)
	assert.Equal(t, []byte("Y"), e2.Payload, "matching entry should be preserved, not reinstalled")
}

func TestLog_TrimPrefixAdvancesSentinel(t *testing.T) {
	l := raft.NewLog(0, 0)
	for i := 0; i < 5; i++ {
		l = l.Append(1, raft.EntryOp, nil, raft.Configuration{})
	}

	trimmed := l.TrimPrefix(3, 1)
	assert.Equal(t, raft.Index(3), trimmed.PrevLogIndex())
	assert.Equal(t, raft.Term(1), trimmed.PrevLogTerm())
	assert.Equal(t, raft.Index(5), trimmed.LastIndex())

	_, ok := trimmed.GetTerm(2)
	assert.False(t, ok, "trimmed entries are no longer addressable")

	term, ok := trimmed.GetTerm(3)
	require.True(t, ok)
	assert.Equal(t, raft.Term(1), term, "GetTerm at the new PrevLogIndex returns PrevLogTerm")
}

func TestLog_TrimPrefixBelowCurrentBoundaryIsNoOp(t *testing.T) {
	l := raft.NewLog(2, 1)
	trimmed := l.TrimPrefix(1, 1)
	assert.Equal(t, l.PrevLogIndex(), trimmed.PrevLogIndex())
}
