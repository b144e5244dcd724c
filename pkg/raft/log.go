package raft

// Log is an ordered, append-only (from the log's own perspective) sequence
// of entries keyed by contiguous, monotonically increasing index. Log values
// are immutable; every operation returns a new Log.
type Log struct {
	prevIndex Index
	prevTerm  Term
	entries   []Entry // entries[i] has Index == prevIndex+1+i
}

// NewLog returns the empty log with a virtual "prev" entry (initIndex,
// initTerm) — the position immediately before the first real entry.
func NewLog(initIndex Index, initTerm Term) Log {
	return Log{prevIndex: initIndex, prevTerm: initTerm}
}

// PrevLogIndex is the sentinel before the first physically stored entry.
func (l Log) PrevLogIndex() Index { return l.prevIndex }

// PrevLogTerm is the term of PrevLogIndex.
func (l Log) PrevLogTerm() Term { return l.prevTerm }

// LastIndex is the index of the last stored entry, or PrevLogIndex if empty.
func (l Log) LastIndex() Index {
	if len(l.entries) == 0 {
		return l.prevIndex
	}
	return l.entries[len(l.entries)-1].Index
}

// LastTerm is the term of the last stored entry, or PrevLogTerm if empty.
func (l Log) LastTerm() Term {
	if len(l.entries) == 0 {
		return l.prevTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// Append assigns index = LastIndex()+1 and returns the extended log.
func (l Log) Append(term Term, kind EntryKind, payload []byte, cfg Configuration) Log {
	idx := l.LastIndex() + 1
	entries := make([]Entry, len(l.entries), len(l.entries)+1)
	copy(entries, l.entries)
	entries = append(entries, Entry{Index: idx, Term: term, Kind: kind, Payload: payload, Config: cfg})
	return Log{prevIndex: l.prevIndex, prevTerm: l.prevTerm, entries: entries}
}

// posOf returns the slice position of idx, or -1 if idx is out of the
// physically stored range.
func (l Log) posOf(idx Index) int {
	if idx <= l.prevIndex {
		return -1
	}
	pos := int(idx - l.prevIndex - 1)
	if pos < 0 || pos >= len(l.entries) {
		return -1
	}
	return pos
}

// GetTerm is defined for idx == PrevLogIndex and every stored entry; it
// returns (term, true), or (0, false) otherwise.
func (l Log) GetTerm(idx Index) (Term, bool) {
	if idx == l.prevIndex {
		return l.prevTerm, true
	}
	if pos := l.posOf(idx); pos >= 0 {
		return l.entries[pos].Term, true
	}
	return 0, false
}

// GetEntry returns the stored entry at idx, if any.
func (l Log) GetEntry(idx Index) (Entry, bool) {
	if pos := l.posOf(idx); pos >= 0 {
		return l.entries[pos], true
	}
	return Entry{}, false
}

// GetRange returns the stored entries with index in [from, to], inclusive.
func (l Log) GetRange(from, to Index) []Entry {
	if to < from {
		return nil
	}
	if from == l.LastIndex() && from > l.prevIndex {
		if pos := l.posOf(from); pos >= 0 {
			return []Entry{l.entries[pos]}
		}
	}
	var out []Entry
	for _, e := range l.entries {
		if e.Index < from {
			continue
		}
		if e.Index > to {
			break
		}
		out = append(out, e)
	}
	return out
}

// AppendMany merges an incoming batch of entries following the rule in
// spec.md §4.2: for each incoming entry, if an existing entry at the same
// index has a DIFFERENT term, the log is truncated at (and including) that
// index and all incoming entries from there on are installed; entries that
// already match are left untouched. It returns the new log and, if a
// conflict was detected, the index of the first one.
func (l Log) AppendMany(incoming []Entry) (Log, *Index) {
	if len(incoming) == 0 {
		return l, nil
	}

	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	prevIndex, prevTerm := l.prevIndex, l.prevTerm

	var conflict *Index
	for _, inc := range incoming {
		if inc.Index <= prevIndex {
			continue
		}
		pos := int(inc.Index - prevIndex - 1)
		if pos < len(entries) {
			if entries[pos].Term == inc.Term {
				continue // already present, untouched
			}
			if conflict == nil {
				idx := inc.Index
				conflict = &idx
			}
			entries = entries[:pos]
		}
		// pos == len(entries) here, by construction (contiguous indices).
		entries = append(entries, inc)
	}

	return Log{prevIndex: prevIndex, prevTerm: prevTerm, entries: entries}, conflict
}

// TrimPrefix discards all entries with index <= lastIndex, advancing
// PrevLogIndex/PrevLogTerm accordingly. Used after snapshotting.
func (l Log) TrimPrefix(lastIndex Index, lastTerm Term) Log {
	if lastIndex <= l.prevIndex {
		return l
	}
	pos := l.posOf(lastIndex)
	var rest []Entry
	if pos >= 0 {
		rest = append([]Entry{}, l.entries[pos+1:]...)
	}
	return Log{prevIndex: lastIndex, prevTerm: lastTerm, entries: rest}
}
