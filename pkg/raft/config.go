package raft

// ConfigStatus reports which phase the configuration tracker is in.
type ConfigStatus int

const (
	StatusNormal ConfigStatus = iota
	StatusTransitional
	StatusJoint
)

func (s ConfigStatus) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusTransitional:
		return "Transitional"
	case StatusJoint:
		return "Joint"
	default:
		return "Unknown"
	}
}

// Tracker tracks cluster membership, including the two-phase joint-consensus
// transition described in spec.md §3-§4.1. Trackers are immutable values:
// every method that changes membership returns a new Tracker.
type Tracker struct {
	self   ReplicaID
	status ConfigStatus

	// Normal: old==nil, joinIndex==0, active/passive set.
	// Transitional: old=old active set, joinIndex=index of the pending
	// Joint_config entry, active=incoming active set.
	// Joint: old=old active set, active=new active set (joint entry already
	// committed; a trailing Simple_config entry is still owed).
	old       []ReplicaID
	joinIndex Index
	active    []ReplicaID
	passive   []ReplicaID
}

// NewTracker initializes a tracker from a Simple_config or Joint_config.
func NewTracker(self ReplicaID, cfg Configuration) Tracker {
	if cfg.Kind == ConfigJoint {
		return Tracker{
			self:      self,
			status:    StatusJoint,
			old:       copyIDs(cfg.OldActive),
			active:    copyIDs(cfg.Active),
			passive:   copyIDs(cfg.Passive),
		}
	}
	return Tracker{
		self:    self,
		status:  StatusNormal,
		active:  copyIDs(cfg.Active),
		passive: copyIDs(cfg.Passive),
	}
}

// Status reports the current phase.
func (t Tracker) Status() ConfigStatus { return t.status }

// Peers returns every member (active + passive) except self.
func (t Tracker) Peers() []ReplicaID {
	set := map[ReplicaID]struct{}{}
	var out []ReplicaID
	add := func(ids []ReplicaID) {
		for _, id := range ids {
			if id == t.self {
				continue
			}
			if _, ok := set[id]; ok {
				continue
			}
			set[id] = struct{}{}
			out = append(out, id)
		}
	}
	add(t.old)
	add(t.active)
	add(t.passive)
	return out
}

// Member reports membership including passive members.
func (t Tracker) Member(id ReplicaID) bool {
	return contains(t.old, id) || contains(t.active, id) || contains(t.passive, id)
}

// MemberActive reports active-only membership.
func (t Tracker) MemberActive(id ReplicaID) bool {
	return contains(t.old, id) || contains(t.active, id)
}

func contains(ids []ReplicaID, id ReplicaID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func quorumSize(n int) int { return n/2 + 1 }

// HasQuorum reports whether voters includes a strict majority of every
// active set in the current configuration (both old and new in joint
// phases). Only voters that are active in the set being checked count.
func (t Tracker) HasQuorum(voters map[ReplicaID]struct{}) bool {
	if !setHasQuorum(voters, t.active) {
		return false
	}
	if t.old != nil {
		return setHasQuorum(voters, t.old)
	}
	return true
}

func setHasQuorum(voters map[ReplicaID]struct{}, set []ReplicaID) bool {
	if len(set) == 0 {
		return true
	}
	n := 0
	for _, id := range set {
		if _, ok := voters[id]; ok {
			n++
		}
	}
	return n >= quorumSize(len(set))
}

// QuorumMin returns N such that a quorum of active members has get(id) >= N:
// the (len/2+1)-th largest value (len/2 rounded down) across each active set; in joint
// phases, the minimum of the two sets' values.
func (t Tracker) QuorumMin(get func(ReplicaID) Index) Index {
	n := quorumValue(t.active, get)
	if t.old != nil {
		if o := quorumValue(t.old, get); o < n {
			n = o
		}
	}
	return n
}

func quorumValue(set []ReplicaID, get func(ReplicaID) Index) Index {
	if len(set) == 0 {
		return 0
	}
	vals := make([]Index, len(set))
	for i, id := range set {
		vals[i] = get(id)
	}
	// Sort descending, pick the quorumSize-th largest (1-based).
	for i := 1; i < len(vals); i++ {
		v := vals[i]
		j := i - 1
		for j >= 0 && vals[j] < v {
			vals[j+1] = vals[j]
			j--
		}
		vals[j+1] = v
	}
	return vals[quorumSize(len(set))-1]
}

// Join moves a Normal tracker into Transitional and returns the payload to
// append at idx. Only valid from Normal.
func (t Tracker) Join(idx Index, newActive []ReplicaID, passive []ReplicaID) (Tracker, Configuration) {
	if passive == nil {
		passive = t.passive
	}
	next := Tracker{
		self:      t.self,
		status:    StatusTransitional,
		old:       copyIDs(t.active),
		joinIndex: idx,
		active:    copyIDs(newActive),
		passive:   copyIDs(passive),
	}
	return next, JointConfig(t.active, newActive, passive)
}

// Drop reverts a Transitional tracker to Normal if its pending join entry is
// at or after idx — used when a follower truncates its log and loses the
// joint entry.
func (t Tracker) Drop(atOrAfter Index) Tracker {
	if t.status == StatusTransitional && t.joinIndex >= atOrAfter {
		return Tracker{self: t.self, status: StatusNormal, active: t.old, passive: t.passive}
	}
	return t
}

// Commit advances a Transitional tracker to Joint once its join entry is
// committed, returning the Simple_config the leader must append next.
func (t Tracker) Commit(idx Index) (Tracker, *Configuration) {
	if t.status == StatusTransitional && t.joinIndex <= idx {
		next := Tracker{self: t.self, status: StatusJoint, old: t.old, active: t.active, passive: t.passive}
		wanted := SimpleConfig(t.active, t.passive)
		return next, &wanted
	}
	return t, nil
}

// LastCommit returns the most recently committed configuration, used for
// snapshot installs.
func (t Tracker) LastCommit() Configuration {
	if t.status == StatusTransitional {
		return SimpleConfig(t.old, t.passive)
	}
	if t.status == StatusJoint {
		return JointConfig(t.old, t.active, t.passive)
	}
	return SimpleConfig(t.active, t.passive)
}

// Current returns the configuration the tracker currently operates under.
func (t Tracker) Current() Configuration {
	if t.status == StatusNormal {
		return SimpleConfig(t.active, t.passive)
	}
	return JointConfig(t.old, t.active, t.passive)
}

// Self returns the tracker's own replica id.
func (t Tracker) Self() ReplicaID { return t.self }

// PendingTarget returns the Simple_config a leader must append to complete
// an in-flight configuration change, for the case where the tracker is
// already Joint when a new leader takes over: a previous leader committed
// the joint entry but never got to append the trailing Simple_config entry.
func (t Tracker) PendingTarget() (Configuration, bool) {
	if t.status == StatusJoint {
		return SimpleConfig(t.active, t.passive), true
	}
	return Configuration{}, false
}

// AdoptEntry mirrors a Config log entry a follower has just received into
// its own tracker, so that a replica's Config (a persistent field, per
// spec.md §3) always reflects what is physically in its log rather than
// only what has committed. Non-Config entries are a no-op.
func (t Tracker) AdoptEntry(e Entry) Tracker {
	if e.Kind != EntryConfig {
		return t
	}
	switch e.Config.Kind {
	case ConfigJoint:
		return Tracker{
			self:      t.self,
			status:    StatusTransitional,
			old:       copyIDs(e.Config.OldActive),
			joinIndex: e.Index,
			active:    copyIDs(e.Config.Active),
			passive:   copyIDs(e.Config.Passive),
		}
	default: // ConfigSimple
		return Tracker{
			self:    t.self,
			status:  StatusNormal,
			active:  copyIDs(e.Config.Active),
			passive: copyIDs(e.Config.Passive),
		}
	}
}
