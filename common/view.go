package common

import "time"

// LeaderView is the last-writer-wins belief about who leads the cluster.
// It carries no lock; owners guard it with their own mutex.
type LeaderView struct {
	LeaderID int
	Stamp    int64
	Known    bool
}

// NewLeaderView returns a view initialised to leader at stamp 0, or an
// unknown view when leader is UnknownLeader.
func NewLeaderView(leader int) LeaderView {
	if leader == UnknownLeader {
		return LeaderView{LeaderID: UnknownLeader}
	}
	return LeaderView{LeaderID: leader, Known: true}
}

// Update overwrites the view when stamp is strictly newer (or the view is
// unknown) and reports whether it did.
func (v *LeaderView) Update(leader int, stamp int64) bool {
	if v.Known && stamp <= v.Stamp {
		return false
	}
	v.LeaderID = leader
	v.Stamp = stamp
	v.Known = true
	return true
}

// Set unconditionally installs a locally decided leader. The stamp never moves backwards.
func (v *LeaderView) Set(leader int, stamp int64) {
	if v.Known && stamp < v.Stamp {
		stamp = v.Stamp
	}
	v.LeaderID = leader
	v.Stamp = stamp
	v.Known = true
}

// StampNow is the default clock used for stamps.
func StampNow() int64 {
	return time.Now().UnixNano()
}
