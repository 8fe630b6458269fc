package election

import "github.com/banditelect/leaderelect/common"

type NodeState int

const (
	Normal NodeState = iota
	ElectionPending
	Failed
)

func (s NodeState) String() string {
	switch s {
	case Normal:
		return "normal"
	case ElectionPending:
		return "election-pending"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// envelope is one queued outbound message. to is a node id or common.ClientID
// and is ignored when broadcast is set.
type envelope struct {
	to        int
	broadcast bool
	msg       common.Message
}

type state struct {
	View  common.LeaderView
	Phase NodeState

	// Election round bookkeeping
	deposed         int
	restarts        int
	electionStarted int64
	myCandidates    []int
	lastProposed    []int
	received        map[int][]int

	outQueue     []envelope
	pendingPings map[int]chan struct{}
}
