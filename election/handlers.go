package election

import (
	"sort"

	"github.com/banditelect/leaderelect/common"
)

// Handle dispatches one inbound message. A failed node drops everything
// except Failure status updates.
func (node *Node) Handle(msg common.Message) {
	node.mu.Lock()
	defer node.wake()
	defer node.mu.Unlock()

	if node.failed.Load() && msg.Kind != common.Failure {
		node.logger.Debugf("failed, dropping %s", msg)
		return
	}
	node.logger.Debugf("received %s", msg)
	switch msg.Kind {
	case common.Failure:
		node.handleFailure(msg)
	case common.Ping:
		node.handlePing(msg)
	case common.PingReply:
		node.handlePingReply(msg)
	case common.ClientRequest:
		node.handleClientRequest(msg)
	case common.RequestBroadcast:
		node.handleRequestBroadcast(msg)
	case common.ReplyBroadcast:
		node.handleReplyBroadcast(msg)
	case common.ShareCandidates:
		node.handleShareCandidates(msg)
	case common.ConfirmElection:
		node.handleConfirmElection(msg)
	case common.NewLeader:
		node.handleNewLeader(msg)
	default:
		node.logger.Debugf("ignoring %s", msg.Kind)
	}
}

// message builds an outbound message stamped with the current view.
// It assumes that the caller has already acquired mutex.
func (node *Node) message(kind common.Kind) common.Message {
	return common.Message{
		Kind:   kind,
		Sender: node.MyID,
		Leader: node.View.LeaderID,
		Stamp:  node.View.Stamp,
	}
}

func (node *Node) enqueue(to int, msg common.Message) {
	node.outQueue = append(node.outQueue, envelope{to: to, msg: msg})
}

func (node *Node) enqueueBroadcast(msg common.Message) {
	node.outQueue = append(node.outQueue, envelope{broadcast: true, msg: msg})
}

func (node *Node) handleFailure(msg common.Message) {
	if msg.Failed {
		if node.failed.Load() {
			return
		}
		node.failed.Store(true)
		node.outQueue = nil
		node.Estimator.RecordFailure(node.MyID)
		node.logger.Info("marked failed by environment")
		return
	}
	if node.failed.Load() {
		// the leader view survives the outage
		node.failed.Store(false)
		node.logger.Infof("recovered, keeping leader %d", node.View.LeaderID)
	}
}

func (node *Node) handlePing(msg common.Message) {
	node.Estimator.RecordSuccess(msg.Sender)
	node.enqueue(msg.Sender, node.message(common.PingReply))
}

func (node *Node) handlePingReply(msg common.Message) {
	node.Estimator.RecordSuccess(msg.Sender)
	node.Selector.Forgive(msg.Sender)
	if reply, ok := node.pendingPings[msg.Sender]; ok {
		close(reply)
		delete(node.pendingPings, msg.Sender)
	}
}

func (node *Node) handleClientRequest(msg common.Message) {
	requestID := msg.RequestID
	if node.isLeader() {
		// Renew the stamp so followers that settled elsewhere converge on us.
		node.View.Set(node.MyID, node.clock())
		response := node.message(common.Response)
		response.RequestID = requestID
		node.enqueue(common.ClientID, response)

		node.Ledger.Add(node.MyID, requestID)
		broadcast := node.message(common.RequestBroadcast)
		broadcast.RequestID = requestID
		node.enqueueBroadcast(broadcast)
		return
	}
	if node.View.Known && node.Ledger.Contains(node.View.LeaderID, requestID) {
		node.logger.Debugf("request %d already served by leader %d", requestID, node.View.LeaderID)
		return
	}
	if node.View.Known && msg.Leader != node.View.LeaderID && msg.Stamp < node.View.Stamp {
		// the client has not heard of the current leader yet
		node.logger.Debugf("request %d names old leader %d, redirecting to %d", requestID, msg.Leader, node.View.LeaderID)
		node.enqueue(common.ClientID, node.message(common.ConfirmElection))
		return
	}
	if node.Phase == ElectionPending && node.clock()-node.electionStarted < node.Cluster.ElectionTimeout.Nanoseconds() {
		node.logger.Debugf("request %d: election against %d already running", requestID, node.deposed)
		return
	}
	node.startElection(requestID)
}

func (node *Node) isLeader() bool {
	return node.View.Known && node.View.LeaderID == node.MyID
}

// startElection treats the current leader as unresponsive and proposes a
// candidate slate. It assumes that the caller has already acquired mutex.
func (node *Node) startElection(requestID int) {
	deposed := node.View.LeaderID
	if node.View.Known && deposed != node.MyID {
		node.Estimator.RecordFailure(deposed)
		if containsID(node.lastProposed, deposed) {
			node.Selector.Penalize(deposed)
		}
	}
	now := node.clock()
	if node.Phase == ElectionPending {
		// restarting a round that timed out
		node.received = make(map[int][]int)
		node.restarts++
	} else {
		node.restarts = 0
	}
	node.Phase = ElectionPending
	node.deposed = deposed
	node.electionStarted = now

	slate := node.Selector.SelectRound(deposed, node.restarts, node.Estimator.Snapshot(), node.slateSize)
	node.myCandidates = slate
	node.emitEstimates()
	if slate == nil {
		node.logger.Debugf("request %d: leader %d unresponsive, waiting for designated proposer", requestID, deposed)
		return
	}
	node.lastProposed = slate
	node.logger.Infof("request %d: leader %d unresponsive, proposing %v", requestID, deposed, slate)

	if node.Cluster.Algorithm == common.Randomized {
		node.announce(slate[0], now)
		return
	}
	share := node.message(common.ShareCandidates)
	share.Leader = deposed
	share.Stamp = now
	share.Candidates = slate
	node.enqueueBroadcast(share)
	node.tryDecide()
}

// announce is the designated proposer's shortcut: it installs the leader and
// tells everyone with NewLeader.
func (node *Node) announce(leader int, stamp int64) {
	node.installLeader(leader, stamp)
	announcement := node.message(common.NewLeader)
	node.enqueueBroadcast(announcement)
	if leader == node.MyID {
		node.confirm()
	}
}

func (node *Node) handleShareCandidates(msg common.Message) {
	n := node.Cluster.Size()
	if msg.Sender < 0 || msg.Sender >= n || msg.Sender == node.MyID {
		node.logger.Warnf("dropping candidates from %d: not a peer", msg.Sender)
		return
	}
	node.Estimator.RecordSuccess(msg.Sender)
	// An unknown view only pairs with slates that replace an unknown leader.
	if msg.Leader != node.View.LeaderID {
		node.logger.Debugf("discarding candidates from %d for old leader %d", msg.Sender, msg.Leader)
		return
	}
	slate := make([]int, 0, len(msg.Candidates))
	for _, id := range msg.Candidates {
		if id < 0 || id >= n {
			node.logger.Warnf("dropping candidate %d from %d: outside cluster", id, msg.Sender)
			continue
		}
		slate = append(slate, id)
	}
	node.received[msg.Sender] = slate
	node.tryDecide()
}

// tryDecide settles the round once more than (N-1)/2 proposals, its own
// included, are in. It assumes that the caller has already acquired mutex.
func (node *Node) tryDecide() {
	n := node.Cluster.Size()
	if node.Phase != ElectionPending || len(node.myCandidates) == 0 || !quorumReached(len(node.received)+1, n) {
		return
	}
	senders := make([]int, 0, len(node.received))
	for sender := range node.received {
		senders = append(senders, sender)
	}
	sort.Ints(senders)
	slates := make([][]int, 0, len(senders))
	for _, sender := range senders {
		slates = append(slates, node.received[sender])
	}
	winner, ok := pluralityWinner(n, slates, node.myCandidates, node.deposed)
	if !ok {
		return
	}
	node.logger.Infof("quorum of %d proposals reached, elected %d", len(senders)+1, winner)
	node.installLeader(winner, node.clock())
	if winner == node.MyID && !node.failed.Load() {
		node.confirm()
	}
}

// confirm tells the peers and the client that this node leads.
func (node *Node) confirm() {
	confirmation := node.message(common.ConfirmElection)
	node.enqueueBroadcast(confirmation)
	node.enqueue(common.ClientID, confirmation)
}

// installLeader records a locally decided leader and closes the round.
func (node *Node) installLeader(leader int, stamp int64) {
	node.View.Set(leader, stamp)
	node.endElection()
	node.emitLeader()
}

func (node *Node) endElection() {
	node.Phase = Normal
	node.deposed = common.UnknownLeader
	node.received = make(map[int][]int)
	node.myCandidates = nil
	node.restarts = 0
}

func (node *Node) handleConfirmElection(msg common.Message) {
	node.Estimator.RecordSuccess(msg.Sender)
	if !node.View.Update(msg.Leader, msg.Stamp) {
		node.logger.Debugf("ignoring stale confirmation of %d at %d", msg.Leader, msg.Stamp)
		return
	}
	node.logger.Infof("leader is now %d (confirmed at %d)", msg.Leader, msg.Stamp)
	node.endElection()
	node.emitLeader()
}

func (node *Node) handleNewLeader(msg common.Message) {
	node.Estimator.RecordSuccess(msg.Sender)
	if !node.View.Update(msg.Leader, msg.Stamp) {
		node.logger.Debugf("ignoring stale announcement of %d at %d", msg.Leader, msg.Stamp)
		return
	}
	node.logger.Infof("leader is now %d (announced by %d)", msg.Leader, msg.Sender)
	node.endElection()
	node.emitLeader()
	if msg.Leader == node.MyID {
		node.View.Set(node.MyID, node.clock())
		node.confirm()
	}
}

func (node *Node) handleRequestBroadcast(msg common.Message) {
	node.Estimator.RecordSuccess(msg.Sender)
	if node.View.Update(msg.Leader, msg.Stamp) {
		node.logger.Infof("leader is now %d (request broadcast)", msg.Leader)
		node.endElection()
		node.emitLeader()
	}
	if !node.Ledger.Add(msg.Sender, msg.RequestID) {
		return
	}
	reply := node.message(common.ReplyBroadcast)
	reply.RequestID = msg.RequestID
	node.enqueue(msg.Sender, reply)
}

func (node *Node) handleReplyBroadcast(msg common.Message) {
	node.Estimator.RecordSuccess(msg.Sender)
	node.Ledger.Add(msg.Sender, msg.RequestID)
}
