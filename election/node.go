package election

import (
	"fmt"
	"sync"
	"time"

	"github.com/banditelect/leaderelect/common"
	"github.com/banditelect/leaderelect/rpc"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const eventBuffer = 256

// tick is one observability event waiting for the recorder.
type tick struct {
	leader    *common.LeaderEvent
	estimates *common.EstimateEvent
}

// Node is one replica. Inbound messages arrive on per-connection goroutines,
// and a sender loop, a probe loop and a recorder loop run beside them. All
// of them share state under mu; Estimator and Selector carry their own locks,
// always taken after mu.
type Node struct {
	// Access to state must be synchronized between multiple goroutines
	state
	mu sync.Mutex

	MyID      int
	Cluster   common.ClusterConfig
	Address   common.ServerAddress
	Peers     []common.Peer
	peerByID  map[int]common.Peer
	Client    common.Peer
	Manager   common.Transport
	Recorder  common.Recorder
	Estimator *FailureEstimator
	Selector  *Selector
	Ledger    *RequestLedger

	slateSize int
	failed    *atomic.Bool
	clock     func() int64
	logger    *log.Entry

	wakeChan chan struct{}
	events   chan tick
	StopChan chan struct{}
	stopOnce sync.Once
	group    errgroup.Group
}

var _ common.MessageHandler = &Node{}

// NewNode wires a replica; nothing runs until Start. recorder may be nil.
func NewNode(
	me common.Server,
	cluster common.ClusterConfig,
	manager common.Transport,
	recorder common.Recorder,
	rng common.Rand,
) (*Node, error) {
	n := cluster.Size()
	if me.ID < 0 || me.ID >= n {
		return nil, fmt.Errorf("node id %d outside cluster of %d", me.ID, n)
	}
	if recorder == nil {
		recorder = common.NopRecorder{}
	}
	slateSize := cluster.SlateSize
	if slateSize <= 0 {
		slateSize = common.DefaultSlateSize(n)
	}
	node := &Node{
		state: state{
			View:         common.NewLeaderView(cluster.InitialLeader),
			Phase:        Normal,
			deposed:      common.UnknownLeader,
			received:     make(map[int][]int),
			pendingPings: make(map[int]chan struct{}),
		},
		MyID:      me.ID,
		Cluster:   cluster,
		Address:   me.NetAddress,
		peerByID:  make(map[int]common.Peer),
		Manager:   manager,
		Recorder:  recorder,
		Estimator: NewFailureEstimator(n, cluster.EstimateMean, cluster.EstimateStd, rng),
		Selector:  NewSelector(me.ID, cluster, rng),
		Ledger:    NewRequestLedger(cluster.LedgerWindow),
		slateSize: slateSize,
		failed:    atomic.NewBool(false),
		clock:     common.StampNow,
		logger:    log.WithField("node", me.ID),
		wakeChan:  make(chan struct{}, 1),
		events:    make(chan tick, eventBuffer),
		StopChan:  make(chan struct{}),
	}
	for _, server := range cluster.Cluster {
		if server.ID == me.ID {
			continue
		}
		peer := manager.ConnectToPeer(server.NetAddress, server.ID)
		node.Peers = append(node.Peers, peer)
		node.peerByID[server.ID] = peer
	}
	node.Client = manager.ConnectToPeer(cluster.ClientAddress, common.ClientID)
	return node, nil
}

// Start binds the listening socket and launches the node's goroutines.
func (node *Node) Start() error {
	if err := node.Manager.Listen(node.Address); err != nil {
		return fmt.Errorf("node %d: listen on %s: %w", node.MyID, node.Address, err)
	}
	node.group.Go(func() error { return node.Manager.Serve(node) })
	node.group.Go(node.senderLoop)
	node.group.Go(node.probeLoop)
	node.group.Go(node.recorderLoop)
	node.logger.Infof("started on %s with %s policy, leader %d", node.Address, node.Cluster.Algorithm, node.View.LeaderID)
	return nil
}

// Stop ends the periodic loops and the listener. In-flight connection
// handlers are allowed to finish. The recorder is left open for its owner.
func (node *Node) Stop() error {
	node.stopOnce.Do(func() { close(node.StopChan) })
	managerErr := node.Manager.Stop()
	groupErr := node.group.Wait()
	node.logger.Info("stopped")
	return multierr.Combine(managerErr, groupErr)
}

// Leader returns the current leader view.
func (node *Node) Leader() common.LeaderView {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.View
}

func (node *Node) State() NodeState {
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.failed.Load() {
		return Failed
	}
	return node.Phase
}

func (node *Node) IsFailed() bool {
	return node.failed.Load()
}

// senderLoop drains the out queue on every tick or wake-up.
func (node *Node) senderLoop() error {
	interval := node.Cluster.BroadcastInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-node.StopChan:
			return nil
		case <-ticker.C:
		case <-node.wakeChan:
		}
		node.flush()
	}
}

func (node *Node) wake() {
	select {
	case node.wakeChan <- struct{}{}:
	default:
	}
}

// flush sends everything queued so far. A failed node sends nothing.
func (node *Node) flush() {
	node.mu.Lock()
	queue := node.outQueue
	node.outQueue = nil
	node.mu.Unlock()
	if len(queue) == 0 {
		return
	}
	if node.failed.Load() {
		node.logger.Debugf("failed, dropping %d queued messages", len(queue))
		return
	}
	for _, env := range queue {
		node.deliver(env)
	}
}

func (node *Node) deliver(env envelope) {
	switch {
	case env.broadcast:
		node.logger.Debugf("broadcasting %s", env.msg)
		if err := rpc.Broadcast(node.Peers, env.msg); err != nil {
			node.logger.Debugf("broadcast %s partially failed: %v", env.msg.Kind, err)
		}
	case env.to == common.ClientID:
		node.logger.Debugf("sending %s to client", env.msg)
		if err := node.Client.Send(env.msg); err != nil {
			node.logger.Warnf("send %s to client failed: %v", env.msg.Kind, err)
		}
	default:
		peer, ok := node.peerByID[env.to]
		if !ok {
			node.logger.Warnf("no peer %d for %s", env.to, env.msg.Kind)
			return
		}
		node.logger.Debugf("sending %s to %d", env.msg, env.to)
		if err := peer.Send(env.msg); err != nil {
			node.logger.Debugf("send %s to %d failed: %v", env.msg.Kind, env.to, err)
			node.Estimator.RecordFailure(env.to)
		}
	}
}

// probeLoop pings one peer per interval and waits a bounded time for the reply.
func (node *Node) probeLoop() error {
	interval := node.Cluster.PingInterval
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-node.StopChan:
			return nil
		case <-ticker.C:
		}
		if node.failed.Load() {
			continue
		}
		node.probe()
	}
}

func (node *Node) probe() {
	target := node.Selector.Explore()
	peer, ok := node.peerByID[target]
	if !ok {
		return
	}
	reply := make(chan struct{})
	node.mu.Lock()
	node.pendingPings[target] = reply
	msg := node.message(common.Ping)
	node.mu.Unlock()

	if err := peer.Send(msg); err != nil {
		node.logger.Debugf("ping to %d failed: %v", target, err)
		node.missedPing(target, reply)
		return
	}
	timer := time.NewTimer(node.Cluster.PingTimeout)
	defer timer.Stop()
	select {
	case <-reply:
		node.emitEstimates()
	case <-timer.C:
		node.logger.Debugf("no ping reply from %d", target)
		node.missedPing(target, reply)
	case <-node.StopChan:
	}
}

func (node *Node) missedPing(target int, reply chan struct{}) {
	node.mu.Lock()
	if node.pendingPings[target] == reply {
		delete(node.pendingPings, target)
	}
	node.mu.Unlock()
	node.Estimator.RecordFailure(target)
	node.emitEstimates()
}

// recorderLoop hands ticks to the recorder outside of the state lock.
func (node *Node) recorderLoop() error {
	for {
		select {
		case <-node.StopChan:
			for {
				select {
				case t := <-node.events:
					node.record(t)
				default:
					return nil
				}
			}
		case t := <-node.events:
			node.record(t)
		}
	}
}

func (node *Node) record(t tick) {
	var err error
	if t.leader != nil {
		err = node.Recorder.RecordLeader(*t.leader)
	}
	if t.estimates != nil {
		err = multierr.Append(err, node.Recorder.RecordEstimates(*t.estimates))
	}
	if err != nil {
		node.logger.Warnf("recording tick failed: %v", err)
	}
}

func (node *Node) emit(t tick) {
	select {
	case node.events <- t:
	default:
		node.logger.Debug("event buffer full, dropping tick")
	}
}

func (node *Node) emitEstimates() {
	node.emit(tick{estimates: &common.EstimateEvent{
		Node:      node.MyID,
		Stamp:     node.clock(),
		Estimates: node.Estimator.Snapshot(),
	}})
}

// emitLeader assumes that the caller has already acquired mutex.
func (node *Node) emitLeader() {
	node.emit(tick{leader: &common.LeaderEvent{
		Node:   node.MyID,
		Leader: node.View.LeaderID,
		Stamp:  node.View.Stamp,
	}})
}
