package client

import (
	"context"
	"errors"
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

// ErrStopped is returned by RunLoop when the client is stopped mid-run.
var ErrStopped = errors.New("client stopped")

// electionGraceFactor stretches the wait after a broadcast, since an
// election needs several message rounds before anyone confirms.
const electionGraceFactor = 3

// Stats summarises one RunLoop.
type Stats struct {
	Completed int64
	Abandoned int64
	Elections int64
	Leader    common.LeaderView
}

// Client drives the request workload against whichever node it believes
// leads. It listens for Response and ConfirmElection messages on its own address.
type Client struct {
	mu    sync.Mutex
	View  common.LeaderView
	acked map[int]struct{}

	Cluster  common.ClusterConfig
	Nodes    []common.Peer
	nodeByID map[int]common.Peer
	Manager  common.Transport
	Recorder common.Recorder

	completed *atomic.Int64
	abandoned *atomic.Int64
	elections *atomic.Int64

	logger   *log.Entry
	StopChan chan struct{}
	stopOnce sync.Once
	group    errgroup.Group
}

var _ common.MessageHandler = &Client{}

// NewClient connects to every node in cluster. recorder may be nil.
func NewClient(cluster common.ClusterConfig, manager common.Transport, recorder common.Recorder) *Client {
	if recorder == nil {
		recorder = common.NopRecorder{}
	}
	c := &Client{
		View:      common.NewLeaderView(cluster.InitialLeader),
		acked:     make(map[int]struct{}),
		Cluster:   cluster,
		nodeByID:  make(map[int]common.Peer),
		Manager:   manager,
		Recorder:  recorder,
		completed: atomic.NewInt64(0),
		abandoned: atomic.NewInt64(0),
		elections: atomic.NewInt64(0),
		logger:    log.WithField("node", "client"),
		StopChan:  make(chan struct{}),
	}
	for _, server := range cluster.Cluster {
		peer := manager.ConnectToPeer(server.NetAddress, server.ID)
		c.Nodes = append(c.Nodes, peer)
		c.nodeByID[server.ID] = peer
	}
	return c
}

// Start binds the client address and begins accepting node messages.
func (c *Client) Start() error {
	if err := c.Manager.Listen(c.Cluster.ClientAddress); err != nil {
		return fmt.Errorf("client: listen on %s: %w", c.Cluster.ClientAddress, err)
	}
	c.group.Go(func() error { return c.Manager.Serve(c) })
	c.logger.Infof("started on %s, leader %d", c.Cluster.ClientAddress, c.View.LeaderID)
	return nil
}

// Stop interrupts RunLoop and closes the listener. The recorder is left open.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() { close(c.StopChan) })
	return multierr.Combine(c.Manager.Stop(), c.group.Wait())
}

func (c *Client) Leader() common.LeaderView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.View
}

// Handle consumes ConfirmElection and Response; nodes send the client nothing else.
func (c *Client) Handle(msg common.Message) {
	var event *common.LeaderEvent
	c.mu.Lock()
	previous := c.View.LeaderID
	switch msg.Kind {
	case common.ConfirmElection:
		if !c.View.Update(msg.Leader, msg.Stamp) {
			c.logger.Debugf("ignoring stale confirmation of %d at %d", msg.Leader, msg.Stamp)
			break
		}
		c.logger.Infof("changed leader to %d", msg.Leader)
		event = c.leaderEvent()
	case common.Response:
		c.acked[msg.RequestID] = struct{}{}
		c.logger.Debugf("response for request %d from %d", msg.RequestID, msg.Sender)
		// a response also tells us who leads now
		if c.View.Update(msg.Leader, msg.Stamp) && previous != msg.Leader {
			c.logger.Infof("changed leader to %d (response)", msg.Leader)
			event = c.leaderEvent()
		}
	default:
		c.logger.Debugf("ignoring %s", msg.Kind)
	}
	c.mu.Unlock()

	if event != nil {
		if err := c.Recorder.RecordLeader(*event); err != nil {
			c.logger.Warnf("recording leader change failed: %v", err)
		}
	}
}

// leaderEvent assumes that the caller has already acquired mutex.
func (c *Client) leaderEvent() *common.LeaderEvent {
	return &common.LeaderEvent{
		Node:   common.ClientID,
		Leader: c.View.LeaderID,
		Stamp:  c.View.Stamp,
	}
}

func (c *Client) request(requestID int) common.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return common.Message{
		Kind:      common.ClientRequest,
		Sender:    common.ClientID,
		Leader:    c.View.LeaderID,
		Stamp:     c.View.Stamp,
		RequestID: requestID,
	}
}

// SendRequest unicasts requestID to the believed leader.
func (c *Client) SendRequest(requestID int) error {
	msg := c.request(requestID)
	peer, ok := c.nodeByID[msg.Leader]
	if !ok {
		return fmt.Errorf("no node for leader %d", msg.Leader)
	}
	c.logger.Infof("sending request %d to the current leader %d", requestID, msg.Leader)
	return peer.Send(msg)
}

// Broadcast sends requestID to every node, which makes each of them check
// whether the leader served it.
func (c *Client) Broadcast(requestID int) error {
	c.logger.Infof("sending request broadcast for request %d", requestID)
	return rpc.Broadcast(c.Nodes, c.request(requestID))
}

// Acked reports whether a Response for requestID has arrived.
func (c *Client) Acked(requestID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.acked[requestID]
	return ok
}

func (c *Client) forget(requestID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.acked, requestID)
}

// RunLoop issues request ids 0..total-1 in order. A request that is not
// answered within ClientGrace is broadcast to all nodes; it is resolved once
// a Response arrives or the believed leader changes. After MaxRetries
// unresolved rounds (when positive) the id is abandoned.
func (c *Client) RunLoop(ctx context.Context, total int) (Stats, error) {
	grace := c.Cluster.ClientGrace
	retries := 0
	for requestID := 0; requestID < total; {
		before := c.Leader().LeaderID
		if err := c.SendRequest(requestID); err != nil {
			c.logger.Debugf("request %d: send failed: %v", requestID, err)
		}
		if err := c.wait(ctx, grace); err != nil {
			return c.Stats(), err
		}
		if c.Acked(requestID) {
			c.forget(requestID)
			c.completed.Inc()
			requestID++
			retries = 0
			continue
		}

		c.elections.Inc()
		if err := c.Broadcast(requestID); err != nil {
			c.logger.Debugf("request %d: broadcast partially failed: %v", requestID, err)
		}
		if err := c.wait(ctx, electionGraceFactor*grace); err != nil {
			return c.Stats(), err
		}
		after := c.Leader().LeaderID
		if c.Acked(requestID) || after != before {
			c.logger.Infof("request %d resolved, leader %d -> %d", requestID, before, after)
			c.forget(requestID)
			c.completed.Inc()
			requestID++
			retries = 0
			continue
		}
		retries++
		if c.Cluster.MaxRetries > 0 && retries >= c.Cluster.MaxRetries {
			c.logger.Warnf("giving up on request %d after %d retries", requestID, retries)
			c.abandoned.Inc()
			requestID++
			retries = 0
		}
	}
	return c.Stats(), nil
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.StopChan:
		return ErrStopped
	}
}

func (c *Client) Stats() Stats {
	return Stats{
		Completed: c.completed.Load(),
		Abandoned: c.abandoned.Load(),
		Elections: c.elections.Load(),
		Leader:    c.Leader(),
	}
}
