package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/banditelect/leaderelect/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCluster stands in for the replicas: the live leader answers
// requests, and a broadcast while the leader is down elects the lowest live node.
type scriptedCluster struct {
	mu     sync.Mutex
	client *Client
	leader int
	down   map[int]bool
	silent bool
	stamp  int64
	sent   map[int][]common.Message
	wg     sync.WaitGroup
}

func newScriptedCluster(leader int) *scriptedCluster {
	return &scriptedCluster{
		leader: leader,
		down:   make(map[int]bool),
		stamp:  100,
		sent:   make(map[int][]common.Message),
	}
}

func (s *scriptedCluster) Listen(common.ServerAddress) error { return nil }
func (s *scriptedCluster) Serve(common.MessageHandler) error { return nil }
func (s *scriptedCluster) Stop() error { return nil }
func (s *scriptedCluster) ConnectToPeer(address common.ServerAddress, id int) common.Peer {
	return &scriptedNode{id: id, address: address, cluster: s}
}

func (s *scriptedCluster) sentTo(id int) []common.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.Message(nil), s.sent[id]...)
}

type scriptedNode struct {
	id      int
	address common.ServerAddress
	cluster *scriptedCluster
}

func (n *scriptedNode) GetID() int { return n.id }
func (n *scriptedNode) Address() common.ServerAddress { return n.address }

func (n *scriptedNode) Send(msg common.Message) error {
	s := n.cluster
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[n.id] = append(s.sent[n.id], msg)
	if s.down[n.id] {
		return fmt.Errorf("node %d is down", n.id)
	}
	if s.silent {
		return nil
	}
	var reply common.Message
	switch {
	case n.id == s.leader:
		reply = common.Message{Kind: common.Response, Sender: n.id, Leader: n.id, Stamp: s.stamp, RequestID: msg.RequestID}
	case s.down[s.leader]:
		// first live node to see the broadcast runs the election
		for id := 0; id < len(s.client.Nodes); id++ {
			if !s.down[id] {
				s.leader = id
				break
			}
		}
		s.stamp++
		reply = common.Message{Kind: common.ConfirmElection, Sender: s.leader, Leader: s.leader, Stamp: s.stamp}
	default:
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.client.Handle(reply)
	}()
	return nil
}

type leaderRecorder struct {
	mu     sync.Mutex
	events []common.LeaderEvent
}

func (r *leaderRecorder) RecordLeader(ev common.LeaderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}
func (r *leaderRecorder) RecordEstimates(common.EstimateEvent) error { return nil }
func (r *leaderRecorder) Close() error { return nil }

func testCluster(n int) common.ClusterConfig {
	var servers []common.Server
	for i := 0; i < n; i++ {
		servers = append(servers, common.Server{ID: i, NetAddress: common.ServerAddress(fmt.Sprintf("node-%d", i))})
	}
	return common.ClusterConfig{
		Cluster:       servers,
		ClientAddress: "client",
		ClientGrace:   20 * time.Millisecond,
		MaxRetries:    2,
	}
}

func makeClient(t *testing.T, cluster common.ClusterConfig, leader int) (*Client, *scriptedCluster, *leaderRecorder) {
	nodes := newScriptedCluster(leader)
	recorder := &leaderRecorder{}
	c := NewClient(cluster, nodes, recorder)
	nodes.client = c
	t.Cleanup(nodes.wg.Wait)
	return c, nodes, recorder
}

func Test_HealthyLeaderServesEverything(t *testing.T) {
	c, nodes, _ := makeClient(t, testCluster(4), 0)

	stats, err := c.RunLoop(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Completed)
	assert.Equal(t, int64(0), stats.Elections)
	assert.Equal(t, int64(0), stats.Abandoned)

	requests := nodes.sentTo(0)
	require.Len(t, requests, 3)
	for i, msg := range requests {
		assert.Equal(t, common.ClientRequest, msg.Kind)
		assert.Equal(t, common.ClientID, msg.Sender)
		assert.Equal(t, i, msg.RequestID)
	}
	assert.Empty(t, nodes.sentTo(1))
}

func Test_DeadLeaderTriggersBroadcast(t *testing.T) {
	c, nodes, recorder := makeClient(t, testCluster(4), 0)
	nodes.down[0] = true

	stats, err := c.RunLoop(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(1), stats.Elections)
	assert.Equal(t, 1, stats.Leader.LeaderID)
	assert.Equal(t, int64(101), stats.Leader.Stamp)

	// request 0 reached every node in the broadcast round
	for id := 1; id < 4; id++ {
		msgs := nodes.sentTo(id)
		require.NotEmpty(t, msgs)
		assert.Equal(t, 0, msgs[0].RequestID)
	}
	// request 1 went straight to the new leader
	last := nodes.sentTo(1)
	assert.Equal(t, 1, last[len(last)-1].RequestID)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.events, 1)
	assert.Equal(t, common.LeaderEvent{Node: common.ClientID, Leader: 1, Stamp: 101}, recorder.events[0])
}

func Test_SilentClusterAbandonsAfterRetries(t *testing.T) {
	c, nodes, _ := makeClient(t, testCluster(3), 0)
	nodes.silent = true

	stats, err := c.RunLoop(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Completed)
	assert.Equal(t, int64(2), stats.Abandoned)
	assert.Equal(t, int64(4), stats.Elections)
	assert.Equal(t, 0, stats.Leader.LeaderID)
}

func Test_RunLoopHonoursContext(t *testing.T) {
	cluster := testCluster(3)
	cluster.MaxRetries = 0
	c, nodes, _ := makeClient(t, cluster, 0)
	nodes.silent = true

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.RunLoop(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_StopInterruptsRunLoop(t *testing.T) {
	cluster := testCluster(3)
	cluster.MaxRetries = 0
	c, nodes, _ := makeClient(t, cluster, 0)
	nodes.silent = true

	done := make(chan error, 1)
	go func() {
		_, err := c.RunLoop(context.Background(), 1)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, c.Stop())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("RunLoop did not return after Stop")
	}
}

func Test_ConfirmElectionByStamp(t *testing.T) {
	c, _, recorder := makeClient(t, testCluster(4), 0)

	c.Handle(common.Message{Kind: common.ConfirmElection, Sender: 2, Leader: 2, Stamp: 500})
	c.Handle(common.Message{Kind: common.ConfirmElection, Sender: 3, Leader: 3, Stamp: 200})
	view := c.Leader()
	assert.Equal(t, 2, view.LeaderID)
	assert.Equal(t, int64(500), view.Stamp)

	// a renewal by the same leader is not a leader change
	c.Handle(common.Message{Kind: common.Response, Sender: 2, Leader: 2, Stamp: 600, RequestID: 9})
	assert.True(t, c.Acked(9))
	assert.Equal(t, int64(600), c.Leader().Stamp)

	c.Handle(common.Message{Kind: common.Response, Sender: 3, Leader: 3, Stamp: 700, RequestID: 10})
	assert.Equal(t, 3, c.Leader().LeaderID)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Len(t, recorder.events, 2)
}

func Test_SendRequestWithoutLeader(t *testing.T) {
	cluster := testCluster(2)
	cluster.InitialLeader = common.UnknownLeader
	c, _, _ := makeClient(t, cluster, 0)
	assert.Error(t, c.SendRequest(0))
}
