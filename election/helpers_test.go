package election

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/banditelect/leaderelect/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type delivery struct {
	to  int
	msg common.Message
}

// fakeNetwork routes messages between in-process nodes. Nothing is delivered
// until pump is called, which keeps handler tests deterministic.
type fakeNetwork struct {
	mu       sync.Mutex
	nodes    map[int]*Node
	inflight []delivery
	sent     []delivery
	ticks    *atomic.Int64
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		nodes: make(map[int]*Node),
		ticks: atomic.NewInt64(1000),
	}
}

func (net *fakeNetwork) Listen(common.ServerAddress) error { return nil }
func (net *fakeNetwork) Serve(common.MessageHandler) error { return nil }
func (net *fakeNetwork) Stop() error { return nil }
func (net *fakeNetwork) ConnectToPeer(address common.ServerAddress, id int) common.Peer {
	return &fakePeer{id: id, address: address, net: net}
}

type fakePeer struct {
	id      int
	address common.ServerAddress
	net     *fakeNetwork
}

func (p *fakePeer) GetID() int { return p.id }
func (p *fakePeer) Address() common.ServerAddress { return p.address }
func (p *fakePeer) Send(msg common.Message) error {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	d := delivery{to: p.id, msg: msg}
	p.net.sent = append(p.net.sent, d)
	p.net.inflight = append(p.net.inflight, d)
	return nil
}

// pump flushes every node and delivers until the network is quiet.
func (net *fakeNetwork) pump() {
	for round := 0; round < 100; round++ {
		ids := make([]int, 0, len(net.nodes))
		for id := range net.nodes {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			net.nodes[id].flush()
		}
		net.mu.Lock()
		batch := net.inflight
		net.inflight = nil
		net.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		sort.SliceStable(batch, func(i, j int) bool { return batch[i].to < batch[j].to })
		for _, d := range batch {
			if node, ok := net.nodes[d.to]; ok {
				node.Handle(d.msg)
			}
		}
	}
	panic("network did not quiesce")
}

// sentTo returns every message of kind delivered (or attempted) to id.
func (net *fakeNetwork) sentTo(id int, kind common.Kind) []common.Message {
	net.mu.Lock()
	defer net.mu.Unlock()
	var out []common.Message
	for _, d := range net.sent {
		if d.to == id && d.msg.Kind == kind {
			out = append(out, d.msg)
		}
	}
	return out
}

func testClusterConfig(n int) common.ClusterConfig {
	var servers []common.Server
	for i := 0; i < n; i++ {
		servers = append(servers, common.Server{
			ID:         i,
			NetAddress: common.ServerAddress(fmt.Sprintf("node-%d", i)),
		})
	}
	return common.ClusterConfig{
		Cluster:           servers,
		ClientAddress:     "client",
		Algorithm:         common.EpsilonGreedy,
		Epsilon:           0,
		Decay:             1,
		Alpha:             0.5,
		Tradeoff:          1,
		EstimateMean:      0.1,
		EstimateStd:       0,
		PingInterval:      50 * time.Millisecond,
		PingTimeout:       50 * time.Millisecond,
		BroadcastInterval: 5 * time.Millisecond,
		ElectionTimeout:   time.Second,
		LedgerWindow:      64,
		InitialLeader:     0,
	}
}

// makeFakeCluster builds unstarted nodes wired to one fake network.
func makeFakeCluster(t *testing.T, cluster common.ClusterConfig) (*fakeNetwork, []*Node) {
	net := newFakeNetwork()
	var nodes []*Node
	for _, server := range cluster.Cluster {
		node, err := NewNode(server, cluster, net, nil, rand.New(rand.NewSource(int64(server.ID)+1)))
		require.NoError(t, err)
		node.clock = func() int64 { return net.ticks.Inc() }
		net.nodes[server.ID] = node
		nodes = append(nodes, node)
	}
	return net, nodes
}

func setLeader(nodes []*Node, leader int, stamp int64) {
	for _, node := range nodes {
		node.mu.Lock()
		node.View.Update(leader, stamp)
		node.mu.Unlock()
	}
}

func clientRequest(leader, requestID int) common.Message {
	return common.Message{
		Kind:      common.ClientRequest,
		Sender:    common.ClientID,
		Leader:    leader,
		Stamp:     1,
		RequestID: requestID,
	}
}

func failure(failed bool) common.Message {
	return common.Message{Kind: common.Failure, Sender: common.EnvironmentID, Stamp: 1, Failed: failed}
}
