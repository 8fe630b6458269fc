package simulation

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/banditelect/leaderelect/client"
	"github.com/banditelect/leaderelect/common"
	"github.com/banditelect/leaderelect/election"
	"github.com/banditelect/leaderelect/rpc"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Result is what one simulated run produced.
type Result struct {
	Stats   client.Stats
	Views   map[int]common.LeaderView
	Elapsed time.Duration
}

// Cluster is a whole simulated deployment in one process: every node and
// the client on their own loopback listeners, plus the failure environment.
type Cluster struct {
	Config common.ClusterConfig
	Nodes  []*election.Node
	Client *client.Client
	Env    *Environment
}

// NewCluster wires every node with its own transport and a random source
// seeded from seed and its id. recorder may be nil; it is shared by all nodes.
func NewCluster(cluster common.ClusterConfig, recorder common.Recorder, seed int64, schedule Schedule) (*Cluster, error) {
	c := &Cluster{Config: cluster}
	for _, server := range cluster.Cluster {
		rng := rand.New(rand.NewSource(seed + int64(server.ID)))
		node, err := election.NewNode(server, cluster, rpc.NewManager(), recorder, rng)
		if err != nil {
			return nil, err
		}
		c.Nodes = append(c.Nodes, node)
	}
	c.Client = client.NewClient(cluster, rpc.NewManager(), recorder)
	c.Env = NewEnvironment(cluster, rpc.NewManager(), schedule)
	return c, nil
}

// Start brings up the client first so that no confirmation is lost, then the nodes.
func (c *Cluster) Start() error {
	if err := c.Client.Start(); err != nil {
		return err
	}
	for i, node := range c.Nodes {
		if err := node.Start(); err != nil {
			var stopErr error
			for _, started := range c.Nodes[:i] {
				stopErr = multierr.Append(stopErr, started.Stop())
			}
			return multierr.Combine(err, stopErr, c.Client.Stop())
		}
	}
	return nil
}

func (c *Cluster) Stop() error {
	var err error
	for _, node := range c.Nodes {
		err = multierr.Append(err, node.Stop())
	}
	return multierr.Append(err, c.Client.Stop())
}

// Views returns the leader view of every node.
func (c *Cluster) Views() map[int]common.LeaderView {
	views := make(map[int]common.LeaderView, len(c.Nodes))
	for _, node := range c.Nodes {
		views[node.MyID] = node.Leader()
	}
	return views
}

// Run starts a cluster, replays schedule while the client issues total
// requests, and tears everything down once the client is done.
func Run(ctx context.Context, cluster common.ClusterConfig, recorder common.Recorder, seed int64, schedule Schedule, total int) (Result, error) {
	c, err := NewCluster(cluster, recorder, seed, schedule)
	if err != nil {
		return Result{}, err
	}
	if err := c.Start(); err != nil {
		return Result{}, err
	}
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return c.Env.Run(groupCtx) })
	var stats client.Stats
	group.Go(func() error {
		defer cancel()
		var err error
		stats, err = c.Client.RunLoop(groupCtx, total)
		return err
	})
	runErr := group.Wait()

	result := Result{
		Stats:   stats,
		Views:   c.Views(),
		Elapsed: time.Since(start),
	}
	log.Infof("simulation finished in %s: %d completed, %d abandoned, %d elections",
		result.Elapsed, stats.Completed, stats.Abandoned, stats.Elections)
	return result, multierr.Combine(runErr, c.Stop())
}

// LoopbackCluster returns cluster with every node and the client moved to a
// free port on 127.0.0.1.
func LoopbackCluster(cluster common.ClusterConfig) (common.ClusterConfig, error) {
	addrs, err := FreeAddresses("127.0.0.1", cluster.Size()+1)
	if err != nil {
		return cluster, err
	}
	servers := make([]common.Server, cluster.Size())
	for i, server := range cluster.Cluster {
		servers[i] = common.Server{ID: server.ID, NetAddress: addrs[i]}
	}
	cluster.Cluster = servers
	cluster.ClientAddress = addrs[len(addrs)-1]
	return cluster, nil
}

// FreeAddresses asks the kernel for n distinct free ports on host.
func FreeAddresses(host string, n int) ([]common.ServerAddress, error) {
	var listeners []net.Listener
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	var addrs []common.ServerAddress
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:0", host))
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
		addrs = append(addrs, common.ServerAddress(l.Addr().String()))
	}
	return addrs, nil
}
