package simulation

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/banditelect/leaderelect/common"
	log "github.com/sirupsen/logrus"
)

// Step marks Failed as down and every other node as up, After the previous step.
type Step struct {
	After  time.Duration
	Failed []int
}

type Schedule []Step

// RandomSchedule draws steps failure sets: each node fails independently with
// probability p, and at most maxFailed of them are kept.
func RandomSchedule(rng *rand.Rand, n, maxFailed int, p float64, interval time.Duration, steps int) Schedule {
	schedule := make(Schedule, 0, steps)
	for i := 0; i < steps; i++ {
		var failed []int
		for id := 0; id < n; id++ {
			if rng.Float64() < p {
				failed = append(failed, id)
			}
		}
		if len(failed) > maxFailed {
			rng.Shuffle(len(failed), func(a, b int) { failed[a], failed[b] = failed[b], failed[a] })
			failed = failed[:maxFailed]
		}
		sort.Ints(failed)
		schedule = append(schedule, Step{After: interval, Failed: failed})
	}
	return schedule
}

// Environment replays a Schedule by sending Failure messages over the wire,
// the same way an external failure injector would.
type Environment struct {
	Nodes    []common.Peer
	Schedule Schedule
	logger   *log.Entry
}

func NewEnvironment(cluster common.ClusterConfig, manager common.Transport, schedule Schedule) *Environment {
	env := &Environment{
		Schedule: schedule,
		logger:   log.WithField("node", "env"),
	}
	for _, server := range cluster.Cluster {
		env.Nodes = append(env.Nodes, manager.ConnectToPeer(server.NetAddress, server.ID))
	}
	return env
}

// Run applies every step in order and returns when the schedule is exhausted
// or ctx is done. Nodes are left in the state of the last applied step.
func (env *Environment) Run(ctx context.Context) error {
	for _, step := range env.Schedule {
		timer := time.NewTimer(step.After)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		env.Apply(step.Failed)
	}
	return nil
}

// Apply tells every node whether it is failed.
func (env *Environment) Apply(failed []int) {
	env.logger.Infof("failed nodes %v", failed)
	down := make(map[int]bool, len(failed))
	for _, id := range failed {
		down[id] = true
	}
	for _, node := range env.Nodes {
		msg := common.Message{
			Kind:   common.Failure,
			Sender: common.EnvironmentID,
			Leader: 0,
			Stamp:  common.StampNow(),
			Failed: down[node.GetID()],
		}
		if err := node.Send(msg); err != nil {
			env.logger.Errorf("%v while connecting to %s", err, node.Address())
		}
	}
}

// Heal marks every node live again.
func (env *Environment) Heal() {
	env.Apply(nil)
}
