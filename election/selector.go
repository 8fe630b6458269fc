package election

import (
	"math"
	"sort"
	"sync"

	"github.com/banditelect/leaderelect/common"
)

// Selector proposes leader candidates and picks the peers to probe. Its
// bandit state (epsilon, draw counters, penalties) lives for the whole node
// lifetime and is never reset.
type Selector struct {
	mu        sync.Mutex
	algorithm common.Algorithm
	me, n     int
	rng       common.Rand

	epsilon  float64
	decay    float64
	alpha    float64
	tradeoff float64

	// draws counts exploration draws; armCounts counts draws per node.
	draws     float64
	armCounts []float64
	penalty   []float64
}

func NewSelector(me int, cluster common.ClusterConfig, rng common.Rand) *Selector {
	n := cluster.Size()
	s := &Selector{
		algorithm: cluster.Algorithm,
		me:        me,
		n:         n,
		rng:       rng,
		epsilon:   cluster.Epsilon,
		decay:     cluster.Decay,
		alpha:     cluster.Alpha,
		tradeoff:  cluster.Tradeoff,
		draws:     1,
		armCounts: make([]float64, n),
		penalty:   make([]float64, n),
	}
	for i := range s.armCounts {
		s.armCounts[i] = 1
	}
	return s
}

// Select returns a sorted slate of at most topn ids for the election that
// replaces leader. A nil slate means this node does not propose this round.
func (s *Selector) Select(leader int, estimates []float64, topn int) []int {
	return s.SelectRound(leader, 0, estimates, topn)
}

// SelectRound is Select for the given restart of an election round. Under
// the randomized policy the designated proposer moves one node further along
// the ring with every restart.
func (s *Selector) SelectRound(leader, round int, estimates []float64, topn int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return nil
	}
	if topn < 1 {
		topn = 1
	}
	var ids []int
	switch s.algorithm {
	case common.UCB:
		ids = lowestScores(s.ucbScores(estimates, false), topn)
	case common.UCBPenalize:
		ids = lowestScores(s.ucbScores(estimates, true), topn)
	case common.Deterministic:
		ids = []int{successor(leader, s.n)}
	case common.Randomized:
		if s.me != successor(leader+round, s.n) {
			return nil
		}
		ids = []int{s.randomExcluding(leader)}
	default:
		ids = s.epsilonGreedy(leader, estimates, topn)
	}
	sort.Ints(ids)
	return ids
}

func (s *Selector) epsilonGreedy(leader int, estimates []float64, topn int) []int {
	var ids []int
	if s.rng.Float64() < s.epsilon {
		if topn+1 <= s.n {
			ids = s.rng.Perm(s.n)[:topn+1]
		} else {
			ids = allIDs(s.n)
		}
		if i := indexOf(ids, leader); i >= 0 {
			ids = append(ids[:i], ids[i+1:]...)
		} else if len(ids) > topn {
			ids = ids[:topn]
		}
	} else {
		ids = lowestScores(estimates, topn)
	}
	s.epsilon *= s.decay
	return ids
}

// ucbScores is a lower-confidence bound on the failure estimate: lower is
// better, and rarely drawn arms get a larger exploration bonus.
func (s *Selector) ucbScores(estimates []float64, penalize bool) []float64 {
	scores := make([]float64, s.n)
	for i := range scores {
		scores[i] = estimates[i] - s.tradeoff*math.Sqrt(math.Log(s.draws)/s.armCounts[i])
		if penalize {
			scores[i] += s.penalty[i]
		}
	}
	return scores
}

// Explore picks the peer to probe next. UCB policies probe the least drawn
// peer; every other policy probes uniformly at random. Returns -1 when there
// is nobody else to probe.
func (s *Selector) Explore() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n < 2 {
		return -1
	}
	var target int
	switch s.algorithm {
	case common.UCB, common.UCBPenalize:
		s.draws++
		target = -1
		for id := 0; id < s.n; id++ {
			if id == s.me {
				continue
			}
			if target < 0 || s.armCounts[id] < s.armCounts[target] {
				target = id
			}
		}
		s.armCounts[target]++
	default:
		target = s.randomExcluding(s.me)
	}
	return target
}

// Penalize marks a previously proposed candidate that stayed unresponsive.
func (s *Selector) Penalize(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= 0 && id < s.n {
		s.penalty[id] += s.alpha
	}
}

// Forgive clears the penalty of a node that answered a direct probe.
func (s *Selector) Forgive(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= 0 && id < s.n {
		s.penalty[id] = 0
	}
}

func (s *Selector) Penalty(id int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.penalty[id]
}

func (s *Selector) Epsilon() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epsilon
}

// randomExcluding draws uniformly from [0,n) without skip (when skip is in range).
func (s *Selector) randomExcluding(skip int) int {
	if skip < 0 || skip >= s.n || s.n == 1 {
		return s.rng.Intn(s.n)
	}
	id := s.rng.Intn(s.n - 1)
	if id >= skip {
		id++
	}
	return id
}

func successor(leader, n int) int {
	return ((leader+1)%n + n) % n
}

func allIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func indexOf(ids []int, id int) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// lowestScores returns the topn ids with the smallest score, lowest id first on ties.
func lowestScores(scores []float64, topn int) []int {
	ids := allIDs(len(scores))
	sort.SliceStable(ids, func(i, j int) bool {
		return scores[ids[i]] < scores[ids[j]]
	})
	if topn < len(ids) {
		ids = ids[:topn]
	}
	return ids
}
