package election

import (
	"math/rand"
	"testing"

	"github.com/banditelect/leaderelect/common"
	"github.com/stretchr/testify/assert"
)

func newTestSelector(me, n int, algorithm common.Algorithm, epsilon float64) *Selector {
	cluster := testClusterConfig(n)
	cluster.Algorithm = algorithm
	cluster.Epsilon = epsilon
	cluster.Decay = 0.5
	return NewSelector(me, cluster, rand.New(rand.NewSource(42)))
}

func Test_SelectGreedyPicksLowestEstimates(t *testing.T) {
	selector := newTestSelector(0, 4, common.EpsilonGreedy, 0)
	slate := selector.Select(0, []float64{0.9, 0.2, 0.1, 0.5}, 2)
	assert.Equal(t, []int{1, 2}, slate)

	// ties go to the lowest id
	slate = selector.Select(0, []float64{0.9, 0.3, 0.3, 0.3}, 1)
	assert.Equal(t, []int{1}, slate)
}

func Test_SelectExploreNeverProposesLeader(t *testing.T) {
	selector := newTestSelector(1, 5, common.EpsilonGreedy, 1)
	estimates := []float64{0.1, 0.1, 0.1, 0.1, 0.1}
	for i := 0; i < 200; i++ {
		// keep epsilon at one
		selector.epsilon = 1
		slate := selector.Select(3, estimates, 2)
		assert.Len(t, slate, 2)
		assert.NotContains(t, slate, 3)
		assert.IsIncreasing(t, slate)
	}
}

func Test_SelectDecaysEpsilon(t *testing.T) {
	selector := newTestSelector(0, 4, common.EpsilonGreedy, 1)
	estimates := []float64{0.1, 0.1, 0.1, 0.1}
	selector.Select(0, estimates, 1)
	assert.InDelta(t, 0.5, selector.Epsilon(), 1e-12)
	selector.Select(0, estimates, 1)
	assert.InDelta(t, 0.25, selector.Epsilon(), 1e-12)
}

func Test_SelectSlateCoversWholeClusterWhenAsked(t *testing.T) {
	selector := newTestSelector(0, 3, common.EpsilonGreedy, 1)
	slate := selector.Select(1, []float64{0.1, 0.1, 0.1}, 5)
	assert.Equal(t, []int{0, 2}, slate)
}

func Test_SelectDeterministic(t *testing.T) {
	selector := newTestSelector(2, 4, common.Deterministic, 0)
	estimates := []float64{0.9, 0.9, 0.9, 0.9}
	assert.Equal(t, []int{3}, selector.Select(2, estimates, 2))
	assert.Equal(t, []int{0}, selector.Select(3, estimates, 2))
}

func Test_SelectRandomizedOnlyDesignatedProposer(t *testing.T) {
	estimates := []float64{0.1, 0.1, 0.1, 0.1}
	proposer := newTestSelector(1, 4, common.Randomized, 0)
	for i := 0; i < 50; i++ {
		slate := proposer.Select(0, estimates, 1)
		assert.Len(t, slate, 1)
		assert.NotEqual(t, 0, slate[0])
	}
	bystander := newTestSelector(2, 4, common.Randomized, 0)
	assert.Nil(t, bystander.Select(0, estimates, 1))
}

func Test_SelectRandomizedProposerAdvancesOnRestart(t *testing.T) {
	estimates := []float64{0.1, 0.1, 0.1, 0.1}
	next := newTestSelector(2, 4, common.Randomized, 0)
	assert.Nil(t, next.SelectRound(0, 0, estimates, 1))
	assert.Len(t, next.SelectRound(0, 1, estimates, 1), 1)
	assert.Nil(t, next.SelectRound(0, 2, estimates, 1))

	// the ring wraps past the deposed leader
	wrapped := newTestSelector(1, 4, common.Randomized, 0)
	assert.Len(t, wrapped.SelectRound(0, 4, estimates, 1), 1)
}

func Test_SelectUCBWithoutDrawsFollowsEstimates(t *testing.T) {
	selector := newTestSelector(0, 4, common.UCB, 0)
	// ln(1) = 0, so there is no exploration bonus yet
	assert.Equal(t, []int{2}, selector.Select(0, []float64{0.5, 0.4, 0.1, 0.3}, 1))
}

func Test_SelectUCBFavoursRarelyDrawnArms(t *testing.T) {
	selector := newTestSelector(0, 3, common.UCB, 0)
	for i := 0; i < 10; i++ {
		selector.draws++
		selector.armCounts[1]++
	}
	// node 1 has been drawn a lot, node 2 never, so 2 gets the bigger bonus
	assert.Equal(t, []int{2}, selector.Select(0, []float64{0.9, 0.2, 0.2}, 1))
}

func Test_SelectUCBPenalize(t *testing.T) {
	selector := newTestSelector(0, 4, common.UCBPenalize, 0)
	estimates := []float64{0.2, 0.2, 0.2, 0.2}
	assert.Equal(t, []int{0}, selector.Select(3, estimates, 1))

	selector.Penalize(0)
	assert.InDelta(t, 0.5, selector.Penalty(0), 1e-12)
	assert.Equal(t, []int{1}, selector.Select(3, estimates, 1))

	selector.Penalize(0)
	assert.InDelta(t, 1.0, selector.Penalty(0), 1e-12)

	selector.Forgive(0)
	assert.Equal(t, 0.0, selector.Penalty(0))
	assert.Equal(t, []int{0}, selector.Select(3, estimates, 1))
}

func Test_PenaltyIgnoredWithoutPenalizePolicy(t *testing.T) {
	selector := newTestSelector(0, 4, common.UCB, 0)
	selector.Penalize(0)
	assert.Equal(t, []int{0}, selector.Select(3, []float64{0.2, 0.2, 0.2, 0.2}, 1))
}

func Test_ExploreUCBRoundRobinsLeastDrawn(t *testing.T) {
	selector := newTestSelector(0, 3, common.UCB, 0)
	assert.Equal(t, 1, selector.Explore())
	assert.Equal(t, 2, selector.Explore())
	assert.Equal(t, 1, selector.Explore())
	assert.Equal(t, 4.0, selector.draws)
	assert.Equal(t, 3.0, selector.armCounts[1])
	assert.Equal(t, 2.0, selector.armCounts[2])
	assert.Equal(t, 1.0, selector.armCounts[0])
}

func Test_ExploreNeverPicksSelf(t *testing.T) {
	for _, algorithm := range []common.Algorithm{common.EpsilonGreedy, common.Deterministic, common.Randomized, common.UCBPenalize} {
		selector := newTestSelector(2, 4, algorithm, 0)
		seen := make(map[int]bool)
		for i := 0; i < 100; i++ {
			target := selector.Explore()
			assert.NotEqual(t, 2, target, algorithm)
			assert.True(t, target >= 0 && target < 4)
			seen[target] = true
		}
		assert.Len(t, seen, 3, algorithm)
	}
}

func Test_ExploreAloneHasNobody(t *testing.T) {
	selector := newTestSelector(0, 1, common.UCB, 0)
	assert.Equal(t, -1, selector.Explore())
}
