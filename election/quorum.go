package election

import (
	"fmt"
	"sort"
)

// quorumReached reports whether proposals (the node's own included) exceed (n-1)/2.
func quorumReached(proposals, n int) bool {
	return 2*proposals > n-1
}

// rankCandidates counts every id over all slates and orders the ids with a
// non-zero count by count (descending) then id (ascending). Ids must lie in [0,n).
func rankCandidates(n int, slates ...[]int) []int {
	counts := make([]int, n)
	for _, slate := range slates {
		for _, id := range slate {
			if id < 0 || id >= n {
				panic(fmt.Sprintf("fatal: candidate %d outside cluster of %d", id, n))
			}
			counts[id]++
		}
	}
	var ranked []int
	for id, c := range counts {
		if c > 0 {
			ranked = append(ranked, id)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return counts[ranked[i]] > counts[ranked[j]]
	})
	return ranked
}

// pluralityWinner picks the most proposed id, lowest id on ties. When the
// plurality lands on the leader being replaced and mine did not vote for it,
// the runner-up is taken instead so the cluster does not re-elect a dead leader.
func pluralityWinner(n int, slates [][]int, mine []int, deposed int) (int, bool) {
	all := make([][]int, 0, len(slates)+1)
	all = append(all, slates...)
	ranked := rankCandidates(n, append(all, mine)...)
	if len(ranked) == 0 {
		return 0, false
	}
	winner := ranked[0]
	if winner == deposed && !containsID(mine, deposed) && len(ranked) > 1 {
		winner = ranked[1]
	}
	return winner, true
}

func containsID(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
