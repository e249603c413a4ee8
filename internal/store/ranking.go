package store

import (
	"sort"

	"innovationquest/pkg/types"
)

// RankResults orders results by vote count, highest first. The sort is
// stable, so results already in submission order keep it on ties.
func RankResults(results []types.RankedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].VoteCount > results[j].VoteCount
	})
}
