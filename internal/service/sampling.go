package service

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/samber/lo"
)

// SampleSize returns how many of total entries an INCLUSIVE sub-request
// draws: the rounded percentage, at least one, at most total, then capped by
// maxEntries when it is positive. An empty archive yields zero.
func SampleSize(total, percentage, maxEntries int) int {
	if total <= 0 {
		return 0
	}
	n := int(math.Round(float64(total) * float64(percentage) / 100))
	n = min(max(n, 1), total)
	if maxEntries > 0 {
		n = min(n, maxEntries)
	}
	return n
}

// sample picks n distinct ids with a partial Fisher-Yates shuffle. The input
// is not modified.
func sample(r *rand.Rand, ids []string, n int) []string {
	pool := slices.Clone(ids)
	n = min(n, len(pool))
	for i := 0; i < n; i++ {
		j := i + r.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n]
}

// TagMatch returns the share of target found in tags, in percent.
func TagMatch(tags, target []string) float64 {
	if len(target) == 0 {
		return 0
	}
	hits := len(lo.Intersect(lo.Uniq(tags), lo.Uniq(target)))
	return float64(hits) / float64(len(lo.Uniq(target))) * 100
}

type ranked[T any] struct {
	item  T
	score float64
}

// rankByScore orders items by descending score. Ties keep their input order.
func rankByScore[T any](items []T, score func(T) float64) []T {
	rs := lo.Map(items, func(it T, _ int) ranked[T] {
		return ranked[T]{item: it, score: score(it)}
	})
	slices.SortStableFunc(rs, func(a, b ranked[T]) int { return cmp.Compare(b.score, a.score) })
	return lo.Map(rs, func(r ranked[T], _ int) T { return r.item })
}
