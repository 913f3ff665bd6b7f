// Package resolver maps a batch of market intervals onto the interval in effect
// at a reference instant and the one that follows it.
package resolver

import (
	"time"

	"github.com/anicoll/amber-price-integration/internal/pkg/model"
)

// Resolve returns the interval with the latest MarketTime at or before at, and the
// interval with the earliest MarketTime strictly after at. Either is nil when no
// interval qualifies. Input order is irrelevant except for equal timestamps, where
// the later element wins. The input is not modified and the results are copies.
func Resolve(intervals []model.Interval, at time.Time) (current, next *model.Interval) {
	cur, nxt := -1, -1
	for i := range intervals {
		ts := intervals[i].MarketTime
		if !ts.After(at) {
			if cur < 0 || !ts.Before(intervals[cur].MarketTime) {
				cur = i
			}
			continue
		}
		if nxt < 0 || !ts.After(intervals[nxt].MarketTime) {
			nxt = i
		}
	}
	if cur >= 0 {
		c := intervals[cur]
		current = &c
	}
	if nxt >= 0 {
		n := intervals[nxt]
		next = &n
	}
	return current, next
}
