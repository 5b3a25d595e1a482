package portfolio

import (
	"time"

	"github.com/ggonzalez94/portfolio-sync/internal/model"
)

// ShouldSkipUpdate decides whether a slot can keep its current data. A
// missing slot, a slot whose last refresh failed, or a forced refresh is
// always refetched. Otherwise a slot that is loading or younger than
// maxAge is left alone.
func ShouldSkipUpdate(state *model.NetworkState, force bool, maxAge time.Duration, now time.Time) bool {
	if state == nil || state.CriticalError != nil || force {
		return false
	}
	if state.IsLoading {
		return true
	}
	var last int64
	if state.Result != nil {
		last = state.Result.LastSuccessfulUpdate
	}
	return now.UnixMilli()-last < maxAge.Milliseconds()
}
