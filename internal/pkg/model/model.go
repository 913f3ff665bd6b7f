package model

import "time"

// ChannelView is the resolved state of a single channel.
// Current and Next are nil when no interval qualifies.
type ChannelView struct {
	Channel       Channel   `json:"channel"`
	Current       *Interval `json:"current"`
	Next          *Interval `json:"next"`
	Intervals     Intervals `json:"intervals"`
	LastRefreshed time.Time `json:"last_refreshed"`
	Stale         bool      `json:"stale"`
	LastError     string    `json:"last_error,omitempty"`
	Err           error     `json:"-"`
	Failures      int       `json:"consecutive_failures"`
	NextRefresh   time.Time `json:"next_refresh"`
}

// Loaded reports whether the view has ever been populated by a successful fetch.
func (v *ChannelView) Loaded() bool {
	return v != nil && !v.LastRefreshed.IsZero()
}

// Snapshot is a consistent copy of everything known about one postcode.
type Snapshot struct {
	PostCode      string      `json:"postcode"`
	LookbackHours int         `json:"past_hours"`
	General       ChannelView `json:"general"`
	FeedIn        ChannelView `json:"feedin"`
	NextRefresh   time.Time   `json:"next_refresh"`
}

func (s Snapshot) Channel(ch Channel) ChannelView {
	if ch == ChannelFeedIn {
		return s.FeedIn
	}
	return s.General
}
