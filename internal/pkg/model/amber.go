package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel is an independent tariff stream published by Amber.
type Channel string

const (
	ChannelGeneral Channel = "general"
	ChannelFeedIn  Channel = "feedin"
)

// Channels lists every channel in the order sensors are presented.
var Channels = []Channel{ChannelGeneral, ChannelFeedIn}

func (c Channel) String() string {
	return string(c)
}

// Label is the human readable name Amber uses for the channel.
func (c Channel) Label() string {
	switch c {
	case ChannelGeneral:
		return "General Usage"
	case ChannelFeedIn:
		return "Feed-In"
	}
	return string(c)
}

// Interval is a single market interval for one channel.
// MarketTime is the start of the interval as reported by the market (nemTime).
type Interval struct {
	Channel    Channel         `json:"channel"`
	MarketTime time.Time       `json:"nem_time"`
	PerKwh     decimal.Decimal `json:"per_kwh"`    // c/kWh, feed-in may be negative
	Renewables decimal.Decimal `json:"renewables"` // percent, 0-100
	Descriptor string          `json:"descriptor"`
}

type Intervals []Interval
