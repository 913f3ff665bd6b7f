// Package sensor renders coordinator snapshots as Home Assistant style sensor readings.
package sensor

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/samber/lo"

	"github.com/anicoll/amber-price-integration/internal/pkg/model"
)

// Unknown is the state of a sensor whose interval is absent.
const Unknown = "unknown"

func UniqueID(postcode string, ch model.Channel, kind model.SensorKind) string {
	return strings.Replace(slug.Make(fmt.Sprintf("amber %s %s %s", postcode, ch, kind)), "-", "_", -1)
}

func Name(ch model.Channel, kind model.SensorKind) string {
	return fmt.Sprintf("Amber %s %s", ch.Label(), kind.Title())
}

// Readings returns the four readings of every channel in snap.
func Readings(snap model.Snapshot) []model.Reading {
	return lo.FlatMap(model.Channels, func(ch model.Channel, _ int) []model.Reading {
		view := snap.Channel(ch)
		return lo.Map(model.SensorKinds, func(kind model.SensorKind, _ int) model.Reading {
			return render(snap.PostCode, view, kind)
		})
	})
}

func render(postcode string, view model.ChannelView, kind model.SensorKind) model.Reading {
	r := model.Reading{
		UniqueID:   UniqueID(postcode, view.Channel, kind),
		Name:       Name(view.Channel, kind),
		PostCode:   postcode,
		Channel:    view.Channel,
		Kind:       kind,
		Unit:       kind.Unit(),
		Icon:       kind.Icon(),
		State:      Unknown,
		Stale:      view.Stale,
		Attributes: map[string]any{"postcode": postcode},
	}
	if view.Loaded() {
		r.Attributes["last_refreshed"] = view.LastRefreshed.Format(time.RFC3339)
	}
	if view.Stale {
		r.Attributes["stale"] = true
		r.Attributes["last_error"] = view.LastError
	}

	interval := view.Current
	if kind == model.NextPrice {
		interval = view.Next
	}
	if interval == nil {
		return r
	}
	r.Attributes["nem_time"] = interval.MarketTime.Format(time.RFC3339)

	switch kind {
	case model.CurrentPrice, model.NextPrice:
		r.State = interval.PerKwh.Round(2).StringFixed(2)
		r.Known = true
		r.Attributes["descriptor"] = interval.Descriptor
		r.Attributes["renewables"] = interval.Renewables.InexactFloat64()
	case model.Renewables:
		r.State = interval.Renewables.Round(2).String()
		r.Known = true
	case model.Descriptor:
		if interval.Descriptor != "" {
			r.State = interval.Descriptor
			r.Known = true
		}
		r.Attributes["price_per_kwh"] = interval.PerKwh.InexactFloat64()
	}
	return r
}
