package cmd

import (
	"context"

	"github.com/anicoll/amber-price-integration/internal/pkg/model"
)

// PriceFetcher defines the interface that cmd.run expects from the amber client.
type PriceFetcher interface {
	FetchPrices(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error)
}
