package cmd

import (
	"context"
	"sync/atomic"

	"github.com/anicoll/amber-price-integration/internal/pkg/model"
)

// MockPriceFetcher is a mock implementation of the PriceFetcher interface.
type MockPriceFetcher struct {
	FetchPricesFunc func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error)

	calls atomic.Int32
}

func (m *MockPriceFetcher) FetchPrices(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
	m.calls.Add(1)
	if m.FetchPricesFunc != nil {
		return m.FetchPricesFunc(ctx, postcode, ch, lookbackHours)
	}
	return nil, nil
}

func (m *MockPriceFetcher) Calls() int {
	return int(m.calls.Load())
}
