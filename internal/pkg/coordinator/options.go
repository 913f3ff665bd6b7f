package coordinator

import (
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/amber-price-integration/internal/pkg/metrics"
	"github.com/anicoll/amber-price-integration/internal/pkg/model"
)

func WithLogger(logger *zap.Logger) func(*Coordinator) {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock replaces time.Now, used for resolution and scheduling decisions.
func WithClock(now func() time.Time) func(*Coordinator) {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithCollector(collector metrics.Collector) func(*Coordinator) {
	return func(c *Coordinator) {
		c.collector = collector
	}
}

func OnUpdate(f func(model.Snapshot)) func(*Coordinator) {
	return func(c *Coordinator) {
		c.listeners = append(c.listeners, f)
	}
}
