package publisher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/amber-price-integration/internal/pkg/model"
	"github.com/anicoll/amber-price-integration/internal/pkg/sensor"
)

var errAlreadyRegistered = errors.New("publisher already registered")

type Publisher interface {
	// Announce makes the sensors known to the adapter before their first value.
	Announce(ctx context.Context, readings []model.Reading) error
	// Write publishes readings whose state changed since the previous write.
	Write(ctx context.Context, readings []model.Reading) error
}

// Registry fans snapshots out to named publishers.
type Registry struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
	announced  sync.Map
	sensors    sync.Map
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.L()
	}
	return &Registry{
		publishers: make(map[string]Publisher),
		logger:     logger,
	}
}

func (r *Registry) Register(name string, p Publisher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.publishers[name]; ok {
		return errAlreadyRegistered
	}
	r.publishers[name] = p
	return nil
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.publishers)
	sort.Strings(names)
	return names
}

func (r *Registry) get(name string) Publisher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.publishers[name]
}

// Publish renders snap and forwards it to every publisher. A failing publisher
// is logged and skipped; its readings are retried on the next publish.
func (r *Registry) Publish(ctx context.Context, snap model.Snapshot) error {
	readings := sensor.Readings(snap)
	for _, name := range r.names() {
		p := r.get(name)

		pending := lo.Filter(readings, func(rd model.Reading, _ int) bool {
			_, ok := r.announced.Load(key(name, rd.UniqueID))
			return !ok
		})
		if len(pending) > 0 {
			if err := p.Announce(ctx, pending); err != nil {
				r.logger.Error("failed to announce sensors", zap.Error(err), zap.String("publisher", name))
				continue
			}
			for _, rd := range pending {
				r.announced.Store(key(name, rd.UniqueID), struct{}{})
			}
			r.logger.Debug("announced sensors", zap.Int("count", len(pending)), zap.String("publisher", name))
		}

		changed := lo.Filter(readings, func(rd model.Reading, _ int) bool {
			return r.shouldUpdate(name, rd)
		})
		if len(changed) == 0 {
			continue
		}
		if err := p.Write(ctx, changed); err != nil {
			r.logger.Error("failed to publish data", zap.Error(err), zap.String("publisher", name))
			continue
		}
		for _, rd := range changed {
			r.sensors.Store(key(name, rd.UniqueID), fingerprint(rd))
		}
		r.logger.Debug("updated sensors", zap.Int("count", len(changed)), zap.String("publisher", name))
	}
	return nil
}

func (r *Registry) shouldUpdate(name string, rd model.Reading) bool {
	oldValue, exists := r.sensors.Load(key(name, rd.UniqueID))
	if exists && strings.EqualFold(fingerprint(rd), oldValue.(string)) {
		return false
	}
	if !exists {
		r.logger.Info("configured sensor", zap.String("sensor", rd.UniqueID), zap.String("value", rd.State), zap.String("publisher", name))
	}
	return true
}

func key(name, uniqueID string) string {
	return fmt.Sprintf("%s_%s", name, uniqueID)
}

// fingerprint covers everything a publisher emits for a reading.
func fingerprint(rd model.Reading) string {
	return fmt.Sprintf("%s|%t|%v", rd.State, rd.Stale, rd.Attributes)
}
