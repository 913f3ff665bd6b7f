package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/amber-price-integration/internal/pkg/coordinator"
	"github.com/anicoll/amber-price-integration/internal/pkg/model"
	"github.com/anicoll/amber-price-integration/internal/pkg/sensor"
)

// PriceService is the read and refresh surface of one coordinator.
type PriceService interface {
	PostCode() string
	Snapshot() model.Snapshot
	Refresh(ctx context.Context) error
}

type server struct {
	services map[string]PriceService
	order    []string
	hub      *Hub
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

func New(services []PriceService, hub *Hub, gatherer prometheus.Gatherer) *server {
	s := &server{
		services: make(map[string]PriceService, len(services)),
		hub:      hub,
		gatherer: gatherer,
		logger:   zap.L(),
	}
	for _, svc := range services {
		s.services[svc.PostCode()] = svc
		s.order = append(s.order, svc.PostCode())
	}
	return s
}

func (s *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.GetHealth)
	mux.HandleFunc("GET /api/prices", s.GetPrices)
	mux.HandleFunc("GET /api/prices/{postcode}", s.GetPostCodePrices)
	mux.HandleFunc("GET /api/prices/{postcode}/sensors", s.GetSensors)
	mux.HandleFunc("POST /api/prices/{postcode}/refresh", s.PostRefresh)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.GetWebsocket)
	}
	return LoggingMiddleware(mux)
}

func (s *server) GetHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) GetPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshots())
}

func (s *server) GetPostCodePrices(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, svc.Snapshot())
}

func (s *server) GetSensors(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sensor.Readings(svc.Snapshot()))
}

func (s *server) PostRefresh(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.lookup(w, r)
	if !ok {
		return
	}
	switch err := svc.Refresh(r.Context()); {
	case errors.Is(err, coordinator.ErrRefreshInProgress):
		handleError(w, http.StatusConflict, err)
		return
	case errors.Is(err, coordinator.ErrClosed):
		handleError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		handleError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("manual refresh", zap.String("postcode", svc.PostCode()))
	writeJSON(w, http.StatusOK, svc.Snapshot())
}

func (s *server) GetWebsocket(w http.ResponseWriter, r *http.Request) {
	client, err := NewClient(s.hub, w, r)
	if err != nil {
		s.logger.Warn("web socket upgrade failed", zap.Error(err))
		return
	}
	for _, snap := range s.snapshots() {
		if payload, err := json.Marshal(snap); err == nil {
			client.send <- payload
		}
	}
	s.hub.register(client)
	go client.WritePump()
	go client.ReadPump()
}

// Broadcast pushes snap to every websocket client.
func (s *server) Broadcast(snap model.Snapshot) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("failed to encode snapshot", zap.Error(err))
		return
	}
	s.hub.Broadcast(payload)
}

func (s *server) snapshots() []model.Snapshot {
	return lo.Map(s.order, func(postcode string, _ int) model.Snapshot {
		return s.services[postcode].Snapshot()
	})
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) (PriceService, bool) {
	postcode := r.PathValue("postcode")
	svc, ok := s.services[postcode]
	if !ok {
		handleError(w, http.StatusNotFound, errors.New("unknown postcode "+postcode))
	}
	return svc, ok
}

func handleError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	w.Write([]byte(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("failed to write response", zap.Error(err))
	}
}
