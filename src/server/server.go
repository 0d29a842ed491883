package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"perpexecutor/src/model"
	"perpexecutor/src/repository"
)

// Read-side store surface; factories below are swapped in handler tests.
type positionLister interface {
	FindAll(ctx context.Context) ([]model.Position, error)
}

type orderLister interface {
	FindActive(ctx context.Context) ([]model.PriceOrder, error)
}

type tradeLister interface {
	FindLatest(ctx context.Context, limit int) ([]model.Trade, error)
}

type closeEventLister interface {
	FindLatest(ctx context.Context, limit int) ([]model.PositionCloseEvent, error)
}

type inconsistencyLister interface {
	FindUnresolved(ctx context.Context) ([]model.InconsistentState, error)
}

var (
	newPositionLister = func() positionLister {
		return repository.NewPositionRepository()
	}
	newOrderLister = func() orderLister {
		return repository.NewPriceOrderRepository()
	}
	newTradeLister = func() tradeLister {
		return repository.NewTradeRepository()
	}
	newCloseEventLister = func() closeEventLister {
		return repository.NewCloseEventRepository()
	}
	newInconsistencyLister = func() inconsistencyLister {
		return repository.NewInconsistentStateRepository()
	}
)

// NewRouter builds the read-only inspection API. All trading writes go
// through the execution loop; the HTTP surface only observes.
func NewRouter(config *Config) chi.Router {
	positions := newPositionLister()
	orders := newOrderLister()
	trades := newTradeLister()
	events := newCloseEventLister()
	inconsistencies := newInconsistencyLister()

	r := chi.NewRouter()

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("/healthcheck write error")
		}
	})

	r.Get("/positions", func(w http.ResponseWriter, r *http.Request) {
		rows, err := positions.FindAll(r.Context())
		respondList(w, rows, err)
	})

	r.Get("/orders", func(w http.ResponseWriter, r *http.Request) {
		rows, err := orders.FindActive(r.Context())
		respondList(w, rows, err)
	})

	r.Get("/trades", func(w http.ResponseWriter, r *http.Request) {
		rows, err := trades.FindLatest(r.Context(), config.ListLimit)
		respondList(w, rows, err)
	})

	r.Get("/close-events", func(w http.ResponseWriter, r *http.Request) {
		rows, err := events.FindLatest(r.Context(), config.ListLimit)
		respondList(w, rows, err)
	})

	r.Get("/inconsistent-states", func(w http.ResponseWriter, r *http.Request) {
		rows, err := inconsistencies.FindUnresolved(r.Context())
		respondList(w, rows, err)
	})

	return r
}

func respondList[T any](w http.ResponseWriter, rows []T, err error) {
	if err != nil {
		logger.WithError(err).Error("List query failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []T{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rows); err != nil {
		logger.WithError(err).Error("Response encoding failed")
	}
}

// StartServer serves the inspection API until the context is cancelled, then
// shuts down gracefully.
func StartServer(ctx context.Context, config *Config) error {
	addr := ":" + config.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: NewRouter(config),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown error")
		return err
	}
	return nil
}
