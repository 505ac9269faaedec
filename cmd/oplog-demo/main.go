package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/example/operate-log-client/internal/config"
	"github.com/example/operate-log-client/internal/httpcapture"
	"github.com/example/operate-log-client/internal/logger"
	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/oplog"
)

func main() {
	addr := pflag.String("addr", ":8080", "address the demo API listens on")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := logger.WithApplication(baseLogger.With().Str("service", "oplog-demo").Logger(), cfg.Client.Application, cfg.Client.Environment)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := oplog.FromConfig(ctx, cfg, log,
		oplog.WithMetrics(reg),
		oplog.WithErrorHandler(func(failure *oplog.DeliveryFailedError) {
			log.Error().
				Err(failure).
				Str("batch_id", failure.BatchID).
				Int("records", len(failure.Records)).
				Msg("operation batch not delivered")
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create operation log client")
	}
	client.Start()
	defer func() {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close operation log client")
		}
	}()

	identity := func(r *http.Request) httpcapture.Identity {
		return httpcapture.Identity{
			Operator: r.Header.Get("X-Operator"),
			UserID:   r.Header.Get("X-Tenant-ID"),
		}
	}
	capture := func(name string, h http.HandlerFunc) http.Handler {
		return httpcapture.Middleware(client, httpcapture.Options{
			Name:        name,
			Identity:    identity,
			LogRequest:  true,
			LogResponse: true,
		}, log)(h)
	}

	store := newOrderStore()
	mux := http.NewServeMux()
	mux.Handle("POST /orders", capture("orders", store.create))
	mux.Handle("GET /orders/{id}", capture("orders", store.get))
	mux.Handle("DELETE /orders/{id}", capture("orders", store.remove))
	mux.HandleFunc("POST /operations", func(w http.ResponseWriter, r *http.Request) {
		var req operationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		op := req.operation()
		op.SourceIP = httpcapture.SourceIP(r)
		id, err := client.LogOperation(r.Context(), op)
		if err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(err, oplog.ErrValidation) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"operation_id": id})
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, client.Stats())
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if client.Closed() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	servers := []*http.Server{{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
	if cfg.App.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{Addr: cfg.App.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second})
	} else {
		mux.Handle("GET /metrics", metricsHandler)
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv)
	}

	log.Info().
		Str("addr", *addr).
		Str("metrics_addr", cfg.App.MetricsAddr).
		Str("transport", cfg.Client.Transport).
		Msg("oplog demo started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server terminated with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("failed to shut down http server")
		}
	}
}

// operationRequest is the body accepted by POST /operations.
type operationRequest struct {
	OperationType string         `json:"operation_type"`
	Operator      string         `json:"operator"`
	Target        string         `json:"target"`
	UserID        string         `json:"user_id"`
	SubuserID     string         `json:"subuser_id"`
	Status        string         `json:"status"`
	RequestID     string         `json:"request_id"`
	Details       models.Details `json:"details"`
}

func (r operationRequest) operation() oplog.Operation {
	return oplog.Operation{
		OperationType: r.OperationType,
		Operator:      r.Operator,
		Target:        r.Target,
		UserID:        r.UserID,
		SubuserID:     r.SubuserID,
		Status:        r.Status,
		RequestID:     r.RequestID,
		Details:       r.Details,
	}
}

type order struct {
	ID     string  `json:"id"`
	Item   string  `json:"item"`
	Amount float64 `json:"amount"`
}

type orderStore struct {
	mu     sync.Mutex
	orders map[string]order
}

func newOrderStore() *orderStore {
	return &orderStore{orders: map[string]order{}}
}

func (s *orderStore) create(w http.ResponseWriter, r *http.Request) {
	var o order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil || strings.TrimSpace(o.ID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "order exists"})
		return
	}
	s.orders[o.ID] = o
	writeJSON(w, http.StatusCreated, o)
}

func (s *orderStore) get(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	o, ok := s.orders[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *orderStore) remove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.orders[id]
	delete(s.orders, id)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("oplog demo init failed")
}
