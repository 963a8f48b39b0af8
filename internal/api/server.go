package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"invoice-dispatcher/internal/models"
	"invoice-dispatcher/internal/telemetry"
)

// InvoiceStore is the persistence surface the ops API reads and seeds.
type InvoiceStore interface {
	CreateInvoice(ctx context.Context, region string) (models.Invoice, error)
	GetInvoice(ctx context.Context, id int64) (models.Invoice, error)
	PendingInvoices(ctx context.Context, limit int) ([]models.Invoice, error)
	CountPending(ctx context.Context) (int64, error)
}

// DeadLetterReader exposes recent dead-letter records.
type DeadLetterReader interface {
	Peek(ctx context.Context, count int64) ([]models.DeadLetterRecord, error)
}

// Trigger starts a dispatch pass unless one is already running.
type Trigger interface {
	TryRun(ctx context.Context) bool
}

// Server wires HTTP handlers for the ops API.
type Server struct {
	store   InvoiceStore
	dlq     DeadLetterReader
	trigger Trigger
}

// New constructs the ops API server. dlq and trigger may be nil; the matching
// routes then report 503.
func New(store InvoiceStore, dlq DeadLetterReader, trigger Trigger) *Server {
	return &Server{store: store, dlq: dlq, trigger: trigger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/invoices", s.handleSeedInvoice)
	r.Get("/invoices/{id}", s.handleGetInvoice)
	r.Get("/invoices/pending", s.handlePending)
	r.Get("/dlq", s.handleDLQ)
	r.Post("/runs", s.handleTriggerRun)
	return r
}

type seedRequest struct {
	Region string `json:"region"`
}

func (s *Server) handleSeedInvoice(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Region == "" {
		http.Error(w, "region is required", http.StatusBadRequest)
		return
	}
	inv, err := s.store.CreateInvoice(r.Context(), req.Region)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return
	}
	inv, err := s.store.GetInvoice(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	invoices, err := s.store.PendingInvoices(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to load pending invoices", http.StatusInternalServerError)
		return
	}
	total, err := s.store.CountPending(r.Context())
	if err != nil {
		http.Error(w, "failed to count pending invoices", http.StatusInternalServerError)
		return
	}
	if invoices == nil {
		invoices = []models.Invoice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "invoices": invoices})
}

// handleDLQ returns the most recent dead-letter records.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		http.Error(w, "dead letter queue not configured", http.StatusServiceUnavailable)
		return
	}
	records, err := s.dlq.Peek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.DeadLetterRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleTriggerRun starts a dispatch pass and blocks until it completes. If a
// pass is already in flight the request is rejected instead of queued.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		http.Error(w, "scheduler not configured", http.StatusServiceUnavailable)
		return
	}
	if !s.trigger.TryRun(r.Context()) {
		http.Error(w, "a dispatch pass is already running", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
