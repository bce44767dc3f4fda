package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/BTreeMap/TradeBridge/internal/metrics"
	"github.com/BTreeMap/TradeBridge/internal/models"
	"github.com/BTreeMap/TradeBridge/internal/shopapi"
	"github.com/BTreeMap/TradeBridge/internal/signature"
)

// MaxCallbackBodySize caps the callback request body.
const MaxCallbackBodySize = 1 << 20

// Ingester consumes purchase records.
type Ingester interface {
	Ingest(ctx context.Context, rec models.PurchaseRecord)
}

// CallbackHandler receives purchases pushed by the marketplace. It answers "OK"
// to every POST it processes, valid or not, so a rejected payload reveals nothing.
type CallbackHandler struct {
	validator *signature.Validator
	ingester  Ingester
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	draining bool
	inflight sync.WaitGroup
}

// NewCallbackHandler creates a handler feeding verified purchases to ingester.
func NewCallbackHandler(validator *signature.Validator, ingester Ingester, m *metrics.Metrics) *CallbackHandler {
	return &CallbackHandler{validator: validator, ingester: ingester, metrics: m}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("CallbackHandler.ServeHTTP: method not allowed", "method", r.Method, "remote", r.RemoteAddr)
		writeTextResponse(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	if !h.begin() {
		slog.Info("CallbackHandler.ServeHTTP: draining, asking marketplace to retry", "remote", r.RemoteAddr)
		writeTextResponse(w, http.StatusServiceUnavailable, "Service Unavailable")
		return
	}
	defer h.inflight.Done()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxCallbackBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("CallbackHandler.ServeHTTP: body too large", "limit", tooLarge.Limit, "remote", r.RemoteAddr)
			writeTextResponse(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large")
			return
		}
		slog.Warn("CallbackHandler.ServeHTTP: failed to read body", "error", err, "remote", r.RemoteAddr)
		writeTextResponse(w, http.StatusBadRequest, "Bad Request")
		return
	}

	// The marketplace may disconnect once it has its answer; ingestion must not stop.
	h.Process(context.WithoutCancel(r.Context()), body)
	writeTextResponse(w, http.StatusOK, "OK")
}

// Process verifies body and ingests its items. It returns the number of records
// handed to the ingester.
func (h *CallbackHandler) Process(ctx context.Context, body []byte) int {
	res := h.validator.Verify(body)
	if !res.Valid {
		h.metrics.CallbackRejected(res.Reason)
		slog.Warn("CallbackHandler.Process: rejected callback with invalid signature",
			"reason", res.Reason, "given_hash", res.Given, "computed_hash", res.Computed)
		return 0
	}

	payload, err := shopapi.ParseCallback(body)
	if err != nil {
		h.metrics.CallbackRejected(metrics.ReasonMalformed)
		slog.Warn("CallbackHandler.Process: malformed callback payload", "error", err)
		return 0
	}
	if payload.Skipped > 0 {
		slog.Warn("CallbackHandler.Process: skipped malformed items", "buyer", payload.Buyer, "skipped", payload.Skipped)
	}

	slog.Info("CallbackHandler.Process: callback verified", "shop_id", payload.ShopID, "buyer", payload.Buyer, "items", len(payload.Records))
	for _, rec := range payload.Records {
		h.ingester.Ingest(ctx, rec)
	}
	return len(payload.Records)
}

func (h *CallbackHandler) begin() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.draining {
		return false
	}
	h.inflight.Add(1)
	return true
}

// Draining reports whether Drain has been called.
func (h *CallbackHandler) Draining() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.draining
}

// Drain makes new callbacks answer 503 and waits for in-flight ones to finish.
func (h *CallbackHandler) Drain(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("callback drain interrupted: %w", ctx.Err())
	}
}
