package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/TradeBridge/internal/models"
	"github.com/BTreeMap/TradeBridge/internal/poller"
	"github.com/BTreeMap/TradeBridge/internal/shopapi"
	"github.com/BTreeMap/TradeBridge/internal/store"
)

// Operator API limits
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 500
	MaxDebugBodySize    = 64 << 10
)

// Handler returns the operator API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/online", s.onlineHandler)
	mux.HandleFunc("/history", s.historyHandler)
	mux.HandleFunc("/pending", s.pendingHandler)
	mux.HandleFunc("/debug/purchase", s.debugPurchaseHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/host", s.bridge)
	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// MarketplaceStatus reports whether shop.getOnline answered.
type MarketplaceStatus struct {
	ShopID    string          `json:"shop_id,omitempty"`
	Reachable bool            `json:"reachable"`
	Online    json.RawMessage `json:"online,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// CallbackStatus describes the callback listener.
type CallbackStatus struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr,omitempty"`
	Path       string `json:"path,omitempty"`
	Configured bool   `json:"key_configured"`
	Draining   bool   `json:"draining"`
}

// HostStatus describes the game host connection.
type HostStatus struct {
	Connected bool     `json:"connected"`
	Players   []string `json:"players"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Marketplace         MarketplaceStatus `json:"marketplace"`
	Callback            CallbackStatus    `json:"callback"`
	Poller              poller.Status     `json:"poller"`
	PollEnabled         bool              `json:"poll_enabled"`
	PersistenceDegraded bool              `json:"persistence_degraded"`
	Processed           int               `json:"processed"`
	Pending             int               `json:"pending"`
	QueuedDeliveries    int               `json:"queued_deliveries"`
	Host                HostStatus        `json:"host"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	resp := StatusResponse{
		Marketplace: s.marketplaceStatus(r.Context()),
		Callback: CallbackStatus{
			Enabled:    s.opts.CallbackEnabled,
			Configured: s.validator.Configured(),
			Draining:   s.callback.Draining(),
		},
		Poller:              s.poller.Status(),
		PollEnabled:         s.opts.PollEnabled,
		PersistenceDegraded: s.state.Degraded(),
		Processed:           s.dedup.Len(),
		Pending:             s.pending.Len(),
		QueuedDeliveries:    s.dispatcher.Pending(),
		Host:                HostStatus{Connected: s.bridge.Connected(), Players: s.bridge.Players()},
	}
	if s.opts.CallbackEnabled {
		resp.Callback.Addr = s.opts.CallbackAddr
		resp.Callback.Path = s.opts.CallbackPath
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) primaryShop() string {
	for _, id := range s.opts.ShopIDs {
		if id = strings.TrimSpace(id); id != "" && id != "0" {
			return id
		}
	}
	return ""
}

func (s *Server) marketplaceStatus(ctx context.Context) MarketplaceStatus {
	st := MarketplaceStatus{ShopID: s.primaryShop()}
	if st.ShopID == "" {
		st.Error = "shop id not configured"
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultStatusTimeout)
	defer cancel()
	online, err := s.shop.Online(ctx, st.ShopID)
	if err != nil {
		slog.Warn("Server.marketplaceStatus: marketplace unreachable", "shop_id", st.ShopID, "error", err)
		st.Error = err.Error()
		return st
	}
	st.Reachable = true
	if online != "" {
		st.Online = json.RawMessage(online)
	}
	return st
}

func (s *Server) onlineHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	st := s.marketplaceStatus(r.Context())
	if !st.Reachable {
		writeJSONResponse(w, http.StatusBadGateway, models.Error(st.Error))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}

// HistoryResponse is the body of GET /history.
type HistoryResponse struct {
	Log       []json.RawMessage `json:"log"`
	Donations []store.Donation  `json:"donations,omitempty"`
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !s.authorizeOperator(w, r, false) {
		return
	}

	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = min(n, MaxHistoryLimit)
	}

	resp := HistoryResponse{Log: []json.RawMessage{}}
	if s.auditLog != nil {
		lines, err := s.auditLog.Tail(limit)
		if err != nil {
			slog.Error("Server.historyHandler: failed to read audit log", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read audit log"))
			return
		}
		resp.Log = lines
	}
	if s.donations != nil {
		rows, err := s.donations.RecentDonations(r.Context(), limit)
		if err != nil {
			slog.Error("Server.historyHandler: failed to query audit database", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to query audit database"))
			return
		}
		resp.Donations = rows
	}
	slog.Debug("Server.historyHandler: history fetched", "log", len(resp.Log), "donations", len(resp.Donations))
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) pendingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !s.authorizeOperator(w, r, false) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.pending.Snapshot()))
}

// DebugPurchaseRequest is the body of POST /debug/purchase. The item is granted
// with the configured reward template only.
type DebugPurchaseRequest struct {
	Buyer    string `json:"buyer"`
	ItemID   string `json:"item_id"`
	ItemName string `json:"item_name"`
}

// debugPurchaseHandler signs a synthetic callback and runs it through the same
// path as a real one, dedup included. It requires the operator token.
func (s *Server) debugPurchaseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !s.authorizeOperator(w, r, true) {
		return
	}
	if !s.validator.Configured() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("CALLBACK_KEY is not configured"))
		return
	}

	var req DebugPurchaseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxDebugBodySize)).Decode(&req); err != nil {
		slog.Warn("Server.debugPurchaseHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	rec := models.PurchaseRecord{Buyer: req.Buyer, ItemID: req.ItemID}
	if err := rec.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if req.ItemName == "" {
		req.ItemName = "Item#" + req.ItemID
	}

	shopID := s.primaryShop()
	if shopID == "" {
		shopID = "0"
	}
	body, err := shopapi.NewCallbackBody(shopID, req.Buyer, req.ItemID, req.ItemName, nil)
	if err == nil {
		body, err = s.validator.Sign(body)
	}
	if err != nil {
		slog.Error("Server.debugPurchaseHandler: failed to build signed payload", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to build callback payload"))
		return
	}

	slog.Info("Server.debugPurchaseHandler: injecting debug purchase", "buyer", req.Buyer, "item_id", req.ItemID)
	s.callback.Process(context.WithoutCancel(r.Context()), body)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Debug purchase submitted"))
}
