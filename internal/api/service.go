// Package api provides the HTTP handlers for the RFQ engine. Mutations go
// through the dispatch table at POST /ops/{op}; queries read the engine
// directly.
//
// All monetary values are JSON strings decoded into shopspring/decimal,
// never float64.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/dispatch"
	"github.com/atmx/rfq-engine/internal/engine"
	"github.com/atmx/rfq-engine/internal/events"
	"github.com/atmx/rfq-engine/internal/model"
)

const maxBodyBytes = 1 << 20

// Service serves the engine over HTTP.
type Service struct {
	engine     *engine.Engine
	table      *dispatch.Table
	wsHub      *events.WSHub // optional WebSocket hub for journal broadcasts
	adminToken string
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed. An empty adminToken leaves admin operations
// open.
func NewService(eng *engine.Engine, table *dispatch.Table, hub *events.WSHub, adminToken string) *Service {
	return &Service{
		engine:     eng,
		table:      table,
		wsHub:      hub,
		adminToken: adminToken,
	}
}

// Routes mounts every endpoint on r, relative to /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		// WebSocket endpoint for committed journal entries.
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Get("/ops", s.ListOps)
	r.With(s.requireAdmin).Post("/ops/{op}", s.Execute)

	r.Get("/accounts", s.ListAccounts)
	r.Get("/accounts/{party}", s.GetAccount)
	r.Get("/accounts/{party}/quotes", s.GetQuotesOf)
	r.Get("/accounts/{party}/positions", s.GetOpenPositions)
	r.Get("/accounts/{party}/journal", s.GetJournal)
	r.Get("/accounts/{party}/snapshot", s.GetSnapshot)
	r.Post("/accounts/{party}/health", s.GetHealth)

	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)

	r.Get("/hedgers", s.ListHedgers)
	r.Get("/hedgers/{address}", s.GetHedger)

	r.Get("/quotes/{quoteID}", s.GetQuote)

	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/positions/{positionID}/journal", s.GetPositionJournal)
	r.Get("/positions/{positionID}/liquidatable", s.GetIsolatedLiquidatable)
}

// --- Response types ---

// OpResponse is the JSON body returned from POST /ops/{op}.
type OpResponse struct {
	RequestID string `json:"request_id"`
	Op        string `json:"op"`
	Result    any    `json:"result"`
}

// LiquidatableResponse is the JSON body of the isolated liquidation check.
type LiquidatableResponse struct {
	PositionID   uint64 `json:"position_id"`
	Liquidatable bool   `json:"liquidatable"`
}

// --- Mutations ---

// Execute handles POST /api/v1/ops/{op}.
func (s *Service) Execute(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.table.Call(r.Context(), op, payload)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	status := http.StatusOK
	if strings.HasPrefix(op, "create_") || op == engine.OpFillQuote || op == engine.OpEnlistHedger {
		status = http.StatusCreated
	}
	writeJSON(w, status, OpResponse{RequestID: uuid.New().String(), Op: op, Result: result})
}

// ListOps handles GET /api/v1/ops.
func (s *Service) ListOps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.table.Ops())
}

// requireAdmin guards operator-only operations with a bearer token.
func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || !dispatch.AdminOps[chi.URLParam(r, "op")] {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, "admin token required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Queries ---

// ListAccounts handles GET /api/v1/accounts
func (s *Service) ListAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Accounts())
}

// GetAccount handles GET /api/v1/accounts/{party}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Account(chi.URLParam(r, "party")))
}

// GetQuotesOf handles GET /api/v1/accounts/{party}/quotes
func (s *Service) GetQuotesOf(w http.ResponseWriter, r *http.Request) {
	quotes := s.engine.QuotesOf(chi.URLParam(r, "party"))
	if quotes == nil {
		quotes = []model.Quote{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

// GetOpenPositions handles GET /api/v1/accounts/{party}/positions
func (s *Service) GetOpenPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.engine.OpenPositions(chi.URLParam(r, "party"))
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetJournal handles GET /api/v1/accounts/{party}/journal
func (s *Service) GetJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Journal(r.Context(), chi.URLParam(r, "party"))
	if err != nil {
		slog.Error("journal read failed", "err", err)
		writeError(w, "failed to read journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetSnapshot handles GET /api/v1/accounts/{party}/snapshot. It serves the
// account as last persisted, which may trail GET /accounts/{party}.
func (s *Service) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	acc, err := s.engine.Snapshot(r.Context(), chi.URLParam(r, "party"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GetHealth handles POST /api/v1/accounts/{party}/health. The body maps
// position ids to {bid, ask}.
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	var prices model.Prices
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&prices); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	report, err := s.engine.Health(chi.URLParam(r, "party"), prices)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?active=true|false.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.engine.Markets()
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "active must be true or false", http.StatusBadRequest)
			return
		}
		filtered := []model.Market{}
		for _, m := range markets {
			if m.Active == active {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "marketID")
	if !ok {
		return
	}
	m, err := s.engine.Market(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListHedgers handles GET /api/v1/hedgers
func (s *Service) ListHedgers(w http.ResponseWriter, _ *http.Request) {
	hedgers := s.engine.Hedgers()
	if hedgers == nil {
		hedgers = []model.Hedger{}
	}
	writeJSON(w, http.StatusOK, hedgers)
}

// GetHedger handles GET /api/v1/hedgers/{address}
func (s *Service) GetHedger(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.Hedger(chi.URLParam(r, "address"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// GetQuote handles GET /api/v1/quotes/{quoteID}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "quoteID")
	if !ok {
		return
	}
	q, err := s.engine.Quote(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "positionID")
	if !ok {
		return
	}
	p, err := s.engine.Position(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPositionJournal handles GET /api/v1/positions/{positionID}/journal
func (s *Service) GetPositionJournal(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "positionID")
	if !ok {
		return
	}
	entries, err := s.engine.PositionJournal(r.Context(), id)
	if err != nil {
		slog.Error("journal read failed", "position", id, "err", err)
		writeError(w, "failed to read journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetIsolatedLiquidatable handles
// GET /api/v1/positions/{positionID}/liquidatable?bid=..&ask=..
func (s *Service) GetIsolatedLiquidatable(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "positionID")
	if !ok {
		return
	}
	bid, err := decimal.NewFromString(r.URL.Query().Get("bid"))
	if err != nil {
		writeError(w, "bid must be a decimal", http.StatusBadRequest)
		return
	}
	ask, err := decimal.NewFromString(r.URL.Query().Get("ask"))
	if err != nil {
		writeError(w, "ask must be a decimal", http.StatusBadRequest)
		return
	}
	liquidatable, err := s.engine.IsIsolatedLiquidatable(id, bid, ask)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LiquidatableResponse{PositionID: id, Liquidatable: liquidatable})
}

// --- helpers ---

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		writeError(w, name+" must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// StatusOf maps an engine error to its HTTP status.
func StatusOf(err error) int {
	switch model.Kind(err) {
	case "OK":
		return http.StatusOK
	case "NotFound":
		return http.StatusNotFound
	case "InvalidParty":
		return http.StatusForbidden
	case "InvalidArgument":
		return http.StatusBadRequest
	case "RequestTimeout":
		return http.StatusTooEarly
	case "Internal":
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("operation failed", "err", err)
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": model.Kind(err)})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
