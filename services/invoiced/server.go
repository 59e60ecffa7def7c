package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Adi-21/metrikprotocol/invoice"
	"github.com/Adi-21/metrikprotocol/invoice/ledger"
	"github.com/Adi-21/metrikprotocol/invoice/syncer"
)

// Server exposes the reconciliation engine over HTTP.
type Server struct {
	engine *syncer.Engine
	tokens []string
	log    *slog.Logger
	router http.Handler
}

// NewServer wires the routes around a running engine.
func NewServer(engine *syncer.Engine, tokens []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{engine: engine, tokens: tokens, log: logger.With("component", "http")}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(requireBearer(s.tokens))
		api.Post("/sync", s.handleSync)
		api.Get("/invoices", s.handleList)
		api.Post("/invoices", s.handleMint)
		api.Get("/invoices/{tokenID}", s.handleGet)
		api.Post("/invoices/{tokenID}/verify", s.handleVerify)
		api.Post("/invoices/{tokenID}/approve", s.handleApprove)
		api.Get("/stats", s.handleStats)
		api.Get("/search", s.handleSearch)
		api.Get("/history", s.handleHistory)
	})
	return r
}

type invoicePayload struct {
	TokenID      uint64 `json:"tokenId"`
	InvoiceID    string `json:"invoiceId"`
	Supplier     string `json:"supplier"`
	Buyer        string `json:"buyer"`
	CreditAmount string `json:"creditAmount"`
	CreditUnits  string `json:"creditUnits"`
	DueDate      string `json:"dueDate"`
	DocumentHash string `json:"documentHash"`
	IsVerified   bool   `json:"isVerified"`
	IsBurned     bool   `json:"isBurned"`
	MintTime     string `json:"mintTime,omitempty"`
	BurnTime     string `json:"burnTime,omitempty"`
	BurnReason   string `json:"burnReason,omitempty"`
}

func renderInvoice(inv invoice.Invoice) invoicePayload {
	payload := invoicePayload{
		TokenID:      inv.TokenID,
		InvoiceID:    inv.InvoiceID,
		Supplier:     inv.Supplier.Hex(),
		Buyer:        inv.Buyer.Hex(),
		CreditAmount: "0",
		CreditUnits:  invoice.FormatCredit(inv.CreditAmount),
		DueDate:      inv.DueDate.UTC().Format(time.RFC3339),
		DocumentHash: inv.DocumentHash,
		IsVerified:   inv.Verified,
		IsBurned:     inv.Burned,
	}
	if inv.CreditAmount != nil {
		payload.CreditAmount = inv.CreditAmount.String()
	}
	if !inv.MintedAt.IsZero() {
		payload.MintTime = inv.MintedAt.UTC().Format(time.RFC3339)
	}
	if !inv.BurnedAt.IsZero() {
		payload.BurnTime = inv.BurnedAt.UTC().Format(time.RFC3339)
	}
	payload.BurnReason = inv.BurnReason
	return payload
}

func renderInvoices(entities []invoice.Invoice) []invoicePayload {
	out := make([]invoicePayload, 0, len(entities))
	for _, entity := range entities {
		out = append(out, renderInvoice(entity))
	}
	return out
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	var owner *common.Address
	if strings.TrimSpace(req.Owner) != "" {
		parsed, ok := parseAddress(req.Owner)
		if !ok {
			writeError(w, http.StatusBadRequest, "owner must be a hex address")
			return
		}
		owner = &parsed
	}
	if err := s.engine.Sync(r.Context(), owner); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"entities": len(s.engine.All())})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ownerRaw := r.URL.Query().Get("owner")
	if strings.TrimSpace(ownerRaw) == "" {
		writeJSON(w, http.StatusOK, renderInvoices(s.engine.All()))
		return
	}
	owner, ok := parseAddress(ownerRaw)
	if !ok {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	role, err := parseRoleParam(r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderInvoices(s.engine.Invoices(owner, role)))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := parseTokenID(w, r)
	if !ok {
		return
	}
	entity, found := s.engine.Get(tokenID)
	if !found {
		writeError(w, http.StatusNotFound, "invoice not found")
		return
	}
	writeJSON(w, http.StatusOK, renderInvoice(entity))
}

type mintRequest struct {
	InvoiceID    string `json:"invoiceId"`
	Supplier     string `json:"supplier"`
	Buyer        string `json:"buyer"`
	CreditAmount string `json:"creditAmount"`
	DueDate      string `json:"dueDate"`
	DocumentHash string `json:"documentHash"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	params, err := req.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entity, err := s.engine.Mint(r.Context(), params)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderInvoice(entity))
}

func (req mintRequest) toParams() (invoice.MintParams, error) {
	params := invoice.MintParams{
		InvoiceID:    strings.TrimSpace(req.InvoiceID),
		DocumentHash: strings.TrimSpace(req.DocumentHash),
	}
	if supplier, ok := parseAddress(req.Supplier); ok {
		params.Supplier = supplier
	} else if strings.TrimSpace(req.Supplier) != "" {
		return params, fmt.Errorf("supplier must be a hex address")
	}
	buyer, ok := parseAddress(req.Buyer)
	if !ok {
		return params, fmt.Errorf("buyer must be a hex address")
	}
	params.Buyer = buyer
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.CreditAmount), 10)
	if !ok {
		return params, fmt.Errorf("creditAmount must be a base-10 integer at scale %d", invoice.CreditScale)
	}
	params.CreditAmount = amount
	due, err := time.Parse(time.RFC3339, strings.TrimSpace(req.DueDate))
	if err != nil {
		return params, fmt.Errorf("dueDate must be RFC3339")
	}
	params.DueDate = due
	return params, nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := parseTokenID(w, r)
	if !ok {
		return
	}
	entity, err := s.engine.Verify(r.Context(), tokenID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderInvoice(entity))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	tokenID, ok := parseTokenID(w, r)
	if !ok {
		return
	}
	var req struct {
		Spender string `json:"spender"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	spender, ok := parseAddress(req.Spender)
	if !ok {
		writeError(w, http.StatusBadRequest, "spender must be a hex address")
		return
	}
	receipt, err := s.engine.Approve(r.Context(), tokenID, spender)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"txHash":  receipt.TxHash.Hex(),
		"block":   receipt.BlockNumber,
		"tokenId": receipt.TokenID,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	role, err := parseRoleParam(r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats := s.engine.Stats(owner, role)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalMinted":   stats.TotalMinted,
		"totalBurned":   stats.TotalBurned,
		"totalActive":   stats.TotalActive,
		"totalVerified": stats.TotalVerified,
		"totalCredit":   stats.TotalCredit.String(),
		"totalUnits":    invoice.FormatCredit(stats.TotalCredit),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	businessID := strings.TrimSpace(r.URL.Query().Get("invoiceId"))
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "invoiceId required")
		return
	}
	entity, err := s.engine.Search(businessID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderInvoice(entity))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	query := r.URL.Query()
	if query.Get("offset") != "" || query.Get("limit") != "" {
		offset, err := parseUintParam(query.Get("offset"), 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		limit, err := parseUintParam(query.Get("limit"), 50)
		if err != nil || limit == 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		page, err := s.engine.HistoryPage(r.Context(), owner, offset, limit)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, renderInvoices(page))
		return
	}
	history, err := s.engine.History(r.Context(), owner)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderInvoices(history))
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses:
// validation failures are the caller's fault, missing entities are a valid
// absence, failed mutations blame the ledger, and integrity defects are ours.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, invoice.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, syncer.ErrMutationFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, syncer.ErrInconsistent):
		s.log.Error("data integrity defect", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.log.Warn("request failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func parseTokenID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "tokenID")
	tokenID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || tokenID == 0 {
		writeError(w, http.StatusBadRequest, "tokenID must be a positive integer")
		return 0, false
	}
	return tokenID, true
}

func parseAddress(raw string) (common.Address, bool) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, false
	}
	return common.HexToAddress(trimmed), true
}

func parseRoleParam(raw string) (invoice.Role, error) {
	if strings.TrimSpace(raw) == "" {
		return invoice.RoleSupplier, nil
	}
	return invoice.ParseRole(raw)
}

func parseUintParam(raw string, fallback uint64) (uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
