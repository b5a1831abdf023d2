// Package api provides the HTTP handlers for balance mutations, pool
// trades and performance reports over a capital.Manager.
//
// All monetary values use shopspring/decimal; never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/capital"
	"github.com/coinpool/capital-engine/internal/model"
)

// Service exposes the capital manager over HTTP.
type Service struct {
	manager *capital.Manager
}

// NewService creates a new HTTP service.
func NewService(m *capital.Manager) *Service {
	return &Service{manager: m}
}

// Routes mounts every ledger endpoint on r. Callers mount r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/balance/deposit", s.Deposit)
	r.Post("/balance/withdraw", s.Withdraw)
	r.Get("/investment/{userID}/{coin}", s.GetInvestment)

	r.Get("/coins", s.ListCoins)
	r.Get("/coins/capitals", s.GetCapitals)
	r.Route("/coins/{coin}", func(r chi.Router) {
		r.Get("/summary", s.GetSummary)
		r.Get("/trades", s.ListTrades)
		r.Post("/trades", s.ApplyTrade)
		r.Get("/profit_trend", s.GetProfitTrend)
		r.Post("/snapshot", s.RecordSnapshot)
		r.Post("/reset", s.ResetCoin)
		r.Get("/reconcile", s.Reconcile)
	})

	r.Post("/wallets", s.AddWallet)
	r.Get("/wallets/{userID}/{coin}", s.GetWallet)
}

// --- Request/Response types ---

// BalanceRequest is the JSON body for deposits and withdrawals.
type BalanceRequest struct {
	UserID string          `json:"user_id"`
	Coin   string          `json:"coin"`
	Amount decimal.Decimal `json:"amount"`
}

// BalanceResponse reports the user's balance after a mutation.
type BalanceResponse struct {
	UserID  string          `json:"user_id"`
	Coin    model.Coin      `json:"coin"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
}

// TradeRequest is the JSON body for POST /coins/{coin}/trades.
type TradeRequest struct {
	Side      model.Side      `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// WalletRequest is the JSON body for POST /wallets.
type WalletRequest struct {
	UserID  string `json:"user_id"`
	Coin    string `json:"coin"`
	Address string `json:"wallet_address"`
}

// PoolInfo is one entry of GET /coins.
type PoolInfo struct {
	Coin        model.Coin      `json:"coin"`
	State       model.PoolState `json:"state"`
	CashCapital decimal.Decimal `json:"cash_capital"`
	NetDeposits decimal.Decimal `json:"net_deposits"`
	TradeCount  int             `json:"trade_count"`
}

// InvestmentResponse is the user's report with the pool summary it was
// valued against.
type InvestmentResponse struct {
	capital.InvestmentReport
	CoinPerformance capital.CoinSummary `json:"coin_performance"`
}

// --- Balance handlers ---

// Deposit handles POST /api/v1/balance/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.mutateBalance(w, r, s.manager.Deposit)
}

// Withdraw handles POST /api/v1/balance/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.mutateBalance(w, r, s.manager.Withdraw)
}

type balanceOp func(ctx context.Context, userID string, c model.Coin, amount decimal.Decimal) (decimal.Decimal, error)

func (s *Service) mutateBalance(w http.ResponseWriter, r *http.Request, op balanceOp) {
	var req BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}
	c, err := s.manager.ParseCoin(req.Coin)
	if err != nil {
		writeErr(w, err)
		return
	}

	balance, err := op(r.Context(), req.UserID, c, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: req.UserID, Coin: c, Amount: req.Amount, Balance: balance})
}

// --- Report handlers ---

// GetInvestment handles GET /api/v1/investment/{userID}/{coin}
func (s *Service) GetInvestment(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coinParam(w, r)
	if !ok {
		return
	}
	price, err := s.price(r, c)
	if err != nil {
		writeErr(w, err)
		return
	}

	report, err := s.manager.GetUserInvestmentDetails(r.Context(), chi.URLParam(r, "userID"), c, price)
	if err != nil {
		writeErr(w, err)
		return
	}
	summary, err := s.manager.GetCoinPerformanceSummary(r.Context(), c, price)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InvestmentResponse{InvestmentReport: report, CoinPerformance: summary})
}

// GetSummary handles GET /api/v1/coins/{coin}/summary
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coinParam(w, r)
	if !ok {
		return
	}
	price, err := s.price(r, c)
	if err != nil {
		writeErr(w, err)
		return
	}

	summary, err := s.manager.GetCoinPerformanceSummary(r.Context(), c, price)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListCoins handles GET /api/v1/coins
func (s *Service) ListCoins(w http.ResponseWriter, r *http.Request) {
	pools, err := s.manager.ListPools(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]PoolInfo, 0, len(pools))
	for _, p := range pools {
		out = append(out, PoolInfo{
			Coin:        p.Coin,
			State:       p.State(),
			CashCapital: p.CashCapital,
			NetDeposits: p.NetDeposits(),
			TradeCount:  len(p.TradeRecords),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pools":     out,
		"supported": s.manager.Coins(),
	})
}

// GetCapitals handles GET /api/v1/coins/capitals
func (s *Service) GetCapitals(w http.ResponseWriter, r *http.Request) {
	caps, err := s.manager.Capitals(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caps)
}

// GetProfitTrend handles GET /api/v1/coins/{coin}/profit_trend?days=N
func (s *Service) GetProfitTrend(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coinParam(w, r)
	if !ok {
		return
	}
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, "days must be an integer", "invalid_input", http.StatusBadRequest)
			return
		}
		days = n
	}

	trend, err := s.manager.ProfitTrend(r.Context(), c, days)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

// RecordSnapshot handles POST /api/v1/coins/{coin}/snapshot
func (s *Service) RecordSnapshot(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coinParam(w, r)
	if !ok {
		return
	}
	price, err := s.price(r, c)
	if err != nil {
		writeErr(w, err)
		return
	}

	snap, err := s.manager.RecordSnapshot(r.Context(), c, price)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// --- Trade handlers ---

// ListTrades handles GET /api/v1/coins/{coin}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coinParam(w, r)
	if !ok {
		return
	}
	pool, err := s.manager.GetPool(r.Context(), c)
	if err != nil {
		writeErr(w, err)
		return
	}
	trades := pool.TradeRecords
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ApplyTrade handles POST /api/v1/coins/{coin}/trades
// Folds a trade reported by the trading engine into the pool.
func (s *Service) ApplyTrade(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coinParam(w, r)
	if !ok {
		return
	}
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}

	trade := model.TradeRecord{
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
		Fee:      req.Fee,
	}
	if req.Timestamp != nil {
		trade.Timestamp = req.Timestamp.UTC()
	}

	pool, err := s.manager.ApplyTrade(r.Context(), c, trade)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// --- Maintenance handlers ---

// ResetCoin handles POST /api/v1/coins/{coin}/reset
// A partially failed reset answers 503 with the per-step report.
func (s *Service) ResetCoin(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coinParam(w, r)
	if !ok {
		return
	}
	report, err := s.manager.ResetCoin(r.Context(), c)
	if err != nil {
		status, _ := statusFor(err)
		writeJSON(w, status, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Reconcile handles GET /api/v1/coins/{coin}/reconcile
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coinParam(w, r)
	if !ok {
		return
	}
	rec, err := s.manager.Reconcile(r.Context(), c)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Wallet handlers ---

// AddWallet handles POST /api/v1/wallets
func (s *Service) AddWallet(w http.ResponseWriter, r *http.Request) {
	var req WalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_input", http.StatusBadRequest)
		return
	}
	c, err := s.manager.ParseCoin(req.Coin)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.manager.AddWallet(r.Context(), req.UserID, c, req.Address); err != nil {
		writeErr(w, err)
		return
	}
	wallet, err := s.manager.GetWallet(r.Context(), req.UserID, c)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wallet)
}

// GetWallet handles GET /api/v1/wallets/{userID}/{coin}
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coinParam(w, r)
	if !ok {
		return
	}
	wallet, err := s.manager.GetWallet(r.Context(), chi.URLParam(r, "userID"), c)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// --- helpers ---

func (s *Service) coinParam(w http.ResponseWriter, r *http.Request) (model.Coin, bool) {
	c, err := s.manager.ParseCoin(chi.URLParam(r, "coin"))
	if err != nil {
		writeErr(w, err)
		return "", false
	}
	return c, true
}

// price returns the ?price= override, or the feed's price for c.
func (s *Service) price(r *http.Request, c model.Coin) (decimal.Decimal, error) {
	raw := r.URL.Query().Get("price")
	if raw == "" {
		return s.manager.CurrentPrice(r.Context(), c)
	}
	p, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: price %q is not a number", capital.ErrMissingPriceData, raw)
	}
	return p, nil
}
