// Package trade provides the HTTP handlers for opening accounts, trading
// against the live price feed, and taking part in the competition arena.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinwise/arena-engine/internal/account"
	"github.com/coinwise/arena-engine/internal/advisor"
	"github.com/coinwise/arena-engine/internal/competition"
	"github.com/coinwise/arena-engine/internal/ledger"
	"github.com/coinwise/arena-engine/internal/model"
	"github.com/coinwise/arena-engine/internal/pricefeed"
	"github.com/coinwise/arena-engine/internal/symbol"
	"github.com/coinwise/arena-engine/internal/valuation"
)

var (
	// ErrNoPrice is returned when the feed has no quote for a symbol.
	ErrNoPrice = errors.New("trade: no price available")

	// ErrInvalidSide is returned for trade sides other than BUY and SELL.
	ErrInvalidSide = errors.New("trade: side must be BUY or SELL")
)

// PriceSource provides the latest price snapshot. pricefeed.Poller
// implements it.
type PriceSource interface {
	Latest() pricefeed.Snapshot
}

// Service wires HTTP requests to account sessions, the competition board,
// and the price feed.
type Service struct {
	accounts *account.Manager
	board    *competition.Board
	prices   PriceSource
	candles  pricefeed.CandleSource // optional
	advisor  *advisor.Advisor       // optional
	wsHub    *WSHub                 // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for candles, adv, or hub to disable those features.
func NewService(accounts *account.Manager, prices PriceSource, candles pricefeed.CandleSource, adv *advisor.Advisor, hub *WSHub) *Service {
	return &Service{
		accounts: accounts,
		board:    accounts.Board(),
		prices:   prices,
		candles:  candles,
		advisor:  adv,
		wsHub:    hub,
	}
}

// Mount registers the API routes on r.
func (s *Service) Mount(r chi.Router) {
	// Accounts and the portfolio ledger.
	r.Post("/accounts", s.OpenAccount)
	r.Get("/accounts/{accountID}", s.GetAccount)
	r.Post("/accounts/{accountID}/deposit", s.Deposit)
	r.Post("/accounts/{accountID}/trade", s.ExecuteTrade)
	r.Get("/accounts/{accountID}/transactions", s.ListTransactions)
	r.Get("/accounts/{accountID}/payouts", s.ListPayouts)
	r.Post("/accounts/{accountID}/advice", s.Advise)

	// Competition arena.
	r.Get("/accounts/{accountID}/competition", s.GetStanding)
	r.Post("/accounts/{accountID}/competition/enter", s.EnterCompetition)
	r.Post("/accounts/{accountID}/competition/reset", s.ResetCompetition)
	r.Post("/accounts/{accountID}/competition/claim", s.ClaimPrize)
	r.Get("/competition/leaderboard", s.GetLeaderboard)

	// Market data.
	r.Get("/prices", s.ListPrices)
	r.Get("/prices/{symbol}/candles", s.GetCandles)
}

// --- Request/Response types ---

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	AccountID   string `json:"account_id"` // generated when empty
	DisplayName string `json:"display_name"`
}

// DepositRequest is the JSON body for POST /accounts/{id}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TradeRequest is the JSON body for POST /accounts/{id}/trade.
type TradeRequest struct {
	Side   string          `json:"side"`   // "BUY" or "SELL"
	Symbol string          `json:"symbol"` // e.g. BTCUSDT
	Amount decimal.Decimal `json:"amount"` // quantity of the base asset
}

// AdviceRequest is the JSON body for POST /accounts/{id}/advice.
type AdviceRequest struct {
	Prompt string `json:"prompt"`
}

// AccountView is a ledger valued at the latest prices.
type AccountView struct {
	Ledger     model.Ledger    `json:"ledger"`
	Valuation  model.Valuation `json:"valuation"`
	Mode       string          `json:"mode"`
	TimeLeftMs int64           `json:"time_left_ms"`
	Unsynced   bool            `json:"unsynced"`
}

// TradeResponse is the JSON body returned from POST /accounts/{id}/trade.
type TradeResponse struct {
	Transaction model.Transaction `json:"transaction"`
	Account     AccountView       `json:"account"`
}

// StandingResponse describes one account's place in the arena.
type StandingResponse struct {
	AccountID      string                  `json:"account_id"`
	Mode           string                  `json:"mode"`
	TimeLeftMs     int64                   `json:"time_left_ms"`
	Entry          *model.LeaderboardEntry `json:"entry,omitempty"`
	Entrants       int                     `json:"entrants"`
	PrizePool      decimal.Decimal         `json:"prize_pool"`
	EstimatedPrize decimal.Decimal         `json:"estimated_prize"`
	PrizeFinal     bool                    `json:"prize_final"` // false while the estimate is non-binding
}

// LeaderboardResponse is the ranked board with prize context.
type LeaderboardResponse struct {
	Entries   []model.LeaderboardEntry `json:"entries"`
	Entrants  int                      `json:"entrants"`
	PrizePool decimal.Decimal          `json:"prize_pool"`
}

// --- HTTP Handlers ---

// OpenAccount handles POST /api/v1/accounts
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		req.AccountID = uuid.New().String()
	}

	l, err := s.accounts.Open(r.Context(), req.AccountID, strings.TrimSpace(req.DisplayName))
	if err != nil && !errors.Is(err, account.ErrPersistenceFailure) {
		writeErr(w, err)
		return
	}
	writeJSON(w, statusFor(err, http.StatusOK), s.view(l, err != nil))
}

// GetAccount handles GET /api/v1/accounts/{accountID}
// Returns the ledger valued at the latest prices.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	l, unsynced, err := s.accounts.Get(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(l, unsynced))
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	accountID := chi.URLParam(r, "accountID")
	l, err := s.accounts.Deposit(r.Context(), accountID, req.Amount)
	if err != nil && !errors.Is(err, account.ErrPersistenceFailure) {
		writeErr(w, err)
		return
	}

	slog.Info("deposit", "account", accountID, "amount", req.Amount.String())
	writeJSON(w, statusFor(err, http.StatusOK), s.view(l, err != nil))
}

// ExecuteTrade handles POST /api/v1/accounts/{accountID}/trade
// Fills the whole amount at the latest feed price or rejects the order.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if side != string(model.KindBuy) && side != string(model.KindSell) {
		writeErr(w, ErrInvalidSide)
		return
	}
	pair, err := symbol.Parse(req.Symbol)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeErr(w, ledger.ErrInvalidAmount)
		return
	}

	quote, ok := s.prices.Latest().Quote(pair.Symbol)
	if !ok {
		writeError(w, ErrNoPrice.Error()+": "+pair.Symbol, http.StatusConflict)
		return
	}

	ctx := r.Context()
	accountID := chi.URLParam(r, "accountID")

	var l model.Ledger
	if side == string(model.KindBuy) {
		l, err = s.accounts.Buy(ctx, accountID, pair.Symbol, req.Amount, quote.Price)
	} else {
		l, err = s.accounts.Sell(ctx, accountID, pair.Symbol, req.Amount, quote.Price)
	}
	if err != nil && !errors.Is(err, account.ErrPersistenceFailure) {
		writeErr(w, err)
		return
	}

	tx := l.Transactions[len(l.Transactions)-1]
	slog.Info("trade executed",
		"tx_id", tx.ID,
		"account", accountID,
		"side", side,
		"symbol", pair.Symbol,
		"amount", req.Amount.String(),
		"price", quote.Price.String(),
		"total", tx.SignedTotal.String(),
		"unsynced", err != nil,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      MsgTrade,
			AccountID: accountID,
			Symbol:    pair.Symbol,
			Side:      side,
			Amount:    req.Amount.String(),
			Price:     quote.Price.String(),
		})
	}

	writeJSON(w, statusFor(err, http.StatusOK), TradeResponse{
		Transaction: tx,
		Account:     s.view(l, err != nil),
	})
}

// ListTransactions handles GET /api/v1/accounts/{accountID}/transactions
// Returns the append-only log, newest first. ?limit=N keeps the N most
// recent.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	l, err := s.accounts.Ledger(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}

	n := len(l.Transactions)
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = min(n, limit)
	}

	txs := make([]model.Transaction, 0, n)
	for i := len(l.Transactions) - 1; i >= 0 && len(txs) < n; i-- {
		txs = append(txs, l.Transactions[i])
	}
	writeJSON(w, http.StatusOK, txs)
}

// ListPayouts handles GET /api/v1/accounts/{accountID}/payouts
func (s *Service) ListPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := s.accounts.Payouts(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

// EnterCompetition handles POST /api/v1/accounts/{accountID}/competition/enter
func (s *Service) EnterCompetition(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	l, err := s.accounts.EnterCompetition(r.Context(), accountID)
	if err != nil && !errors.Is(err, account.ErrPersistenceFailure) {
		writeErr(w, err)
		return
	}

	slog.Info("competition entered",
		"account", accountID,
		"ends_at", l.Competition.EndTime,
		"fee", s.board.Engine().Config().EntryFee.String(),
	)
	writeJSON(w, statusFor(err, http.StatusCreated), s.view(l, err != nil))
}

// ResetCompetition handles POST /api/v1/accounts/{accountID}/competition/reset
func (s *Service) ResetCompetition(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	l, err := s.accounts.ResetCompetition(r.Context(), accountID)
	if err != nil && !errors.Is(err, account.ErrPersistenceFailure) {
		writeErr(w, err)
		return
	}

	slog.Info("competition reset", "account", accountID)
	writeJSON(w, statusFor(err, http.StatusOK), s.view(l, err != nil))
}

// GetStanding handles GET /api/v1/accounts/{accountID}/competition
func (s *Service) GetStanding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "accountID")

	l, _, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		writeErr(w, err)
		return
	}

	engine := s.board.Engine()
	mode := engine.Mode(l)
	resp := StandingResponse{
		AccountID:  accountID,
		Mode:       mode.Name(),
		TimeLeftMs: engine.TimeLeft(l).Milliseconds(),
	}

	entry, total, ok, err := s.standing(ctx, accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp.Entrants = total
	resp.PrizePool = s.board.PrizePool(total)
	if ok {
		_, finished := mode.(model.Finished)
		resp.Entry = &entry
		resp.EstimatedPrize = s.board.EstimatedPrize(entry.Rank, total, finished)
		resp.PrizeFinal = finished
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClaimPrize handles POST /api/v1/accounts/{accountID}/competition/claim
// Pays the round's prize to its winner and ends the round for everyone.
func (s *Service) ClaimPrize(w http.ResponseWriter, r *http.Request) {
	snap := s.prices.Latest()
	if snap.Empty() {
		writeErr(w, ErrNoPrice)
		return
	}

	accountID := chi.URLParam(r, "accountID")
	payout, err := s.board.ClaimPrize(r.Context(), accountID, snap.Prices())
	if err != nil {
		writeErr(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      MsgPayout,
			AccountID: accountID,
			Amount:    payout.Amount.String(),
		})
	}
	writeJSON(w, http.StatusOK, payout)
}

// GetLeaderboard handles GET /api/v1/competition/leaderboard
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.currentBoard(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{
		Entries:   board,
		Entrants:  len(board),
		PrizePool: s.board.PrizePool(len(board)),
	})
}

// ListPrices handles GET /api/v1/prices
func (s *Service) ListPrices(w http.ResponseWriter, r *http.Request) {
	snap := s.prices.Latest()
	if snap.Quotes == nil {
		snap.Quotes = []pricefeed.Quote{}
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetCandles handles GET /api/v1/prices/{symbol}/candles
// Optional query: ?interval=1h&limit=50.
func (s *Service) GetCandles(w http.ResponseWriter, r *http.Request) {
	if s.candles == nil {
		writeError(w, "candles not available", http.StatusNotImplemented)
		return
	}
	pair, err := symbol.Parse(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1h"
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			writeError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
	}

	candles, err := s.candles.Candles(r.Context(), pair.Symbol, interval, limit)
	if err != nil {
		slog.Warn("candles fetch failed", "symbol", pair.Symbol, "err", err)
		writeError(w, "market data unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

// Advise handles POST /api/v1/accounts/{accountID}/advice
func (s *Service) Advise(w http.ResponseWriter, r *http.Request) {
	var req AdviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	l, err := s.accounts.Ledger(ctx, chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}

	reply, err := s.advisor.Ask(ctx, req.Prompt, l, s.prices.Latest().Quotes)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// --- Background publishers ---

// PublishPrices broadcasts a price snapshot to WebSocket clients.
func (s *Service) PublishPrices(snap pricefeed.Snapshot) {
	if s.wsHub == nil || snap.Empty() {
		return
	}
	s.wsHub.Broadcast(WSMessage{Type: MsgPrices, Prices: snap.Quotes, Timestamp: snap.FetchedAt})
}

// RefreshLeaderboard recomputes the board against the latest prices and
// broadcasts it. It does nothing until the feed has produced a snapshot.
func (s *Service) RefreshLeaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	snap := s.prices.Latest()
	if snap.Empty() {
		return nil, nil
	}
	board, err := s.board.Refresh(ctx, snap.Prices())
	if err != nil {
		return nil, err
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: MsgLeaderboard, Leaderboard: board})
	}
	return board, nil
}

// --- Helpers ---

// currentBoard refreshes the board when prices are available and falls
// back to the last computed board otherwise, so a feed outage never ranks
// holdings at zero.
func (s *Service) currentBoard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	snap := s.prices.Latest()
	if snap.Empty() {
		return s.board.Latest(), nil
	}
	board, err := s.board.Refresh(ctx, snap.Prices())
	if err != nil {
		return nil, err
	}
	if board == nil {
		board = []model.LeaderboardEntry{}
	}
	return board, nil
}

// standing ranks accountID against the latest prices, or reads the last
// computed board while the feed has none.
func (s *Service) standing(ctx context.Context, accountID string) (model.LeaderboardEntry, int, bool, error) {
	snap := s.prices.Latest()
	if !snap.Empty() {
		return s.board.Standing(ctx, accountID, snap.Prices())
	}
	board := s.board.Latest()
	for _, e := range board {
		if e.AccountID == accountID {
			return e, len(board), true, nil
		}
	}
	return model.LeaderboardEntry{}, len(board), false, nil
}

func (s *Service) view(l model.Ledger, unsynced bool) AccountView {
	engine := s.board.Engine()
	return AccountView{
		Ledger:     l,
		Valuation:  valuation.Valuate(l, s.prices.Latest().Prices()),
		Mode:       engine.Mode(l).Name(),
		TimeLeftMs: engine.TimeLeft(l).Milliseconds(),
		Unsynced:   unsynced,
	}
}

// statusFor returns 202 Accepted for results that were applied but not
// persisted, and ok otherwise.
func statusFor(err error, ok int) int {
	if errors.Is(err, account.ErrPersistenceFailure) {
		return http.StatusAccepted
	}
	return ok
}

// writeErr maps domain errors to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidSymbol),
		errors.Is(err, symbol.ErrInvalidSymbol),
		errors.Is(err, symbol.ErrInvalidQuote),
		errors.Is(err, ErrInvalidSide),
		errors.Is(err, advisor.ErrEmptyPrompt):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientHoldings),
		errors.Is(err, competition.ErrAlreadyEntered),
		errors.Is(err, competition.ErrNotEntered),
		errors.Is(err, competition.ErrRoundRunning),
		errors.Is(err, ErrNoPrice):
		status = http.StatusConflict
	case errors.Is(err, competition.ErrNotWinner):
		status = http.StatusForbidden
	case errors.Is(err, account.ErrUnknownAccount):
		status = http.StatusNotFound
	case errors.Is(err, advisor.ErrDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
