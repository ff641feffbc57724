package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/xtrntr/clob/internal/auth"
	"github.com/xtrntr/clob/internal/events"
	"github.com/xtrntr/clob/internal/exchange"
	"github.com/xtrntr/clob/internal/models"
	"github.com/xtrntr/clob/internal/registry"
	"go.uber.org/zap"
)

const (
	defaultDepth = 10
	maxDepth     = 100
)

type ctxKey int

const claimsKey ctxKey = iota

// Archive serves history that may have left engine memory, such as orders
// and settlements from before a restart.
type Archive interface {
	GetOrder(ctx context.Context, id uint64) (*models.Order, error)
	GetTraderOrders(ctx context.Context, trader string) ([]*models.Order, error)
	GetSettlement(ctx context.Context, id uint64) (*models.Settlement, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Archive     Archive // optional
	Log         *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, archive Archive, log *zap.Logger) *Handler {
	return &Handler{Exchange: ex, AuthService: authService, Archive: archive, Log: log}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Address  string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" || req.Address == "" {
		writeError(w, http.StatusBadRequest, "Username, password and address required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password, req.Address)
	if err != nil {
		h.fail(w, "failed to register user", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"address":  user.Address,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, models.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		h.fail(w, "failed to log in", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := h.AuthService.ParseToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly rejects tokens without the admin role. It must run after JWTAuthMiddleware.
func (h *Handler) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFrom(r)
		if !ok || !claims.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func claimsFrom(r *http.Request) (*auth.Claims, bool) {
	c, ok := r.Context().Value(claimsKey).(*auth.Claims)
	return c, ok
}

type placeOrderRequest struct {
	BaseToken  string `json:"base_token"`
	QuoteToken string `json:"quote_token"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
}

type placeOrderResponse struct {
	Order       *events.OrderView        `json:"order"`
	Settlements []*events.SettlementView `json:"settlements"`
	Unsettled   []uint64                 `json:"unsettled,omitempty"`
}

// PlaceOrder handles order placement and matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	isBuy, err := parseSide(req.Side)
	if err != nil {
		writeErr(w, err)
		return
	}
	typ := models.Limit
	if req.Type != "" {
		if typ, err = models.ParseOrderType(req.Type); err != nil {
			writeErr(w, err)
			return
		}
	}
	price := new(uint256.Int)
	if req.Price != "" {
		if price, err = parseAmount("price", req.Price); err != nil {
			writeErr(w, err)
			return
		}
	}
	qty, err := parseAmount("quantity", req.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}

	res, err := h.Exchange.CreateAndMatch(r.Context(), registry.NewOrder{
		Trader:     claims.Address,
		BaseToken:  req.BaseToken,
		QuoteToken: req.QuoteToken,
		Price:      price,
		Quantity:   qty,
		IsBuy:      isBuy,
		Type:       typ,
	})
	if err != nil {
		h.fail(w, "failed to place order", err)
		return
	}

	resp := placeOrderResponse{
		Order:       events.NewOrderView(res.Order),
		Settlements: make([]*events.SettlementView, 0, len(res.Settlements)),
		Unsettled:   res.Unsettled,
	}
	for _, s := range res.Settlements {
		resp.Settlements = append(resp.Settlements, events.NewSettlementView(s))
	}
	writeJSON(w, http.StatusCreated, resp)
}

// PlaceMarketOrder executes a synchronous market order. Buys take a quote
// budget, sells a base quantity.
func (h *Handler) PlaceMarketOrder(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		BaseToken   string `json:"base_token"`
		QuoteToken  string `json:"quote_token"`
		Side        string `json:"side"`
		Quantity    string `json:"quantity"`
		QuoteAmount string `json:"quote_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	isBuy, err := parseSide(req.Side)
	if err != nil {
		writeErr(w, err)
		return
	}
	var qty, quote *uint256.Int
	if isBuy {
		quote, err = parseAmount("quote_amount", req.QuoteAmount)
	} else {
		qty, err = parseAmount("quantity", req.Quantity)
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	pair := models.Pair{Base: req.BaseToken, Quote: req.QuoteToken}
	base, spent, err := h.Exchange.PlaceMarketOrder(r.Context(), claims.Address, pair, isBuy, qty, quote)
	var unsettled *exchange.UnsettledError
	if errors.As(err, &unsettled) {
		// The fill stands but its transfers are pending reconciliation
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":               err.Error(),
			"filled_quantity":     base.Dec(),
			"filled_quote_amount": spent.Dec(),
			"unsettled":           unsettled.SettlementIDs,
		})
		return
	}
	if err != nil {
		h.fail(w, "failed to place market order", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"filled_quantity":     base.Dec(),
		"filled_quote_amount": spent.Dec(),
	})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orders := h.Exchange.GetTraderOrders(claims.Address)
	if h.Archive != nil {
		archived, err := h.Archive.GetTraderOrders(r.Context(), claims.Address)
		if err != nil {
			h.fail(w, "failed to retrieve orders", err)
			return
		}
		orders = mergeOrders(archived, orders)
	}

	views := make([]*events.OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, events.NewOrderView(o))
	}
	writeJSON(w, http.StatusOK, views)
}

// mergeOrders overlays live orders on archived ones, keeping id order
func mergeOrders(archived, live []*models.Order) []*models.Order {
	byID := make(map[uint64]int, len(archived))
	out := append([]*models.Order(nil), archived...)
	for i, o := range out {
		byID[o.ID] = i
	}
	for _, o := range live {
		if i, ok := byID[o.ID]; ok {
			out[i] = o
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetOrder retrieves one of the caller's orders
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := urlID(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	o, err := h.Exchange.GetOrder(id)
	if errors.Is(err, models.ErrNotFound) && h.Archive != nil {
		o, err = h.Archive.GetOrder(r.Context(), id)
	}
	if err != nil {
		h.fail(w, "failed to retrieve order", err)
		return
	}
	// Other traders' orders are reported as missing.
	if o.Trader != claims.Address && !claims.IsAdmin() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("order %d: not found", id))
		return
	}
	writeJSON(w, http.StatusOK, events.NewOrderView(o))
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, err := urlID(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	o, err := h.Exchange.Cancel(r.Context(), claims.Address, id)
	if err != nil {
		h.fail(w, "failed to cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, events.NewOrderView(o))
}

// GetOrderBook retrieves the top levels of a pair's book
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pair := models.Pair{Base: q.Get("base"), Quote: q.Get("quote")}
	levels := defaultDepth
	if s := q.Get("levels"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxDepth {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("levels must be between 1 and %d", maxDepth))
			return
		}
		levels = n
	}

	snap, err := h.Exchange.GetOrderBook(pair, levels)
	if err != nil {
		h.fail(w, "failed to retrieve order book", err)
		return
	}
	writeJSON(w, http.StatusOK, snap.View())
}

// GetSettlement retrieves a settlement by id
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	s, err := h.Exchange.Settlement(id)
	if errors.Is(err, models.ErrNotFound) && h.Archive != nil {
		s, err = h.Archive.GetSettlement(r.Context(), id)
	}
	if err != nil {
		h.fail(w, "failed to retrieve settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, events.NewSettlementView(s))
}

type pairRequest struct {
	BaseToken  string `json:"base_token"`
	QuoteToken string `json:"quote_token"`
}

// AddPair lists a pair
func (h *Handler) AddPair(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	pair := models.Pair{Base: req.BaseToken, Quote: req.QuoteToken}
	if err := h.Exchange.AddPair(claims.Address, pair); err != nil {
		h.fail(w, "failed to add pair", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"pair": pair.String()})
}

// RemovePair delists the pair named by the base and quote query parameters
func (h *Handler) RemovePair(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	pair := models.Pair{Base: r.URL.Query().Get("base"), Quote: r.URL.Query().Get("quote")}
	if err := h.Exchange.RemovePair(claims.Address, pair); err != nil {
		h.fail(w, "failed to remove pair", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Pair removed"})
}

// ListPairs returns the listed pairs
func (h *Handler) ListPairs(w http.ResponseWriter, r *http.Request) {
	pairs := h.Exchange.Pairs()
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.String())
	}
	writeJSON(w, http.StatusOK, out)
}

type feesPayload struct {
	TakerFeeBps *uint64 `json:"taker_fee_bps,omitempty"`
	MakerFeeBps *uint64 `json:"maker_fee_bps,omitempty"`
	Recipient   string  `json:"recipient,omitempty"`
}

// GetFees returns the fee schedule
func (h *Handler) GetFees(w http.ResponseWriter, r *http.Request) {
	fc := h.Exchange.FeeConfig()
	writeJSON(w, http.StatusOK, feesPayload{TakerFeeBps: &fc.TakerFeeBps, MakerFeeBps: &fc.MakerFeeBps, Recipient: fc.Recipient})
}

// SetFees updates the rates and, when given, the recipient
func (h *Handler) SetFees(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	var req feesPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if (req.TakerFeeBps == nil) != (req.MakerFeeBps == nil) {
		writeError(w, http.StatusBadRequest, "taker_fee_bps and maker_fee_bps must be set together")
		return
	}
	if req.TakerFeeBps != nil {
		if err := h.Exchange.SetFeeRates(claims.Address, *req.TakerFeeBps, *req.MakerFeeBps); err != nil {
			h.fail(w, "failed to set fee rates", err)
			return
		}
	}
	if req.Recipient != "" {
		if err := h.Exchange.SetFeeRecipient(claims.Address, req.Recipient); err != nil {
			h.fail(w, "failed to set fee recipient", err)
			return
		}
	}
	h.GetFees(w, r)
}

// PendingSettlements lists reconciliation obligations
func (h *Handler) PendingSettlements(w http.ResponseWriter, r *http.Request) {
	obs := h.Exchange.Obligations()
	out := make([]map[string]interface{}, 0, len(obs))
	for _, o := range obs {
		out = append(out, map[string]interface{}{
			"settlement_id": o.SettlementID,
			"attempts":      o.Attempts,
			"last_error":    o.LastError,
			"last_attempt":  o.LastAttempt,
			"stuck":         o.Stuck,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// RetrySettlements reprocesses failed settlements
func (h *Handler) RetrySettlements(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFrom(r)
	receipts, err := h.Exchange.RetrySettlements(r.Context(), claims.Address)
	if err != nil && len(receipts) == 0 {
		h.fail(w, "failed to retry settlements", err)
		return
	}
	ids := make([]uint64, 0, len(receipts))
	for _, rc := range receipts {
		ids = append(ids, rc.SettlementID)
	}
	resp := map[string]interface{}{"settled": ids, "pending": len(h.Exchange.Obligations())}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail logs unexpected errors and writes the mapped response
func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		h.Log.Error(msg, zap.Error(err))
	}
	writeErr(w, err)
}

func parseSide(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "buy":
		return true, nil
	case "sell":
		return false, nil
	}
	return false, fmt.Errorf("side must be 'buy' or 'sell': %w", models.ErrValidation)
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil || s == "" {
		return nil, fmt.Errorf("%s must be a non-negative integer amount: %w", field, models.ErrValidation)
	}
	return v, nil
}

func urlID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", models.ErrValidation)
	}
	return id, nil
}
