package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradeforge/internal/domain"
	"tradeforge/internal/util"
)

// Binance application error codes that matter to the engine.
const (
	codeInvalidAPIKey       = -2014
	codeRejectedMbxKey      = -2015
	codeInvalidSignature    = -1022
	codeInsufficientBalance = -2010
)

// BinanceGateway places signed REST orders against one of the four
// Binance environments. All requests share a process-wide rate
// limiter; Binance enforces limits per IP, not per key.
type BinanceGateway struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	limiter   *util.RateLimiter
	logger    *slog.Logger
}

var _ Gateway = (*BinanceGateway)(nil)

// NewBinanceGateway builds a gateway for the given environment and
// credentials.
func NewBinanceGateway(env domain.Environment, apiKey, apiSecret string, limiter *util.RateLimiter, logger *slog.Logger) *BinanceGateway {
	return &BinanceGateway{
		baseURL:   env.BaseURL(),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: 15 * time.Second},
		limiter:   limiter,
		logger:    logger,
	}
}

// PlaceOrder submits a signed market order. It is called at most once
// per decision; a venue refusal is returned to the caller, never
// retried here.
func (g *BinanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderConfirmation, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", "MARKET")
	if req.QuoteQuantity > 0 {
		params.Set("quoteOrderQty", formatQty(req.QuoteQuantity))
	} else {
		params.Set("quantity", formatQty(req.Quantity))
	}

	body, err := g.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return domain.OrderConfirmation{}, fmt.Errorf("place %s %s: %w", req.Side, req.Symbol, err)
	}

	var resp struct {
		OrderID             int64  `json:"orderId"`
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		TransactTime        int64  `json:"transactTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderConfirmation{}, fmt.Errorf("decode order response: %w", err)
	}
	qty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(resp.CummulativeQuoteQty, 64)
	conf := domain.OrderConfirmation{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Status:    resp.Status,
		Quantity:  qty,
		Timestamp: time.UnixMilli(resp.TransactTime).UTC(),
	}
	if qty > 0 {
		conf.Price = quote / qty
	}
	g.logger.Info("order placed",
		"symbol", req.Symbol,
		"side", req.Side,
		"order_id", conf.OrderID,
		"status", conf.Status,
		"qty", conf.Quantity,
		"price", conf.Price)
	return conf, nil
}

// GetBalances reads the account's asset balances, dropping all-zero
// entries.
func (g *BinanceGateway) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	body, err := g.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode account response: %w", err)
	}
	out := make([]domain.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, domain.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// Ping hits the unauthenticated ping endpoint to verify reachability.
func (g *BinanceGateway) Ping(ctx context.Context) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/v3/ping", nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", g.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: status %d", g.baseURL, resp.StatusCode)
	}
	return nil
}

// signedRequest signs the query with HMAC-SHA256 over the encoded
// parameters plus a timestamp, per the venue's SIGNED endpoint rules.
func (g *BinanceGateway) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if g.apiKey == "" || g.apiSecret == "" {
		return nil, fmt.Errorf("missing credentials: %w", domain.ErrAuthentication)
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(g.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapVenueError(resp.StatusCode, body)
	}
	return body, nil
}

func (g *BinanceGateway) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

// mapVenueError translates a non-200 venue response into the domain
// error taxonomy, keeping the venue's own message in the chain.
func mapVenueError(status int, body []byte) error {
	var venue struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &venue)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("status %d code %d: %s: %w", status, venue.Code, venue.Msg, domain.ErrAuthentication)
	case venue.Code == codeInvalidAPIKey || venue.Code == codeRejectedMbxKey || venue.Code == codeInvalidSignature:
		return fmt.Errorf("code %d: %s: %w", venue.Code, venue.Msg, domain.ErrAuthentication)
	case venue.Code == codeInsufficientBalance && strings.Contains(strings.ToLower(venue.Msg), "insufficient balance"):
		return fmt.Errorf("code %d: %s: %w", venue.Code, venue.Msg, domain.ErrInsufficientFunds)
	default:
		return fmt.Errorf("status %d code %d: %s: %w", status, venue.Code, venue.Msg, domain.ErrOrderRejected)
	}
}

// formatQty renders a quantity without exponent notation, trimmed of
// trailing zeros, as the venue expects.
func formatQty(v float64) string {
	s := strconv.FormatFloat(v, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
