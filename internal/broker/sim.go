package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"tradeforge/internal/domain"
)

// SimGateway is an in-memory gateway that fills every market order
// instantly at a caller-controlled price. It backs dry-run live
// execution and tests; it never touches the network.
type SimGateway struct {
	mu       sync.Mutex
	balances map[string]float64
	price    float64
	nextID   int64
	orders   []OrderRequest
	failWith error
}

var _ Gateway = (*SimGateway)(nil)

// NewSimGateway starts with the given quote-asset balance and a fill
// price that SetPrice updates as candles arrive.
func NewSimGateway(quoteAsset string, quoteBalance float64) *SimGateway {
	return &SimGateway{
		balances: map[string]float64{quoteAsset: quoteBalance},
		price:    1,
	}
}

// SetPrice sets the price every subsequent order fills at.
func (g *SimGateway) SetPrice(p float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.price = p
}

// FailWith makes every subsequent call return err, for exercising
// error transitions.
func (g *SimGateway) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWith = err
}

// Orders returns every order placed so far.
func (g *SimGateway) Orders() []OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]OrderRequest, len(g.orders))
	copy(out, g.orders)
	return out
}

func (g *SimGateway) PlaceOrder(_ context.Context, req OrderRequest) (domain.OrderConfirmation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return domain.OrderConfirmation{}, g.failWith
	}
	qty := req.Quantity
	if req.QuoteQuantity > 0 {
		qty = req.QuoteQuantity / g.price
	}
	if qty <= 0 {
		return domain.OrderConfirmation{}, fmt.Errorf("sim order for %s has no quantity: %w", req.Symbol, domain.ErrOrderRejected)
	}
	g.orders = append(g.orders, req)
	g.nextID++
	return domain.OrderConfirmation{
		OrderID:   strconv.FormatInt(g.nextID, 10),
		Status:    "FILLED",
		Price:     g.price,
		Quantity:  qty,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (g *SimGateway) GetBalances(context.Context) ([]domain.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return nil, g.failWith
	}
	out := make([]domain.Balance, 0, len(g.balances))
	for asset, free := range g.balances {
		out = append(out, domain.Balance{Asset: asset, Free: free})
	}
	return out, nil
}

func (g *SimGateway) Ping(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failWith
}
