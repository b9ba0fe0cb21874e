// Package broker abstracts the order gateway: placing orders, reading
// balances and probing venue reachability. The engine consumes this
// interface; the Binance implementation and an in-memory simulator
// both live here.
package broker

import (
	"context"

	"tradeforge/internal/domain"
)

// OrderRequest describes one market order. Quantity is in base asset
// units; QuoteQuantity, when non-zero, is used instead and is in quote
// asset units (spend-this-much semantics).
type OrderRequest struct {
	Symbol        string
	Side          domain.Side
	Quantity      float64
	QuoteQuantity float64
}

// Gateway is the venue boundary. Implementations map venue failures
// onto the domain sentinel errors: ErrAuthentication for credential
// problems, ErrInsufficientFunds when the account cannot cover the
// order, ErrOrderRejected for any other venue-side refusal.
type Gateway interface {
	// PlaceOrder submits a market order and returns the venue's fill
	// confirmation.
	PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderConfirmation, error)
	// GetBalances returns every asset balance on the account.
	GetBalances(ctx context.Context) ([]domain.Balance, error)
	// Ping verifies the venue is reachable with the configured
	// credentials.
	Ping(ctx context.Context) error
}
