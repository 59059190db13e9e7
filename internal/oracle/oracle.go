// Package oracle defines the price-feed boundary: an Oracle implementation
// delivers raw quotes and consumes paid feed updates, and Client wraps it
// with the validation every settlement path requires (positive price,
// bounded staleness, fee checks).
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/model"
)

// StalenessThreshold is the maximum allowed age of a quote at read time.
const StalenessThreshold = 300 * time.Second

var (
	// ErrInvalidPrice is returned when the feed reports a zero or negative price.
	ErrInvalidPrice = errors.New("oracle: invalid price")

	// ErrStalePrice is returned when the quote is older than StalenessThreshold.
	ErrStalePrice = errors.New("oracle: price too stale")

	// ErrInsufficientUpdateFee is returned when the supplied value does not
	// cover the feed update fee with a positive remainder.
	ErrInsufficientUpdateFee = errors.New("oracle: insufficient update fee")
)

// Oracle is the external feed boundary. Implementations own feed-update
// mechanics; callers never see an unvalidated price (use Client).
type Oracle interface {
	// GetPrice returns the raw quote for a feed reference.
	GetPrice(ctx context.Context, feedRef string) (model.PriceQuote, error)

	// GetUpdateFee returns the fee required to apply an update payload.
	GetUpdateFee(update []byte) decimal.Decimal

	// ApplyUpdate pushes a feed update, consuming the paid fee.
	ApplyUpdate(ctx context.Context, update []byte, paid decimal.Decimal) error
}

// Client validates quotes and handles update-fee mechanics on top of an
// Oracle.
type Client struct {
	oracle Oracle
	now    func() time.Time
}

// NewClient creates a validating client around an oracle.
func NewClient(o Oracle) *Client {
	return &Client{oracle: o, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
}

// GetValidatedPrice reads the current quote for feedRef and rejects
// non-positive prices and quotes older than StalenessThreshold.
func (c *Client) GetValidatedPrice(ctx context.Context, feedRef string) (model.PriceQuote, error) {
	quote, err := c.oracle.GetPrice(ctx, feedRef)
	if err != nil {
		return model.PriceQuote{}, err
	}

	if quote.Price.LessThanOrEqual(decimal.Zero) {
		return model.PriceQuote{}, fmt.Errorf("%w: feed %s reported %s", ErrInvalidPrice, feedRef, quote.Price)
	}

	if age := c.now().Sub(quote.PublishTime); age > StalenessThreshold {
		return model.PriceQuote{}, fmt.Errorf("%w: feed %s quote is %s old", ErrStalePrice, feedRef, age.Truncate(time.Second))
	}

	return quote, nil
}

// ApplyPaidUpdate charges the update fee out of a supplied value and pushes
// the update. The remainder (supplied - fee) is what the calling operation
// may use as collateral or escrow, so the supplied value must strictly
// exceed the fee. An empty update is free and a no-op.
func (c *Client) ApplyPaidUpdate(ctx context.Context, update []byte, supplied decimal.Decimal) (fee decimal.Decimal, err error) {
	if len(update) == 0 {
		return decimal.Zero, nil
	}

	fee = c.oracle.GetUpdateFee(update)
	if supplied.LessThanOrEqual(fee) {
		return decimal.Zero, fmt.Errorf("%w: fee %s, supplied %s", ErrInsufficientUpdateFee, fee, supplied)
	}

	if err := c.oracle.ApplyUpdate(ctx, update, fee); err != nil {
		return decimal.Zero, fmt.Errorf("apply feed update: %w", err)
	}
	return fee, nil
}
