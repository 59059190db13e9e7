package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/model"
)

// StaticOracle is an in-memory Oracle for development and testing. Feeds
// are seeded with SetPrice; updates are JSON payloads applied for a flat
// per-update fee.
type StaticOracle struct {
	mu        sync.RWMutex
	feeds     map[string]model.PriceQuote
	updateFee decimal.Decimal
}

// StaticUpdate is the JSON payload StaticOracle accepts in ApplyUpdate.
type StaticUpdate struct {
	Feed        string          `json:"feed"`
	Price       decimal.Decimal `json:"price"`
	PublishTime time.Time       `json:"publish_time"`
}

// NewStaticOracle creates an empty in-memory oracle charging updateFee per
// applied update.
func NewStaticOracle(updateFee decimal.Decimal) *StaticOracle {
	return &StaticOracle{
		feeds:     make(map[string]model.PriceQuote),
		updateFee: updateFee,
	}
}

// SetPrice seeds or overwrites a feed's quote directly.
func (o *StaticOracle) SetPrice(feedRef string, price decimal.Decimal, publishTime time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.feeds[feedRef] = model.PriceQuote{Price: price, PublishTime: publishTime}
}

func (o *StaticOracle) GetPrice(_ context.Context, feedRef string) (model.PriceQuote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	quote, ok := o.feeds[feedRef]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("feed %s not found", feedRef)
	}
	return quote, nil
}

func (o *StaticOracle) GetUpdateFee(_ []byte) decimal.Decimal {
	return o.updateFee
}

func (o *StaticOracle) ApplyUpdate(_ context.Context, update []byte, paid decimal.Decimal) error {
	if paid.LessThan(o.updateFee) {
		return fmt.Errorf("paid %s below update fee %s", paid, o.updateFee)
	}

	var u StaticUpdate
	if err := json.Unmarshal(update, &u); err != nil {
		return fmt.Errorf("decode update payload: %w", err)
	}
	if u.Feed == "" {
		return fmt.Errorf("update payload missing feed")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.feeds[u.Feed] = model.PriceQuote{Price: u.Price, PublishTime: u.PublishTime}
	return nil
}
