package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgemark/settlement-engine/internal/model"
)

// HTTPOracle reads quotes from a REST price service and forwards updates
// to it. The service charges a flat fee per update, advertised at startup
// via configuration.
//
// Wire format:
//
//	GET  {base}/prices/{feedRef} → {"price":"...", "publish_time": <unix seconds>}
//	POST {base}/updates          ← raw update payload
type HTTPOracle struct {
	baseURL   string
	updateFee decimal.Decimal
	client    *http.Client
}

// NewHTTPOracle creates an oracle client for the given base URL.
func NewHTTPOracle(baseURL string, updateFee decimal.Decimal) *HTTPOracle {
	return &HTTPOracle{
		baseURL:   baseURL,
		updateFee: updateFee,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type httpQuote struct {
	Price       decimal.Decimal `json:"price"`
	PublishTime int64           `json:"publish_time"`
}

func (o *HTTPOracle) GetPrice(ctx context.Context, feedRef string) (model.PriceQuote, error) {
	url := fmt.Sprintf("%s/prices/%s", o.baseURL, feedRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.PriceQuote{}, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("fetch price for %s: %w", feedRef, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.PriceQuote{}, fmt.Errorf("price service returned %d for feed %s", resp.StatusCode, feedRef)
	}

	var q httpQuote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return model.PriceQuote{}, fmt.Errorf("decode quote for %s: %w", feedRef, err)
	}

	return model.PriceQuote{
		Price:       q.Price,
		PublishTime: time.Unix(q.PublishTime, 0).UTC(),
	}, nil
}

func (o *HTTPOracle) GetUpdateFee(_ []byte) decimal.Decimal {
	return o.updateFee
}

func (o *HTTPOracle) ApplyUpdate(ctx context.Context, update []byte, _ decimal.Decimal) error {
	url := o.baseURL + "/updates"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(update))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("push feed update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("price service rejected update: %d", resp.StatusCode)
	}
	return nil
}
