package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"market-tiers/internal/market"
)

// GammaMarket is the catalog entry returned by the Gamma API.
type GammaMarket struct {
	ID             string `json:"id"`
	Question       string `json:"question"`
	ConditionID    string `json:"conditionId"`
	Slug           string `json:"slug"`
	Category       string `json:"category"`
	EndDate        string `json:"endDate"`
	EndDateISO     string `json:"endDateIso"`
	Outcomes       string `json:"outcomes"`
	ClobTokenIDs   string `json:"clobTokenIds"`
	LastTradePrice number `json:"lastTradePrice"`
	BestBid        number `json:"bestBid"`
	BestAsk        number `json:"bestAsk"`
	Spread         number `json:"spread"`
	Volume24hr     number `json:"volume24hr"`
	Liquidity      number `json:"liquidityNum"`
	Active         bool   `json:"active"`
	Closed         bool   `json:"closed"`
}

// GammaClient reads the market catalog.
type GammaClient struct {
	client *resty.Client
}

// NewGammaClient constructs a Gamma API client.
func NewGammaClient(baseURL string, opts ClientOptions) *GammaClient {
	if baseURL == "" {
		baseURL = "https://gamma-api.polymarket.com"
	}
	return &GammaClient{client: newRestyClient(baseURL, opts)}
}

// ListMarkets returns one page of open markets.
func (c *GammaClient) ListMarkets(ctx context.Context, offset, limit int) ([]GammaMarket, error) {
	var out []GammaMarket
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"active": "true",
			"closed": "false",
			"limit":  strconv.Itoa(limit),
			"offset": strconv.Itoa(offset),
		}).
		SetResult(&out).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("list gamma markets: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, fmt.Errorf("list gamma markets: %w", err)
	}
	return out, nil
}

// GetMarket returns the detail record of one market.
func (c *GammaClient) GetMarket(ctx context.Context, id string) (GammaMarket, error) {
	var out GammaMarket
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/markets/" + url.PathEscape(id))
	if err != nil {
		return GammaMarket{}, fmt.Errorf("get gamma market %s: %w", id, err)
	}
	if err := checkResponse(resp); err != nil {
		return GammaMarket{}, fmt.Errorf("get gamma market %s: %w", id, err)
	}
	return out, nil
}

// Record converts the upstream payload into a universe snapshot. Tier fields
// are left for the tier manager.
func (g GammaMarket) Record(now time.Time) (market.Record, error) {
	if strings.TrimSpace(g.ID) == "" {
		return market.Record{}, fmt.Errorf("gamma market without id")
	}

	rec := market.Record{
		ID:        g.ID,
		Question:  strings.TrimSpace(g.Question),
		Category:  strings.TrimSpace(g.Category),
		LastPrice: g.LastTradePrice.Decimal,
		BestBid:   g.BestBid.Decimal,
		BestAsk:   g.BestAsk.Decimal,
		Spread:    g.Spread.Decimal,
		Volume24h: g.Volume24hr.Decimal,
		Liquidity: g.Liquidity.Decimal,
		Resolved:  g.Closed,
		UpdatedAt: now,
	}
	if rec.Spread.IsZero() && rec.BestAsk.GreaterThan(rec.BestBid) && rec.BestBid.IsPositive() {
		rec.Spread = rec.BestAsk.Sub(rec.BestBid)
	}

	for _, raw := range []string{g.EndDate, g.EndDateISO} {
		if raw == "" {
			continue
		}
		if end, err := parseEndDate(raw); err == nil {
			rec.EndTime = end
			break
		}
	}

	tokens := parseStringList(g.ClobTokenIDs)
	labels := parseStringList(g.Outcomes)
	for i, tokenID := range tokens {
		tok := market.OutcomeToken{Index: i, TokenID: tokenID}
		if i < len(labels) {
			tok.Label = labels[i]
		}
		rec.Tokens = append(rec.Tokens, tok)
	}
	return rec, nil
}

func parseEndDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised end date %q", raw)
}
