// Package api is a read-only client for Polymarket's public data API.
// Everything here is keyed by proxy wallet address and needs no
// authentication; order placement and authenticated queries live in the
// clob client.
package api

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbx/goarb/pkg/ratelimit"
	sdkhttp "github.com/arbx/goarb/pkg/sdk/http"
)

var log = logrus.WithField("component", "dataapi")

// DefaultBaseURL is the production data API endpoint.
const DefaultBaseURL = "https://data-api.polymarket.com"

// pageSize is the maximum the data API returns per request.
const pageSize = 500

// maxRecords bounds pagination loops so a misbehaving endpoint cannot
// spin forever.
const maxRecords = 50000

// Client talks to the Polymarket data API.
type Client struct {
	http   *sdkhttp.Client
	limits *ratelimit.Manager
}

// NewClient creates a data API client. An empty baseURL selects the
// production endpoint.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:   sdkhttp.NewClient(baseURL),
		limits: ratelimit.NewManager(),
	}
}

func (c *Client) get(ctx context.Context, endpoint string, params map[string]any, out any) error {
	if err := c.limits.Wait(ctx, ratelimit.EndpointDataGeneral); err != nil {
		return err
	}
	return c.http.GetJSON(ctx, endpoint, params, out)
}

// GetOpenPositions returns every open position held by user, paginating
// until the API runs dry. sizeThreshold filters dust; pass 0 to keep the
// API default (1 share).
func (c *Client) GetOpenPositions(ctx context.Context, user string, sizeThreshold float64) ([]OpenPosition, error) {
	user = normalizeAddress(user)
	if user == "" {
		return nil, errors.New("dataapi: user address required")
	}

	var all []OpenPosition
	for offset := 0; offset < maxRecords; offset += pageSize {
		params := map[string]any{
			"user":   user,
			"limit":  pageSize,
			"offset": offset,
		}
		if sizeThreshold > 0 {
			params["sizeThreshold"] = sizeThreshold
		}

		var page []OpenPosition
		if err := c.get(ctx, "/positions", params, &page); err != nil {
			return nil, errors.Wrap(err, "dataapi: get positions")
		}
		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
	}
	return all, nil
}

// GetClosedPositions returns up to limit realized positions for user,
// most recent first.
func (c *Client) GetClosedPositions(ctx context.Context, user string, limit int) ([]ClosedPosition, error) {
	user = normalizeAddress(user)
	if user == "" {
		return nil, errors.New("dataapi: user address required")
	}
	if limit <= 0 || limit > pageSize {
		limit = pageSize
	}

	params := map[string]any{
		"user":          user,
		"limit":         limit,
		"sortBy":        "timestamp",
		"sortDirection": "DESC",
	}

	var out []ClosedPosition
	if err := c.get(ctx, "/closed-positions", params, &out); err != nil {
		return nil, errors.Wrap(err, "dataapi: get closed positions")
	}
	return out, nil
}

// ActivityParams filters GET /activity.
type ActivityParams struct {
	Types  []string // TRADE, REDEEM, SPLIT, MERGE; empty means TRADE
	After  int64    // Unix seconds, inclusive lower bound
	Before int64    // Unix seconds, inclusive upper bound
	Limit  int      // Per-call cap; 0 means one full page
}

// GetActivity returns ledger entries for user, most recent first.
func (c *Client) GetActivity(ctx context.Context, user string, p ActivityParams) ([]Activity, error) {
	user = normalizeAddress(user)
	if user == "" {
		return nil, errors.New("dataapi: user address required")
	}

	types := p.Types
	if len(types) == 0 {
		types = []string{ActivityTrade}
	}
	limit := p.Limit
	if limit <= 0 || limit > pageSize {
		limit = pageSize
	}

	params := map[string]any{
		"user":          user,
		"type":          strings.Join(types, ","),
		"limit":         limit,
		"sortBy":        "TIMESTAMP",
		"sortDirection": "DESC",
	}
	if p.After > 0 {
		params["start"] = p.After
	}
	if p.Before > 0 {
		params["end"] = p.Before
	}

	var out []Activity
	if err := c.get(ctx, "/activity", params, &out); err != nil {
		return nil, errors.Wrap(err, "dataapi: get activity")
	}
	return out, nil
}

// GetRedemptions returns the full redemption history for user, paginating
// in pageSize batches. The sweeper uses this to seed its attempted set
// after a cold start so it does not resubmit conditions that already paid
// out.
func (c *Client) GetRedemptions(ctx context.Context, user string) ([]Activity, error) {
	user = normalizeAddress(user)
	if user == "" {
		return nil, errors.New("dataapi: user address required")
	}

	var all []Activity
	for offset := 0; offset < maxRecords; offset += pageSize {
		params := map[string]any{
			"user":          user,
			"type":          ActivityRedeem,
			"limit":         pageSize,
			"offset":        offset,
			"sortBy":        "TIMESTAMP",
			"sortDirection": "DESC",
		}

		var page []Activity
		if err := c.get(ctx, "/activity", params, &page); err != nil {
			return nil, errors.Wrap(err, "dataapi: get redemptions")
		}
		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
	}
	if len(all) >= maxRecords {
		log.Warnf("redemption history for %s hit the %d record cap, result truncated", user, maxRecords)
	}
	return all, nil
}

// GetPortfolioValue returns the mark-to-market USDC value of all open
// positions held by user. This is positions only; cash balance comes from
// the chain.
func (c *Client) GetPortfolioValue(ctx context.Context, user string) (float64, error) {
	user = normalizeAddress(user)
	if user == "" {
		return 0, errors.New("dataapi: user address required")
	}

	var rows []UserValue
	if err := c.get(ctx, "/value", map[string]any{"user": user}, &rows); err != nil {
		return 0, errors.Wrap(err, "dataapi: get value")
	}
	for _, row := range rows {
		if strings.EqualFold(row.User, user) {
			return row.Value.Float64(), nil
		}
	}
	if len(rows) > 0 {
		return rows[0].Value.Float64(), nil
	}
	return 0, nil
}

// PositionsValue sums the mark-to-market worth of positions. It is the
// offline counterpart of GetPortfolioValue for callers that already hold
// a snapshot.
func PositionsValue(positions []OpenPosition) float64 {
	var total float64
	for _, p := range positions {
		total += p.Value()
	}
	return total
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(strings.ToLower(addr))
	if addr == "" {
		return ""
	}
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}
