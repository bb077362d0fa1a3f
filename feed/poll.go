package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/tradestate/broker"
	"github.com/rustyeddy/tradestate/market"
	"github.com/rustyeddy/tradestate/metrics"
	"github.com/rustyeddy/tradestate/pkg/logging"
)

const (
	PathPositions = "/api/v1/positions"
	PathAccount   = "/api/v1/account"
	PathPrices    = "/api/v1/prices"

	// longest response body quoted back in an error
	maxErrorBody = 512
)

// Client is the HTTP side of the server: polls and the close endpoint.
// It satisfies broker.Broker.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ broker.Broker = (*Client)(nil)

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// NewClient creates a client for baseURL. timeout bounds every request.
func NewClient(baseURL, token string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type positionsResponse struct {
	Positions []broker.Position `json:"positions"`
}

type pricesResponse struct {
	Prices map[string]market.BA `json:"prices"`
}

// Positions fetches every open and pending position. Entries that fail
// validation are dropped and logged.
func (c *Client) Positions(ctx context.Context) ([]broker.Position, error) {
	var resp positionsResponse
	if err := c.do(ctx, http.MethodGet, PathPositions, &resp); err != nil {
		metrics.PollErrors.WithLabelValues("positions").Inc()
		return nil, err
	}
	out := resp.Positions[:0]
	for _, p := range resp.Positions {
		if err := p.Validate(); err != nil {
			c.logger.Warn("dropping invalid position", zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) Account(ctx context.Context) (broker.AccountInfo, error) {
	var acct broker.AccountInfo
	if err := c.do(ctx, http.MethodGet, PathAccount, &acct); err != nil {
		metrics.PollErrors.WithLabelValues("account").Inc()
		return broker.AccountInfo{}, err
	}
	return acct, nil
}

func (c *Client) Prices(ctx context.Context) (map[string]market.BA, error) {
	var resp pricesResponse
	if err := c.do(ctx, http.MethodGet, PathPrices, &resp); err != nil {
		metrics.PollErrors.WithLabelValues("prices").Inc()
		return nil, err
	}
	return resp.Prices, nil
}

// ClosePosition asks the server to close one position. The server treats
// a repeated close as success.
func (c *Client) ClosePosition(ctx context.Context, positionID string) error {
	if positionID == "" {
		return fmt.Errorf("close: missing position id")
	}
	path := PathPositions + "/" + url.PathEscape(positionID) + "/close"
	return c.do(ctx, http.MethodPost, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
