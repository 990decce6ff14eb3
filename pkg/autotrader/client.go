// Package autotrader is a JSON-over-HTTP client for the AutoTrader web API.
// A Client is one authenticated broker session and satisfies broker.Session.
//
// Usage example:
//
//	f := autotrader.NewFactory(autotrader.FactoryConfig{Timeout: 30 * time.Second})
//	s, err := f.Create(ctx, "your_api_key", "https://api.stocksdeveloper.in")
//	if err != nil { log.Fatal(err) }
//	resp, err := s.ReadPlatformPositions(ctx, "ACC1")
package autotrader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pquerna/otp/totp"

	"trading-sharedv1/internal/broker"
	"trading-sharedv1/internal/clock"
	"trading-sharedv1/internal/resilience"
)

// ErrTransport means the request never produced a usable broker answer:
// the network failed or the server answered with a 5xx status.
var ErrTransport = errors.New("autotrader: transport failure")

const defaultTimeout = 30 * time.Second

var routes = map[string]string{
	"order.regular":         "/trading/placeRegularOrder",
	"order.cover":           "/trading/placeCoverOrder",
	"order.bracket":         "/trading/placeBracketOrder",
	"order.advanced":        "/trading/placeAdvancedOrder",
	"order.modify":          "/trading/modifyOrderByPlatformId",
	"order.cancel":          "/trading/cancelOrderByPlatformId",
	"order.cancel.all":      "/trading/cancelAllOrders",
	"order.cancel.children": "/trading/cancelChildOrdersByPlatformId",
	"order.status":          "/trading/orderStatus",
	"squareoff.position":    "/trading/squareOffPosition",
	"squareoff.portfolio":   "/trading/squareOffPortfolio",

	"read.margins":   "/trading/readPlatformMargins",
	"read.positions": "/trading/readPlatformPositions",
	"read.holdings":  "/trading/readPlatformHoldings",
	"read.orders":    "/trading/readPlatformOrders",
}

// Config describes one client.
type Config struct {
	APIKey     string
	ServerURL  string
	Timeout    time.Duration // default 30s
	TOTPSecret string        // optional; adds an X-TOTP header to every request
	HTTPClient *http.Client  // overrides Timeout when set
	Clock      clock.Clock
	Breaker    *resilience.Breaker // optional; shared across clients of one server
}

// Client is an AutoTrader session bound to one API key.
type Client struct {
	apiKey     string
	serverURL  string
	totpSecret string
	httpClient *http.Client
	clock      clock.Clock
	breaker    *resilience.Breaker
}

var _ broker.Session = (*Client)(nil)

// envelope is the wire shape of every AutoTrader response.
type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Message string          `json:"message"`
}

// New builds a client. An empty server URL yields broker.ErrFactoryUnavailable
// so that a fallback factory can take over.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, fmt.Errorf("%w: no server url configured", broker.ErrFactoryUnavailable)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("autotrader: api key is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		apiKey:     cfg.APIKey,
		serverURL:  strings.TrimRight(cfg.ServerURL, "/"),
		totpSecret: cfg.TOTPSecret,
		httpClient: hc,
		clock:      cfg.Clock,
		breaker:    cfg.Breaker,
	}, nil
}

// ServerURL returns the base URL the client talks to.
func (c *Client) ServerURL() string { return c.serverURL }

func (c *Client) requestHeaders() (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("api-key", c.apiKey)
	if c.totpSecret != "" {
		code, err := totp.GenerateCode(c.totpSecret, c.clock.Now())
		if err != nil {
			return nil, fmt.Errorf("generate totp: %w", err)
		}
		h.Set("X-TOTP", code)
	}
	return h, nil
}

// doRequest POSTs params to route and decodes the response envelope.
func (c *Client) doRequest(ctx context.Context, route string, params map[string]any) (broker.Response, error) {
	uri, ok := routes[route]
	if !ok {
		return broker.Response{}, fmt.Errorf("unknown route: %s", route)
	}
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return broker.Response{}, fmt.Errorf("encode %s request: %w", route, err)
	}
	header, err := c.requestHeaders()
	if err != nil {
		return broker.Response{}, err
	}

	var out broker.Response
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+uri, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header = header

		resp, err := c.httpClient.Do(req)
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrTransport, route, err)
			if ctx.Err() != nil {
				// The caller gave up; the server is not at fault.
				return resilience.Neutral(err)
			}
			log.Printf("[autotrader] HTTP error: %s err=%v", route, err)
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read %s body: %w", ErrTransport, route, err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %s: status %d", ErrTransport, route, resp.StatusCode)
		}
		out = decode(raw, resp.StatusCode)
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return broker.Response{}, err
	}
	if !out.Success {
		log.Printf("[autotrader] request failed: %s message=%s", route, out.Message)
	}
	return out, nil
}

// decode turns a non-5xx body into a Response. Bodies that are not an
// envelope are reported as broker-level failures.
func decode(raw []byte, status int) broker.Response {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return broker.Fail(fmt.Sprintf("couldn't parse response (status %d): %v", status, err))
	}
	if status >= http.StatusBadRequest && env.Message == "" {
		env.Message = http.StatusText(status)
	}
	var result any
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return broker.Fail(fmt.Sprintf("couldn't parse result: %v", err))
		}
	}
	return broker.Response{
		Success: env.Success && status < http.StatusBadRequest,
		Result:  result,
		Message: env.Message,
	}
}

func (c *Client) PlaceRegularOrder(ctx context.Context, p broker.Params) (broker.Response, error) {
	return c.doRequest(ctx, "order.regular", p)
}

func (c *Client) PlaceCoverOrder(ctx context.Context, p broker.Params) (broker.Response, error) {
	return c.doRequest(ctx, "order.cover", p)
}

func (c *Client) PlaceBracketOrder(ctx context.Context, p broker.Params) (broker.Response, error) {
	return c.doRequest(ctx, "order.bracket", p)
}

func (c *Client) PlaceAdvancedOrder(ctx context.Context, p broker.Params) (broker.Response, error) {
	return c.doRequest(ctx, "order.advanced", p)
}

func (c *Client) ModifyOrderByPlatformID(ctx context.Context, p broker.Params) (broker.Response, error) {
	return c.doRequest(ctx, "order.modify", p)
}

func (c *Client) CancelOrderByPlatformID(ctx context.Context, p broker.Params) (broker.Response, error) {
	return c.doRequest(ctx, "order.cancel", p)
}

func (c *Client) CancelAllOrders(ctx context.Context, p broker.Params) (broker.Response, error) {
	return c.doRequest(ctx, "order.cancel.all", p)
}

func (c *Client) CancelChildOrdersByPlatformID(ctx context.Context, p broker.Params) (broker.Response, error) {
	return c.doRequest(ctx, "order.cancel.children", p)
}

func (c *Client) SquareOffPosition(ctx context.Context, p broker.Params) (broker.Response, error) {
	return c.doRequest(ctx, "squareoff.position", p)
}

func (c *Client) SquareOffPortfolio(ctx context.Context, p broker.Params) (broker.Response, error) {
	return c.doRequest(ctx, "squareoff.portfolio", p)
}

// GetOrderStatus looks up one order by its platform id.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (broker.Response, error) {
	return c.doRequest(ctx, "order.status", map[string]any{"platform_id": orderID})
}

func (c *Client) ReadPlatformMargins(ctx context.Context, account string) (broker.Response, error) {
	return c.doRequest(ctx, "read.margins", map[string]any{"pseudo_account": account})
}

func (c *Client) ReadPlatformPositions(ctx context.Context, account string) (broker.Response, error) {
	return c.doRequest(ctx, "read.positions", map[string]any{"pseudo_account": account})
}

func (c *Client) ReadPlatformHoldings(ctx context.Context, account string) (broker.Response, error) {
	return c.doRequest(ctx, "read.holdings", map[string]any{"pseudo_account": account})
}

func (c *Client) ReadPlatformOrders(ctx context.Context, account string) (broker.Response, error) {
	return c.doRequest(ctx, "read.orders", map[string]any{"pseudo_account": account})
}
