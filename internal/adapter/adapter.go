// Package adapter is the canonical-identifier facade over broker sessions.
// Callers pass and receive instrument_key values; broker symbols only exist
// between the adapter and the session.
package adapter

import (
	"context"
	"log"
	"time"

	"trading-sharedv1/internal/broker"
	"trading-sharedv1/internal/instrument"
)

// Leaser hands out tenant sessions for the duration of fn and counts fn's
// failures against the session.
type Leaser interface {
	Scoped(ctx context.Context, tenant, apiKey string, fn func(broker.Session) error) error
}

// Result is the envelope returned to callers.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result"`
	Message string `json:"message"`
}

// Call describes one broker round trip, for journals and metrics.
type Call struct {
	Tenant        string
	Operation     string
	InstrumentKey string
	Symbol        string
	Request       broker.Params
	Success       bool
	Message       string
	Err           error
	Started       time.Time
	Duration      time.Duration
}

// CallObserver is notified after every broker call.
type CallObserver interface {
	OnBrokerCall(ctx context.Context, c Call)
}

// Adapter holds what is shared by every tenant client.
type Adapter struct {
	pool      Leaser
	codec     *instrument.Codec
	exchange  string
	limiters  *Limiters
	observers []CallObserver
	onWarning func(direction string)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDefaultExchange overrides the codec's default exchange for responses
// that carry none.
func WithDefaultExchange(ex string) Option {
	return func(a *Adapter) {
		if ex != "" {
			a.exchange = ex
		}
	}
}

// WithLimiters rate-limits broker calls per tenant.
func WithLimiters(l *Limiters) Option {
	return func(a *Adapter) { a.limiters = l }
}

// WithCallObserver registers a journal or metrics sink.
func WithCallObserver(o CallObserver) Option {
	return func(a *Adapter) {
		if o != nil {
			a.observers = append(a.observers, o)
		}
	}
}

// WithWarningHook is called with the direction ("request", "response",
// "consistency") of every conversion warning.
func WithWarningHook(fn func(direction string)) Option {
	return func(a *Adapter) { a.onWarning = fn }
}

// New creates an Adapter.
func New(pool Leaser, codec *instrument.Codec, opts ...Option) *Adapter {
	if codec == nil {
		codec = instrument.New()
	}
	a := &Adapter{pool: pool, codec: codec, exchange: codec.DefaultExchange()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Codec returns the adapter's codec.
func (a *Adapter) Codec() *instrument.Codec { return a.codec }

// For returns a client bound to tenant. apiKey may be empty when the pool
// has the tenant's key cached.
func (a *Adapter) For(tenant, apiKey string) *Client {
	return &Client{a: a, tenant: tenant, apiKey: apiKey}
}

// Client runs broker operations for one tenant.
type Client struct {
	a      *Adapter
	tenant string
	apiKey string
}

type writeFunc func(broker.Session, context.Context, broker.Params) (broker.Response, error)
type readFunc func(broker.Session, context.Context, string) (broker.Response, error)

func (c *Client) PlaceRegularOrder(ctx context.Context, p broker.Params) (Result, error) {
	return c.write(ctx, "place_regular_order", broker.Session.PlaceRegularOrder, p)
}

func (c *Client) PlaceCoverOrder(ctx context.Context, p broker.Params) (Result, error) {
	return c.write(ctx, "place_cover_order", broker.Session.PlaceCoverOrder, p)
}

func (c *Client) PlaceBracketOrder(ctx context.Context, p broker.Params) (Result, error) {
	return c.write(ctx, "place_bracket_order", broker.Session.PlaceBracketOrder, p)
}

func (c *Client) PlaceAdvancedOrder(ctx context.Context, p broker.Params) (Result, error) {
	return c.write(ctx, "place_advanced_order", broker.Session.PlaceAdvancedOrder, p)
}

func (c *Client) ModifyOrderByPlatformID(ctx context.Context, p broker.Params) (Result, error) {
	return c.write(ctx, "modify_order_by_platform_id", broker.Session.ModifyOrderByPlatformID, p)
}

func (c *Client) CancelOrderByPlatformID(ctx context.Context, p broker.Params) (Result, error) {
	return c.write(ctx, "cancel_order_by_platform_id", broker.Session.CancelOrderByPlatformID, p)
}

func (c *Client) CancelAllOrders(ctx context.Context, p broker.Params) (Result, error) {
	return c.write(ctx, "cancel_all_orders", broker.Session.CancelAllOrders, p)
}

func (c *Client) CancelChildOrdersByPlatformID(ctx context.Context, p broker.Params) (Result, error) {
	return c.write(ctx, "cancel_child_orders_by_platform_id", broker.Session.CancelChildOrdersByPlatformID, p)
}

func (c *Client) SquareOffPosition(ctx context.Context, p broker.Params) (Result, error) {
	return c.write(ctx, "square_off_position", broker.Session.SquareOffPosition, p)
}

func (c *Client) SquareOffPortfolio(ctx context.Context, p broker.Params) (Result, error) {
	return c.write(ctx, "square_off_portfolio", broker.Session.SquareOffPortfolio, p)
}

// GetOrderStatus returns the order's status with instrument_key added when the
// broker reports a symbol.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (Result, error) {
	return c.write(ctx, "get_order_status", func(s broker.Session, ctx context.Context, _ broker.Params) (broker.Response, error) {
		return s.GetOrderStatus(ctx, orderID)
	}, broker.Params{"order_id": orderID})
}

// ReadPlatformMargins flattens margin rows; margins carry no instrument.
func (c *Client) ReadPlatformMargins(ctx context.Context, account string) (Result, error) {
	return c.read(ctx, "read_platform_margins", broker.Session.ReadPlatformMargins, account, false)
}

func (c *Client) ReadPlatformPositions(ctx context.Context, account string) (Result, error) {
	return c.read(ctx, "read_platform_positions", broker.Session.ReadPlatformPositions, account, true)
}

func (c *Client) ReadPlatformHoldings(ctx context.Context, account string) (Result, error) {
	return c.read(ctx, "read_platform_holdings", broker.Session.ReadPlatformHoldings, account, true)
}

func (c *Client) ReadPlatformOrders(ctx context.Context, account string) (Result, error) {
	return c.read(ctx, "read_platform_orders", broker.Session.ReadPlatformOrders, account, true)
}

func (c *Client) write(ctx context.Context, op string, fn writeFunc, p broker.Params) (Result, error) {
	req := c.a.ToBrokerRequest(p)
	key, _ := p[FieldInstrumentKey].(string)
	sym, _ := req[FieldSymbol].(string)

	resp, err := c.invoke(ctx, op, req, key, sym, func(s broker.Session) (broker.Response, error) {
		return fn(s, ctx, req)
	})
	if err != nil {
		return Result{}, err
	}
	if !resp.Success {
		return Result{Success: false, Message: resp.Message}, nil
	}

	result := resp.Result
	if rec, ok := result.(map[string]any); ok {
		ex, _ := p[FieldExchange].(string)
		result = c.a.FromBrokerRecord(rec, ex)
	}
	return Result{Success: true, Result: result, Message: resp.Message}, nil
}

func (c *Client) read(ctx context.Context, op string, fn readFunc, account string, translate bool) (Result, error) {
	req := broker.Params{"pseudo_account": account}
	resp, err := c.invoke(ctx, op, req, "", "", func(s broker.Session) (broker.Response, error) {
		return fn(s, ctx, account)
	})
	if err != nil {
		return Result{}, err
	}
	if !resp.Success {
		return Result{Success: false, Result: []map[string]any{}, Message: resp.Message}, nil
	}
	return Result{Success: true, Result: c.a.ConvertList(resp.Result, translate), Message: resp.Message}, nil
}

// invoke waits for the tenant's rate budget, runs call inside a scoped lease
// and notifies observers. A call that fails after ctx is done is returned to
// the caller but not counted against the session.
func (c *Client) invoke(ctx context.Context, op string, req broker.Params, key, sym string, call func(broker.Session) (broker.Response, error)) (broker.Response, error) {
	if c.a.limiters != nil {
		if err := c.a.limiters.Wait(ctx, c.tenant); err != nil {
			log.Printf("[adapter] %s for tenant %s: %v", op, c.tenant, err)
			return broker.Response{}, err
		}
	}

	var (
		resp      broker.Response
		cancelled error
	)
	start := time.Now()
	err := c.a.pool.Scoped(ctx, c.tenant, c.apiKey, func(s broker.Session) error {
		var err error
		resp, err = call(s)
		if err != nil && ctx.Err() != nil {
			// Abandoned by the caller: not a fault of the session.
			cancelled = err
			return nil
		}
		return err
	})
	if err == nil && cancelled != nil {
		err = cancelled
	}

	rec := Call{
		Tenant:        c.tenant,
		Operation:     op,
		InstrumentKey: key,
		Symbol:        sym,
		Request:       req,
		Success:       err == nil && resp.Success,
		Message:       resp.Message,
		Err:           err,
		Started:       start,
		Duration:      time.Since(start),
	}
	if err != nil {
		log.Printf("[adapter] %s for tenant %s failed: %v", op, c.tenant, err)
	}
	for _, o := range c.a.observers {
		o.OnBrokerCall(ctx, rec)
	}
	return resp, err
}
