// Package broker defines the capability set the platform consumes from a
// broker session, the factory that creates sessions, and an in-memory paper
// session used when no real broker is reachable.
package broker

import (
	"context"
	"errors"
)

// ErrFactoryUnavailable means the factory cannot create sessions at all
// (not configured, or the backing client is missing). It is the signal for
// WithFallback to switch to the substitute factory.
var ErrFactoryUnavailable = errors.New("broker factory unavailable")

// Params carries the free-form fields of a broker request.
type Params map[string]any

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the field as a string, or "" if absent or not a string.
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Response is the broker's result envelope.
type Response struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message"`
}

// OK builds a successful response.
func OK(result any) Response {
	return Response{Success: true, Result: result, Message: "success"}
}

// Fail builds a broker-level failure.
func Fail(msg string) Response {
	return Response{Success: false, Message: msg}
}

// Session is the capability set of a live broker session. A non-nil error
// means the call did not reach the broker; broker-level rejections come back
// as Response.Success == false.
type Session interface {
	PlaceRegularOrder(ctx context.Context, p Params) (Response, error)
	PlaceCoverOrder(ctx context.Context, p Params) (Response, error)
	PlaceBracketOrder(ctx context.Context, p Params) (Response, error)
	PlaceAdvancedOrder(ctx context.Context, p Params) (Response, error)
	ModifyOrderByPlatformID(ctx context.Context, p Params) (Response, error)
	CancelOrderByPlatformID(ctx context.Context, p Params) (Response, error)
	CancelAllOrders(ctx context.Context, p Params) (Response, error)
	CancelChildOrdersByPlatformID(ctx context.Context, p Params) (Response, error)
	SquareOffPosition(ctx context.Context, p Params) (Response, error)
	SquareOffPortfolio(ctx context.Context, p Params) (Response, error)
	GetOrderStatus(ctx context.Context, orderID string) (Response, error)

	ReadPlatformMargins(ctx context.Context, account string) (Response, error)
	ReadPlatformPositions(ctx context.Context, account string) (Response, error)
	ReadPlatformHoldings(ctx context.Context, account string) (Response, error)
	ReadPlatformOrders(ctx context.Context, account string) (Response, error)
}

// Factory creates broker sessions.
type Factory interface {
	Create(ctx context.Context, apiKey, serverURL string) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, apiKey, serverURL string) (Session, error)

// Create calls f.
func (f FactoryFunc) Create(ctx context.Context, apiKey, serverURL string) (Session, error) {
	return f(ctx, apiKey, serverURL)
}
