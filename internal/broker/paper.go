package broker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-sharedv1/internal/clock"
)

const (
	paperBroker  = "PAPER_BROKER"
	paperAccount = "PAPER_ACCOUNT"
	paperSeqBase = 1000
)

// Order lifecycle states reported by the paper session.
const (
	StatusPending         = "PENDING"
	StatusOpen            = "OPEN"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusComplete        = "COMPLETE"
	StatusCancelled       = "CANCELLED"
)

// Margin is one margin category of a trading account.
type Margin struct {
	Category       string          `json:"category"`
	Available      decimal.Decimal `json:"available"`
	Utilized       decimal.Decimal `json:"utilized"`
	Total          decimal.Decimal `json:"total"`
	Funds          decimal.Decimal `json:"funds"`
	Exposure       decimal.Decimal `json:"exposure"`
	Net            decimal.Decimal `json:"net"`
	StockBroker    string          `json:"stock_broker"`
	TradingAccount string          `json:"trading_account"`
}

// Position is an open intraday position.
type Position struct {
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	NetQuantity    int64           `json:"net_quantity"`
	BuyQuantity    int64           `json:"buy_quantity"`
	SellQuantity   int64           `json:"sell_quantity"`
	BuyAvgPrice    decimal.Decimal `json:"buy_avg_price"`
	SellAvgPrice   decimal.Decimal `json:"sell_avg_price"`
	LTP            decimal.Decimal `json:"ltp"`
	PnL            decimal.Decimal `json:"pnl"`
	Category       string          `json:"category"`
	Type           string          `json:"type"`
	Direction      string          `json:"direction"`
	State          string          `json:"state"`
	StockBroker    string          `json:"stock_broker"`
	TradingAccount string          `json:"trading_account"`
}

// Holding is a delivery holding.
type Holding struct {
	Exchange     string          `json:"exchange"`
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	LTP          decimal.Decimal `json:"ltp"`
	PnL          decimal.Decimal `json:"pnl"`
	CurrentValue decimal.Decimal `json:"current_value"`
	Product      string          `json:"product"`
	ISIN         string          `json:"isin"`
	StockBroker  string          `json:"stock_broker"`
	Platform     string          `json:"platform"`
}

var _ Session = (*Paper)(nil)

type paperOrder struct {
	fields    Params
	createdAt time.Time
	cancelled bool
}

// Paper is an in-memory session honouring the full capability set. Orders
// progress PENDING -> OPEN -> PARTIALLY_FILLED -> COMPLETE by age.
type Paper struct {
	clock clock.Clock

	mu        sync.Mutex
	orderSeq  int64
	orders    map[string]*paperOrder
	positions []Position
	holdings  []Holding
	margins   []Margin
}

// NewPaper creates a paper session seeded with demo positions and holdings.
func NewPaper(clk clock.Clock) *Paper {
	if clk == nil {
		clk = clock.System{}
	}
	return &Paper{
		clock:    clk,
		orderSeq: paperSeqBase,
		orders:   make(map[string]*paperOrder),
		positions: []Position{
			newPosition("NSE", "RELIANCE", 100, decimal.NewFromInt(2500)),
			newPosition("NSE", "INFY", -50, decimal.NewFromInt(1500)),
		},
		holdings: []Holding{
			newHolding("NSE", "RELIANCE", 200, decimal.NewFromInt(2400)),
			newHolding("NSE", "TCS", 50, decimal.NewFromInt(3500)),
		},
		margins: []Margin{
			newMargin("EQUITY", decimal.NewFromInt(100000), decimal.NewFromInt(25000)),
			newMargin("COMMODITY", decimal.NewFromInt(50000), decimal.NewFromInt(10000)),
		},
	}
}

// PaperFactory creates a fresh Paper session per call, ignoring credentials.
func PaperFactory(clk clock.Clock) Factory {
	return FactoryFunc(func(_ context.Context, _, _ string) (Session, error) {
		return NewPaper(clk), nil
	})
}

func newPosition(exchange, symbol string, qty int64, avg decimal.Decimal) Position {
	ltp := avg.Mul(decimal.RequireFromString("1.01"))
	p := Position{
		Exchange:       exchange,
		Symbol:         symbol,
		NetQuantity:    qty,
		LTP:            ltp,
		PnL:            ltp.Sub(avg).Mul(decimal.NewFromInt(qty)),
		Category:       "INTRADAY",
		Type:           "MIS",
		State:          "OPEN",
		StockBroker:    paperBroker,
		TradingAccount: paperAccount,
	}
	if qty > 0 {
		p.BuyQuantity, p.BuyAvgPrice, p.Direction = qty, avg, "BUY"
	} else {
		p.SellQuantity, p.SellAvgPrice, p.Direction = -qty, avg, "SELL"
	}
	return p
}

func newHolding(exchange, symbol string, qty int64, avg decimal.Decimal) Holding {
	ltp := avg.Mul(decimal.RequireFromString("1.02"))
	prefix := symbol
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return Holding{
		Exchange:     exchange,
		Symbol:       symbol,
		Quantity:     qty,
		AvgPrice:     avg,
		LTP:          ltp,
		PnL:          ltp.Sub(avg).Mul(decimal.NewFromInt(qty)),
		CurrentValue: ltp.Mul(decimal.NewFromInt(qty)),
		Product:      "DELIVERY",
		ISIN:         "INE" + prefix + "000000",
		StockBroker:  paperBroker,
		Platform:     "PAPER",
	}
}

func newMargin(category string, available, utilized decimal.Decimal) Margin {
	return Margin{
		Category:       category,
		Available:      available,
		Utilized:       utilized,
		Total:          available.Add(utilized),
		Funds:          available,
		Exposure:       utilized.Mul(decimal.RequireFromString("0.2")),
		Net:            available,
		StockBroker:    paperBroker,
		TradingAccount: paperAccount,
	}
}

func (p *Paper) nextOrderID() string {
	p.orderSeq++
	return fmt.Sprintf("PAPER-%d", p.orderSeq)
}

// statusAt must be called with p.mu held.
func (p *Paper) statusAt(o *paperOrder, now time.Time) (status string, filled int64) {
	qty := toInt64(o.fields["quantity"])
	if o.cancelled {
		return StatusCancelled, 0
	}
	switch age := now.Sub(o.createdAt); {
	case age < 2*time.Second:
		return StatusPending, 0
	case age < 5*time.Second:
		return StatusOpen, 0
	case age < 10*time.Second:
		return StatusPartiallyFilled, qty / 2
	default:
		return StatusComplete, qty
	}
}

func (p *Paper) place(kind string, params Params) (Response, error) {
	symbol := params.String("symbol")
	if symbol == "" {
		return Fail("symbol is required"), nil
	}

	p.mu.Lock()
	id := p.nextOrderID()
	fields := params.Clone()
	fields["order_id"] = id
	fields["variety"] = kind
	p.orders[id] = &paperOrder{fields: fields, createdAt: p.clock.Now()}
	p.mu.Unlock()

	log.Printf("[paper] %s order %s %v %s qty=%v price=%v",
		kind, id, params["trade_type"], symbol, params["quantity"], params["price"])

	return OK(map[string]any{
		"order_id":          id,
		"exchange_order_id": "EX" + id,
		"status":            StatusPending,
		"symbol":            symbol,
		"exchange":          params["exchange"],
		"message":           "Order placed successfully",
	}), nil
}

func (p *Paper) PlaceRegularOrder(_ context.Context, params Params) (Response, error) {
	return p.place("REGULAR", params)
}

func (p *Paper) PlaceCoverOrder(_ context.Context, params Params) (Response, error) {
	return p.place("CO", params)
}

func (p *Paper) PlaceBracketOrder(_ context.Context, params Params) (Response, error) {
	return p.place("BO", params)
}

func (p *Paper) PlaceAdvancedOrder(_ context.Context, params Params) (Response, error) {
	return p.place("AMO", params)
}

func (p *Paper) ModifyOrderByPlatformID(_ context.Context, params Params) (Response, error) {
	id := params.String("platform_id")
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return Fail(fmt.Sprintf("Order %s not found", id)), nil
	}
	for k, v := range params {
		if k == "order_id" || k == "platform_id" {
			continue
		}
		o.fields[k] = v
	}
	return OK(map[string]any{"status": "MODIFIED", "order_id": id}), nil
}

func (p *Paper) CancelOrderByPlatformID(_ context.Context, params Params) (Response, error) {
	id := params.String("platform_id")
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return Fail(fmt.Sprintf("Order %s not found", id)), nil
	}
	o.cancelled = true
	return OK(map[string]any{"status": StatusCancelled, "order_id": id}), nil
}

// CancelAllOrders cancels every PENDING or OPEN order, optionally limited to
// one pseudo_account.
func (p *Paper) CancelAllOrders(_ context.Context, params Params) (Response, error) {
	account := params.String("pseudo_account")
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	count := 0
	for _, o := range p.orders {
		if account != "" && o.fields.String("pseudo_account") != account {
			continue
		}
		if st, _ := p.statusAt(o, now); st == StatusPending || st == StatusOpen {
			o.cancelled = true
			count++
		}
	}
	return OK(map[string]any{"status": StatusCancelled, "cancelled_count": count}), nil
}

func (p *Paper) CancelChildOrdersByPlatformID(_ context.Context, params Params) (Response, error) {
	id := params.String("platform_id")
	p.mu.Lock()
	_, ok := p.orders[id]
	p.mu.Unlock()
	if !ok {
		return Fail(fmt.Sprintf("Order %s not found", id)), nil
	}
	// paper orders never spawn child legs
	return OK(map[string]any{"status": StatusCancelled, "cancelled_count": 0}), nil
}

func (p *Paper) SquareOffPosition(_ context.Context, params Params) (Response, error) {
	symbol := params.String("symbol")
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pos := range p.positions {
		if pos.Symbol != symbol {
			continue
		}
		p.positions = append(p.positions[:i], p.positions[i+1:]...)
		return OK(map[string]any{
			"status":   "SQUARED_OFF",
			"order_id": p.nextOrderID(),
			"symbol":   pos.Symbol,
			"exchange": pos.Exchange,
		}), nil
	}
	return Fail(fmt.Sprintf("no open position for %s", symbol)), nil
}

func (p *Paper) SquareOffPortfolio(_ context.Context, _ Params) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.positions))
	for range p.positions {
		ids = append(ids, p.nextOrderID())
	}
	p.positions = nil
	return OK(map[string]any{"status": "SQUARED_OFF", "order_ids": ids}), nil
}

func (p *Paper) GetOrderStatus(_ context.Context, orderID string) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return Fail(fmt.Sprintf("Order %s not found", orderID)), nil
	}
	status, filled := p.statusAt(o, p.clock.Now())
	return OK(map[string]any{
		"order_id":        orderID,
		"status":          status,
		"filled_quantity": filled,
		"average_price":   o.fields["price"],
		"symbol":          o.fields["symbol"],
		"exchange":        o.fields["exchange"],
	}), nil
}

func (p *Paper) ReadPlatformMargins(_ context.Context, _ string) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return OK(append([]Margin(nil), p.margins...)), nil
}

func (p *Paper) ReadPlatformPositions(_ context.Context, _ string) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return OK(append([]Position(nil), p.positions...)), nil
}

func (p *Paper) ReadPlatformHoldings(_ context.Context, _ string) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return OK(append([]Holding(nil), p.holdings...)), nil
}

// ReadPlatformOrders returns the account's orders as field maps, oldest first.
func (p *Paper) ReadPlatformOrders(_ context.Context, account string) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()

	ids := make([]string, 0, len(p.orders))
	for id, o := range p.orders {
		if o.fields.String("pseudo_account") == account {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return orderSeqOf(ids[i]) < orderSeqOf(ids[j]) })

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		o := p.orders[id]
		row := map[string]any(o.fields.Clone())
		status, filled := p.statusAt(o, now)
		row["status"] = status
		row["filled_quantity"] = filled
		row["pending_quantity"] = toInt64(o.fields["quantity"]) - filled
		row["average_price"] = o.fields["price"]
		row["platform_time"] = o.createdAt
		row["validity"] = "DAY"
		row["amo"] = o.fields["variety"] == "AMO"
		out = append(out, row)
	}
	return OK(out), nil
}

func orderSeqOf(id string) int64 {
	n, _ := strconv.ParseInt(id[len("PAPER-"):], 10, 64)
	return n
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	case interface{ Int64() (int64, error) }:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
