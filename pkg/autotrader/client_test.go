package autotrader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/pquerna/otp/totp"

	"trading-sharedv1/internal/broker"
	"trading-sharedv1/internal/clock"
	"trading-sharedv1/internal/resilience"
)

type capture struct {
	path   string
	header http.Header
	body   map[string]any
}

func newServer(t *testing.T, status int, reply string, got *capture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			got.path = r.URL.Path
			got.header = r.Header.Clone()
			_ = json.NewDecoder(r.Body).Decode(&got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_PlaceRegularOrder(t *testing.T) {
	var got capture
	srv := newServer(t, http.StatusOK, `{"success":true,"result":{"order_id":"AT-1"},"message":"ok"}`, &got)

	c, err := New(Config{APIKey: "k1", ServerURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := c.PlaceRegularOrder(context.Background(), broker.Params{"symbol": "INFY", "quantity": 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.Message != "ok" {
		t.Errorf("unexpected response %+v", resp)
	}
	if m, _ := resp.Result.(map[string]any); m["order_id"] != "AT-1" {
		t.Errorf("expected order id AT-1, got %v", resp.Result)
	}

	if got.path != "/trading/placeRegularOrder" {
		t.Errorf("unexpected path %s", got.path)
	}
	if got.header.Get("api-key") != "k1" {
		t.Errorf("expected api-key header, got %q", got.header.Get("api-key"))
	}
	if got.header.Get("X-TOTP") != "" {
		t.Error("no TOTP header expected without a secret")
	}
	if got.body["symbol"] != "INFY" || got.body["quantity"] != float64(10) {
		t.Errorf("unexpected body %v", got.body)
	}
}

func TestClient_ReadSendsAccount(t *testing.T) {
	var got capture
	srv := newServer(t, http.StatusOK, `{"success":true,"result":[{"symbol":"TCS","exchange":"NSE"}]}`, &got)
	c, _ := New(Config{APIKey: "k1", ServerURL: srv.URL})

	resp, err := c.ReadPlatformHoldings(context.Background(), "ACC1")
	if err != nil || !resp.Success {
		t.Fatalf("read failed: %v %+v", err, resp)
	}
	rows, ok := resp.Result.([]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("expected one row, got %#v", resp.Result)
	}
	if got.path != "/trading/readPlatformHoldings" || got.body["pseudo_account"] != "ACC1" {
		t.Errorf("unexpected request %s %v", got.path, got.body)
	}
}

func TestClient_TOTPHeader(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	want, err := totp.GenerateCode(secret, now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var got capture
	srv := newServer(t, http.StatusOK, `{"success":true}`, &got)
	c, _ := New(Config{APIKey: "k1", ServerURL: srv.URL, TOTPSecret: secret, Clock: clock.NewManual(now)})

	if _, err := c.GetOrderStatus(context.Background(), "P-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.header.Get("X-TOTP") != want {
		t.Errorf("expected TOTP %s, got %q", want, got.header.Get("X-TOTP"))
	}
	if got.body["platform_id"] != "P-1" {
		t.Errorf("expected platform_id in body, got %v", got.body)
	}
}

func TestClient_BrokerRejectionIsNotAnError(t *testing.T) {
	srv := newServer(t, http.StatusBadRequest, `{"success":false,"message":"insufficient margin"}`, nil)
	c, _ := New(Config{APIKey: "k1", ServerURL: srv.URL})

	resp, err := c.PlaceCoverOrder(context.Background(), broker.Params{"symbol": "INFY"})
	if err != nil {
		t.Fatalf("expected no transport error, got %v", err)
	}
	if resp.Success || resp.Message != "insufficient margin" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestClient_4xxWithSuccessFlagStillFails(t *testing.T) {
	srv := newServer(t, http.StatusUnauthorized, `{"success":true}`, nil)
	c, _ := New(Config{APIKey: "k1", ServerURL: srv.URL})

	resp, err := c.ReadPlatformOrders(context.Background(), "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success || resp.Message != "Unauthorized" {
		t.Errorf("expected failed response with status text, got %+v", resp)
	}
}

func TestClient_ServerErrorIsTransport(t *testing.T) {
	srv := newServer(t, http.StatusBadGateway, `upstream down`, nil)
	c, _ := New(Config{APIKey: "k1", ServerURL: srv.URL})

	_, err := c.ReadPlatformMargins(context.Background(), "A")
	if !errors.Is(err, ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestClient_NetworkFailureIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := New(Config{APIKey: "k1", ServerURL: url, Timeout: time.Second})
	_, err := c.SquareOffPortfolio(context.Background(), broker.Params{})
	if !errors.Is(err, ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}

func TestClient_UnparseableBody(t *testing.T) {
	srv := newServer(t, http.StatusOK, `<html>`, nil)
	c, _ := New(Config{APIKey: "k1", ServerURL: srv.URL})

	resp, err := c.CancelAllOrders(context.Background(), broker.Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success {
		t.Error("expected failure for non-JSON body")
	}
}

func TestClient_BreakerOpensOnTransportFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clk := clock.NewManual(time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC))
	f := NewFactory(FactoryConfig{Clock: clk, BreakerFailures: 3, BreakerCooldown: time.Minute})
	s, err := f.Create(context.Background(), "k1", srv.URL)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.ReadPlatformOrders(context.Background(), "A"); !errors.Is(err, ErrTransport) {
			t.Fatalf("call %d: expected ErrTransport, got %v", i, err)
		}
	}
	if _, err := s.ReadPlatformOrders(context.Background(), "A"); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 server hits, got %d", hits.Load())
	}

	// A second session on the same server shares the breaker.
	s2, _ := f.Create(context.Background(), "k2", srv.URL)
	if _, err := s2.ReadPlatformOrders(context.Background(), "A"); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("expected shared breaker to be open, got %v", err)
	}
	if st := f.Breaker(srv.URL).CurrentState(); st != resilience.StateOpen {
		t.Errorf("expected open, got %s", st)
	}
}

func TestClient_CancelledRequestsDoNotTripBreaker(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"success":true,"result":[]}`, nil)
	f := NewFactory(FactoryConfig{BreakerFailures: 1, BreakerCooldown: time.Minute})
	s, err := f.Create(context.Background(), "k1", srv.URL)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		_, err := s.ReadPlatformOrders(ctx, "A")
		if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrTransport) {
			t.Fatalf("call %d: expected cancelled transport error, got %v", i, err)
		}
	}
	if st := f.Breaker(srv.URL).CurrentState(); st != resilience.StateClosed {
		t.Errorf("expected closed, got %s", st)
	}
	if _, err := s.ReadPlatformOrders(context.Background(), "A"); err != nil {
		t.Errorf("expected live call to pass, got %v", err)
	}
}

func TestClient_RejectionsDoNotTripBreaker(t *testing.T) {
	srv := newServer(t, http.StatusBadRequest, `{"success":false,"message":"bad"}`, nil)
	f := NewFactory(FactoryConfig{BreakerFailures: 2})
	s, _ := f.Create(context.Background(), "k1", srv.URL)

	for i := 0; i < 5; i++ {
		if _, err := s.PlaceRegularOrder(context.Background(), broker.Params{}); err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
	}
	if st := f.Breaker(srv.URL).CurrentState(); st != resilience.StateClosed {
		t.Errorf("expected closed, got %s", st)
	}
}

func TestFactory_EmptyServerURLIsUnavailable(t *testing.T) {
	f := NewFactory(FactoryConfig{})
	_, err := f.Create(context.Background(), "k1", "")
	if !errors.Is(err, broker.ErrFactoryUnavailable) {
		t.Errorf("expected ErrFactoryUnavailable, got %v", err)
	}
}

func TestFactory_FallsBackToPaper(t *testing.T) {
	f := broker.WithFallback(NewFactory(FactoryConfig{}), broker.PaperFactory(nil))
	s, err := f.Create(context.Background(), "k1", "")
	if err != nil {
		t.Fatalf("expected fallback session, got %v", err)
	}
	if _, ok := s.(*broker.Paper); !ok {
		t.Errorf("expected paper session, got %T", s)
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Config{ServerURL: "http://x"}); err == nil {
		t.Error("expected error for empty api key")
	}
}
