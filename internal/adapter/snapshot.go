package adapter

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// AccountSnapshot is the full read-side state of one account.
type AccountSnapshot struct {
	Account   string `json:"account"`
	Margins   Result `json:"margins"`
	Positions Result `json:"positions"`
	Holdings  Result `json:"holdings"`
	Orders    Result `json:"orders"`
}

// Snapshot reads margins, positions, holdings and orders concurrently. The
// first transport error cancels the remaining reads and is returned.
func (c *Client) Snapshot(ctx context.Context, account string) (AccountSnapshot, error) {
	snap := AccountSnapshot{Account: account}
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()

	p.Go(func(ctx context.Context) (err error) {
		snap.Margins, err = c.ReadPlatformMargins(ctx, account)
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		snap.Positions, err = c.ReadPlatformPositions(ctx, account)
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		snap.Holdings, err = c.ReadPlatformHoldings(ctx, account)
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		snap.Orders, err = c.ReadPlatformOrders(ctx, account)
		return err
	})

	if err := p.Wait(); err != nil {
		return AccountSnapshot{}, err
	}
	return snap, nil
}
