package orderbook

import (
	"context"

	"github.com/Aidin1998/denver/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OrderSource reads active orders, oldest first.
type OrderSource interface {
	FindActiveOrders(ctx context.Context, side models.Side) ([]models.Order, error)
}

// Aggregator fetches the two order pools and builds the public book.
type Aggregator struct {
	source OrderSource
	logger *zap.Logger
}

// NewAggregator creates an aggregator over source.
func NewAggregator(source OrderSource, logger *zap.Logger) *Aggregator {
	return &Aggregator{source: source, logger: logger.Named("orderbook")}
}

// FetchActive returns the active orders of one side in fetch (creation) order.
func (a *Aggregator) FetchActive(ctx context.Context, side models.Side) ([]models.Order, error) {
	orders, err := a.source.FindActiveOrders(ctx, side)
	if err != nil {
		return nil, err
	}
	active := orders[:0:0]
	for _, o := range orders {
		if o.Side == side && o.Status == models.OrderActive {
			active = append(active, o)
		}
	}
	return active, nil
}

// FetchBoth reads both pools concurrently.
func (a *Aggregator) FetchBoth(ctx context.Context) (supply, demand []models.Order, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		supply, err = a.FetchActive(gctx, models.SideSupply)
		return err
	})
	g.Go(func() error {
		var err error
		demand, err = a.FetchActive(gctx, models.SideDemand)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return supply, demand, nil
}

// Snapshot fetches both pools and aggregates them.
func (a *Aggregator) Snapshot(ctx context.Context) (models.OrderBook, error) {
	supply, demand, err := a.FetchBoth(ctx)
	if err != nil {
		return models.OrderBook{}, err
	}
	book := BuildBook(supply, demand)
	a.logger.Debug("order book built",
		zap.Int("asks", len(book.Asks)),
		zap.Int("bids", len(book.Bids)))
	return book, nil
}

type tierKey struct {
	rate     decimal.Decimal
	duration int
}

type tierNode struct {
	tierKey
	total decimal.Decimal
	count int
}

func tierLess(a, b *tierNode) bool {
	if c := a.rate.Cmp(b.rate); c != 0 {
		return c < 0
	}
	return a.duration < b.duration
}

// BuildBook groups orders into (rate, duration) tiers. Asks come out by rate
// ascending, bids by rate descending, ties on rate by duration ascending.
// Spread is lowest ask minus highest bid and nil when a side is empty.
func BuildBook(supply, demand []models.Order) models.OrderBook {
	asks := aggregate(supply)
	bids := aggregate(demand)

	book := models.OrderBook{
		Asks: make([]models.Tier, 0, asks.Len()),
		Bids: make([]models.Tier, 0, bids.Len()),
	}
	asks.Scan(func(n *tierNode) bool {
		book.Asks = append(book.Asks, n.tier())
		return true
	})

	// descending by rate, ascending by duration within a rate
	var group []models.Tier
	var groupRate decimal.Decimal
	bids.Reverse(func(n *tierNode) bool {
		if len(group) > 0 && !n.rate.Equal(groupRate) {
			book.Bids = appendReversed(book.Bids, group)
			group = group[:0]
		}
		groupRate = n.rate
		group = append(group, n.tier())
		return true
	})
	book.Bids = appendReversed(book.Bids, group)

	if len(book.Asks) > 0 && len(book.Bids) > 0 {
		spread := book.Asks[0].Rate.Sub(book.Bids[0].Rate)
		book.Spread = &spread
	}
	return book
}

func aggregate(orders []models.Order) *btree.BTreeG[*tierNode] {
	tree := btree.NewBTreeG(tierLess)
	for _, o := range orders {
		if o.Status != models.OrderActive {
			continue
		}
		key := &tierNode{tierKey: tierKey{rate: o.RateLimit, duration: o.DurationLimit}}
		if n, ok := tree.Get(key); ok {
			n.total = n.total.Add(o.Amount)
			n.count++
			continue
		}
		key.total = o.Amount
		key.count = 1
		tree.Set(key)
	}
	return tree
}

func (n *tierNode) tier() models.Tier {
	return models.Tier{Rate: n.rate, Duration: n.duration, TotalAmount: n.total, OrderCount: n.count}
}

func appendReversed(dst, src []models.Tier) []models.Tier {
	for i := len(src) - 1; i >= 0; i-- {
		dst = append(dst, src[i])
	}
	return dst
}
