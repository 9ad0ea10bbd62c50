package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"market-tiers/internal/filter"
	"market-tiers/internal/ledger"
	"market-tiers/internal/market"
	"market-tiers/internal/pipeline"
	"market-tiers/internal/storage/memstore"
)

// SimulateOptions 描述一笔用于演练硬过滤的合成成交。
type SimulateOptions struct {
	Question  string
	Category  string
	EndsIn    time.Duration
	Price     decimal.Decimal
	Size      decimal.Decimal
	Threshold decimal.Decimal
	// Mid 为零时按成交价作为盘口中间价。
	Mid       decimal.Decimal
	NoBook    bool
	Age       time.Duration
	Repeat    int
	Score     float64
}

// SimulateTrade 在内存账本上跑一遍过滤流水线并打印每次判定，不触碰数据库与下单。
func (a *App) SimulateTrade(ctx context.Context, opts SimulateOptions) ([]pipeline.Outcome, error) {
	if !opts.Price.IsPositive() {
		return nil, errors.New("--price 必须大于 0")
	}
	if opts.Repeat <= 0 {
		opts.Repeat = 1
	}
	if opts.Threshold.IsZero() {
		opts.Threshold = opts.Price
	}

	const (
		marketID = "simulated"
		tokenID  = "simulated-yes"
	)
	now := time.Now().UTC()
	store := memstore.New()
	store.Put(market.Record{
		ID:       marketID,
		Question: opts.Question,
		Category: opts.Category,
		EndTime:  now.Add(opts.EndsIn),
		Tokens:   []market.OutcomeToken{{TokenID: tokenID, Label: "Yes"}},
		Score:    opts.Score,
		Tier:     market.TierCatalog,
	})

	book := staticBook{}
	if !opts.NoBook {
		book.mid = opts.Mid
		if book.mid.IsZero() {
			book.mid = opts.Price
		}
	}

	led := ledger.New(store, 1, a.Logger)
	gate, err := filter.New(a.filterConfig(), led, book, a.Logger)
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline.New(pipeline.Options{
		Markets: store,
		Gate:    gate,
		Ledger:  led,
		Reports: pipeline.NewReports(opts.Repeat, decimal.Zero),
	}, a.Logger)
	if err != nil {
		return nil, err
	}

	trade := market.TradeEvent{
		TokenID:   tokenID,
		MarketID:  marketID,
		Price:     opts.Price,
		Timestamp: now.Add(-opts.Age),
	}
	if opts.Size.IsPositive() {
		size := opts.Size
		trade.Size = &size
	}

	outcomes := make([]pipeline.Outcome, 0, opts.Repeat)
	for i := 0; i < opts.Repeat; i++ {
		out, err := pipe.OnTrade(ctx, trade, opts.Threshold, opts.Score)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
		a.printDecision(i+1, out.Decision)
	}
	return outcomes, nil
}

func (a *App) printDecision(n int, d filter.Decision) {
	if d.Accepted {
		fmt.Fprintf(a.Out, "#%d accepted\n", n)
		return
	}
	fmt.Fprintf(a.Out, "#%d rejected rule=%s reason=%q\n", n, d.RuleID, d.Reason)
	keys := make([]string, 0, len(d.Context))
	for k := range d.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(a.Out, "    %s=%s\n", k, d.Context[k])
	}
}

// staticBook 返回固定的中间价；mid 为零表示盘口不可用。
type staticBook struct {
	mid decimal.Decimal
}

func (b staticBook) Mid(context.Context, string) (decimal.Decimal, bool, error) {
	if b.mid.IsZero() {
		return decimal.Zero, false, nil
	}
	return b.mid, true, nil
}

var _ filter.BookSource = staticBook{}
