package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-tiers/internal/market"
	"market-tiers/internal/metrics"
)

// DefaultStreamURL is the public CLOB market channel.
const DefaultStreamURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

// TradeHandler receives each trade decoded from the stream.
type TradeHandler func(ctx context.Context, trade market.TradeEvent)

// TokenLister lists the tokens the stream should subscribe to.
type TokenLister interface {
	CandleTokens() []TokenRef
}

// StreamOptions tune the websocket trade stream.
type StreamOptions struct {
	URL            string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	// RefreshInterval is how often the subscription is compared against the
	// promoted token set; a change triggers a resubscribe.
	RefreshInterval time.Duration
}

// TradeStream subscribes to last-trade events for every token of a promoted
// market and forwards them as trade events.
type TradeStream struct {
	opts   StreamOptions
	tokens TokenLister
	dialer websocket.Dialer
	logger zerolog.Logger
}

// NewTradeStream constructs a TradeStream.
func NewTradeStream(tokens TokenLister, opts StreamOptions, logger zerolog.Logger) *TradeStream {
	if opts.URL == "" {
		opts.URL = DefaultStreamURL
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 15 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Minute
	}
	return &TradeStream{
		opts:   opts,
		tokens: tokens,
		dialer: websocket.Dialer{HandshakeTimeout: 30 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger: logger.With().Str("component", "trade_stream").Logger(),
	}
}

// Run connects, subscribes and dispatches trades until ctx is cancelled,
// reconnecting after failures.
func (s *TradeStream) Run(ctx context.Context, handle TradeHandler) error {
	for {
		refs := s.tokens.CandleTokens()
		var err error
		if len(refs) == 0 {
			err = errNoTokens
		} else {
			err = s.session(ctx, refs, handle)
		}

		wait := s.opts.ReconnectDelay
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errResubscribe):
			wait = 0
		case errors.Is(err, errNoTokens):
			wait = s.opts.RefreshInterval
		case err != nil:
			metrics.IngestErrors.WithLabelValues("stream").Inc()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("trade stream disconnected")
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

var (
	errResubscribe = errors.New("promoted token set changed")
	errNoTokens    = errors.New("no promoted tokens")
)

func (s *TradeStream) session(ctx context.Context, refs []TokenRef, handle TradeHandler) error {
	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial trade stream: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	var (
		wg       sync.WaitGroup
		writeMu  sync.Mutex
		closeErr error
	)
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	lookup := make(map[string]string, len(refs))
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		lookup[ref.TokenID] = ref.MarketID
		ids = append(ids, ref.TokenID)
	}
	writeMu.Lock()
	err = conn.WriteJSON(map[string]any{"assets_ids": ids, "type": "market"})
	writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info().Int("tokens", len(ids)).Msg("trade stream subscribed")

	wg.Add(1)
	go func() {
		defer wg.Done()
		ping := time.NewTicker(s.opts.PingInterval)
		refresh := time.NewTicker(s.opts.RefreshInterval)
		defer ping.Stop()
		defer refresh.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				_ = conn.Close()
				return
			case <-ping.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				writeMu.Unlock()
				if err != nil {
					_ = conn.Close()
					return
				}
			case <-refresh.C:
				if !sameTokens(ids, s.tokens.CandleTokens()) {
					writeMu.Lock()
					closeErr = errResubscribe
					writeMu.Unlock()
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			writeMu.Lock()
			reason := closeErr
			writeMu.Unlock()
			if reason != nil {
				return reason
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read trade stream: %w", err)
		}
		for _, trade := range parseTrades(payload, lookup) {
			handle(ctx, trade)
		}
	}
}

func sameTokens(subscribed []string, refs []TokenRef) bool {
	if len(subscribed) != len(refs) {
		return false
	}
	current := make([]string, 0, len(refs))
	for _, ref := range refs {
		current = append(current, ref.TokenID)
	}
	sort.Strings(current)
	prev := append([]string(nil), subscribed...)
	sort.Strings(prev)
	for i := range prev {
		if prev[i] != current[i] {
			return false
		}
	}
	return true
}

type streamEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

// parseTrades decodes a frame holding one event or an array of events and
// keeps only last_trade_price events for subscribed tokens.
func parseTrades(payload []byte, lookup map[string]string) []market.TradeEvent {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}
	var events []streamEvent
	if trimmed[0] == '[' {
		if err := json.Unmarshal(payload, &events); err != nil {
			return nil
		}
	} else {
		var ev streamEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil
		}
		events = []streamEvent{ev}
	}

	var out []market.TradeEvent
	for _, ev := range events {
		if ev.EventType != "last_trade_price" {
			continue
		}
		marketID, ok := lookup[ev.AssetID]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(ev.Price)
		if err != nil {
			continue
		}
		trade := market.TradeEvent{
			TokenID:   ev.AssetID,
			MarketID:  marketID,
			Price:     price,
			Timestamp: parseMillis(ev.Timestamp),
		}
		if size, err := decimal.NewFromString(ev.Size); err == nil {
			trade.Size = &size
		}
		out = append(out, trade)
	}
	return out
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
