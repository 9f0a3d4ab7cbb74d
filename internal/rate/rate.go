// Package rate provides the maker's exchange rate source, fed by the
// Kraken websocket ticker for the XMR/XBT pair.
package rate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/xmrbtc/internal/monero"
	"github.com/klingon-exchange/xmrbtc/internal/swap"
	"github.com/klingon-exchange/xmrbtc/pkg/logging"
)

// DefaultURL is Kraken's public websocket endpoint.
const DefaultURL = "wss://ws.kraken.com"

const (
	// defaultStaleAfter invalidates the cached rate when no ticker update
	// arrived for this long. Quoting on a stale rate is worse than not
	// quoting at all.
	defaultStaleAfter = 5 * time.Minute

	reconnectInitial = time.Second
	reconnectMax     = time.Minute

	piconeroPerXMR = 1e12
)

// Errors returned by LatestRate.
var (
	ErrNoRateYet = errors.New("no rate received yet")
	ErrRateStale = errors.New("rate is stale")
)

// subscribePayload subscribes to the XMR/XBT ticker channel.
const subscribePayload = `{"event":"subscribe","pair":["XMR/XBT"],"subscription":{"name":"ticker"}}`

// Config configures the Kraken feed.
type Config struct {
	// URL of the websocket endpoint; DefaultURL when empty.
	URL string

	// Spread is the maker's margin on the mid-market ask, as a fraction.
	// A spread of 0.02 quotes 2% fewer piconero per BTC than the market.
	Spread float64

	// StaleAfter bounds the age of a usable rate; defaultStaleAfter when
	// zero.
	StaleAfter time.Duration

	Logger *logging.Logger
}

// Kraken is a RateSource backed by the Kraken websocket ticker. Start it
// once; it reconnects on its own until the context is cancelled.
type Kraken struct {
	url        string
	spread     float64
	staleAfter time.Duration
	log        *logging.Logger

	mu        sync.RWMutex
	askBTC    float64
	updatedAt time.Time
}

// NewKraken builds the feed. Call Start to begin streaming.
func NewKraken(cfg *Config) *Kraken {
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	staleAfter := cfg.StaleAfter
	if staleAfter == 0 {
		staleAfter = defaultStaleAfter
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Component("rate")
	}
	return &Kraken{
		url:        url,
		spread:     cfg.Spread,
		staleAfter: staleAfter,
		log:        log,
	}
}

// Start streams ticker updates in the background, reconnecting with
// backoff, until the context is cancelled.
func (k *Kraken) Start(ctx context.Context) {
	go func() {
		backoff := reconnectInitial
		for {
			err := k.stream(ctx)
			if ctx.Err() != nil {
				return
			}
			k.log.Warn("rate stream ended, reconnecting", "backoff", backoff, "err", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
		}
	}()
}

// stream runs one websocket connection until it fails.
func (k *Kraken) stream(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, k.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", k.url, err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(subscribePayload)); err != nil {
		return fmt.Errorf("failed to subscribe to ticker: %w", err)
	}
	k.log.Info("connected to rate feed", "url", k.url)

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ask, ok, err := parseTickerMessage(payload)
		if err != nil {
			k.log.Debug("ignoring malformed ticker message", "err", err)
			continue
		}
		if !ok {
			continue
		}
		k.mu.Lock()
		k.askBTC = ask
		k.updatedAt = time.Now()
		k.mu.Unlock()
	}
}

// LatestRate returns the spread-adjusted rate in piconero per whole BTC.
func (k *Kraken) LatestRate() (monero.Amount, error) {
	k.mu.RLock()
	ask, updatedAt := k.askBTC, k.updatedAt
	k.mu.RUnlock()

	if updatedAt.IsZero() {
		return 0, ErrNoRateYet
	}
	if time.Since(updatedAt) > k.staleAfter {
		return 0, fmt.Errorf("%w: last update %s ago", ErrRateStale, time.Since(updatedAt).Round(time.Second))
	}
	return rateFromAsk(ask, k.spread)
}

var _ swap.RateSource = (*Kraken)(nil)

// rateFromAsk converts the Kraken ask (BTC per XMR) into piconero per
// BTC, discounted by the maker's spread.
func rateFromAsk(askBTC, spread float64) (monero.Amount, error) {
	if askBTC <= 0 {
		return 0, fmt.Errorf("invalid ask price %f", askBTC)
	}
	xmrPerBTC := 1 / askBTC / (1 + spread)
	return monero.Amount(xmrPerBTC * piconeroPerXMR), nil
}

// tickerEvent covers the Kraken control messages: systemStatus,
// subscriptionStatus and heartbeat. Ticker updates are arrays, not
// objects, and fail to decode into it.
type tickerEvent struct {
	Event string `json:"event"`
}

type tickerData struct {
	Ask []json.RawMessage `json:"a"`
}

// parseTickerMessage extracts the ask price from a ticker update. The
// second return is false for control messages and channel metadata.
func parseTickerMessage(payload []byte) (float64, bool, error) {
	var event tickerEvent
	if err := json.Unmarshal(payload, &event); err == nil && event.Event != "" {
		return 0, false, nil
	}

	// A ticker update is a four-element array: channel id, data object,
	// channel name, pair.
	var fields []json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return 0, false, fmt.Errorf("message is neither event nor update: %w", err)
	}

	for _, field := range fields {
		var data tickerData
		if err := json.Unmarshal(field, &data); err != nil || len(data.Ask) == 0 {
			continue
		}
		var askStr string
		if err := json.Unmarshal(data.Ask[0], &askStr); err != nil {
			return 0, false, fmt.Errorf("ask element is not a string: %w", err)
		}
		ask, err := strconv.ParseFloat(askStr, 64)
		if err != nil {
			return 0, false, fmt.Errorf("failed to parse ask price %q: %w", askStr, err)
		}
		return ask, true, nil
	}
	return 0, false, nil
}

// Static is a fixed-rate source for development networks and tests.
type Static monero.Amount

// LatestRate returns the fixed rate.
func (s Static) LatestRate() (monero.Amount, error) {
	return monero.Amount(s), nil
}

var _ swap.RateSource = Static(0)
