package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/time/rate"

	"tickvault/internal/domain"
)

// Compile-time interface check.
var _ Client = (*AlpacaClient)(nil)

// AlpacaClient fetches historical bars from the Alpaca market-data API,
// splitting requests into windows the provider accepts.
type AlpacaClient struct {
	client     *marketdata.Client
	feed       string
	windowDays func(domain.Timeframe) int

	// IncludePartial disables the partial-candle clamp on the final window.
	IncludePartial bool

	// Limiter, when set, paces every provider call to stay under the
	// steady-state rate limit, independent of retry backoff.
	Limiter *rate.Limiter

	// now is replaceable for tests.
	now func() time.Time
}

// NewAlpacaClient creates an AlpacaClient with the given credentials.
// windowDays returns the maximum calendar days per call for a timeframe;
// nil means each timeframe's default.
func NewAlpacaClient(apiKey, apiSecret, dataURL, feed string, windowDays func(domain.Timeframe) int) *AlpacaClient {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if windowDays == nil {
		windowDays = domain.Timeframe.DefaultWindowDays
	}
	if feed == "" {
		feed = "sip"
	}

	return &AlpacaClient{
		client:     marketdata.NewClient(opts),
		feed:       feed,
		windowDays: windowDays,
		now:        time.Now,
	}
}

// FetchRange fetches bars for [from, to], issuing one provider call per
// sub-window in chronological order and concatenating the results. The final
// bound is clamped to exclude the in-progress bar unless IncludePartial is
// set. An empty window yields no bars and no error.
func (c *AlpacaClient) FetchRange(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error) {
	if !c.IncludePartial {
		to = ClampPartial(to, tf, c.now())
	}

	window := time.Duration(c.windowDays(tf)) * 24 * time.Hour
	windows := SplitRange(from, to, window)

	var bars []domain.Bar
	var lastTS time.Time
	for _, w := range windows {
		if ctx.Err() != nil {
			return bars, ctx.Err()
		}
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return bars, err
			}
		}

		got, err := c.fetchWindow(symbol, tf, w)
		if err != nil {
			return bars, err
		}
		for _, b := range got {
			// Windows share boundaries; drop anything at or before the
			// previous window's last bar.
			if !lastTS.IsZero() && !b.Timestamp.After(lastTS) {
				continue
			}
			bars = append(bars, b)
			lastTS = b.Timestamp
		}
	}
	return bars, nil
}

// fetchWindow issues one GetBars call and converts the response.
func (c *AlpacaClient) fetchWindow(symbol string, tf domain.Timeframe, w Window) ([]domain.Bar, error) {
	alpacaBars, err := c.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: alpacaTimeFrame(tf),
		Start:     w.From,
		End:       w.To,
		Feed:      marketdata.Feed(c.feed),
	})
	if err != nil {
		return nil, classify(err)
	}

	bars := make([]domain.Bar, 0, len(alpacaBars))
	for _, ab := range alpacaBars {
		bars = append(bars, domain.Bar{
			Timestamp: ab.Timestamp.UTC(),
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    int64(ab.Volume),
		})
	}
	return bars, nil
}

// alpacaTimeFrame maps a domain timeframe onto the provider's granularity.
func alpacaTimeFrame(tf domain.Timeframe) marketdata.TimeFrame {
	switch tf {
	case domain.TF1Min:
		return marketdata.OneMin
	case domain.TF5Min:
		return marketdata.NewTimeFrame(5, marketdata.Min)
	case domain.TF15Min:
		return marketdata.NewTimeFrame(15, marketdata.Min)
	case domain.TF1Hour:
		return marketdata.OneHour
	default:
		return marketdata.OneDay
	}
}

// classify converts a provider error into the typed taxonomy.
func classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return &AuthError{Err: err}
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return &RateLimitError{Err: err}
		default:
			return &TransientError{Err: fmt.Errorf("provider status %d: %w", apiErr.StatusCode, err)}
		}
	}
	// Anything else is a network-level failure.
	return &TransientError{Err: err}
}
