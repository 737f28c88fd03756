package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"portfolio_engine/internal/core"
	"portfolio_engine/pkg/httpclient"
)

// feedSignal is the wire shape served by the signal feed endpoints.
type feedSignal struct {
	Symbol     string          `json:"symbol"`
	Strength   decimal.Decimal `json:"strength"`
	Direction  string          `json:"direction"`
	Timestamp  time.Time       `json:"timestamp"`
	PayloadRef string          `json:"payload_ref"`
}

type bearerSigner struct {
	token string
}

func (s *bearerSigner) SignRequest(req *http.Request) error {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return nil
}

// HTTPProvider polls one REST signal feed and normalizes its payloads.
// Feed outages surface as transient errors; the gateway isolates them
// from the other sources.
type HTTPProvider struct {
	source core.SignalSource
	http   *httpclient.Client
	logger core.Logger
}

func NewHTTPProvider(source core.SignalSource, baseURL, apiKey string, timeout time.Duration, logger core.Logger) *HTTPProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProvider{
		source: source,
		http:   httpclient.NewClient(baseURL, timeout, &bearerSigner{token: apiKey}),
		logger: logger.WithField("component", "signal_feed").WithField("source", string(source)),
	}
}

func (p *HTTPProvider) Source() core.SignalSource { return p.source }

func (p *HTTPProvider) GetSignals(ctx context.Context, symbols []string, since time.Time) ([]core.Signal, error) {
	params := map[string]string{
		"since": since.UTC().Format(time.RFC3339),
	}
	if len(symbols) > 0 {
		params["symbols"] = strings.Join(symbols, ",")
	}

	body, err := p.http.Get(ctx, "/signals", params)
	if err != nil {
		return nil, core.Transient("signal fetch", err)
	}

	var raw []feedSignal
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse signal feed response: %w", err)
	}

	out := make([]core.Signal, 0, len(raw))
	for _, fs := range raw {
		side := core.SideBuy
		if strings.EqualFold(fs.Direction, string(core.SideSell)) {
			side = core.SideSell
		}

		strength := fs.Strength
		if strength.IsNegative() {
			strength = decimal.Zero
		}
		if strength.GreaterThan(decimal.NewFromInt(1)) {
			strength = decimal.NewFromInt(1)
		}

		out = append(out, core.Signal{
			Source:     p.source,
			Symbol:     strings.ToUpper(fs.Symbol),
			Strength:   strength,
			Direction:  side,
			Timestamp:  fs.Timestamp,
			PayloadRef: fs.PayloadRef,
		})
	}

	p.logger.Debug("Feed fetched", "signals", len(out))
	return out, nil
}
