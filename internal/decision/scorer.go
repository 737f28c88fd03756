package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"portfolio_engine/internal/core"
	"portfolio_engine/pkg/httpclient"
)

type advisorSigner struct {
	apiKey string
}

func (s *advisorSigner) SignRequest(req *http.Request) error {
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	return nil
}

type scoreRequest struct {
	AccountID  string          `json:"account_id"`
	Cash       decimal.Decimal `json:"cash"`
	Positions  []scorePosition `json:"positions"`
	Candidates []string        `json:"candidates"`
}

type scorePosition struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgCostBasis decimal.Decimal `json:"avg_cost_basis"`
}

type scoreResponse struct {
	Symbol     string          `json:"symbol"`
	Strength   decimal.Decimal `json:"strength"`
	Side       string          `json:"side"`
	Confidence int             `json:"confidence"`
	Thesis     string          `json:"thesis"`
}

// HTTPScorer is the AI decision capability over a REST scoring service.
// Its output is advisory only; the strategy layer clamps and the
// governor enforces.
type HTTPScorer struct {
	http   *httpclient.Client
	logger core.Logger
}

func NewHTTPScorer(baseURL, apiKey string, timeout time.Duration, logger core.Logger) *HTTPScorer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPScorer{
		http:   httpclient.NewClient(baseURL, timeout, &advisorSigner{apiKey: apiKey}),
		logger: logger.WithField("component", "advisor_client"),
	}
}

func (s *HTTPScorer) Score(ctx context.Context, account *core.Account, positions []*core.Position, candidates []string) ([]core.ModelScore, error) {
	req := scoreRequest{
		AccountID:  account.ID,
		Cash:       account.Cash,
		Candidates: candidates,
	}
	for _, p := range positions {
		req.Positions = append(req.Positions, scorePosition{
			Symbol:       p.Symbol,
			Quantity:     p.Quantity,
			AvgCostBasis: p.AvgCostBasis,
		})
	}

	body, err := s.http.Post(ctx, "/v1/score", req)
	if err != nil {
		return nil, core.Transient("advisor score", err)
	}

	var resp []scoreResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse advisor response: %w", err)
	}

	out := make([]core.ModelScore, 0, len(resp))
	for _, sc := range resp {
		side := core.SideBuy
		if sc.Side == string(core.SideSell) {
			side = core.SideSell
		}
		out = append(out, core.ModelScore{
			Symbol:     sc.Symbol,
			Strength:   sc.Strength,
			Side:       side,
			Confidence: sc.Confidence,
			Thesis:     sc.Thesis,
		})
	}
	return out, nil
}
