package advisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"paper-trading-engine/internal/strategy"
)

// Client calls an external advisory service for parameter proposals. The
// engine treats it as best effort: any failure falls back to the
// deterministic heuristic inside the refinement loop.
type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

// proposalRequest is the wire format sent to the advisor.
type proposalRequest struct {
	Current  strategy.Parameters         `json:"current"`
	Metrics  strategy.PerformanceMetrics `json:"metrics"`
	Buckets  strategy.ConditionBuckets   `json:"buckets"`
	Clusters []strategy.LossCluster      `json:"clusters"`
}

// NewClient creates an advisor client against baseURL. An empty baseURL
// yields a client whose Propose always errors, forcing the heuristic path.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	var httpClient *resty.Client
	if baseURL != "" {
		httpClient = resty.New().
			SetBaseURL(baseURL).
			SetTimeout(12*time.Second).
			SetHeader("Content-Type", "application/json")
	}
	return &Client{http: httpClient, logger: logger}
}

// Propose asks the advisory service for a candidate parameter set.
func (c *Client) Propose(ctx context.Context, current strategy.Parameters,
	metrics strategy.PerformanceMetrics, buckets strategy.ConditionBuckets,
	clusters []strategy.LossCluster) (strategy.Candidate, error) {

	if c.http == nil {
		return strategy.Candidate{}, fmt.Errorf("advisor not configured")
	}

	var candidate strategy.Candidate
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(proposalRequest{Current: current, Metrics: metrics, Buckets: buckets, Clusters: clusters}).
		SetResult(&candidate).
		Post("/v1/propose")
	if err != nil {
		return strategy.Candidate{}, fmt.Errorf("advisor propose: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return strategy.Candidate{}, fmt.Errorf("advisor propose: status %d: %s", resp.StatusCode(), resp.String())
	}

	if candidate.MinScore <= 0 || candidate.ATRMultiplier <= 0 || candidate.StopLossATR <= 0 {
		return strategy.Candidate{}, fmt.Errorf("advisor returned degenerate candidate: %+v", candidate)
	}

	c.logger.Debug().
		Float64("min_score", candidate.MinScore).
		Float64("atr_multiplier", candidate.ATRMultiplier).
		Float64("stop_loss_atr", candidate.StopLossATR).
		Msg("advisor proposal received")
	return candidate, nil
}
