package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/delquant/delphibot/internal/domain"
)

// HTTPAdvisor posts the engine context to a decision endpoint and parses
// the reply into the decision union.
type HTTPAdvisor struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Advisor = (*HTTPAdvisor)(nil)

// NewHTTPAdvisor creates an HTTP-backed advisor. Decisions can take a
// while; the timeout should be generous.
func NewHTTPAdvisor(url, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPAdvisor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPAdvisor{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(slog.String("component", "advisor")),
	}
}

// Decide posts req and returns the validated decision.
func (a *HTTPAdvisor) Decide(ctx context.Context, req Request) (domain.Decision, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("advisor: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return domain.Decision{}, fmt.Errorf("advisor: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return domain.Decision{}, &domain.NetworkError{Op: "advisor decide", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Decision{}, &domain.NetworkError{Op: "advisor read", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Decision{}, fmt.Errorf("advisor: status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	decision, err := ParseDecision(body)
	if err != nil {
		return domain.Decision{}, err
	}

	a.logger.InfoContext(ctx, "decision received",
		slog.String("symbol", decision.Symbol),
		slog.String("action", string(decision.Action)),
		slog.Duration("latency", time.Since(start)),
	)
	return decision, nil
}

// decisionPayload is the wire shape of a decision reply.
type decisionPayload struct {
	Action      string         `json:"action"`
	Symbol      string         `json:"symbol"`
	Rationale   string         `json:"rationale"`
	Entry       *entryPayload  `json:"entry,omitempty"`
	WatchLevels []float64      `json:"watch_levels,omitempty"`
	NewStop     float64        `json:"new_stop,omitempty"`
	NewTargets  []float64      `json:"new_targets,omitempty"`
	Adjust      *adjustPayload `json:"adjust,omitempty"`
}

type entryPayload struct {
	EntryPrice        float64   `json:"entry_price"`
	OrderType         string    `json:"order_type"`
	LimitPrice        float64   `json:"limit_price,omitempty"`
	CapitalPercent    float64   `json:"capital_percent"`
	Leverage          int       `json:"leverage"`
	StopLoss          float64   `json:"stop_loss"`
	TakeProfit1       float64   `json:"take_profit_1"`
	TakeProfit2       float64   `json:"take_profit_2,omitempty"`
	InvalidationPrice float64   `json:"invalidation_price,omitempty"`
	KeyLevels         []float64 `json:"key_levels,omitempty"`
	Scenario          string    `json:"scenario"`
	Confidence        int       `json:"confidence"`
}

type adjustPayload struct {
	TargetQuantity float64 `json:"target_quantity"`
	NewStop        float64 `json:"new_stop,omitempty"`
	TakeProfit1    float64 `json:"take_profit_1,omitempty"`
	TakeProfit2    float64 `json:"take_profit_2,omitempty"`
}

// ParseDecision validates an opaque reply body against the decision union.
// Unknown actions and variants missing their required fields are rejected
// here, before anything reaches the executor.
func ParseDecision(body []byte) (domain.Decision, error) {
	var p decisionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.Decision{}, fmt.Errorf("advisor: decode decision: %w", err)
	}

	action := domain.DecisionAction(p.Action)
	d := domain.Decision{
		Action:    action,
		Symbol:    p.Symbol,
		Rationale: p.Rationale,
	}

	switch action {
	case domain.ActionHold:
		d.WatchLevels = p.WatchLevels
		return d, nil

	case domain.ActionHoldPosition, domain.ActionClosePosition:
		return d, nil

	case domain.ActionBuy, domain.ActionSell:
		if p.Entry == nil {
			return domain.Decision{}, domain.Validation("entry", "%s decision without entry plan", action)
		}
		if p.Entry.StopLoss <= 0 || p.Entry.TakeProfit1 <= 0 {
			return domain.Decision{}, domain.Validation("entry", "stop loss and first target are required")
		}
		orderType := domain.OrderType(p.Entry.OrderType)
		if orderType == "" {
			orderType = domain.OrderTypeMarket
		}
		d.Entry = &domain.EntryPlan{
			EntryPrice:        p.Entry.EntryPrice,
			OrderType:         orderType,
			LimitPrice:        p.Entry.LimitPrice,
			CapitalPercent:    p.Entry.CapitalPercent,
			Leverage:          p.Entry.Leverage,
			StopLoss:          p.Entry.StopLoss,
			TakeProfit1:       p.Entry.TakeProfit1,
			TakeProfit2:       p.Entry.TakeProfit2,
			InvalidationPrice: p.Entry.InvalidationPrice,
			KeyLevels:         p.Entry.KeyLevels,
			Scenario:          p.Entry.Scenario,
			Confidence:        p.Entry.Confidence,
		}
		return d, nil

	case domain.ActionAdjustStop:
		if p.NewStop <= 0 {
			return domain.Decision{}, domain.Validation("new_stop", "required for %s", action)
		}
		d.NewStop = p.NewStop
		return d, nil

	case domain.ActionAdjustTargets:
		if len(p.NewTargets) == 0 || len(p.NewTargets) > 2 {
			return domain.Decision{}, domain.Validation("new_targets", "need one or two targets, got %d", len(p.NewTargets))
		}
		d.NewTargets = p.NewTargets
		return d, nil

	case domain.ActionAdjustBoth:
		if p.NewStop <= 0 || len(p.NewTargets) == 0 || len(p.NewTargets) > 2 {
			return domain.Decision{}, domain.Validation("adjust_both", "needs new_stop and one or two targets")
		}
		d.NewStop = p.NewStop
		d.NewTargets = p.NewTargets
		return d, nil

	case domain.ActionAdjustPosition:
		if p.Adjust == nil || p.Adjust.TargetQuantity <= 0 {
			return domain.Decision{}, domain.Validation("adjust", "target_quantity required for %s", action)
		}
		d.Adjust = &domain.AdjustPlan{
			TargetQuantity: p.Adjust.TargetQuantity,
			NewStop:        p.Adjust.NewStop,
			TakeProfit1:    p.Adjust.TakeProfit1,
			TakeProfit2:    p.Adjust.TakeProfit2,
		}
		return d, nil

	default:
		return domain.Decision{}, domain.Validation("action", "unknown action %q", p.Action)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
