package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/apexerp/orchestrator/internal/decision"
	"github.com/apexerp/orchestrator/internal/records"
	"github.com/apexerp/orchestrator/internal/workflow"
)

var forecastShape = json.RawMessage(`{
	"type": "object",
	"required": ["forecasts"],
	"properties": {
		"forecasts": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["sku", "quantity"],
				"properties": {
					"sku": {"type": "string"},
					"quantity": {"type": "number"}
				}
			}
		}
	}
}`)

type salesOrder struct {
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	Total    float64 `json:"total"`
	Status   string  `json:"status"`
}

type skuForecast struct {
	SKU      string  `json:"sku"`
	Quantity float64 `json:"quantity"`
}

// DemandForecast aggregates recent sales per SKU and asks the reasoning
// service for next-period quantities, persisting the result as a forecast
// record. A decision the service cannot justify fails the run; there is no
// guessed forecast.
type DemandForecast struct {
	records records.Store
}

func NewDemandForecast(rec records.Store) *DemandForecast {
	return &DemandForecast{records: rec}
}

func (p *DemandForecast) Name() string { return "demand_forecast" }

func (p *DemandForecast) Execute(ctx context.Context, ec *workflow.ExecContext) error {
	var orders []records.Record
	if _, err := ec.Step(ctx, "load sales history", workflow.StepDataFetch, nil,
		func(ctx context.Context) (any, error) {
			var err error
			orders, err = p.records.List(ctx, "sales_order", 0)
			return map[string]any{"orders": len(orders)}, err
		}); err != nil {
		return err
	}

	demand := map[string]int{}
	for _, rec := range orders {
		var so salesOrder
		if json.Unmarshal(rec.Payload, &so) != nil {
			continue
		}
		demand[so.SKU] += so.Quantity
	}
	skus := make([]string, 0, len(demand))
	for sku := range demand {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	if serr := ec.RecordStep(ctx, "aggregate demand", workflow.StepCalculation, nil,
		map[string]any{"skus": len(skus)}, nil); serr != nil {
		return serr
	}
	if len(skus) == 0 {
		ec.SetOutput("forecasted_skus", 0)
		return nil
	}

	history, _ := json.Marshal(demand)
	_, res, err := ec.Decide(ctx, decision.Request{
		DecisionType: "demand_forecast",
		Prompt: fmt.Sprintf(
			"Recent demand per SKU: %s. Forecast next-period order quantities for each SKU.",
			string(history)),
		OutputShape: forecastShape,
	})
	if serr := ec.RecordStep(ctx, "forecast demand", workflow.StepAIAnalysis, demand, nil, err); serr != nil {
		return serr
	}
	if err != nil {
		return fmt.Errorf("forecast decision: %w", err)
	}

	var parsed struct {
		Forecasts []skuForecast `json:"forecasts"`
	}
	if err := json.Unmarshal(res.Decision, &parsed); err != nil {
		return fmt.Errorf("forecast payload: %w", err)
	}
	for _, f := range parsed.Forecasts {
		payload, _ := json.Marshal(f)
		if _, err := p.records.Create(ctx, "demand_forecast", payload); err != nil {
			return err
		}
		ec.CountItem(true)
	}
	if serr := ec.RecordStep(ctx, "store forecasts", workflow.StepCreateRecord, nil,
		map[string]any{"forecasts": len(parsed.Forecasts)}, nil); serr != nil {
		return serr
	}

	ec.SetOutput("forecasted_skus", len(parsed.Forecasts))
	ec.SetOutput("confidence", res.Confidence)
	return nil
}
