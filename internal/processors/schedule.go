package processors

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/apexerp/orchestrator/internal/exception"
	"github.com/apexerp/orchestrator/internal/records"
	"github.com/apexerp/orchestrator/internal/workflow"
)

const defaultWeeklyCapacityHours = 40.0

type workOrder struct {
	Product  string    `json:"product"`
	Hours    float64   `json:"hours"`
	DueDate  time.Time `json:"due_date"`
	Status   string    `json:"status"`
	Sequence int       `json:"sequence,omitempty"`
}

// ProductionSchedule sequences pending work orders by due date within the
// weekly capacity. Overflow past capacity raises a capacity_overrun
// exception instead of silently slipping.
type ProductionSchedule struct {
	records records.Store
}

func NewProductionSchedule(rec records.Store) *ProductionSchedule {
	return &ProductionSchedule{records: rec}
}

func (p *ProductionSchedule) Name() string { return "production_schedule" }

func (p *ProductionSchedule) Execute(ctx context.Context, ec *workflow.ExecContext) error {
	recs, err := p.records.List(ctx, "work_order", 0)
	if serr := ec.RecordStep(ctx, "load work orders", workflow.StepDataFetch, nil,
		map[string]any{"work_orders": len(recs)}, err); serr != nil {
		return serr
	}
	if err != nil {
		return err
	}

	type pending struct {
		id string
		wo workOrder
	}
	var queue []pending
	for _, rec := range recs {
		var wo workOrder
		if json.Unmarshal(rec.Payload, &wo) != nil {
			continue
		}
		if wo.Status != "pending" {
			continue
		}
		queue = append(queue, pending{id: rec.ID, wo: wo})
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].wo.DueDate.Before(queue[j].wo.DueDate) })

	capacity := defaultWeeklyCapacityHours
	if v, ok := ec.Input()["capacity_hours"].(float64); ok && v > 0 {
		capacity = v
	}

	scheduled, used := 0, 0.0
	var overflow []string
	for i, item := range queue {
		if used+item.wo.Hours > capacity {
			overflow = append(overflow, item.wo.Product)
			continue
		}
		item.wo.Status = "scheduled"
		item.wo.Sequence = i + 1
		payload, _ := json.Marshal(item.wo)
		_, err := p.records.Update(ctx, "work_order", item.id, payload)
		ec.CountItem(err == nil)
		if serr := ec.RecordStep(ctx, "schedule "+item.wo.Product, workflow.StepUpdateRecord, item.wo, nil, err); serr != nil {
			return serr
		}
		if err != nil {
			continue
		}
		used += item.wo.Hours
		scheduled++
	}

	if len(overflow) > 0 {
		if _, err := ec.RaiseException(ctx, exception.Input{
			Type:        "capacity_overrun",
			Title:       "Production capacity exceeded",
			Description: "Work orders do not fit the weekly capacity",
			Data: map[string]any{
				"capacity_hours": capacity,
				"overflow":       overflow,
			},
		}); err != nil {
			return err
		}
	}

	ec.SetOutput("scheduled", scheduled)
	ec.SetOutput("hours_used", used)
	ec.SetOutput("overflow", len(overflow))
	return nil
}
