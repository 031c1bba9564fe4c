package processors

import (
	"context"
	"encoding/json"

	"github.com/apexerp/orchestrator/internal/exception"
	"github.com/apexerp/orchestrator/internal/records"
	"github.com/apexerp/orchestrator/internal/workflow"
)

// OrderFulfillment allocates inventory to new sales orders. Shortages become
// stock_shortage exceptions carrying the variance, so the exception rules can
// auto-resolve small ones.
type OrderFulfillment struct {
	records records.Store
}

func NewOrderFulfillment(rec records.Store) *OrderFulfillment {
	return &OrderFulfillment{records: rec}
}

func (p *OrderFulfillment) Name() string { return "order_fulfillment" }

func (p *OrderFulfillment) Execute(ctx context.Context, ec *workflow.ExecContext) error {
	orders, err := p.records.List(ctx, "sales_order", 0)
	if serr := ec.RecordStep(ctx, "load sales orders", workflow.StepDataFetch, nil,
		map[string]any{"orders": len(orders)}, err); serr != nil {
		return serr
	}
	if err != nil {
		return err
	}

	inventory, err := p.records.List(ctx, "inventory_item", 0)
	if err != nil {
		return err
	}
	type stock struct {
		id   string
		item inventoryItem
	}
	bySKU := map[string]*stock{}
	for _, rec := range inventory {
		var item inventoryItem
		if json.Unmarshal(rec.Payload, &item) != nil {
			continue
		}
		bySKU[item.SKU] = &stock{id: rec.ID, item: item}
	}

	fulfilled := 0
	for _, rec := range orders {
		var so salesOrder
		if json.Unmarshal(rec.Payload, &so) != nil || so.Status != "new" {
			continue
		}

		st, ok := bySKU[so.SKU]
		if !ok || st.item.OnHand < so.Quantity {
			onHand := 0
			if ok {
				onHand = st.item.OnHand
			}
			variance := 100.0
			if so.Quantity > 0 {
				variance = float64(so.Quantity-onHand) / float64(so.Quantity) * 100
			}
			ec.CountItem(false)
			if _, err := ec.RaiseException(ctx, exception.Input{
				Type:        "stock_shortage",
				Title:       "Cannot fulfill order for " + so.SKU,
				Description: "Insufficient stock to allocate the order",
				Data: map[string]any{
					"sku":          so.SKU,
					"requested":    so.Quantity,
					"on_hand":      onHand,
					"variance_pct": variance,
				},
				RelatedKind: "sales_order",
				RelatedID:   rec.ID,
			}); err != nil {
				return err
			}
			continue
		}

		st.item.OnHand -= so.Quantity
		itemPayload, _ := json.Marshal(st.item)
		if _, err := p.records.Update(ctx, "inventory_item", st.id, itemPayload); err != nil {
			return err
		}
		so.Status = "fulfilled"
		orderPayload, _ := json.Marshal(so)
		if _, err := p.records.Update(ctx, "sales_order", rec.ID, orderPayload); err != nil {
			return err
		}
		ec.CountItem(true)
		ec.AddValue(so.Total)
		if serr := ec.RecordStep(ctx, "fulfill order "+so.SKU, workflow.StepUpdateRecord, so, nil, nil); serr != nil {
			return serr
		}
		ec.Emit(ctx, "sales_order.fulfilled", "low", "sales_order", rec.ID, so)
		fulfilled++
	}

	ec.SetOutput("fulfilled", fulfilled)
	return nil
}
