package processors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apexerp/orchestrator/internal/records"
	"github.com/apexerp/orchestrator/internal/workflow"
)

type inventoryItem struct {
	SKU          string  `json:"sku"`
	Name         string  `json:"name"`
	OnHand       int     `json:"on_hand"`
	ReorderPoint int     `json:"reorder_point"`
	OrderQty     int     `json:"order_qty"`
	UnitCost     float64 `json:"unit_cost"`
	VendorID     string  `json:"vendor_id"`
}

type purchaseOrder struct {
	SKU      string  `json:"sku"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	UnitCost float64 `json:"unit_cost"`
	Total    float64 `json:"total"`
	VendorID string  `json:"vendor_id"`
	Status   string  `json:"status"`
}

// MaterialReorder scans inventory for items at or under their reorder point
// and raises purchase orders for them. The combined order value goes through
// the approval ladder before any purchase order exists; a parked run
// recomputes the same proposal on resume and finds its approved ticket.
type MaterialReorder struct {
	records records.Store
}

func NewMaterialReorder(rec records.Store) *MaterialReorder {
	return &MaterialReorder{records: rec}
}

func (p *MaterialReorder) Name() string { return "material_reorder" }

func (p *MaterialReorder) Execute(ctx context.Context, ec *workflow.ExecContext) error {
	items, err := p.records.List(ctx, "inventory_item", 0)
	if serr := ec.RecordStep(ctx, "load inventory", workflow.StepDataFetch, nil,
		map[string]any{"items": len(items)}, err); serr != nil {
		return serr
	}
	if err != nil {
		return err
	}

	var proposals []purchaseOrder
	var total float64
	for _, rec := range items {
		var item inventoryItem
		if json.Unmarshal(rec.Payload, &item) != nil {
			continue
		}
		if item.OnHand > item.ReorderPoint {
			continue
		}
		qty := item.OrderQty
		if qty <= 0 {
			qty = item.ReorderPoint*2 - item.OnHand
		}
		po := purchaseOrder{
			SKU:      item.SKU,
			Name:     item.Name,
			Quantity: qty,
			UnitCost: item.UnitCost,
			Total:    float64(qty) * item.UnitCost,
			VendorID: item.VendorID,
			Status:   "open",
		}
		proposals = append(proposals, po)
		total += po.Total
	}
	if serr := ec.RecordStep(ctx, "plan purchase orders", workflow.StepCalculation, nil,
		map[string]any{"proposals": len(proposals), "total_value": total}, nil); serr != nil {
		return serr
	}

	if len(proposals) == 0 {
		ec.SetOutput("purchase_orders", 0)
		return nil
	}

	ec.AddValue(total)
	out, err := ec.RequireApproval(ctx, "purchase_orders",
		fmt.Sprintf("Reorder %d materials for %.2f", len(proposals), total),
		"Automatic material reorder based on reorder points",
		total, "purchase_order", "", "", 0)
	if err != nil {
		return err
	}
	switch {
	case out.Rejected:
		return workflow.ErrApprovalRejected
	case out.Pending:
		return workflow.ErrAwaitingApproval
	}

	created := 0
	for _, po := range proposals {
		payload, _ := json.Marshal(po)
		rec, err := p.records.Create(ctx, "purchase_order", payload)
		ec.CountItem(err == nil)
		if serr := ec.RecordStep(ctx, "create purchase order "+po.SKU, workflow.StepCreateRecord, po, rec, err); serr != nil {
			return serr
		}
		if err != nil {
			continue
		}
		created++
		ec.Emit(ctx, "purchase_order.created", "low", "purchase_order", rec.ID, po)
	}

	ec.SetOutput("purchase_orders", created)
	ec.SetOutput("total_value", total)
	return nil
}
