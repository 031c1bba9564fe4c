package processors

import (
	"github.com/apexerp/orchestrator/internal/records"
	"github.com/apexerp/orchestrator/internal/workflow"
	"go.uber.org/fx"
)

// Register wires every built-in processor into the engine.
func Register(engine *workflow.Engine, rec records.Store) {
	engine.RegisterProcessor(NewMaterialReorder(rec))
	engine.RegisterProcessor(NewDemandForecast(rec))
	engine.RegisterProcessor(NewProductionSchedule(rec))
	engine.RegisterProcessor(NewOrderFulfillment(rec))
}

func Module() fx.Option {
	return fx.Invoke(Register)
}
