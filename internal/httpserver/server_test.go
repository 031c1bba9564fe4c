package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apexerp/orchestrator/internal/approval"
	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/exception"
	"github.com/apexerp/orchestrator/internal/notify"
	"github.com/apexerp/orchestrator/internal/orchestrator"
	"github.com/apexerp/orchestrator/internal/processors"
	"github.com/apexerp/orchestrator/internal/records"
	"github.com/apexerp/orchestrator/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testStack struct {
	server  *Server
	store   *workflow.MemoryStore
	recs    *records.MemoryStore
	apStore *approval.MemoryStore
}

func newStack(t *testing.T) *testStack {
	t.Helper()
	logger := zap.NewNop()
	st := &testStack{
		store:   workflow.NewMemoryStore(),
		recs:    records.NewMemoryStore(),
		apStore: approval.NewMemoryStore(),
	}
	b := bus.New(bus.NewMemoryStore(), logger)
	t.Cleanup(b.Close)

	ladder := []approval.Threshold{
		{Tier: 0, Ceiling: 1000, Roles: []string{"supervisor"}},
		{Tier: 1, Ceiling: 0, Roles: []string{"executive"}},
	}
	approvals := approval.NewManager(st.apStore, b, logger, ladder, 4*time.Hour, nil)
	exStore := exception.NewMemoryStore()
	except := exception.NewHandler(exStore, nil, b, &notify.RecordingSender{}, logger, 80, nil)

	reg := prometheus.NewRegistry()
	engine := workflow.NewEngine(workflow.EngineParams{
		Store:       st.store,
		Breakers:    workflow.NewBreakerSet(3, 5*time.Minute, nil),
		Approvals:   approvals,
		Exceptions:  except,
		Bus:         b,
		Metrics:     workflow.NewMetrics(reg),
		Logger:      logger,
		MaxAttempts: 1,
		Sleep:       func(time.Duration) {},
	})
	processors.Register(engine, st.recs)
	pipelines := workflow.NewPipelineExecutor(st.store, engine, b, logger, nil)
	orch := orchestrator.New(orchestrator.Params{
		Engine:  engine,
		Store:   st.store,
		Records: st.recs,
		Logger:  logger,
	})

	st.server = New(Params{
		Engine:    engine,
		Store:     st.store,
		Pipelines: pipelines,
		Orch:      orch,
		Approvals: approvals,
		Except:    except,
		Bus:       b,
		Registry:  reg,
		Logger:    logger,
	})
	return st
}

func (st *testStack) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	st.server.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	st := newStack(t)
	rec := st.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	st := newStack(t)
	rec := st.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDefinitionLifecycleOverHTTP(t *testing.T) {
	st := newStack(t)

	rec := st.do(t, http.MethodPost, "/v1/definitions",
		`{"name":"material reorder","trigger_kind":"manual","processor":"material_reorder","auto_approve_ceiling":5000}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var def workflow.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &def))
	assert.True(t, def.Active)
	require.NotEmpty(t, def.ID)

	rec = st.do(t, http.MethodGet, "/v1/definitions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = st.do(t, http.MethodPost, "/v1/definitions/"+def.ID+"/deactivate", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = st.do(t, http.MethodPost, "/v1/definitions/"+def.ID+"/trigger", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "inactive definitions do not run")

	rec = st.do(t, http.MethodGet, "/v1/definitions/wfd_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerAndInspectRunOverHTTP(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{
		"sku": "BOLT-M8", "on_hand": 1, "reorder_point": 4, "order_qty": 10, "unit_cost": 45.0, "vendor_id": "ven_1",
	})
	_, err := st.recs.Create(ctx, "inventory_item", payload)
	require.NoError(t, err)

	rec := st.do(t, http.MethodPost, "/v1/definitions",
		`{"name":"material reorder","trigger_kind":"manual","processor":"material_reorder","auto_approve_ceiling":5000}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var def workflow.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &def))

	rec = st.do(t, http.MethodPost, "/v1/definitions/"+def.ID+"/trigger", `{"requested_by":"ops-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var run workflow.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, workflow.StatusCompleted, run.Status)

	rec = st.do(t, http.MethodGet, "/v1/runs/"+run.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Run   workflow.Run    `json:"run"`
		Steps []workflow.Step `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.NotEmpty(t, detail.Steps)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	st := newStack(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{
		"sku": "STEEL-10", "on_hand": 2, "reorder_point": 5, "order_qty": 10, "unit_cost": 230.0, "vendor_id": "ven_1",
	})
	_, err := st.recs.Create(ctx, "inventory_item", payload)
	require.NoError(t, err)

	rec := st.do(t, http.MethodPost, "/v1/definitions",
		`{"name":"material reorder","trigger_kind":"manual","processor":"material_reorder"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var def workflow.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &def))

	rec = st.do(t, http.MethodPost, "/v1/definitions/"+def.ID+"/trigger", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var run workflow.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, workflow.StatusAwaitingApproval, run.Status)

	rec = st.do(t, http.MethodGet, "/v1/approvals?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tickets []approval.Ticket
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tickets))
	require.Len(t, tickets, 1)

	rec = st.do(t, http.MethodPost, "/v1/approvals/"+tickets[0].ID+"/approve", `{"approver_id":"mgr-7"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resumed, err := st.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, resumed.Status)

	rec = st.do(t, http.MethodPost, "/v1/approvals/"+tickets[0].ID+"/approve", `{"approver_id":"mgr-8"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "a closed ticket stays closed")
}

func TestBreakerRefusalMapsToConflict(t *testing.T) {
	st := newStack(t)

	rec := st.do(t, http.MethodPost, "/v1/definitions",
		`{"name":"forecast","trigger_kind":"manual","processor":"demand_forecast"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var def workflow.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &def))

	// No sales data and no invoker: every run fails at the forecast step.
	seed, _ := json.Marshal(map[string]any{"sku": "WIDGET", "quantity": 5})
	_, err := st.recs.Create(context.Background(), "sales_order", seed)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rec = st.do(t, http.MethodPost, "/v1/definitions/"+def.ID+"/trigger", `{}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec = st.do(t, http.MethodPost, "/v1/definitions/"+def.ID+"/trigger", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOrchestratorStatusOverHTTP(t *testing.T) {
	st := newStack(t)

	rec := st.do(t, http.MethodGet, "/v1/orchestrator/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status orchestrator.SystemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)

	rec = st.do(t, http.MethodPost, "/v1/orchestrator/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = st.do(t, http.MethodGet, "/v1/orchestrator/status", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Running)

	rec = st.do(t, http.MethodPost, "/v1/orchestrator/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestThresholdAdminOverHTTP(t *testing.T) {
	st := newStack(t)

	rec := st.do(t, http.MethodPut, "/v1/approvals/thresholds",
		`[{"tier":0,"ceiling":100,"roles":["lead"]},{"tier":1,"ceiling":0,"roles":["cfo"]}]`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = st.do(t, http.MethodGet, "/v1/approvals/thresholds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ladder []approval.Threshold
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ladder))
	require.Len(t, ladder, 2)
	assert.Equal(t, 100.0, ladder[0].Ceiling)
}

func TestExceptionRulesOverHTTP(t *testing.T) {
	st := newStack(t)

	rec := st.do(t, http.MethodPost, "/v1/exceptions/rules",
		`{"id":"rule_stockout","type":"stock_shortage","variance_pct":20,"strategy":"auto","action":"notify_ops","active":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = st.do(t, http.MethodGet, "/v1/exceptions/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []exception.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 1)
}
