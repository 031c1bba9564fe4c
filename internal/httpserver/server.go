package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/apexerp/orchestrator/internal/approval"
	"github.com/apexerp/orchestrator/internal/bus"
	"github.com/apexerp/orchestrator/internal/exception"
	"github.com/apexerp/orchestrator/internal/orchestrator"
	"github.com/apexerp/orchestrator/internal/workflow"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
)

// Server is the admin surface. No auth: approver roles are data on tickets,
// enforcement belongs to the gateway in front.
type Server struct {
	echo   *echo.Echo
	logger *zap.Logger

	engine    *workflow.Engine
	store     workflow.Store
	pipelines *workflow.PipelineExecutor
	orch      *orchestrator.Orchestrator
	approvals *approval.Manager
	except    *exception.Handler
	bus       *bus.Bus
}

type Params struct {
	Engine    *workflow.Engine
	Store     workflow.Store
	Pipelines *workflow.PipelineExecutor
	Orch      *orchestrator.Orchestrator
	Approvals *approval.Manager
	Except    *exception.Handler
	Bus       *bus.Bus
	Registry  *prometheus.Registry
	Logger    *zap.Logger
}

func New(p Params) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("orchestrator"))

	s := &Server{
		echo:      e,
		logger:    p.Logger.Named("http"),
		engine:    p.Engine,
		store:     p.Store,
		pipelines: p.Pipelines,
		orch:      p.Orch,
		approvals: p.Approvals,
		except:    p.Except,
		bus:       p.Bus,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if p.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/v1")

	v1.POST("/definitions", s.createDefinition)
	v1.GET("/definitions", s.listDefinitions)
	v1.GET("/definitions/:id", s.getDefinition)
	v1.PUT("/definitions/:id", s.updateDefinition)
	v1.POST("/definitions/:id/deactivate", s.deactivateDefinition)
	v1.POST("/definitions/:id/trigger", s.triggerWorkflow)

	v1.GET("/runs", s.listRuns)
	v1.GET("/runs/:id", s.getRun)
	v1.POST("/runs/:id/cancel", s.cancelRun)
	v1.GET("/dead-letters", s.listDeadLetters)
	v1.POST("/dead-letters/:id/retry", s.retryDeadLetter)

	v1.GET("/decisions", s.listDecisions)
	v1.POST("/decisions/:id/override", s.overrideDecision)

	v1.GET("/approvals", s.listTickets)
	v1.POST("/approvals/:id/approve", s.approveTicket)
	v1.POST("/approvals/:id/reject", s.rejectTicket)
	v1.POST("/approvals/bulk", s.bulkDecide)
	v1.GET("/approvals/thresholds", s.listThresholds)
	v1.PUT("/approvals/thresholds", s.setThresholds)

	v1.GET("/exceptions", s.listExceptions)
	v1.POST("/exceptions/:id/resolve", s.resolveException)
	v1.GET("/exceptions/rules", s.listExceptionRules)
	v1.POST("/exceptions/rules", s.saveExceptionRule)

	v1.POST("/pipelines", s.createPipeline)
	v1.GET("/pipelines", s.listPipelines)
	v1.POST("/pipelines/:id/execute", s.executePipeline)
	v1.GET("/pipeline-runs", s.listPipelineRuns)
	v1.GET("/pipeline-runs/:id", s.getPipelineRun)

	v1.POST("/orchestrator/start", s.startOrchestrator)
	v1.POST("/orchestrator/stop", s.stopOrchestrator)
	v1.GET("/orchestrator/status", s.systemStatus)

	v1.POST("/events/replay", s.replayEvents)

	v1.GET("/metrics/rollups", s.listRollups)
	v1.POST("/metrics/rollups/rebuild", s.rebuildRollups)

	return s
}

func (s *Server) Start(addr string) error {
	s.logger.Info("admin api listening", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) Echo() *echo.Echo { return s.echo }

func fail(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, exception.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, workflow.ErrBreakerOpen):
		code = http.StatusConflict
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func (s *Server) createDefinition(c echo.Context) error {
	var d workflow.Definition
	if err := c.Bind(&d); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	created, err := s.engine.CreateDefinition(d)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) listDefinitions(c echo.Context) error {
	defs, err := s.store.ListDefinitions()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, defs)
}

func (s *Server) getDefinition(c echo.Context) error {
	d, err := s.store.GetDefinition(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) updateDefinition(c echo.Context) error {
	var d workflow.Definition
	if err := c.Bind(&d); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	d.ID = c.Param("id")
	updated, err := s.engine.UpdateDefinition(d)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) deactivateDefinition(c echo.Context) error {
	d, err := s.store.GetDefinition(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	d.Active = false
	if _, err := s.engine.UpdateDefinition(d); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) triggerWorkflow(c echo.Context) error {
	var body struct {
		Input       map[string]any `json:"input"`
		RequestedBy string         `json:"requested_by"`
	}
	_ = c.Bind(&body)
	run, err := s.engine.StartWorkflow(c.Request().Context(), c.Param("id"), workflow.TriggerManual, body.Input, body.RequestedBy)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

func (s *Server) listRuns(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		limit = atoiOr(v, 50)
	}
	runs, err := s.store.ListRuns(c.QueryParam("definition_id"), workflow.Status(c.QueryParam("status")), limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.store.GetRun(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	steps, err := s.store.ListSteps(run.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"run": run, "steps": steps})
}

func (s *Server) cancelRun(c echo.Context) error {
	run, err := s.engine.RequestCancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) listDeadLetters(c echo.Context) error {
	runs, err := s.store.ListDeadLetters()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) retryDeadLetter(c echo.Context) error {
	run, err := s.engine.RetryDeadLetter(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) listDecisions(c echo.Context) error {
	decisions, err := s.store.ListDecisions(c.QueryParam("run_id"), atoiOr(c.QueryParam("limit"), 50))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, decisions)
}

func (s *Server) overrideDecision(c echo.Context) error {
	var body struct {
		By          string `json:"by"`
		Reason      string `json:"reason"`
		Replacement string `json:"replacement"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	d, err := s.engine.OverrideDecision(c.Request().Context(), c.Param("id"), body.By, body.Reason, body.Replacement)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) listTickets(c echo.Context) error {
	tickets, err := s.approvals.ListTickets(approval.TicketStatus(c.QueryParam("status")))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, tickets)
}

type decideBody struct {
	ApproverID string `json:"approver_id"`
	Notes      string `json:"notes"`
}

func (s *Server) approveTicket(c echo.Context) error {
	return s.decideTicket(c, true)
}

func (s *Server) rejectTicket(c echo.Context) error {
	return s.decideTicket(c, false)
}

func (s *Server) decideTicket(c echo.Context, approved bool) error {
	var body decideBody
	_ = c.Bind(&body)
	t, err := s.approvals.ProcessApprovalDecision(c.Request().Context(), c.Param("id"), approved, body.ApproverID, body.Notes)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) bulkDecide(c echo.Context) error {
	var body struct {
		TicketIDs  []string `json:"ticket_ids"`
		Approved   bool     `json:"approved"`
		ApproverID string   `json:"approver_id"`
		Notes      string   `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	done, errs := s.approvals.BulkDecide(c.Request().Context(), body.TicketIDs, body.Approved, body.ApproverID, body.Notes)
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"decided": done, "errors": msgs})
}

func (s *Server) listThresholds(c echo.Context) error {
	return c.JSON(http.StatusOK, s.approvals.Thresholds())
}

func (s *Server) setThresholds(c echo.Context) error {
	var ladder []approval.Threshold
	if err := c.Bind(&ladder); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := s.approvals.SetThresholds(ladder); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, ladder)
}

func (s *Server) listExceptions(c echo.Context) error {
	recs, err := s.except.ListRecords(exception.RecordStatus(c.QueryParam("status")))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, recs)
}

func (s *Server) resolveException(c echo.Context) error {
	var body struct {
		ResolvedBy string `json:"resolved_by"`
		Action     string `json:"action"`
		Notes      string `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	rec, err := s.except.ResolveException(c.Request().Context(), c.Param("id"), body.ResolvedBy, body.Action, body.Notes)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) listExceptionRules(c echo.Context) error {
	rules, err := s.except.ListRules()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, rules)
}

func (s *Server) saveExceptionRule(c echo.Context) error {
	var rule exception.Rule
	if err := c.Bind(&rule); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	saved, err := s.except.SaveRule(rule)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, saved)
}

func (s *Server) createPipeline(c echo.Context) error {
	var body struct {
		Name   string   `json:"name"`
		Stages []string `json:"stages"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	p, err := s.pipelines.CreatePipeline(body.Name, body.Stages)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) listPipelines(c echo.Context) error {
	ps, err := s.store.ListPipelines()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, ps)
}

func (s *Server) executePipeline(c echo.Context) error {
	var body struct {
		Input       map[string]any `json:"input"`
		RequestedBy string         `json:"requested_by"`
	}
	_ = c.Bind(&body)
	pr, err := s.pipelines.ExecutePipeline(c.Request().Context(), c.Param("id"), body.Input, body.RequestedBy)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, pr)
}

func (s *Server) listPipelineRuns(c echo.Context) error {
	prs, err := s.store.ListPipelineRuns(workflow.Status(c.QueryParam("status")))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, prs)
}

func (s *Server) getPipelineRun(c echo.Context) error {
	pr, err := s.store.GetPipelineRun(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, pr)
}

func (s *Server) startOrchestrator(c echo.Context) error {
	s.orch.Start()
	return c.JSON(http.StatusOK, s.orch.GetSystemStatus())
}

func (s *Server) stopOrchestrator(c echo.Context) error {
	s.orch.Stop()
	return c.JSON(http.StatusOK, s.orch.GetSystemStatus())
}

func (s *Server) systemStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.GetSystemStatus())
}

func (s *Server) replayEvents(c echo.Context) error {
	var body struct {
		Since time.Time `json:"since"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	n, err := s.bus.Replay(c.Request().Context(), body.Since)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"replayed": n})
}

func (s *Server) listRollups(c echo.Context) error {
	ms, err := s.store.ListMetrics(c.QueryParam("day"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, ms)
}

func (s *Server) rebuildRollups(c echo.Context) error {
	var body struct {
		Day string `json:"day"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if body.Day == "" {
		body.Day = time.Now().UTC().Format("2006-01-02")
	}
	ms, err := workflow.RebuildDailyMetrics(s.store, body.Day, time.Now())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, ms)
}

func atoiOr(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
