package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Request asks the reasoning service for one bounded decision. OutputShape is
// a JSON schema the decision payload must satisfy.
type Request struct {
	DecisionType string          `json:"decision_type"`
	Prompt       string          `json:"prompt"`
	Options      []string        `json:"options,omitempty"`
	OutputShape  json.RawMessage `json:"output_shape,omitempty"`
}

// Result is a validated decision. Confidence is 0-100.
type Result struct {
	Decision   json.RawMessage `json:"decision"`
	Chosen     string          `json:"chosen"`
	Confidence int             `json:"confidence"`
	Reasoning  string          `json:"reasoning,omitempty"`
	TokensUsed int             `json:"tokens_used,omitempty"`
}

// Invoker is the boundary to the external reasoning service. Stateless from
// the orchestrator's perspective.
type Invoker interface {
	Decide(ctx context.Context, req Request) (*Result, error)
}

type HTTPInvoker struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewHTTPInvoker(baseURL, model string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{
		baseURL: baseURL,
		model:   model,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type wireRequest struct {
	Model        string          `json:"model"`
	DecisionType string          `json:"decision_type"`
	Prompt       string          `json:"prompt"`
	Options      []string        `json:"options,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

type wireResponse struct {
	Decision   json.RawMessage `json:"decision"`
	Chosen     string          `json:"chosen"`
	Confidence *int            `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
	TokensUsed int             `json:"tokens_used"`
}

// Decide posts the request and validates the response against the requested
// output shape. Fails closed: malformed or schema-violating model output is
// an error, never a guessed result.
func (inv *HTTPInvoker) Decide(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(wireRequest{
		Model:        inv.model,
		DecisionType: req.DecisionType,
		Prompt:       req.Prompt,
		Options:      req.Options,
		OutputSchema: req.OutputShape,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.baseURL+"/v1/decisions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("decision service: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("decision service status %d", resp.StatusCode)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("malformed decision response: %w", err)
	}
	if wire.Confidence == nil || *wire.Confidence < 0 || *wire.Confidence > 100 {
		return nil, fmt.Errorf("decision response missing valid confidence")
	}
	if len(wire.Decision) == 0 {
		return nil, fmt.Errorf("decision response missing decision payload")
	}
	if err := ValidateShape(req.OutputShape, wire.Decision); err != nil {
		return nil, err
	}
	if len(req.Options) > 0 && wire.Chosen != "" {
		found := false
		for _, opt := range req.Options {
			if opt == wire.Chosen {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("decision chose %q, not among candidates", wire.Chosen)
		}
	}

	return &Result{
		Decision:   wire.Decision,
		Chosen:     wire.Chosen,
		Confidence: *wire.Confidence,
		Reasoning:  wire.Reasoning,
		TokensUsed: wire.TokensUsed,
	}, nil
}

// ValidateShape checks a decision payload against a JSON schema. An empty
// shape skips validation; an invalid shape or payload is an error.
func ValidateShape(shape, payload json.RawMessage) error {
	if len(shape) == 0 {
		return nil
	}
	sch, err := jsonschema.CompileString("decision-shape.json", string(shape))
	if err != nil {
		return fmt.Errorf("invalid output shape: %w", err)
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return fmt.Errorf("malformed decision payload: %w", err)
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("decision payload violates output shape: %w", err)
	}
	return nil
}
