package engine

import (
	"context"
	"fmt"

	"github.com/amurg-ai/conduit/hub/internal/execctx"
)

// ToolCall is one planned tool invocation.
type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Plan is what a run will do.
type Plan struct {
	Message   string     `json:"message,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Planner turns a request payload into a plan.
type Planner interface {
	Plan(ctx context.Context, ec *execctx.Context, payload map[string]any) (Plan, error)
}

// PayloadPlanner reads the plan straight from the payload:
//
//	{"message": "...", "tool_calls": [{"name": "search", "parameters": {...}}]}
type PayloadPlanner struct{}

func (PayloadPlanner) Plan(_ context.Context, _ *execctx.Context, payload map[string]any) (Plan, error) {
	var p Plan
	if m, ok := payload["message"]; ok {
		s, ok := m.(string)
		if !ok {
			return Plan{}, fmt.Errorf("payload.message must be a string")
		}
		p.Message = s
	}

	raw, ok := payload["tool_calls"]
	if !ok || raw == nil {
		return p, nil
	}
	calls, ok := raw.([]any)
	if !ok {
		return Plan{}, fmt.Errorf("payload.tool_calls must be an array")
	}
	for i, c := range calls {
		obj, ok := c.(map[string]any)
		if !ok {
			return Plan{}, fmt.Errorf("payload.tool_calls[%d] must be an object", i)
		}
		name, _ := obj["name"].(string)
		if name == "" {
			return Plan{}, fmt.Errorf("payload.tool_calls[%d].name is required", i)
		}
		tc := ToolCall{Name: name}
		if params, ok := obj["parameters"]; ok && params != nil {
			pm, ok := params.(map[string]any)
			if !ok {
				return Plan{}, fmt.Errorf("payload.tool_calls[%d].parameters must be an object", i)
			}
			tc.Parameters = pm
		}
		p.ToolCalls = append(p.ToolCalls, tc)
	}
	return p, nil
}
