package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/amurg-ai/conduit/hub/internal/execctx"
)

// Echo returns its parameters unchanged. Useful for wiring checks.
type Echo struct{}

func (Echo) Name() string       { return "echo" }
func (Echo) Permission() string { return "tools:echo" }

func (Echo) Execute(_ context.Context, _ *execctx.Context, params map[string]any) (any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out, nil
}

// Clock reports the current time, optionally in a named location.
type Clock struct {
	Now func() time.Time
}

func (Clock) Name() string       { return "clock" }
func (Clock) Permission() string { return "tools:clock" }

func (c Clock) Execute(_ context.Context, _ *execctx.Context, params map[string]any) (any, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	t := now()
	if tz, ok := params["timezone"].(string); ok && tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		t = t.In(loc)
	}
	return map[string]any{"time": t.Format(time.RFC3339)}, nil
}

// Builtins returns the tools shipped with the hub.
func Builtins() []Tool {
	return []Tool{Echo{}, Clock{}}
}
