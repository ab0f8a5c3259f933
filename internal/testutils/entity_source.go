package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// ToolCall records one invocation of FakeEntitySource.
type ToolCall struct {
	Tool string
	Args map[string]any
}

// FakeEntitySource is an in-memory ports.EntitySource. Responses are keyed
// by tool name; ArgResponses are keyed by tool name plus the JSON encoding
// of the arguments and take precedence.
type FakeEntitySource struct {
	mu sync.Mutex

	Responses    map[string]any
	ArgResponses map[string]any
	Errors       map[string]error

	calls []ToolCall
}

var _ ports.EntitySource = (*FakeEntitySource)(nil)

// NewFakeEntitySource creates an empty fake.
func NewFakeEntitySource() *FakeEntitySource {
	return &FakeEntitySource{
		Responses:    map[string]any{},
		ArgResponses: map[string]any{},
		Errors:       map[string]error{},
	}
}

// On registers the reply for tool regardless of arguments.
func (f *FakeEntitySource) On(tool string, response any) *FakeEntitySource {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[tool] = response
	return f
}

// OnArgs registers the reply for tool called with exactly args.
func (f *FakeEntitySource) OnArgs(tool string, args map[string]any, response any) *FakeEntitySource {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ArgResponses[argKey(tool, args)] = response
	return f
}

// Fail makes every call to tool return err.
func (f *FakeEntitySource) Fail(tool string, err error) *FakeEntitySource {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[tool] = err
	return f
}

// CallTool returns the registered reply. Unregistered tools fail with a
// ports.SourceError carrying status 404.
func (f *FakeEntitySource) CallTool(ctx context.Context, tool string, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ToolCall{Tool: tool, Args: args})

	if err, ok := f.Errors[tool]; ok {
		return nil, err
	}
	if resp, ok := f.ArgResponses[argKey(tool, args)]; ok {
		return resp, nil
	}
	if resp, ok := f.Responses[tool]; ok {
		return resp, nil
	}
	return nil, ports.NewSourceError("fake", tool, 404, fmt.Errorf("no response registered"))
}

// Calls returns the recorded calls in order.
func (f *FakeEntitySource) Calls() []ToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ToolCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo counts the calls made to tool.
func (f *FakeEntitySource) CallsTo(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, c := range f.calls {
		if c.Tool == tool {
			n++
		}
	}
	return n
}

func argKey(tool string, args map[string]any) string {
	raw, _ := json.Marshal(args)
	return tool + " " + string(raw)
}
