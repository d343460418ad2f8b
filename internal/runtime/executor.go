package runtime

import (
	"context"
	"encoding/json"

	"github.com/odin-run/odin/internal/policy"
)

// CapabilityExecutor performs the real side effect of one approved
// capability request. Plugins only ever request capabilities; Odin's
// trusted core is what actually carries them out, keeping the
// declared hook and the code that runs it separate. A core build
// ships a registry keyed by
// capability id; an id with no registered executor falls back to
// echoPassthrough, which hands the approved input back as output
// unchanged — useful for capabilities whose effect genuinely lives
// entirely in the plugin's own process (e.g. the plugin already
// performed local work before asking and just needs the go-ahead).
type CapabilityExecutor interface {
	Execute(ctx context.Context, req policy.ActionRequest) (json.RawMessage, error)
}

// ExecutorFunc adapts a plain function to a CapabilityExecutor.
type ExecutorFunc func(ctx context.Context, req policy.ActionRequest) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, req policy.ActionRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

var echoPassthrough CapabilityExecutor = ExecutorFunc(func(_ context.Context, req policy.ActionRequest) (json.RawMessage, error) {
	return req.Input, nil
})

// ExecutorRegistry dispatches an approved ActionRequest to the
// executor registered for its capability id, or echoPassthrough.
type ExecutorRegistry struct {
	byCapability map[string]CapabilityExecutor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{byCapability: map[string]CapabilityExecutor{}}
}

func (r *ExecutorRegistry) Register(capabilityID string, exec CapabilityExecutor) {
	r.byCapability[capabilityID] = exec
}

func (r *ExecutorRegistry) Execute(ctx context.Context, req policy.ActionRequest) (json.RawMessage, error) {
	if exec, ok := r.byCapability[req.CapabilityID]; ok {
		return exec.Execute(ctx, req)
	}
	return echoPassthrough.Execute(ctx, req)
}
