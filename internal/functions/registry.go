// Package functions executes the tool calls the realtime model may request
// during a call.
package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/callrelay/internal/failure"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/protocol"
	"go.uber.org/zap"
)

// Result is the structured output returned to the model.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Handler runs one function. Handlers are synchronous and must not block.
type Handler func(ctx context.Context, args json.RawMessage) (Result, error)

type Function struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Handler     Handler
}

// Registry is a fixed set of functions keyed by name.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]Function
	logger    *zap.Logger
	metrics   *observability.Metrics
}

func NewRegistry(logger *zap.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		functions: make(map[string]Function),
		logger:    logger,
		metrics:   metrics,
	}
}

// NewDefaultRegistry returns a registry holding schedule_reminder,
// send_message and escalate.
func NewDefaultRegistry(logger *zap.Logger, metrics *observability.Metrics, now func() time.Time) *Registry {
	r := NewRegistry(logger, metrics)
	for _, fn := range builtins(now) {
		r.Register(fn)
	}
	return r
}

func (r *Registry) Register(fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[fn.Name] = fn
}

// Definitions returns the tool schemas advertised in session.update, sorted
// by name.
func (r *Registry) Definitions() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Tool, 0, len(r.functions))
	for _, fn := range r.functions {
		out = append(out, protocol.Tool{
			Type:        "function",
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  fn.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs the named function. It never returns an error: unknown
// names and handler failures become unsuccessful results.
func (r *Registry) Dispatch(ctx context.Context, name, rawArgs string) Result {
	log := r.logger.With(zap.String("function", name), zap.String("arguments", policy.RedactArguments(rawArgs)))

	r.mu.RLock()
	fn, ok := r.functions[name]
	r.mu.RUnlock()
	if !ok {
		log.Warn("unknown function requested")
		r.metrics.FunctionCall(name, false)
		return Result{Success: false, Message: "Unknown function: " + name}
	}

	res, err := r.invoke(ctx, fn, rawArgs)
	if err != nil {
		ferr := failure.FunctionExecution("functions."+name, err)
		log.Warn("function failed", zap.Error(ferr))
		r.metrics.ObserveError(string(failure.KindFunctionExecution))
		r.metrics.FunctionCall(name, false)
		return Result{Success: false, Message: fmt.Sprintf("Error executing %s: %v", name, err)}
	}
	log.Info("function executed", zap.Bool("success", res.Success))
	r.metrics.FunctionCall(name, res.Success)
	return res
}

func (r *Registry) invoke(ctx context.Context, fn Function, rawArgs string) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	args := json.RawMessage(strings.TrimSpace(rawArgs))
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return Result{}, fmt.Errorf("invalid arguments JSON")
	}
	return fn.Handler(ctx, args)
}

// Responder is the upstream side of a function call round trip.
type Responder interface {
	SendFunctionOutput(callID, output string) error
	CreateResponse() error
}

// Respond dispatches a completed function call, sends its output upstream
// and then triggers a new response whatever the outcome.
func (r *Registry) Respond(ctx context.Context, up Responder, ev protocol.FunctionCallArgumentsDone) (Result, error) {
	res := r.Dispatch(ctx, ev.Name, ev.Arguments)
	output, err := json.Marshal(res)
	if err != nil {
		output, _ = json.Marshal(Result{Success: false, Message: "Error executing " + ev.Name + ": unencodable result"})
	}
	if err := up.SendFunctionOutput(ev.CallID, string(output)); err != nil {
		return res, fmt.Errorf("send function output: %w", err)
	}
	if err := up.CreateResponse(); err != nil {
		return res, fmt.Errorf("trigger response: %w", err)
	}
	return res, nil
}
