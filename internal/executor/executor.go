// Package executor defines the capability workers drive: take one task,
// stream progress events, return a summary. Implementations are registered
// by task type with optional JSON-Schema payload validation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mothlane/relayq/internal/persistence"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrInvalidPayload  = errors.New("invalid task payload")
)

// Summary is what a finished execution reports. It lands in the task result
// and in the terminal complete event.
type Summary struct {
	Output       string `json:"output,omitempty"`
	ToolCount    int    `json:"tool_count"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// EmitFunc forwards one progress event to the task's event log. The payload
// is marshaled by the caller of Execute.
type EmitFunc func(kind string, payload any) error

type Executor interface {
	Execute(ctx context.Context, task persistence.Task, emit EmitFunc) (Summary, error)
}

type entry struct {
	exec   Executor
	schema *jsonschema.Schema
}

// Registry maps task types to executors.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func (r *Registry) Register(taskType string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[taskType] = entry{exec: exec}
}

// RegisterWithSchema compiles schemaJSON and validates every payload of this
// task type before it is accepted.
func (r *Registry) RegisterWithSchema(taskType string, exec Executor, schemaJSON string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal schema for %s: %w", taskType, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", taskType, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", taskType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[taskType] = entry{exec: exec, schema: schema}
	return nil
}

func (r *Registry) Get(taskType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[taskType]
	return e.exec, ok
}

// Types returns the registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}

// ValidatePayload checks payload against the type's schema. Types without a
// schema only require well-formed JSON.
func (r *Registry) ValidatePayload(taskType, payload string) error {
	r.mu.RLock()
	e, ok := r.entries[taskType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", taskType, ErrUnknownTaskType)
	}

	if payload == "" {
		payload = "{}"
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("parse payload: %w: %v", ErrInvalidPayload, err)
	}
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(parsed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
