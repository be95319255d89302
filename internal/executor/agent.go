package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mothlane/relayq/internal/persistence"
)

// AgentRequest is one turn handed to the agent runner.
type AgentRequest struct {
	Prompt       string                `json:"prompt"`
	SystemPrompt string                `json:"system_prompt,omitempty"`
	Model        string                `json:"model,omitempty"`
	Workspace    string                `json:"workspace,omitempty"`
	AllowedTools []string              `json:"allowed_tools,omitempty"`
	MaxTurns     int                   `json:"max_turns,omitempty"`
	History      []persistence.Message `json:"history,omitempty"`
	Env          map[string]string     `json:"-"`
}

// AgentChunk is one streamed fragment of agent output.
type AgentChunk struct {
	Kind    string `json:"kind"` // text, thinking, tool_use
	Content string `json:"content,omitempty"`
	Turn    int    `json:"turn,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Input   string `json:"input,omitempty"`
}

// AgentResult closes a turn.
type AgentResult struct {
	Output       string `json:"output"`
	ToolCount    int    `json:"tool_count"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// AgentClient streams one agent turn. Implementations wrap whatever actually
// runs the model (a subprocess, an HTTP API).
type AgentClient interface {
	Run(ctx context.Context, req AgentRequest, onChunk func(AgentChunk) error) (AgentResult, error)
}

// SecretSource resolves named secrets into env values for a run.
type SecretSource interface {
	ValuesFor(ctx context.Context, keys []string) (map[string]string, error)
}

// AgentPayload is the payload shape for agent tasks.
type AgentPayload struct {
	Prompt          string   `json:"prompt"`
	RequiredSecrets []string `json:"required_secrets,omitempty"`
}

// AgentPayloadSchema validates agent task payloads at enqueue time.
const AgentPayloadSchema = `{
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"required_secrets": {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": false
}`

// AgentExecutor drives an AgentClient for chat-turn tasks, translating the
// stream into start/text/thinking/tool_use events.
type AgentExecutor struct {
	client   AgentClient
	model    string
	maxTurns int // default turn budget for tasks outside a chat
	store    *persistence.Store
	secrets  SecretSource // may be nil
}

func NewAgentExecutor(client AgentClient, model string, maxTurns int, store *persistence.Store, secrets SecretSource) *AgentExecutor {
	return &AgentExecutor{client: client, model: model, maxTurns: maxTurns, store: store, secrets: secrets}
}

func (e *AgentExecutor) Execute(ctx context.Context, task persistence.Task, emit EmitFunc) (Summary, error) {
	var payload AgentPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return Summary{}, fmt.Errorf("parse agent payload: %w: %v", ErrInvalidPayload, err)
	}

	req := AgentRequest{
		Prompt:   payload.Prompt,
		Model:    e.model,
		MaxTurns: e.maxTurns,
	}
	if task.ChatID != "" {
		chat, err := e.store.GetChat(ctx, task.ChatID)
		if err != nil {
			return Summary{}, fmt.Errorf("load chat: %w", err)
		}
		req.SystemPrompt = chat.SystemPrompt
		req.Workspace = chat.Workspace
		req.AllowedTools = chat.AllowedTools
		if chat.MaxTurns > 0 {
			req.MaxTurns = chat.MaxTurns
		}
		req.History, err = e.store.ListMessages(ctx, task.ChatID, 0)
		if err != nil {
			return Summary{}, fmt.Errorf("load history: %w", err)
		}
	}
	if len(payload.RequiredSecrets) > 0 {
		if e.secrets == nil {
			return Summary{}, fmt.Errorf("task requires secrets but no secret source is configured")
		}
		env, err := e.secrets.ValuesFor(ctx, payload.RequiredSecrets)
		if err != nil {
			return Summary{}, fmt.Errorf("resolve secrets: %w", err)
		}
		req.Env = env
	}

	if err := emit(persistence.EventKindStart, map[string]any{"model": e.model}); err != nil {
		return Summary{}, err
	}

	toolCount := 0
	result, err := e.client.Run(ctx, req, func(chunk AgentChunk) error {
		switch chunk.Kind {
		case persistence.EventKindText:
			return emit(persistence.EventKindText, map[string]any{
				"content": chunk.Content,
				"turn":    chunk.Turn,
			})
		case persistence.EventKindThinking:
			return emit(persistence.EventKindThinking, map[string]any{
				"turn": chunk.Turn,
			})
		case persistence.EventKindToolUse:
			toolCount++
			return emit(persistence.EventKindToolUse, map[string]any{
				"tool":  chunk.Tool,
				"count": toolCount,
				"input": chunk.Input,
			})
		default:
			// Unknown chunk kinds from newer runners are skipped, not fatal.
			return nil
		}
	})
	if err != nil {
		return Summary{}, fmt.Errorf("agent run: %w", err)
	}

	if result.ToolCount == 0 {
		result.ToolCount = toolCount
	}
	return Summary{
		Output:       result.Output,
		ToolCount:    result.ToolCount,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	}, nil
}
