package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/mothlane/relayq/internal/persistence"
)

// ScriptPayload is the payload shape for script tasks.
type ScriptPayload struct {
	Command         string   `json:"command"`
	Args            []string `json:"args,omitempty"`
	WorkDir         string   `json:"work_dir,omitempty"`
	RequiredSecrets []string `json:"required_secrets,omitempty"`
}

// ScriptPayloadSchema validates script task payloads at enqueue time.
const ScriptPayloadSchema = `{
	"type": "object",
	"required": ["command"],
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"args": {"type": "array", "items": {"type": "string"}},
		"work_dir": {"type": "string"},
		"required_secrets": {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": false
}`

// ScriptExecutor runs a configured command to completion and streams its
// combined output as a single text event.
type ScriptExecutor struct {
	secrets SecretSource // may be nil
	workDir string       // default working directory when the payload sets none
}

func NewScriptExecutor(secrets SecretSource, workDir string) *ScriptExecutor {
	return &ScriptExecutor{secrets: secrets, workDir: workDir}
}

func (e *ScriptExecutor) Execute(ctx context.Context, task persistence.Task, emit EmitFunc) (Summary, error) {
	var payload ScriptPayload
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		return Summary{}, fmt.Errorf("parse script payload: %w: %v", ErrInvalidPayload, err)
	}
	if payload.Command == "" {
		return Summary{}, fmt.Errorf("script command is empty: %w", ErrInvalidPayload)
	}

	env := os.Environ()
	if len(payload.RequiredSecrets) > 0 {
		if e.secrets == nil {
			return Summary{}, fmt.Errorf("task requires secrets but no secret source is configured")
		}
		values, err := e.secrets.ValuesFor(ctx, payload.RequiredSecrets)
		if err != nil {
			return Summary{}, fmt.Errorf("resolve secrets: %w", err)
		}
		for k, v := range values {
			env = append(env, k+"="+v)
		}
	}

	if err := emit(persistence.EventKindStart, map[string]any{
		"command": payload.Command,
		"args":    payload.Args,
	}); err != nil {
		return Summary{}, err
	}

	cmd := exec.CommandContext(ctx, payload.Command, payload.Args...)
	cmd.Env = env
	cmd.Dir = payload.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = e.workDir
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	runErr := cmd.Run()
	text := output.String()

	if emitErr := emit(persistence.EventKindText, map[string]any{"content": text}); emitErr != nil {
		return Summary{}, emitErr
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
		return Summary{}, fmt.Errorf("script failed: %w", runErr)
	}
	return Summary{Output: text}, nil
}
