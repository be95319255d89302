package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// cliChunk is one line of the runner's stdout stream. The final line carries
// the result instead of a chunk.
type cliChunk struct {
	Kind    string `json:"kind"`
	Content string `json:"content,omitempty"`
	Turn    int    `json:"turn,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Input   string `json:"input,omitempty"`

	Result *AgentResult `json:"result,omitempty"`
}

// CLIClient runs an agent turn by spawning a runner subprocess. The request
// is written to stdin as JSON; the runner streams JSON lines on stdout, one
// chunk per line, ending with a {"result": ...} line.
type CLIClient struct {
	Command string
	Args    []string
}

func NewCLIClient(command string, args []string) *CLIClient {
	return &CLIClient{Command: command, Args: args}
}

func (c *CLIClient) Run(ctx context.Context, req AgentRequest, onChunk func(AgentChunk) error) (AgentResult, error) {
	if c.Command == "" {
		return AgentResult{}, fmt.Errorf("agent command is not configured")
	}

	input, err := json.Marshal(req)
	if err != nil {
		return AgentResult{}, fmt.Errorf("marshal agent request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Stdin = bytes.NewReader(input)
	if req.Workspace != "" {
		cmd.Dir = req.Workspace
	}
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return AgentResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return AgentResult{}, fmt.Errorf("start agent runner: %w", err)
	}

	var result AgentResult
	sawResult := false

	scanner := bufio.NewScanner(stdout)
	// Text chunks can carry whole file contents.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk cliChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return AgentResult{}, fmt.Errorf("decode runner output: %w", err)
		}
		if chunk.Result != nil {
			result = *chunk.Result
			sawResult = true
			continue
		}
		if err := onChunk(AgentChunk{
			Kind:    chunk.Kind,
			Content: chunk.Content,
			Turn:    chunk.Turn,
			Tool:    chunk.Tool,
			Input:   chunk.Input,
		}); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return AgentResult{}, err
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return AgentResult{}, ctx.Err()
		}
		return AgentResult{}, fmt.Errorf("agent runner failed: %w: %s", err, firstLine(stderr.String()))
	}
	if scanErr != nil {
		return AgentResult{}, fmt.Errorf("read runner output: %w", scanErr)
	}
	if !sawResult {
		return AgentResult{}, fmt.Errorf("agent runner exited without a result line")
	}
	return result, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
