package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/openviber/openviber/internal/bus"
)

// ExecRunner spawns an external agent process per turn. The turn request
// is written to stdin as JSON; the agent streams JSON-lines (optionally
// SSE-framed with a "data: " prefix) on stdout.
type ExecRunner struct {
	Command []string // argv, first element is the binary
	Dir     string
	Env     []string // extra KEY=VALUE pairs appended to the environment
}

type execTurnInput struct {
	TaskID   string             `json:"taskId"`
	Message  string             `json:"message"`
	History  []bus.HistoryEntry `json:"history,omitempty"`
	Model    string             `json:"model,omitempty"`
	Settings map[string]any     `json:"settings,omitempty"`
}

type execStreamLine struct {
	Type    string          `json:"type"`
	Delta   string          `json:"delta,omitempty"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, req TurnRequest, emit func(bus.StreamEvent)) (string, error) {
	if len(r.Command) == 0 {
		return "", errors.New("runtime: no agent command configured")
	}

	input, err := json.Marshal(execTurnInput{
		TaskID:   req.TaskID,
		Message:  req.Message,
		History:  req.History,
		Model:    req.Model,
		Settings: req.Settings,
	})
	if err != nil {
		return "", fmt.Errorf("runtime: encode turn: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdin = bytes.NewReader(input)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("runtime: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("runtime: start agent: %w", err)
	}

	var final strings.Builder
	doneText := ""
	sawOutput := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "data: ")
		if line == "" || line == "[DONE]" {
			continue
		}
		raw := json.RawMessage(line)

		var frame execStreamLine
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "text-delta":
			sawOutput = true
			final.WriteString(frame.Delta)
			emit(bus.StreamEvent{Type: bus.StreamTextDelta, Delta: frame.Delta, Payload: raw})
		case "tool-call":
			sawOutput = true
			emit(bus.StreamEvent{Type: bus.StreamToolCall, Name: frame.Name, Payload: raw})
		case "tool-result":
			sawOutput = true
			emit(bus.StreamEvent{Type: bus.StreamToolResult, Name: frame.Name, Payload: raw})
		case "state-change":
			emit(bus.StreamEvent{Type: bus.StreamStateChange, Message: frame.Message, Payload: raw})
		case "done", "finish":
			sawOutput = true
			doneText = frame.Text
		default:
			// Unknown frames (including embedded error frames) still pass
			// through emit so the task can sniff them.
			emit(bus.StreamEvent{Payload: raw})
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		return "", fmt.Errorf("runtime: agent exited: %w: %s", err, tail)
	}
	if scanErr != nil {
		return "", fmt.Errorf("runtime: read agent stream: %w", scanErr)
	}
	if !sawOutput {
		return "", ErrNoOutput
	}
	if doneText != "" {
		return doneText, nil
	}
	return final.String(), nil
}
