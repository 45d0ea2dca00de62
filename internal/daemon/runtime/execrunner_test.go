package runtime

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/openviber/openviber/internal/bus"
)

func shellRunner(script string) *ExecRunner {
	return &ExecRunner{Command: []string{"/bin/sh", "-c", script}}
}

func runScript(t *testing.T, script string) (string, []bus.StreamEvent, error) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	var events []bus.StreamEvent
	text, err := shellRunner(script).Run(context.Background(), TurnRequest{TaskID: "task-1", Message: "go"},
		func(ev bus.StreamEvent) { events = append(events, ev) })
	return text, events, err
}

func TestExecRunner_StreamsAndFinishes(t *testing.T) {
	script := `
echo 'data: {"type":"text-delta","delta":"hello "}'
echo '{"type":"text-delta","delta":"world"}'
echo '{"type":"tool-call","name":"search"}'
echo '{"type":"finish","text":"hello world"}'
`
	text, events, err := runScript(t, script)
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello world" {
		t.Errorf("final text %q", text)
	}

	var deltas, tools int
	for _, ev := range events {
		switch ev.Type {
		case bus.StreamTextDelta:
			deltas++
		case bus.StreamToolCall:
			tools++
			if ev.Name != "search" {
				t.Errorf("tool name %q", ev.Name)
			}
		}
	}
	if deltas != 2 || tools != 1 {
		t.Errorf("events: %d deltas, %d tool calls", deltas, tools)
	}
}

func TestExecRunner_DeltasWithoutFinish(t *testing.T) {
	text, _, err := runScript(t, `echo '{"type":"text-delta","delta":"partial"}'`)
	if err != nil {
		t.Fatal(err)
	}
	if text != "partial" {
		t.Errorf("text %q", text)
	}
}

func TestExecRunner_SilentStreamIsNoOutput(t *testing.T) {
	_, _, err := runScript(t, `true`)
	if !errors.Is(err, ErrNoOutput) {
		t.Errorf("err %v", err)
	}
}

func TestExecRunner_ErrorFramePassesThroughForSniffing(t *testing.T) {
	_, events, err := runScript(t, `echo '{"type":"error","errorText":"quota exceeded"}'`)
	if !errors.Is(err, ErrNoOutput) {
		t.Fatalf("err %v", err)
	}
	found := false
	for _, ev := range events {
		if msg, ok := SniffErrorFrame(ev.Payload); ok && msg == "quota exceeded" {
			found = true
		}
	}
	if !found {
		t.Error("error frame not emitted for sniffing")
	}
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	_, _, err := runScript(t, `echo "boom" >&2; exit 3`)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("err %v", err)
	}
}

func TestExecRunner_NoCommand(t *testing.T) {
	r := &ExecRunner{}
	if _, err := r.Run(context.Background(), TurnRequest{}, func(bus.StreamEvent) {}); err == nil {
		t.Error("missing command accepted")
	}
}
