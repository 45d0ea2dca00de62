// Package runtime executes tasks on the daemon: one worker per task
// running the turn loop with intervention queues and cooperative abort.
package runtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/pkg/protocol"
)

// ErrNoOutput is returned by runners when the model stream closed without
// producing any output.
var ErrNoOutput = errors.New("no output received from model stream")

// TurnRequest is one turn handed to the runner.
type TurnRequest struct {
	TaskID      string
	Message     string
	History     []bus.HistoryEntry
	Model       string
	Environment *protocol.Environment
	Settings    map[string]any
	OAuthTokens []protocol.OAuthToken
}

// Runner abstracts the model call. Run streams events through emit and
// returns the final assistant text. Cancelling ctx must close the
// underlying HTTP stream and return ctx.Err().
type Runner interface {
	Run(ctx context.Context, req TurnRequest, emit func(bus.StreamEvent)) (string, error)
}

// SniffErrorFrame inspects one raw stream frame for an embedded transport
// error of the form {"type":"error","errorText":"..."}. Providers embed
// these mid-stream and then close the stream normally.
func SniffErrorFrame(raw []byte) (string, bool) {
	var frame struct {
		Type      string `json:"type"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", false
	}
	if frame.Type != "error" || frame.ErrorText == "" {
		return "", false
	}
	return frame.ErrorText, true
}
