// Package daemon implements the node side of the fabric: it dials out to
// the gateway, registers itself, and serves task, status and config
// traffic over the single websocket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/fsnotify/fsnotify"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/internal/configsync"
	rt "github.com/openviber/openviber/internal/daemon/runtime"
	"github.com/openviber/openviber/internal/telemetry"
	"github.com/openviber/openviber/pkg/protocol"
)

// DefaultReconnectBackoff is the linear retry delay between dial attempts.
const DefaultReconnectBackoff = 5 * time.Second

// Options configures the daemon controller.
type Options struct {
	GatewayURL        string // ws(s)://host:port/ws
	Token             string
	NodeID            string
	Name              string
	Version           string
	Capabilities      []string
	HeartbeatInterval time.Duration
	ReconnectBackoff  time.Duration
	ConfigPath        string // local config file watched for re-pull triggers
}

// Controller owns the gateway connection and the daemon-side dispatch.
type Controller struct {
	opts      Options
	rt        *rt.Runtime
	telemetry *telemetry.Collector
	syncer    *configsync.Syncer
	jobs      *JobStore
	skills    *SkillSet

	mu     sync.Mutex
	conn   *wsConn
	config *protocol.ConfigState

	statusMu      sync.Mutex
	statusPending []string // coalesced status:request ids
}

// New creates a controller.
func New(opts Options, runtime *rt.Runtime, syncer *configsync.Syncer) *Controller {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = DefaultReconnectBackoff
	}
	return &Controller{
		opts:      opts,
		rt:        runtime,
		telemetry: telemetry.NewCollector(),
		syncer:    syncer,
		jobs:      NewJobStore(),
		skills:    NewSkillSet(),
	}
}

// Jobs exposes the job store for local loading at startup.
func (c *Controller) Jobs() *JobStore { return c.jobs }

// Skills exposes the skill set for local declaration at startup.
func (c *Controller) Skills() *SkillSet { return c.skills }

// Run dials the gateway and serves until ctx is cancelled. Transport
// failures retry with linear backoff; only ctx cancellation exits.
func (c *Controller) Run(ctx context.Context) error {
	if c.opts.ConfigPath != "" {
		go c.watchConfig(ctx)
	}

	for {
		conn, err := dialGateway(ctx, c.opts.GatewayURL, c.opts.Token, c.opts.NodeID)
		if err != nil {
			slog.Warn("daemon.dial_failed", "url", c.opts.GatewayURL, "error", err)
		} else {
			c.serve(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectBackoff):
		}
	}
}

// serve runs one connection: handshake, heartbeats, dispatch loop.
func (c *Controller) serve(ctx context.Context, conn *wsConn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.close(websocket.StatusNormalClosure, "shutdown")
	}()

	hello := &protocol.Connected{
		ID:           c.opts.NodeID,
		Name:         c.opts.Name,
		Version:      c.opts.Version,
		Platform:     runtime.GOOS,
		Arch:         runtime.GOARCH,
		Capabilities: c.opts.Capabilities,
		Skills:       c.skills.Descriptors(),
		RunningTasks: runningIDs(c.rt),
	}
	if err := conn.writeFrame(connCtx, hello); err != nil {
		slog.Error("daemon.handshake_failed", "error", err)
		return
	}
	slog.Info("daemon.connected", "gateway", c.opts.GatewayURL, "nodeId", c.opts.NodeID)

	go c.heartbeatLoop(connCtx, conn)

	if jobs := c.jobs.List(); len(jobs) > 0 {
		c.send(connCtx, &protocol.JobsList{Jobs: jobs})
	}

	for {
		msg, err := conn.readFrame(connCtx)
		if err != nil {
			var unknown *protocol.ErrUnknownType
			if errors.As(err, &unknown) {
				slog.Warn("daemon.unknown_frame", "type", unknown.TypeName)
				continue
			}
			slog.Info("daemon.disconnected", "error", err)
			return
		}
		c.dispatch(connCtx, msg)
	}
}

// send writes a frame on the current connection, logging failures.
func (c *Controller) send(ctx context.Context, msg protocol.Message) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		slog.Debug("daemon.send_dropped", "type", msg.FrameType())
		return
	}
	if err := conn.writeFrame(ctx, msg); err != nil {
		slog.Warn("daemon.send_failed", "type", msg.FrameType(), "error", err)
	}
}

func (c *Controller) dispatch(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.TaskSubmit:
		c.handleSubmit(ctx, m)
	case *protocol.TaskStop:
		c.rt.Stop(ctx, m.ID)
	case *protocol.TaskMessage:
		c.handleMessage(ctx, m)
	case *protocol.Ping:
		c.send(ctx, &protocol.Pong{})
	case *protocol.StatusRequest:
		c.handleStatusRequest(ctx, m)
	case *protocol.ConfigPush:
		go c.pullConfig(ctx)
	case *protocol.SkillProvision:
		go func() {
			c.send(ctx, c.skills.Provision(ctx, m))
		}()
	case *protocol.JobPush:
		c.handleJobPush(ctx, m)
	case *protocol.TerminalOpen, *protocol.TerminalInput, *protocol.TerminalResize, *protocol.TerminalClose:
		// Terminal relay is transport-level; no local PTY is wired yet.
		slog.Debug("daemon.terminal_frame", "type", msg.FrameType())
	default:
		slog.Warn("daemon.unhandled_frame", "type", msg.FrameType())
	}
}

func (c *Controller) handleSubmit(ctx context.Context, m *protocol.TaskSubmit) {
	history := make([]bus.HistoryEntry, 0, len(m.Messages))
	for _, msg := range m.Messages {
		history = append(history, bus.HistoryEntry{Role: msg.Role, Content: msg.Content})
	}
	tokens := make([]protocol.OAuthToken, 0, len(m.OAuthTokens))
	for provider, tok := range m.OAuthTokens {
		tok.Provider = provider
		tokens = append(tokens, tok)
	}

	task, err := c.rt.Submit(ctx, m.ID, rt.TurnRequest{
		Message:     m.Goal,
		History:     history,
		Model:       m.Model,
		Environment: m.Environment,
		Settings:    m.Settings,
		OAuthTokens: tokens,
	})
	if err != nil {
		c.send(ctx, &protocol.TaskError{ID: m.ID, Error: err.Error(), Model: m.Model})
		return
	}

	c.send(ctx, &protocol.TaskStarted{ID: m.ID})
	go c.pumpTask(ctx, task)
}

func (c *Controller) handleMessage(ctx context.Context, m *protocol.TaskMessage) {
	task, ok := c.rt.Get(m.ID)
	if !ok {
		slog.Warn("daemon.message_for_unknown_task", "taskId", m.ID)
		return
	}
	if err := task.Send(ctx, m.Message, m.Mode); err != nil {
		slog.Warn("daemon.message_rejected", "taskId", m.ID, "error", err)
	}
}

// pumpTask converts a task's stream events into wire frames: progress
// envelopes with a per-task monotonic sequence, verbatim SSE chunks, and
// a single terminal frame.
func (c *Controller) pumpTask(ctx context.Context, task *rt.Task) {
	var seq uint64
	for ev := range task.Events() {
		switch ev.Type {
		case bus.StreamTextDelta:
			c.sendProgress(ctx, task, &seq, protocol.ProgressEvent{Kind: protocol.KindTextDelta, Delta: ev.Delta})
			c.sendChunk(ctx, task.ID(), map[string]string{"type": "text-delta", "delta": ev.Delta})
		case bus.StreamToolCall:
			c.sendProgress(ctx, task, &seq, protocol.ProgressEvent{Kind: protocol.KindToolCall, Name: ev.Name, Data: ev.Payload})
		case bus.StreamToolResult:
			c.sendProgress(ctx, task, &seq, protocol.ProgressEvent{Kind: protocol.KindToolResult, Name: ev.Name, Data: ev.Payload})
		case bus.StreamStateChange:
			c.sendProgress(ctx, task, &seq, protocol.ProgressEvent{Kind: protocol.KindStateChange, Message: ev.Message, Data: ev.Payload})
		case bus.StreamStatus:
			c.sendProgress(ctx, task, &seq, protocol.ProgressEvent{Kind: protocol.KindStatus, Message: ev.Message})
		case bus.StreamDone:
			c.sendProgress(ctx, task, &seq, protocol.ProgressEvent{Kind: protocol.KindDone, Text: ev.Text})
			c.sendChunk(ctx, task.ID(), map[string]string{"type": "finish"})
			c.send(ctx, &protocol.TaskCompleted{
				ID:     task.ID(),
				Result: &protocol.TaskResult{Text: ev.Text},
			})
		case bus.StreamError:
			c.send(ctx, &protocol.TaskError{ID: task.ID(), Error: ev.Message, Model: task.Model()})
		}
	}
}

func (c *Controller) sendProgress(ctx context.Context, task *rt.Task, seq *uint64, event protocol.ProgressEvent) {
	envelope := protocol.NewEnvelope(task.ID(), *seq, task.Model(), event)
	*seq++
	c.send(ctx, &protocol.TaskProgress{Envelope: envelope})
}

// sendChunk forwards one SSE data frame verbatim for HTTP piping.
func (c *Controller) sendChunk(ctx context.Context, taskID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.send(ctx, &protocol.TaskStreamChunk{
		ID:    taskID,
		Chunk: fmt.Sprintf("data: %s\n\n", raw),
	})
}

func (c *Controller) heartbeatLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	// First heartbeat goes out immediately so the gateway has machine
	// data before the first interval elapses.
	for {
		if err := conn.writeFrame(ctx, &protocol.Heartbeat{Status: c.buildStatus(true)}); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleStatusRequest coalesces concurrent requests into one collection.
func (c *Controller) handleStatusRequest(ctx context.Context, m *protocol.StatusRequest) {
	c.statusMu.Lock()
	c.statusPending = append(c.statusPending, m.RequestID)
	first := len(c.statusPending) == 1
	c.statusMu.Unlock()
	if !first {
		return
	}

	go func() {
		status := c.buildStatus(true)

		c.statusMu.Lock()
		pending := c.statusPending
		c.statusPending = nil
		c.statusMu.Unlock()

		for _, requestID := range pending {
			c.send(ctx, &protocol.StatusReport{RequestID: requestID, Status: status})
		}
	}()
}

// pullConfig runs the fetch-validate cycle and acks with the computed
// version. Triggered by config:push frames and local file changes.
func (c *Controller) pullConfig(ctx context.Context) {
	if c.syncer == nil {
		c.send(ctx, &protocol.ConfigAck{Validations: []protocol.ValidationResult{{
			Category:  "llm_keys",
			Status:    "unchecked",
			Message:   "no config web API configured",
			CheckedAt: time.Now().UTC().Format(time.RFC3339),
		}}})
		return
	}

	version, outcomes := c.syncer.Run(ctx, os.LookupEnv)

	validations := make([]protocol.ValidationResult, 0, len(outcomes))
	for _, o := range outcomes {
		validations = append(validations, protocol.ValidationResult{
			Category:  o.Category,
			Status:    o.Status,
			Message:   o.Message,
			CheckedAt: o.CheckedAt,
		})
	}

	state := &protocol.ConfigState{
		ConfigVersion:    version,
		LastConfigPullAt: time.Now().UTC().Format(time.RFC3339),
		Validations:      validations,
	}
	c.mu.Lock()
	c.config = state
	c.mu.Unlock()

	c.send(ctx, &protocol.ConfigAck{ConfigVersion: version, Validations: validations})
}

func (c *Controller) configState() *protocol.ConfigState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// handleJobPush validates the schedule before installing and re-declares
// the job list to the gateway.
func (c *Controller) handleJobPush(ctx context.Context, m *protocol.JobPush) {
	if err := c.jobs.Add(m.Job); err != nil {
		slog.Warn("daemon.job_rejected", "job", m.Job.Name, "error", err)
		return
	}
	slog.Info("daemon.job_installed", "job", m.Job.Name, "schedule", m.Job.Schedule)
	c.send(ctx, &protocol.JobsList{Jobs: c.jobs.List()})
}

// watchConfig triggers the config re-pull path when the local config file
// changes, same as a gateway config:push.
func (c *Controller) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("daemon.config_watch_failed", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(c.opts.ConfigPath); err != nil {
		slog.Warn("daemon.config_watch_failed", "path", c.opts.ConfigPath, "error", err)
		return
	}
	slog.Debug("daemon.config_watching", "path", c.opts.ConfigPath)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				slog.Info("daemon.config_changed", "path", event.Name)
				go c.pullConfig(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("daemon.config_watch_error", "error", err)
		}
	}
}

func runningIDs(runtime *rt.Runtime) []string {
	infos := runtime.Running()
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.TaskID)
	}
	return out
}
