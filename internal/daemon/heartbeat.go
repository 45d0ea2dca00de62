package daemon

import (
	"runtime"
	"time"

	"github.com/openviber/openviber/pkg/protocol"
)

// DefaultHeartbeatInterval is used when the config does not set one.
const DefaultHeartbeatInterval = 30 * time.Second

// buildStatus assembles one heartbeat/status payload from the telemetry
// collector, the task runtime and the cached config state.
func (c *Controller) buildStatus(includeMachine bool) protocol.HeartbeatStatus {
	memory := c.telemetry.ProcessMemory()
	running := c.rt.Running()

	status := protocol.HeartbeatStatus{
		Platform:     runtime.GOOS,
		UptimeSec:    c.telemetry.ProcessUptime(),
		Memory:       memory,
		RunningTasks: len(running),
		Skills:       c.skills.Descriptors(),
		ConfigState:  c.configState(),
	}
	if includeMachine {
		status.Machine = c.telemetry.Machine()
	}

	status.ViberStatus = &protocol.ViberSnapshot{
		ID:              c.opts.NodeID,
		Name:            c.opts.Name,
		Version:         c.opts.Version,
		Connected:       true,
		UptimeSec:       status.UptimeSec,
		Memory:          memory,
		RunningTasks:    running,
		Skills:          c.skills.IDs(),
		Capabilities:    c.opts.Capabilities,
		SkillHealth:     status.Skills,
		TasksExecuted:   int(c.rt.TotalExecuted()),
		LastHeartbeatAt: time.Now().UTC().Format(time.RFC3339),
	}
	return status
}
