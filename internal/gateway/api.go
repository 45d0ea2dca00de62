package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/openviber/openviber/pkg/protocol"
)

const statusRequestBudget = 5 * time.Second

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// --- /health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	nodes := s.state.Nodes()
	healthy := 0
	summary := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		entry := map[string]any{
			"id":          n.ID,
			"name":        n.Meta().Name,
			"connectedAt": n.ConnectedAt().Format(time.RFC3339Nano),
		}
		if status, at, ok := n.LastHeartbeat(); ok {
			entry["lastHeartbeatAt"] = at.Format(time.RFC3339Nano)
			entry["runningTasks"] = status.RunningTasks
			if time.Since(at) <= s.opts.HeartbeatTTL {
				healthy++
			}
		}
		summary = append(summary, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"nodes":        len(nodes),
		"healthyNodes": healthy,
		"vibers":       len(s.state.Vibers()),
		"nodesSummary": summary,
	})
}

// --- /api/nodes ---

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	out := make([]map[string]any, 0)
	for _, n := range s.state.Nodes() {
		meta := n.Meta()
		entry := map[string]any{
			"id":           n.ID,
			"name":         meta.Name,
			"version":      meta.Version,
			"platform":     meta.Platform,
			"arch":         meta.Arch,
			"capabilities": meta.Capabilities,
			"connectedAt":  n.ConnectedAt().Format(time.RFC3339Nano),
		}
		if status, at, ok := n.LastHeartbeat(); ok {
			entry["lastHeartbeatAt"] = at.Format(time.RFC3339Nano)
			entry["memory"] = status.Memory
			entry["uptime"] = status.UptimeSec
			entry["runningTasks"] = status.RunningTasks
			if status.Machine != nil {
				entry["machine"] = status.Machine
			}
			if status.ViberStatus != nil {
				entry["viberStatus"] = status.ViberStatus
			}
			if len(status.Skills) > 0 {
				entry["skills"] = status.Skills
			}
			if status.ConfigState != nil {
				entry["configState"] = status.ConfigState
			}
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

// handleNodeSubroutes covers /api/nodes/{id}/status, /job, /config-push.
func (s *Server) handleNodeSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	nodeID, action := parts[0], parts[1]

	node, ok := s.state.GetNode(nodeID)
	if !ok {
		writeError(w, http.StatusNotFound, "Node not found")
		return
	}

	switch {
	case action == "status" && r.Method == http.MethodGet:
		s.handleNodeStatus(w, r, node)
	case action == "job" && r.Method == http.MethodPost:
		s.handleNodeJob(w, r, node)
	case action == "config-push" && r.Method == http.MethodPost:
		s.handleNodeConfigPush(w, node)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleNodeStatus asks the node for a live snapshot and falls back to
// the heartbeat cache on timeout. Never 5xx for a slow node.
func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request, node *Node) {
	requestID := uuid.NewString()
	reply := node.AwaitStatus(requestID)
	defer node.CancelStatus(requestID)

	if err := node.Send(&protocol.StatusRequest{RequestID: requestID}); err != nil {
		s.writeCachedStatus(w, node)
		return
	}

	timer := time.NewTimer(s.statusBudget)
	defer timer.Stop()
	select {
	case status := <-reply:
		writeJSON(w, http.StatusOK, map[string]any{"source": "live", "status": status})
	case <-timer.C:
		s.writeCachedStatus(w, node)
	case <-r.Context().Done():
	}
}

func (s *Server) writeCachedStatus(w http.ResponseWriter, node *Node) {
	status, at, ok := node.LastHeartbeat()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"source": "unavailable"})
		return
	}
	source := "heartbeat-cache"
	if time.Since(at) > s.opts.HeartbeatTTL {
		source = "heartbeat-stale"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source": source,
		"status": status,
		"asOf":   at.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleNodeJob(w http.ResponseWriter, r *http.Request, node *Node) {
	var job protocol.JobDescriptor
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if job.Name == "" || job.Prompt == "" {
		writeError(w, http.StatusBadRequest, "job needs name and prompt")
		return
	}
	if !gronx.New().IsValid(job.Schedule) {
		writeError(w, http.StatusBadRequest, "invalid cron schedule")
		return
	}
	job.NodeID = node.ID

	if err := node.Send(&protocol.JobPush{Job: job}); err != nil {
		writeError(w, http.StatusBadGateway, "push failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "pushed", "job": job})
}

func (s *Server) handleNodeConfigPush(w http.ResponseWriter, node *Node) {
	if err := node.Send(&protocol.ConfigPush{}); err != nil {
		writeError(w, http.StatusBadGateway, "push failed: "+err.Error())
		return
	}
	s.state.Emit(Event{Category: "system", Level: "info", Name: "gateway.config_pushed", NodeID: node.ID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "pushed"})
}

// --- /api/vibers ---

type createViberRequest struct {
	Goal        string                         `json:"goal"`
	NodeID      string                         `json:"nodeId,omitempty"`
	Model       string                         `json:"model,omitempty"`
	Messages    []protocol.ChatMessage         `json:"messages,omitempty"`
	Environment *protocol.Environment          `json:"environment,omitempty"`
	Settings    map[string]any                 `json:"settings,omitempty"`
	OAuthTokens map[string]protocol.OAuthToken `json:"oauthTokens,omitempty"`
}

func (s *Server) handleVibers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		out := make([]map[string]any, 0)
		for _, v := range s.state.Vibers() {
			out = append(out, v.Snapshot())
		}
		writeJSON(w, http.StatusOK, map[string]any{"vibers": out})

	case http.MethodPost:
		var req createViberRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Goal) == "" {
			writeError(w, http.StatusBadRequest, "goal is required")
			return
		}

		node, ok := s.state.AnyNode(req.NodeID)
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "No node available")
			return
		}

		id := s.state.NewTaskID()
		v := s.state.CreateViber(id, node.ID, req.Goal, req.Model)
		submit := &protocol.TaskSubmit{
			ID:          id,
			Goal:        req.Goal,
			Model:       req.Model,
			Messages:    req.Messages,
			Environment: req.Environment,
			Settings:    req.Settings,
			OAuthTokens: req.OAuthTokens,
		}
		if err := node.Send(submit); err != nil {
			v.MarkError("submit failed: " + err.Error())
			writeError(w, http.StatusBadGateway, "submit failed")
			return
		}
		body := v.Snapshot()
		body["viberId"] = id
		writeJSON(w, http.StatusOK, body)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleViberSubroutes covers /api/vibers/{id} and its actions.
func (s *Server) handleViberSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/vibers/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	v, ok := s.state.GetViber(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Viber not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleViberDetail(w, v)
	case action == "message" && r.Method == http.MethodPost:
		s.handleViberMessage(w, r, v)
	case action == "stop" && r.Method == http.MethodPost:
		s.handleViberStop(w, v)
	case action == "stream" && r.Method == http.MethodGet:
		s.handleViberStream(w, r, v)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleViberDetail(w http.ResponseWriter, v *Viber) {
	detail := v.Snapshot()
	detail["events"] = v.Progress()
	detail["partialText"] = v.CurrentPartialText()
	_, connected := s.state.GetNode(v.NodeID)
	detail["isNodeConnected"] = connected
	writeJSON(w, http.StatusOK, detail)
}

// handleViberMessage forwards an intervention or re-submission. The
// gateway-side record is reset so a fresh stream can be consumed.
func (s *Server) handleViberMessage(w http.ResponseWriter, r *http.Request, v *Viber) {
	var req struct {
		Message string `json:"message"`
		Mode    string `json:"mode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	node, ok := s.state.GetNode(v.NodeID)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "Node not connected")
		return
	}

	v.ResetForResubmit("")
	if err := node.Send(&protocol.TaskMessage{ID: v.ID, Message: req.Message, Mode: req.Mode}); err != nil {
		v.MarkError("forward failed: " + err.Error())
		writeError(w, http.StatusBadGateway, "forward failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleViberStop(w http.ResponseWriter, v *Viber) {
	node, ok := s.state.GetNode(v.NodeID)
	if ok {
		node.Send(&protocol.TaskStop{ID: v.ID})
	}
	v.MarkStopped()
	s.state.Emit(Event{Category: "activity", Level: "info", Name: "task.stopped", TaskID: v.ID, NodeID: v.NodeID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// --- /api/events ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = t
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": s.state.Events(limit, since)})
}

// --- /api/jobs ---

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	jobs := make([]protocol.JobDescriptor, 0)
	for _, n := range s.state.Nodes() {
		for _, job := range n.Jobs() {
			job.NodeID = n.ID
			jobs = append(jobs, job)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}
