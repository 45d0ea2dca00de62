package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openviber/openviber/internal/bus"
	"github.com/openviber/openviber/pkg/protocol"
)

const handshakeTimeout = 10 * time.Second

// Options configures the gateway server.
type Options struct {
	Addr           string
	BasePath       string
	AuthToken      string   // empty disables daemon auth
	AllowedOrigins []string // empty allows all origins
	HeartbeatTTL   time.Duration
}

// Server terminates daemon websockets and serves the HTTP API. One
// listener carries both: /ws upgrades, everything else is REST/SSE.
type Server struct {
	opts  Options
	state *State
	log   *slog.Logger

	upgrader websocket.Upgrader

	muxOnce sync.Once
	mux     *http.ServeMux

	statusBudget time.Duration

	remoteMu sync.Mutex
	remote   map[string]*remoteTask
}

// NewServer creates a gateway server around a state store.
func NewServer(opts Options, state *State, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 90 * time.Second
	}
	s := &Server{
		opts:         opts,
		state:        state,
		log:          logger,
		remote:       make(map[string]*remoteTask),
		statusBudget: statusRequestBudget,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// State exposes the store, mainly for tests and command wiring.
func (s *Server) State() *State { return s.state }

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// BuildMux assembles the route table once.
func (s *Server) BuildMux() *http.ServeMux {
	s.muxOnce.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.handleWebSocket)
		mux.HandleFunc("/health", s.handleHealth)
		mux.HandleFunc("/api/nodes", s.handleNodes)
		mux.HandleFunc("/api/nodes/", s.handleNodeSubroutes)
		mux.HandleFunc("/api/vibers", s.handleVibers)
		mux.HandleFunc("/api/vibers/", s.handleViberSubroutes)
		mux.HandleFunc("/api/events", s.handleEvents)
		mux.HandleFunc("/api/jobs", s.handleJobs)
		s.mux = mux
	})
	return s.mux
}

// Start runs the HTTP listener until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	handler := s.withCORS(s.BuildMux())
	if base := strings.TrimSuffix(s.opts.BasePath, "/"); base != "" {
		handler = http.StripPrefix(base, handler)
	}
	srv := &http.Server{
		Addr:    s.opts.Addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("gateway.listening", "addr", s.opts.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

// withCORS opens the API to browser clients and answers preflights.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- websocket endpoint ---

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AuthToken)) == 1
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("gateway.upgrade_failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(8 << 20)

	hello, err := s.readHandshake(conn)
	if err != nil {
		s.log.Warn("gateway.handshake_failed", "error", err, "remote", r.RemoteAddr)
		conn.Close()
		return
	}
	if headerID := r.Header.Get("X-Node-Id"); headerID != "" && headerID != hello.ID {
		s.log.Warn("gateway.node_id_mismatch", "header", headerID, "handshake", hello.ID)
	}

	node := NewNode(conn, hello)
	if replaced := s.state.AddNode(node); replaced != nil {
		s.log.Info("gateway.node_replaced", "node", node.ID)
		replaced.Close()
	}
	s.log.Info("gateway.node_connected",
		"node", node.ID, "name", hello.Name, "version", hello.Version,
		"platform", hello.Platform, "running", len(hello.RunningTasks))

	// A reconnecting daemon may still be executing tasks we know about.
	for _, taskID := range hello.RunningTasks {
		if v, ok := s.state.GetViber(taskID); ok {
			v.MarkStarted()
		}
	}

	defer func() {
		// A replaced connection must not tear down the winner's tasks.
		if s.state.RemoveNode(node) {
			s.failNodeTasks(node.ID)
			s.log.Info("gateway.node_disconnected", "node", node.ID)
		}
		conn.Close()
	}()

	s.readLoop(node)
}

// readHandshake expects a connected frame as the first message.
func (s *Server) readHandshake(conn *websocket.Conn) (*protocol.Connected, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	hello, ok := msg.(*protocol.Connected)
	if !ok {
		return nil, fmt.Errorf("expected connected frame, got %s", msg.FrameType())
	}
	if hello.ID == "" {
		return nil, fmt.Errorf("connected frame missing node id")
	}
	return hello, nil
}

func (s *Server) readLoop(node *Node) {
	for {
		_, data, err := node.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			var unknown *protocol.ErrUnknownType
			if errors.As(err, &unknown) {
				s.log.Warn("gateway.unknown_frame", "node", node.ID, "type", unknown.TypeName)
				continue
			}
			s.log.Warn("gateway.decode_failed", "node", node.ID, "error", err)
			continue
		}
		s.dispatch(node, msg)
	}
}

func (s *Server) dispatch(node *Node, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.TaskStarted:
		if v, ok := s.state.GetViber(m.ID); ok {
			v.MarkStarted()
			s.state.Emit(Event{Category: "activity", Level: "info", Name: "task.started", TaskID: m.ID, NodeID: node.ID})
		}

	case *protocol.TaskProgress:
		env := m.Envelope
		if env.EventID == "" {
			raw, _ := json.Marshal(env.Event)
			env = protocol.PromoteLegacy(env.TaskID, raw)
		}
		if v, ok := s.state.GetViber(env.TaskID); ok {
			v.AppendProgress(env)
		}
		s.forwardProgress(env)

	case *protocol.TaskStreamChunk:
		if v, ok := s.state.GetViber(m.ID); ok {
			v.AppendChunk([]byte(m.Chunk))
		}

	case *protocol.TaskCompleted:
		if v, ok := s.state.GetViber(m.ID); ok {
			v.MarkCompleted(m.Result)
			s.state.Emit(Event{Category: "activity", Level: "info", Name: "task.completed", TaskID: m.ID, NodeID: node.ID})
		}
		s.finishRemote(m.ID, bus.StreamEvent{Type: bus.StreamDone, Text: resultText(m.Result)})

	case *protocol.TaskError:
		if v, ok := s.state.GetViber(m.ID); ok {
			v.AppendErrorEvent(m.Model, m.Error)
			v.MarkError(m.Error)
			s.state.Emit(Event{Category: "activity", Level: "error", Name: "task.error", TaskID: m.ID, NodeID: node.ID,
				Data: map[string]any{"error": m.Error}})
		}
		s.finishRemote(m.ID, bus.StreamEvent{Type: bus.StreamError, Message: m.Error})

	case *protocol.Heartbeat:
		node.RecordHeartbeat(m.Status)

	case *protocol.JobsList:
		node.SetJobs(m.Jobs)

	case *protocol.StatusReport:
		node.ResolveStatus(m.RequestID, m.Status)

	case *protocol.ConfigAck:
		node.RecordConfigAck(m)
		s.state.Emit(Event{Category: "system", Level: "info", Name: "gateway.config_ack", NodeID: node.ID,
			Data: map[string]any{"configVersion": m.ConfigVersion}})

	case *protocol.SkillProvisionResult:
		level := "info"
		if !m.OK {
			level = "error"
		}
		s.state.Emit(Event{Category: "system", Level: level, Name: "gateway.skill_provisioned", NodeID: node.ID,
			Data: map[string]any{"skillId": m.SkillID, "ok": m.OK, "ready": m.Ready}})

	case *protocol.Ping:
		node.Send(&protocol.Pong{})

	case *protocol.Pong:

	case *protocol.TerminalOutput, *protocol.TerminalClose:
		// Terminal relay has no HTTP surface yet; accepted and dropped.
		s.log.Debug("gateway.terminal_frame", "node", node.ID, "type", msg.FrameType())

	default:
		s.log.Debug("gateway.unhandled_frame", "node", node.ID, "type", msg.FrameType())
	}
}

func resultText(r *protocol.TaskResult) string {
	if r == nil {
		return ""
	}
	return r.Text
}

// failNodeTasks freezes every non-terminal task owned by a dead node and
// unblocks any channel waiting on it.
func (s *Server) failNodeTasks(nodeID string) {
	for _, v := range s.state.Vibers() {
		if v.NodeID != nodeID || IsTerminal(v.CurrentState()) {
			continue
		}
		s.finishRemote(v.ID, bus.StreamEvent{Type: bus.StreamError, Message: "node disconnected"})
	}
}
