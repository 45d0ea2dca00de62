package channels

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const maxWebhookBody = 8 << 20 // 8 MB

// WebhookRequest is the normalised form handed to route handlers.
// JSON bodies are parsed into JSON; other content types stay raw in Body.
type WebhookRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values
	Body    []byte
	JSON    map[string]any // nil when the body is not a JSON object
}

// WebhookResponse is the normalised handler result.
type WebhookResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
	JSON    any // marshalled when Body is empty
}

// WebhookRouter binds the webhook routes of registered channels under an
// optional base path. It is the channel-side HTTP surface, distinct from
// the daemon↔gateway socket.
type WebhookRouter struct {
	basePath string
	limiter  *WebhookRateLimiter

	mu     sync.RWMutex
	routes map[string]WebhookRoute // "METHOD path" → route
}

// NewWebhookRouter creates a router serving under basePath ("" for root).
func NewWebhookRouter(basePath string) *WebhookRouter {
	basePath = strings.TrimSuffix(basePath, "/")
	return &WebhookRouter{
		basePath: basePath,
		limiter:  NewWebhookRateLimiter(),
		routes:   make(map[string]WebhookRoute),
	}
}

// Bind registers one route. Duplicate (method, path) pairs fail.
func (wr *WebhookRouter) Bind(route WebhookRoute) error {
	if route.Method == "" || route.Path == "" || route.Handler == nil {
		return fmt.Errorf("webhook: route needs method, path and handler")
	}
	key := strings.ToUpper(route.Method) + " " + route.Path

	wr.mu.Lock()
	defer wr.mu.Unlock()
	if _, exists := wr.routes[key]; exists {
		return fmt.Errorf("webhook: duplicate route %s", key)
	}
	wr.routes[key] = route
	return nil
}

// BindChannel registers every route a webhook channel exposes.
func (wr *WebhookRouter) BindChannel(ch WebhookChannel) error {
	for _, route := range ch.WebhookRoutes() {
		if err := wr.Bind(route); err != nil {
			return fmt.Errorf("channel %s: %w", ch.ID(), err)
		}
	}
	return nil
}

// ServeHTTP dispatches an incoming request to the matching route handler.
func (wr *WebhookRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if wr.basePath != "" {
		if !strings.HasPrefix(path, wr.basePath) {
			http.NotFound(w, r)
			return
		}
		path = strings.TrimPrefix(path, wr.basePath)
	}

	key := r.Method + " " + path
	wr.mu.RLock()
	route, ok := wr.routes[key]
	wr.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	if !wr.limiter.Allow(remoteKey(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	req := &WebhookRequest{
		Method:  r.Method,
		Path:    path,
		Headers: r.Header,
		Query:   r.URL.Query(),
		Body:    body,
	}
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") && len(body) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err == nil {
			req.JSON = parsed
		}
	}

	resp, err := route.Handler(r.Context(), req)
	if err != nil {
		slog.Error("webhook.handler_failed", "method", r.Method, "path", path, "error", err)
		writeWebhookJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if resp == nil {
		resp = &WebhookResponse{Status: http.StatusOK}
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if len(resp.Body) > 0 {
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
		return
	}
	if resp.JSON != nil {
		writeWebhookJSON(w, resp.Status, resp.JSON)
		return
	}
	w.WriteHeader(resp.Status)
}

func writeWebhookJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func remoteKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return fwd[:idx]
		}
		return fwd
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx > 0 {
		host = host[:idx]
	}
	return host
}
