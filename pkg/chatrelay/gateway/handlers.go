package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

const pongBody = "PONG - Bot is alive!"

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// channelHealth is the per-channel section of /health.
type channelHealth struct {
	Connected     bool       `json:"connected"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	ErrorCount    int        `json:"error_count"`
}

// healthResponse is the /health body.
type healthResponse struct {
	Status   string                   `json:"status"`
	Uptime   string                   `json:"uptime"`
	Sessions int                      `json:"sessions"`
	Channels map[string]channelHealth `json:"channels"`
}

func writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handlePing implements GET /ping.
func (g *Gateway) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(pongBody))
}

// handleHealth implements GET /health. Status is "degraded" while any
// registered channel is disconnected.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Status:   "ok",
		Uptime:   time.Since(g.startedAt).Round(time.Second).String(),
		Channels: map[string]channelHealth{},
	}
	if g.sessions != nil {
		resp.Sessions = g.sessions.Count()
	}
	if g.channels != nil {
		for name, h := range g.channels.HealthAll() {
			ch := channelHealth{Connected: h.Connected, ErrorCount: h.ErrorCount}
			if !h.LastMessageAt.IsZero() {
				t := h.LastMessageAt
				ch.LastMessageAt = &t
			}
			if !h.Connected {
				resp.Status = "degraded"
			}
			resp.Channels[name] = ch
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
