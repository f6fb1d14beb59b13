package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"lanroom.dev/go/lanroom/internal/registry"
	"lanroom.dev/go/lanroom/internal/store"
)

// WebSources supplies the read-only views the local HTTP API exposes.
// The engine fills these in; nothing here mutates room state.
type WebSources struct {
	Status   func() any
	Peers    func() []registry.Peer
	Messages func(ctx context.Context, sinceMicros int64) ([]store.Message, error)
}

// WebServer exposes the event stream and room snapshots on loopback
// for a local UI or scripting.
type WebServer struct {
	server *http.Server
	hub    *Hub
}

// NewWebServer builds the loopback HTTP server. The hub must be
// started separately with Run.
func NewWebServer(port int, hub *Hub, src WebSources) *WebServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, src.Status())
	})
	mux.HandleFunc("/api/peers", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, src.Peers())
	})
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		var since int64
		if v := r.URL.Query().Get("since"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errorResponse(w, http.StatusBadRequest, "since must be a microsecond timestamp")
				return
			}
			since = n
		}
		msgs, err := src.Messages(r.Context(), since)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		jsonResponse(w, map[string]any{"messages": msgs, "count": len(msgs)})
	})
	mux.Handle("/ws", hub)

	return &WebServer{
		hub: hub,
		server: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}
}

// Start serves in the background until Stop.
func (ws *WebServer) Start() {
	slog.Info("web server starting", "addr", ws.server.Addr)
	go func() {
		if err := ws.server.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("web server error", "error", err)
		}
	}()
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (ws *WebServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws.server.Shutdown(ctx)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
