package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to the gateway's transport-agnostic Conn
// contract.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, payload, err := w.conn.ReadMessage()
	return payload, err
}

func (w *wsConn) WriteMessage(payload []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) Close() error { return w.conn.Close() }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router builds the gateway's HTTP surface (spec.md's supplemented
// features: health/readiness/metrics/ws-upgrade) on top of gorilla/mux,
// matching the teacher's router-plus-middleware layering.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(securityHeadersMiddleware(nil))
	r.Use(newCORSMiddleware(DefaultCORSConfig()).handler)
	r.HandleFunc("/healthz", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", g.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/ws", g.handleWebsocket).Methods(http.MethodGet)
	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if g.SessionCount() >= g.cfg.MaxConcurrentSessions {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "at_capacity"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	source := r.RemoteAddr

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The request context dies when this handler returns, long before the
	// session does; session lifetime is governed by Admit's own derived
	// context, cancelled on terminate.
	if _, err := g.Admit(context.Background(), &wsConn{conn: conn}, source, token); err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, errorFrameBytes(err))
		_ = conn.Close()
	}
}

// bearerToken extracts the credential from either the handshake URI's
// ?token= parameter or an Authorization: Bearer header (spec.md §6).
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func errorFrameBytes(err error) []byte {
	payload, _ := json.Marshal(errorFrame("", err))
	return payload
}

// ShutdownTimeout bounds how long cmd/gateway's graceful HTTP server
// shutdown waits. Upgraded websocket connections are hijacked from the HTTP
// server, so their pumps are not waited for.
const ShutdownTimeout = 5 * time.Second
