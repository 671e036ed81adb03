package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hennii/dr-client/pkg/events"
)

// WebServer serves the browser UI: the event push channel on /ws, the
// settings documents, auth, health and metrics.
type WebServer struct {
	cfg      *Config
	gateway  *Gateway
	auth     *AuthService
	settings *SettingsStore
	history  *HistoryStore
	metrics  *Metrics

	httpSrv   *http.Server
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	startTime time.Time
}

// NewWebServer creates the web transport. settings and history may be
// nil; the corresponding endpoints then report unavailable.
func NewWebServer(cfg *Config, gw *Gateway, auth *AuthService, settings *SettingsStore, history *HistoryStore, metrics *Metrics) *WebServer {
	ws := &WebServer{
		cfg:       cfg,
		gateway:   gw,
		auth:      auth,
		settings:  settings,
		history:   history,
		metrics:   metrics,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.CORSOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range cfg.CORSOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
	ws.registerRoutes()
	return ws
}

func (ws *WebServer) registerRoutes() {
	ws.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", ws.cfg.WebHost, ws.cfg.WebPort),
		Handler: ws.mux,
	}

	ws.mux.HandleFunc("GET /ws", ws.handleWebSocket)
	ws.mux.HandleFunc("POST /api/v1/auth/login", ws.handleAuthLogin)
	ws.mux.HandleFunc("POST /api/v1/auth/refresh", ws.handleAuthRefresh)
	ws.mux.HandleFunc("GET /health", ws.handleHealth)

	if ws.metrics != nil {
		ws.mux.Handle("GET /metrics", ws.metrics.Handler())
	}
	if ws.settings != nil {
		ws.mux.Handle("/settings", ws.requireAuth(ws.settings.SettingsHandler()))
		ws.mux.Handle("/player-services", ws.requireAuth(ws.settings.PlayerServicesHandler()))
	}

	if ws.cfg.WebStaticDir != "" {
		if _, err := os.Stat(ws.cfg.WebStaticDir); err == nil {
			fsrv := http.FileServer(http.Dir(ws.cfg.WebStaticDir))
			ws.mux.Handle("/", spaHandler(fsrv, ws.cfg.WebStaticDir))
		}
	}
}

// requireAuth wraps a handler with bearer-token validation when auth
// is enabled.
func (ws *WebServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ws.auth.Enabled() {
			token := bearerToken(r)
			if err := ws.auth.ValidateToken(token); err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return h[7:]
	}
	return r.URL.Query().Get("token")
}

// Start begins listening. HTTPS when any TLS strategy is configured,
// plain HTTP otherwise.
func (ws *WebServer) Start() error {
	hasTLS := ws.cfg.WebDomain != "" || (ws.cfg.TLSCert != "" && ws.cfg.TLSKey != "")
	if hasTLS {
		result, err := SetupTLS(ws.cfg.WebDomain, ws.cfg.TLSCert, ws.cfg.TLSKey, ws.cfg.CertDir)
		if err != nil {
			log.Printf("web: TLS setup failed (%v), falling back to HTTP", err)
		} else {
			ws.httpSrv.TLSConfig = result.Config
			if result.AutocertMgr != nil {
				go func() {
					httpSrv := &http.Server{Addr: ":80", Handler: result.AutocertMgr.HTTPHandler(nil)}
					log.Printf("web: ACME HTTP challenge listener on :80")
					if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Printf("web: ACME HTTP listener error: %v", err)
					}
				}()
			}
			log.Printf("web: listening on %s (HTTPS)", ws.httpSrv.Addr)
			err = ws.httpSrv.ListenAndServeTLS("", "")
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	}

	log.Printf("web: listening on %s (HTTP)", ws.httpSrv.Addr)
	err := ws.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the web server.
func (ws *WebServer) Stop(ctx context.Context) error {
	return ws.httpSrv.Shutdown(ctx)
}

// Handler exposes the mux for httptest.
func (ws *WebServer) Handler() http.Handler {
	return ws.mux
}

// --- WebSocket subscriber ---

// wsClient forwards broadcast batches to one browser connection. The
// serialized payload goes out verbatim; a write error marks the client
// closed so the broadcaster skips it until cleanup.
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsClient) Deliver(_ []events.Event, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Printf("[ws:%s] write error: %v", c.id, err)
		c.closed = true
	}
}

func (c *wsClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// send writes one standalone JSON message outside the batch stream.
func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("closed")
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}

// wsInbound is the message format browsers send on the socket.
type wsInbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// handleWebSocket upgrades the connection and joins it to the event
// stream: snapshot first, then recent history for select channels,
// then live batches.
func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if ws.auth.Enabled() {
		if err := ws.auth.ValidateToken(bearerToken(r)); err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}

	client := &wsClient{id: uuid.NewString()[:8], conn: conn}
	log.Printf("[ws:%s] connected from %s", client.id, r.RemoteAddr)

	if err := client.send(map[string]any{
		"type":  "snapshot",
		"state": ws.gateway.State.Snapshot(),
	}); err != nil {
		client.close()
		return
	}

	if ws.gateway.Matcher != nil {
		if cur := ws.gateway.Matcher.CurrentState(); cur != nil {
			client.send([]events.Event{*cur})
		}
	}

	if ws.history != nil {
		if recent, err := ws.history.Recent(ws.cfg.HistoryReplay); err != nil {
			log.Printf("[ws:%s] history replay error: %v", client.id, err)
		} else if len(recent) > 0 {
			client.send(recent)
		}
	}

	ws.gateway.Broadcaster.Subscribe(client)
	if ws.metrics != nil {
		ws.metrics.wsSubscribers.Inc()
	}

	go ws.wsReadLoop(client)
}

func (ws *WebServer) wsReadLoop(client *wsClient) {
	defer func() {
		ws.gateway.Broadcaster.Unsubscribe(client)
		client.close()
		if ws.metrics != nil {
			ws.metrics.wsSubscribers.Dec()
		}
		log.Printf("[ws:%s] disconnected", client.id)
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws:%s] read error: %v", client.id, err)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "command" && msg.Text != "" {
			ws.gateway.SendCommand(msg.Text)
		}
	}
}

// --- HTTP handlers ---

func (ws *WebServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	token, err := ws.auth.Login(req.Password)
	if err != nil {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (ws *WebServer) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
		return
	}
	newToken, err := ws.auth.RefreshToken(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": newToken})
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(ws.startTime).Seconds(),
		"subscribers":    ws.gateway.Broadcaster.SubscriberCount(),
	})
}

// spaHandler serves static files, falling back to index.html for SPA
// routing.
func spaHandler(fileServer http.Handler, staticDir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := staticDir + r.URL.Path
		if _, err := os.Stat(path); os.IsNotExist(err) {
			http.ServeFile(w, r, staticDir+"/index.html")
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}
