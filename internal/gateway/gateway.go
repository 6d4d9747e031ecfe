// Package gateway terminates downstream WebSocket connections and serves
// the HTTP surface: the relay endpoint, health probes, Prometheus metrics,
// and the stats API.
//
// Authentication is a shared token presented either as the "token" query
// parameter or an Authorization Bearer header. Tokens are compared in
// constant time and never logged in full.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/binsentry/binsentry/internal/health"
	"github.com/binsentry/binsentry/internal/hub"
	"github.com/binsentry/binsentry/internal/observe"
	"github.com/binsentry/binsentry/internal/sink"
)

// DefaultMaxPayload caps a single inbound WebSocket message when the config
// does not say otherwise.
const DefaultMaxPayload int64 = 10 << 20 // 10 MiB

// Config holds gateway construction parameters.
type Config struct {
	// Token is the shared client secret. Must not be empty.
	Token string

	// MaxPayload caps a single inbound message. Zero selects
	// DefaultMaxPayload.
	MaxPayload int64
}

// Server is the downstream-facing HTTP/WebSocket server.
type Server struct {
	cfg     Config
	hub     *hub.Hub
	store   sink.Sink
	metrics *observe.Metrics
	hc      *health.Handler
}

// New creates a gateway Server.
func New(cfg Config, h *hub.Hub, store sink.Sink, metrics *observe.Metrics, hc *health.Handler) *Server {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	return &Server{cfg: cfg, hub: h, store: store, metrics: metrics, hc: hc}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(observe.HTTPMiddleware(s.metrics))

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.hc.Liveness)
	r.Get("/readyz", s.hc.Readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/api/stats", s.handleStats)

	return r
}

// clientMessage is the inbound JSON envelope on the relay socket. Binary
// frames carry raw audio and bypass this envelope entirely.
type clientMessage struct {
	Type string `json:"type"`

	// ContentType and Data are set for type "image-upload"; Data is the
	// base64-encoded frame.
	ContentType string `json:"content_type,omitempty"`
	Data        string `json:"data,omitempty"`
}

// handleWS upgrades the relay endpoint and runs the connection's read loop
// until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Deployments front this with their own origin policy; the bin
		// units are not browsers.
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warn("gateway: upgrade failed", "err", err)
		return
	}

	token := clientToken(r)
	if !s.tokenValid(token) {
		log.Warn("gateway: rejected client with bad token",
			"token_prefix", tokenFingerprint(token),
			"remote", r.RemoteAddr,
		)
		c.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	role, err := hub.ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		log.Warn("gateway: rejected client with unknown role",
			"role", r.URL.Query().Get("role"),
			"remote", r.RemoteAddr,
		)
		c.Close(websocket.StatusUnsupportedData, "unknown role")
		return
	}

	c.SetReadLimit(s.cfg.MaxPayload)

	id := uuid.NewString()
	conn := newWSConn(c)
	ctx := r.Context()

	s.hub.Register(ctx, id, role, conn)
	defer s.hub.Unregister(context.WithoutCancel(ctx), id)
	defer conn.Close()

	s.readLoop(ctx, c, id, role)
}

// readLoop consumes inbound messages until the connection drops. Binary
// messages are audio chunks; text messages are JSON envelopes.
func (s *Server) readLoop(ctx context.Context, c *websocket.Conn, id string, role hub.Role) {
	log := observe.Logger(ctx).With("id", id, "role", role)
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				log.Info("gateway: client disconnected")
			case errors.Is(err, context.Canceled):
				log.Info("gateway: connection context cancelled")
			default:
				log.Warn("gateway: read failed", "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			s.hub.HandleAudio(ctx, role, data)

		case websocket.MessageText:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("gateway: malformed message", "err", err)
				continue
			}
			s.dispatchText(ctx, log, role, msg)
		}
	}
}

// dispatchText routes one parsed JSON envelope.
func (s *Server) dispatchText(ctx context.Context, log *slog.Logger, role hub.Role, msg clientMessage) {
	switch msg.Type {
	case "image-upload":
		frame, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			log.Warn("gateway: image payload is not valid base64", "err", err)
			return
		}
		ct := msg.ContentType
		if ct == "" {
			ct = "image/jpeg"
		}
		if err := s.hub.HandleFrame(ctx, role, frame, ct); err != nil {
			log.Warn("gateway: frame rejected", "err", err)
		}

	default:
		if err := s.hub.HandleControl(ctx, role, msg.Type); err != nil {
			log.Warn("gateway: control rejected", "type", msg.Type, "err", err)
		}
	}
}

// handleStats serves aggregate decision counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("gateway: stats query failed", "err", err)
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// clientToken extracts the presented token from the query or the
// Authorization header.
func clientToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}

// tokenValid compares the presented token in constant time.
func (s *Server) tokenValid(token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

// tokenFingerprint returns a loggable prefix of a token.
func tokenFingerprint(token string) string {
	if len(token) <= 4 {
		return token
	}
	return token[:4] + "..."
}
