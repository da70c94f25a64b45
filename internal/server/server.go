// Package server implements the hub's HTTP surface: viewer session
// validation, device and command endpoints, live-session lifecycle, and the
// WebSocket upgrade for agents and viewers.
package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/command"
	"github.com/camfleet/camfleet/internal/config"
	"github.com/camfleet/camfleet/internal/hub"
	"github.com/camfleet/camfleet/internal/liveness"
	"github.com/camfleet/camfleet/internal/store"
)

// Server is the hub HTTP server.
type Server struct {
	cfg      *config.HubConfig
	st       *store.Store
	log      zerolog.Logger
	hub      *hub.Hub
	router   *chi.Mux
	upgrader websocket.Upgrader

	mu          sync.Mutex
	dispatchers map[string]*command.Dispatcher
}

// New creates the server and starts the hub loop. Active flags are reset at
// startup: no device can still be connected to a hub that just booted.
func New(ctx context.Context, cfg *config.HubConfig, st *store.Store, log zerolog.Logger) *Server {
	if err := st.ResetActiveFlags(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reset device active flags on startup")
	}

	h := hub.New(log, st, hub.Options{
		SweepInterval:   cfg.SweepInterval,
		StaleMultiplier: cfg.StaleMultiplier,
		StaleFloor:      cfg.StaleFloor,
	})

	s := &Server{
		cfg:         cfg,
		st:          st,
		log:         log.With().Str("component", "server").Logger(),
		hub:         h,
		dispatchers: make(map[string]*command.Dispatcher),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	s.setupRouter()

	go h.Run(ctx)
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Post("/api/sessions", s.handleCreateSession)

	// WebSocket handles both agents and viewers; auth inside.
	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Route("/api", func(r chi.Router) {
			r.Delete("/sessions", s.handleDeleteSession)

			r.Get("/devices", s.handleListDevices)
			r.Post("/devices", s.handleCreateDevice)

			r.Route("/devices/{deviceID}", func(r chi.Router) {
				r.Use(s.requireDeviceOwnership)

				r.Get("/status", s.handleDeviceStatus)
				r.Post("/commands", s.handleSendCommand)
				r.Get("/commands", s.handleCommandHistory)
				r.Post("/mode", s.handleSetMode)
				r.Post("/arm", s.handleSetArmed)
				r.Post("/live-sessions", s.handleCreateLiveSession)
			})

			r.Get("/live-sessions/{sessionID}", s.handleGetLiveSession)
			r.Delete("/live-sessions/{sessionID}", s.handleEndLiveSession)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Agents send no Origin header.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// thresholds builds the liveness thresholds from config.
func (s *Server) thresholds() liveness.Thresholds {
	return liveness.Thresholds{
		Online: s.cfg.OnlineThreshold,
		Sleep:  s.cfg.SleepThreshold,
	}
}

// dispatcherFor returns the single-outstanding dispatcher for one viewer and
// device pair, creating it on first use. Commands inserted through it are
// pushed to the device's live connection; a push failure leaves the row
// pending for the agent to pick up on reconnect.
func (s *Server) dispatcherFor(viewerID, deviceID, token string) *command.Dispatcher {
	key := viewerID + "/" + deviceID

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatchers[key]
	if !ok {
		ch := &forwardingChannel{Channel: s.st.CommandChannel(), hub: s.hub, log: s.log}
		d = command.NewDispatcher(s.log, ch, s.st, s.st, command.Options{
			Timeout:      s.cfg.CommandTimeout,
			PollInterval: s.cfg.PollInterval,
		})
		s.dispatchers[key] = d
	}
	d.Bind(deviceID, token)
	d.SetAuthFailureHook(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.st.DeleteViewerSession(ctx, token); err != nil {
			s.log.Debug().Err(err).Msg("could not revoke session")
		}
		s.log.Warn().Str("viewer", viewerID).Msg("session rejected mid-dispatch, credentials revoked")
	})
	return d
}

// forwardingChannel inserts a command row and then pushes it to the agent.
type forwardingChannel struct {
	command.Channel
	hub *hub.Hub
	log zerolog.Logger
}

func (c *forwardingChannel) Insert(ctx context.Context, cmd *command.Command) error {
	if err := c.Channel.Insert(ctx, cmd); err != nil {
		return err
	}
	if err := c.hub.ForwardCommand(cmd); err != nil {
		// Row stays pending; reconnect or the sweeper will settle it.
		c.log.Debug().Err(err).Str("device", cmd.DeviceID).Str("command", cmd.Command).Msg("command not pushed")
	}
	return nil
}

// Run starts the HTTP listener.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting hub server")
	return http.ListenAndServe(s.cfg.ListenAddr, s.router)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
