package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cloudcade/streamcore/internal/config"
	"github.com/cloudcade/streamcore/internal/events"
	"github.com/cloudcade/streamcore/internal/input"
	"github.com/cloudcade/streamcore/internal/media"
	"github.com/cloudcade/streamcore/internal/registry"
	"github.com/cloudcade/streamcore/internal/room"
	"github.com/cloudcade/streamcore/internal/rtpio"
	"github.com/cloudcade/streamcore/internal/signaling"
	"github.com/cloudcade/streamcore/internal/telemetry"
	"github.com/cloudcade/streamcore/internal/wsserver"
)

// Server bundles the HTTP/WebSocket surface and every domain service wired
// to handle it: Room, PeerRegistry, MediaSender, SignalingServer,
// InputRouter.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	bus       *events.Bus
	metrics   *telemetry.Metrics
	room      *room.Room
	registry  *registry.Registry
	sender    *media.Sender
	signaling *signaling.Server
	input     *input.Router
	ws        *wsserver.Server

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// Collaborators bundles the capture/input-sink implementations that live
// outside this module (spec.md §6); server wiring does not construct them.
type Collaborators struct {
	Capture media.Capture
	Sink    input.Sink
	// VideoFrames/AudioFrames are the encoder's output queues, consumed by
	// MediaSender.
	VideoFrames <-chan media.Frame
	AudioFrames <-chan media.Frame
}

// New constructs the server and wires every domain service together.
func New(cfg *config.Config, collab Collaborators, logger zerolog.Logger) (*Server, error) {
	metrics := telemetry.NewMetrics()
	bus := events.NewBus()

	reg, err := registry.New(registry.Config{
		VideoCodec:   cfg.VideoCodec,
		STUNURLs:     cfg.STUNURLs,
		TURNURL:      cfg.TURNURL,
		TURNUsername: cfg.TURNUsername,
		TURNPassword: cfg.TURNPassword,
	}, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("create peer registry: %w", err)
	}

	rm := room.New(cfg.MaxPlayers)

	packetizer, err := rtpio.New(cfg.VideoCodec, cfg.FramerateHint)
	if err != nil {
		return nil, fmt.Errorf("create rtp packetizer: %w", err)
	}

	ctx, bgCancel := context.WithCancel(context.Background())

	sender := media.New(reg, packetizer, collab.Capture, collab.VideoFrames, collab.AudioFrames, metrics, logger)

	sig := signaling.New(ctx, rm, reg, sender, bus, cfg.VideoCodec, logger)

	var router *input.Router
	if collab.Sink != nil {
		router = input.New(rm, collab.Sink, logger)
		sig.InputHandler = router.Dispatch
	}

	ws := wsserver.New(wsserver.Callbacks{
		OnConnect:    sig.HandleConnect,
		OnDisconnect: sig.HandleDisconnect,
		OnMessage:    sig.HandleMessage,
	}, cfg.JWTSigningKey, logger)
	sig.SetTransport(ws)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		metrics:   metrics,
		room:      rm,
		registry:  reg,
		sender:    sender,
		signaling: sig,
		input:     router,
		ws:        ws,
		bgCancel:  bgCancel,
	}

	s.configureRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.WSPort+2)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // signaling/WS connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) configureRoutes() {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.TracingMiddleware("streamcore-api"))
	router.Use(s.metrics.MetricsMiddleware)
	// WebSocket upgrades must not be cut off by the request timeout that
	// applies to ordinary API routes.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	router.Handle("/metrics", s.metrics.Handler())
	router.Handle("/signaling", s.ws)

	s.router = router
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close shuts down the WebSocket transport and releases owned resources in
// reverse order.
func (s *Server) Close() error {
	s.ws.Shutdown()
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.bgWG.Wait()

	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook run (in reverse order) from Close.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
