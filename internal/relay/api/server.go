// Package api implements the relay's management admission boundary (C8):
// an authenticated HTTP surface that registers/unregisters sessions and
// reports liveness, built on fiber the way the teacher's internal/api
// package is.
package api

import (
	"crypto/subtle"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"github.com/ewancrowle/plgboost/internal/relay/metrics"
	"github.com/ewancrowle/plgboost/internal/relay/responder"
	"github.com/ewancrowle/plgboost/internal/relay/session"
	"github.com/ewancrowle/plgboost/internal/relay/syncbus"
)

// Server is the admission HTTP server. Mirrors the teacher's
// internal/api.Server shape: an *fiber.App plus the shared state routes
// need, wired up in setupRoutes.
type Server struct {
	app       *fiber.App
	cache     *session.Cache
	mainConn  *net.UDPConn
	metrics   *metrics.Registry
	bus       *syncbus.Bus
	apiKey    string
	startTime time.Time
	port      int
}

// Config carries the constructor's dependencies.
type Config struct {
	Cache       *session.Cache
	MainConn    *net.UDPConn
	Metrics     *metrics.Registry
	Bus         *syncbus.Bus
	APIKey      string
	Port        int
	LogRequests bool
}

// New builds the admission server and registers its routes.
func New(cfg Config) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	if cfg.LogRequests {
		app.Use(logger.New())
	}

	s := &Server{
		app:       app,
		cache:     cfg.Cache,
		mainConn:  cfg.MainConn,
		metrics:   cfg.Metrics,
		bus:       cfg.Bus,
		apiKey:    cfg.APIKey,
		startTime: time.Now(),
		port:      cfg.Port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	protected := s.app.Group("", s.apiKeyMiddleware)
	protected.Post("/sessions", s.handleRegister)
	protected.Delete("/sessions/:token", s.handleUnregister)
}

// Start blocks, serving on the configured port.
func (s *Server) Start() error {
	return s.app.Listen(fmt.Sprintf(":%d", s.port))
}

// apiKeyMiddleware requires X-Api-Key to match apiKey via a constant-time
// comparison, ported from api.rs's constant_time_eq /
// crate::api::api_key_middleware onto Go's crypto/subtle equivalent.
func (s *Server) apiKeyMiddleware(c *fiber.Ctx) error {
	provided := c.Get("X-Api-Key")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid api key"})
	}
	return c.Next()
}

type registerRequest struct {
	SessionToken  uint32   `json:"session_token"`
	GameServerIPs []string `json:"game_server_ips"`
	GamePorts     []string `json:"game_ports"`
}

func (s *Server) handleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	ports := make([]uint16, 0, len(req.GamePorts))
	for _, p := range req.GamePorts {
		var port uint16
		if _, err := fmt.Sscanf(p, "%d", &port); err == nil {
			ports = append(ports, port)
		}
	}

	localPort, err := s.cache.Register(req.SessionToken, req.GameServerIPs, ports)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "max sessions reached or socket bind failed",
		})
	}

	if info, ok := s.cache.Get(req.SessionToken); ok {
		responder.Spawn(info.ForwardSocket, s.mainConn, s.cache, s.metrics)
	}

	if err := s.bus.PublishRegister(c.Context(), req.SessionToken, localPort); err != nil {
		log.Printf("api: failed to publish register event: %v", err)
	}

	return c.JSON(fiber.Map{
		"status":        "ok",
		"session_token": req.SessionToken,
		"local_port":    localPort,
	})
}

func (s *Server) handleUnregister(c *fiber.Ctx) error {
	var token uint32
	if _, err := fmt.Sscanf(c.Params("token"), "%d", &token); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid session token"})
	}

	s.cache.Unregister(token)

	if err := s.bus.PublishUnregister(c.Context(), token); err != nil {
		log.Printf("api: failed to publish unregister event: %v", err)
	}

	return c.JSON(fiber.Map{"status": "ok", "session_token": token})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":          "ok",
		"active_sessions": s.cache.ActiveCount(),
		"uptime_secs":     int(time.Since(s.startTime).Seconds()),
	})
}
