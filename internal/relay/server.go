// Package relay is the reference sync service: it persists messages,
// acknowledges sends, fans events out to every connection of both
// participants and relays call signaling.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"lectern/internal/config"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/protocol"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options holds what the relay server is built from.
type Options struct {
	Config *config.RelayConfig
	DB     *gorm.DB
	// Redis is optional; without it the relay runs as a single instance.
	Redis    *redis.Client
	Registry prometheus.Registerer
	Logger   *slog.Logger
}

// Server is the relay HTTP and websocket server.
type Server struct {
	cfg     *config.RelayConfig
	db      *gorm.DB
	redis   *redis.Client
	app     *fiber.App
	store   *Store
	hub     *Hub
	service *Service
	uploads *Uploads
	log     *slog.Logger

	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
}

// NewServer wires the relay and registers its routes.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := observability.NewRelayMetrics(reg)

	if opts.Redis != nil {
		opts.Redis.AddHook(redisMetricsHook{metrics: metrics})
	}
	store := NewStore(opts.DB)
	hub := NewHub(NewNotifier(opts.Redis, metrics, log), metrics, log)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:         opts.Config,
		db:          opts.DB,
		redis:       opts.Redis,
		store:       store,
		hub:         hub,
		service:     NewService(store, hub, NewCallRegistry(opts.Redis), metrics, log),
		uploads:     NewUploads(opts.Config.UploadDir, opts.Config.PublicBaseURL, opts.Config.MaxUploadSizeMB, log),
		log:         log,
		shutdownCtx: ctx,
		shutdownFn:  cancel,
	}

	s.app = fiber.New(fiber.Config{
		AppName:      "lectern relay",
		BodyLimit:    (opts.Config.MaxUploadSizeMB + 1) * 1024 * 1024,
		ErrorHandler: s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	if opts.Config.MetricsEnabled {
		prom := fiberprometheus.NewWithRegistry(reg, "lectern-relay", "lectern", "http", nil)
		s.app.Use(prom.Middleware)
		prom.RegisterAt(s.app, "/metrics")
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	auth := AuthRequired(s.cfg.JWTSecret)

	s.app.Get("/healthz", s.health)
	s.app.Static("/uploads", s.cfg.UploadDir)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", auth, websocket.New(s.handleSocket))

	api := s.app.Group("/api", auth)
	api.Get("/conversations", s.listConversations)
	api.Post("/conversations", s.getOrCreateConversation)
	api.Get("/conversations/:id/messages", s.listMessages)
	api.Post("/conversations/:id/read", s.markRead)
	api.Delete("/conversations/:id", s.wipeConversation)
	api.Post("/uploads", RateLimit(s.redis, s.cfg.Env, "uploads", s.cfg.UploadRateLimit, time.Minute, s.log), s.upload)
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start wires Redis fan-out and listens until the app is shut down.
func (s *Server) Start() error {
	if err := s.hub.StartWiring(s.shutdownCtx); err != nil {
		return err
	}
	s.log.Info("relay starting", slog.String("port", s.cfg.Port))
	return s.app.Listen(":" + s.cfg.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownFn()

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		s.log.Error("error shutting down HTTP server", slog.String("error", err.Error()))
	}
	if err := s.hub.Shutdown(ctx); err != nil {
		s.log.Error("error shutting down hub", slog.String("error", err.Error()))
	}
	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			s.log.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}
	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			s.log.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}
	s.log.Info("relay shutdown complete")
	return nil
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		status := fiber.StatusInternalServerError
		switch appErr.Code {
		case models.CodeNotFound:
			status = fiber.StatusNotFound
		case models.CodeValidation:
			status = fiber.StatusBadRequest
		}
		if status != fiber.StatusInternalServerError {
			return c.Status(status).JSON(models.ErrorResponse{Error: appErr.Message, Code: appErr.Code})
		}
	}
	s.log.ErrorContext(c.UserContext(), "request failed",
		slog.String("method", c.Method()),
		slog.String("path", c.Path()),
		slog.String("error", err.Error()),
	)
	return c.Status(fiber.StatusInternalServerError).JSON(models.ErrorResponse{Error: "internal server error"})
}

func (s *Server) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err == nil && s.redis != nil {
		err = s.redis.Ping(ctx).Err()
	}
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleSocket(conn *websocket.Conn) {
	p, _ := conn.Locals(localParticipant).(models.Participant)
	ctx := s.shutdownCtx

	if err := s.store.EnsureParticipant(ctx, p); err != nil {
		s.log.Error("register participant", slog.String("participant_id", p.ID), slog.String("error", err.Error()))
	}
	client, err := s.hub.Register(p, conn)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeTryAgainLater, err.Error()))
		return
	}

	// The channel lives no longer than the credential it was opened with.
	if exp, ok := conn.Locals(localExpiresAt).(time.Time); ok {
		timer := time.AfterFunc(time.Until(exp), func() {
			client.CloseWith(protocol.CloseCredentialRejected, "credential expired")
		})
		defer timer.Stop()
	}

	go client.WritePump()
	client.ReadPump(func(c *Client, data []byte) {
		s.service.Handle(ctx, c, data)
	})
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	convs, err := s.store.ListConversations(c.UserContext(), participantFrom(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(convs)
}

type createConversationRequest struct {
	TargetID   string                 `json:"target_id"`
	TargetType models.ParticipantType `json:"target_type"`
}

func (s *Server) getOrCreateConversation(c *fiber.Ctx) error {
	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return models.NewValidationError("invalid request body")
	}
	viewer := participantFrom(c)
	if err := s.store.EnsureParticipant(c.UserContext(), viewer); err != nil {
		return err
	}
	conv, err := s.store.GetOrCreateConversation(c.UserContext(), viewer.ID, models.Ref{ID: req.TargetID, Type: req.TargetType})
	if err != nil {
		return err
	}
	return c.JSON(conv)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return models.NewValidationError("before must be an RFC 3339 timestamp")
		}
		before = t
	}
	msgs, err := s.store.Messages(c.UserContext(), c.Params("id"), participantFrom(c).ID, before, c.QueryInt("limit", defaultPageSize))
	if err != nil {
		return err
	}
	return c.JSON(msgs)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	n, err := s.service.MarkRead(c.UserContext(), participantFrom(c).ID, c.Params("id"), nil)
	if err != nil {
		return err
	}
	return c.JSON(markReadResult{Updated: n})
}

func (s *Server) wipeConversation(c *fiber.Ctx) error {
	if err := s.store.WipeConversation(c.UserContext(), c.Params("id"), participantFrom(c).ID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) upload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return models.NewValidationError("multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, s.uploads.maxBytes+1))
	if err != nil {
		return err
	}
	res, err := s.uploads.Save(fh.Filename, content)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(res)
}
