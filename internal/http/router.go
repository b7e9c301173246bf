package http

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"clinicalai/internal/config"
	"clinicalai/internal/extract"
	"clinicalai/internal/llm"
	"clinicalai/internal/metrics"
)

const healthTimeout = 2 * time.Second

// Extractor is the set of operations the routes expose.
type Extractor interface {
	AutoComplete(ctx context.Context, partialText, noteContext string) (extract.Outcome[[]string], error)
	Terminology(ctx context.Context, partialTerm string) (extract.Outcome[[]string], error)
	GenerateNotes(ctx context.Context, bulletPoints, patientContext string) (extract.Outcome[string], error)
	SuggestTreatments(ctx context.Context, diagnosis, patientHistory string) (extract.Outcome[[]string], error)
	ExtractFields(ctx context.Context, freeText string) (extract.Outcome[extract.FieldExtraction], error)
	ExtractEHR(ctx context.Context, text, patientContext string) (extract.Outcome[extract.EHRFields], error)
}

// Prober checks the completion service for deep health.
type Prober interface {
	Probe(ctx context.Context) (llm.ProbeResult, error)
}

// Pinger checks a backing store for deep health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators NewServer wires into routes. Only
// Service is required.
type Dependencies struct {
	Service Extractor
	Prober  Prober
	Store   Pinger
	Redis   *redis.Client
}

type Server struct {
	app    *fiber.App
	config *config.Config
	logger zerolog.Logger
}

func NewServer(cfg *config.Config, deps Dependencies, logger zerolog.Logger) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.New("extraction service is required")
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.Server.BodyLimitBytes,
		DisableStartupMessage: true,
	})

	app.Use(requestMiddleware(logger, time.Duration(cfg.Server.RequestTimeoutSeconds)*time.Second))

	// Health endpoints
	app.Get("/healthz", healthHandler(deps))

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	var counter windowCounter
	if deps.Redis != nil {
		counter = redisCounter{rdb: deps.Redis}
	}

	h := &aiHandlers{svc: deps.Service, strict: cfg.Extraction.StrictParsing, logger: logger}
	ai := app.Group("/api/ai", rateLimitMiddleware(cfg.RateLimit.PerMinute, counter, logger))
	registerAIRoutes(ai, h)

	return &Server{
		app:    app,
		config: cfg,
		logger: logger,
	}, nil
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.logger.Info().Str("addr", addr).Msg("listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func registerAIRoutes(group fiber.Router, h *aiHandlers) {
	group.Post("/autocomplete", h.autoComplete)
	group.Post("/terminology", h.terminology)
	group.Post("/generate-notes", h.generateNotes)
	group.Post("/suggest-treatments", h.suggestTreatments)
	group.Post("/extract-clinical-data", h.extractClinicalData)
	group.Post("/parse-to-ehr", h.parseToEHR)
}

func healthHandler(deps Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(HealthResponse{Status: "ok"})
		}

		// Deep health: completion service, Redis and DB connectivity.
		ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
		defer cancel()

		resp := HealthResponse{Status: "ok", LLM: "disabled", Redis: "disabled", DB: "disabled"}

		if deps.Prober != nil {
			res, err := deps.Prober.Probe(ctx)
			if err != nil {
				resp.LLM = "error"
			} else {
				resp.LLM = "ok"
				loaded := res.ModelLoaded
				resp.ModelLoaded = &loaded
			}
		}

		if deps.Redis != nil {
			if err := deps.Redis.Ping(ctx).Err(); err != nil {
				resp.Redis = "error"
			} else {
				resp.Redis = "ok"
			}
		}

		if deps.Store != nil {
			if err := deps.Store.Ping(ctx); err != nil {
				resp.DB = "error"
			} else {
				resp.DB = "ok"
			}
		}

		if resp.LLM == "error" || resp.Redis == "error" || resp.DB == "error" ||
			(resp.ModelLoaded != nil && !*resp.ModelLoaded) {
			resp.Status = "error"
			return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
		}
		return c.JSON(resp)
	}
}
