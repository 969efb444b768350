package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"projectbot-core/internal/domain/entity"
)

// Answerer is the query-answering entry point.
type Answerer interface {
	GetResponse(ctx context.Context, q entity.Query) *entity.Response
}

// Admin exposes the cache and metrics maintenance operations.
type Admin interface {
	ClearContextCache(ctx context.Context, partition string) error
	ClearSearchCache(ctx context.Context) error
	SearchMetrics(ctx context.Context, date string) (entity.SearchMetrics, error)
}

type ChatHandler struct {
	answerer Answerer
	log      *zap.Logger
}

func NewChatHandler(a Answerer, log *zap.Logger) *ChatHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatHandler{answerer: a, log: log}
}

func (h *ChatHandler) HandleChat(c *fiber.Ctx) error {
	var q entity.Query
	if err := c.BodyParser(&q); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(q.Text) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "prompt is required"})
	}
	switch q.Provider {
	case "", entity.ProviderGemini, entity.ProviderOpenAI:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "provider must be gemini or openai"})
	}
	for _, t := range q.History {
		if t.Role != entity.RoleUser && t.Role != entity.RoleAssistant {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "history roles must be user or assistant"})
		}
	}
	q = q.Normalize(entity.DefaultMaxHistoryTurns)

	resp := h.answerer.GetResponse(c.UserContext(), q)

	c.Set("X-Response-Source", string(resp.Source))
	c.Set("X-Request-ID", resp.RequestID)
	return c.Status(fiber.StatusOK).JSON(resp)
}

type AdminHandler struct {
	admin Admin
	log   *zap.Logger
}

func NewAdminHandler(a Admin, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{admin: a, log: log}
}

type clearContextRequest struct {
	Partition string `json:"partition"`
}

func (h *AdminHandler) ClearContextCache(c *fiber.Ctx) error {
	var req clearContextRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
	}
	partition := strings.TrimSpace(req.Partition)
	if err := h.admin.ClearContextCache(c.UserContext(), partition); err != nil {
		h.log.Error("clearing context cache failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not clear context cache"})
	}
	scope := partition
	if scope == "" {
		scope = "all"
	}
	return c.JSON(fiber.Map{"status": "cleared", "partition": scope})
}

func (h *AdminHandler) ClearSearchCache(c *fiber.Ctx) error {
	if err := h.admin.ClearSearchCache(c.UserContext()); err != nil {
		h.log.Error("clearing search cache failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not clear search cache"})
	}
	return c.JSON(fiber.Map{"status": "cleared"})
}

func (h *AdminHandler) SearchMetrics(c *fiber.Ctx) error {
	m, err := h.admin.SearchMetrics(c.UserContext(), c.Query("date"))
	switch {
	case err == nil:
		return c.JSON(m)
	case errors.Is(err, entity.ErrInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "date must be YYYYMMDD"})
	case errors.Is(err, entity.ErrSearchDisabled):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "search is not configured"})
	default:
		h.log.Error("loading search metrics failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not load search metrics"})
	}
}
