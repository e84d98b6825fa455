package handler

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/marquee/marquee/backend/internal/identity"
	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/internal/quota"
	"github.com/marquee/marquee/backend/internal/service"
	"github.com/marquee/marquee/backend/pkg/logger"
	"github.com/marquee/marquee/backend/pkg/response"
)

// providerRetryAfter is how long callers are told to back off when the
// upstream provider itself is out of quota.
const providerRetryAfter = 300

type ChatHandler struct {
	chatSvc *service.ChatService
	tracker *quota.Tracker
}

func NewChatHandler(chatSvc *service.ChatService, tracker *quota.Tracker) *ChatHandler {
	return &ChatHandler{chatSvc: chatSvc, tracker: tracker}
}

type ChatRequest struct {
	Message string `json:"message"`
}

type ChatResponse struct {
	Message    string            `json:"message"`
	UsageStats models.UsageStats `json:"usageStats"`
	HistoryID  string            `json:"historyId"`
}

// ChatErrorResponse keeps the {error,type} shape chat clients switch on.
type ChatErrorResponse struct {
	Error      string `json:"error"`
	Type       string `json:"type,omitempty"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// Send handles POST /chat. The quota middleware has already admitted the request.
func (h *ChatHandler) Send(c *fiber.Ctx) error {
	var req ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return response.Raw(c, fiber.StatusBadRequest, ChatErrorResponse{Error: "Message is required"})
	}
	if strings.TrimSpace(req.Message) == "" {
		return response.Raw(c, fiber.StatusBadRequest, ChatErrorResponse{Error: "Message is required"})
	}

	rc := identity.FromFiber(c)
	usage := usageFromLocals(c)

	start := time.Now()
	entry, err := h.chatSvc.Reply(c.UserContext(), rc, req.Message, usage)
	if err != nil {
		return h.replyError(c, rc, err, time.Since(start))
	}
	RecordChatReply("ok", time.Since(start))

	return response.Raw(c, fiber.StatusOK, ChatResponse{
		Message:    entry.AIResponse,
		UsageStats: usage,
		HistoryID:  entry.ID,
	})
}

func (h *ChatHandler) replyError(c *fiber.Ctx, rc identity.RequestContext, err error, took time.Duration) error {
	var (
		status = fiber.StatusInternalServerError
		body   = ChatErrorResponse{
			Error:   "Failed to get response from AI",
			Type:    "unknown_error",
			Details: err.Error(),
		}
	)

	switch {
	case errors.Is(err, service.ErrEmptyMessage):
		return response.Raw(c, fiber.StatusBadRequest, ChatErrorResponse{Error: "Message is required"})
	case errors.Is(err, service.ErrAPIKeyMissing):
		status = fiber.StatusInternalServerError
		body = ChatErrorResponse{Error: "Cohere API key is not configured", Type: "configuration_error"}
	case errors.Is(err, service.ErrProviderTimeout):
		status = fiber.StatusServiceUnavailable
		body = ChatErrorResponse{
			Error: "The AI service is taking too long to respond. Please try again.",
			Type:  "timeout_error",
		}
	case errors.Is(err, service.ErrProviderNotFound):
		status = fiber.StatusServiceUnavailable
		body = ChatErrorResponse{
			Error: "AI service configuration error. Please contact support.",
			Type:  "api_configuration_error",
		}
	case errors.Is(err, service.ErrProviderRateLimited):
		status = fiber.StatusTooManyRequests
		body = ChatErrorResponse{
			Error:      "AI service is temporarily unavailable. Our team has been notified and is working to resolve this issue.",
			Type:       quota.TypeQuotaExceeded,
			RetryAfter: providerRetryAfter,
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(providerRetryAfter))
	case errors.Is(err, service.ErrProviderNetwork):
		status = fiber.StatusServiceUnavailable
		body = ChatErrorResponse{
			Error: "Unable to connect to the AI service. Please check your internet connection and try again.",
			Type:  "network_error",
		}
	}

	RecordChatReply(body.Type, took)
	logger.Error().
		Err(err).
		Str("identity", identity.Derive(rc)).
		Str("type", body.Type).
		Msg("Chat reply failed")
	return response.Raw(c, status, body)
}

// History handles GET /chat/history.
func (h *ChatHandler) History(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"history": h.chatSvc.History(identity.FromFiber(c)),
	})
}

// ClearHistory handles DELETE /chat/history.
func (h *ChatHandler) ClearHistory(c *fiber.Ctx) error {
	h.chatSvc.ClearHistory(identity.FromFiber(c))
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Chat history deleted successfully",
	})
}

// Usage handles GET /chat/usage without counting a request.
func (h *ChatHandler) Usage(c *fiber.Ctx) error {
	usage, err := h.tracker.Usage(c.UserContext(), identity.FromFiber(c))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read chat usage")
		return response.InternalError(c, "failed to read usage")
	}
	return c.JSON(fiber.Map{"usageStats": usage})
}
