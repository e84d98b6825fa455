package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/marquee/marquee/backend/internal/config"
	"github.com/marquee/marquee/backend/internal/identity"
	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/pkg/logger"
	"github.com/marquee/marquee/backend/pkg/sanitize"
)

var (
	ErrAPIKeyMissing       = errors.New("chat provider API key is not configured")
	ErrEmptyMessage        = errors.New("message is required")
	ErrProviderTimeout     = errors.New("chat provider timed out")
	ErrProviderNetwork     = errors.New("chat provider unreachable")
	ErrProviderNotFound    = errors.New("chat provider endpoint not found")
	ErrProviderRateLimited = errors.New("chat provider quota exceeded")
	ErrProviderBadResponse = errors.New("invalid response from chat provider")
)

const (
	maxChatMessage     = 4000
	defaultHistorySize = 50
)

type ChatService struct {
	client  *openai.Client
	cfg     config.ChatConfig
	limiter *rate.Limiter
	history *expirable.LRU[string, []models.ChatEntry]
	mu      sync.Mutex
	clock   func() time.Time
	log     zerolog.Logger
}

func NewChatService(cfg config.ChatConfig) *ChatService {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	keys := cfg.HistoryKeys
	if keys <= 0 {
		keys = 10000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &ChatService{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		history: expirable.NewLRU[string, []models.ChatEntry](keys, nil, cfg.HistoryTTL),
		clock:   time.Now,
		log:     logger.Component("chat"),
	}
}

// Configured reports whether a provider key is present. Callers check it
// before any quota is consumed.
func (s *ChatService) Configured() bool {
	return strings.TrimSpace(s.cfg.APIKey) != ""
}

// Reply sends message to the provider and records the exchange in the
// caller's history.
func (s *ChatService) Reply(ctx context.Context, rc identity.RequestContext, message string, usage models.UsageStats) (*models.ChatEntry, error) {
	if !s.Configured() {
		return nil, ErrAPIKeyMissing
	}
	message = sanitize.Text(message, maxChatMessage)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Stop:        []string{"Human:", "Assistant:"},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(rc, usage)},
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
	})
	if err != nil {
		classified := classifyProviderError(err)
		s.log.Error().Err(err).Str("identity", identity.Derive(rc)).Msg("Chat provider request failed")
		return nil, classified
	}
	if len(resp.Choices) == 0 {
		return nil, ErrProviderBadResponse
	}

	entry := models.ChatEntry{
		ID:          uuid.New().String(),
		UserMessage: message,
		AIResponse:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Timestamp:   s.clock().UTC(),
	}
	s.appendHistory(identity.HistoryKey(rc), entry)
	return &entry, nil
}

func (s *ChatService) appendHistory(key string, entry models.ChatEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, _ := s.history.Get(key)
	next := make([]models.ChatEntry, 0, len(prev)+1)
	next = append(next, prev...)
	next = append(next, entry)
	if len(next) > s.cfg.HistorySize {
		next = next[len(next)-s.cfg.HistorySize:]
	}
	s.history.Add(key, next)
}

// History returns the caller's exchanges, oldest first.
func (s *ChatService) History(rc identity.RequestContext) []models.ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.history.Peek(identity.HistoryKey(rc))
	if !ok {
		return []models.ChatEntry{}
	}
	out := make([]models.ChatEntry, len(entries))
	copy(out, entries)
	return out
}

// ClearHistory drops the caller's history and reports whether any existed.
func (s *ChatService) ClearHistory(rc identity.RequestContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Remove(identity.HistoryKey(rc))
}

func systemPrompt(rc identity.RequestContext, usage models.UsageStats) string {
	var b strings.Builder
	b.WriteString("You are a helpful AI assistant.")
	if rc.Authenticated() && rc.Principal.Username != "" {
		fmt.Fprintf(&b, " The user's name is %s. Address them by name in your response.", rc.Principal.Username)
	}

	b.WriteString(" If the user asks how many requests they have remaining, tell them: ")
	if usage.IsGuest || !rc.Authenticated() {
		fmt.Fprintf(&b, "As a guest, you have used %d of your total %d allowed requests.",
			usage.TotalUsed, orInt(usage.MaxTotal, 5))
	} else {
		resetsIn := orInt(usage.ResetsIn, 60)
		fmt.Fprintf(&b, "You have used %d of %d requests in the current minute. Your limit will reset in %d minutes.",
			usage.Used, orInt(usage.Max, 8), int(math.Ceil(float64(resetsIn)/60)))
	}

	b.WriteString(" If the user writes in a language other than English, respond in that same language.")
	b.WriteString(" Always be helpful, concise, and friendly.")
	return b.String()
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// classifyProviderError maps transport and provider failures onto the
// sentinel errors handlers translate into responses. Unrecognised errors are
// returned as they are.
func classifyProviderError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if sentinel := statusSentinel(apiErr.HTTPStatusCode); sentinel != nil {
			return fmt.Errorf("%w: %v", sentinel, err)
		}
		if apiErr.Type == "insufficient_quota" || fmt.Sprint(apiErr.Code) == "insufficient_quota" {
			return fmt.Errorf("%w: %v", ErrProviderRateLimited, err)
		}
		return err
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if sentinel := statusSentinel(reqErr.HTTPStatusCode); sentinel != nil {
			return fmt.Errorf("%w: %v", sentinel, err)
		}
		return err
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", ErrProviderNetwork, err)
	}

	// Non-JSON error pages only surface as formatted text.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "status code: 404"):
		return fmt.Errorf("%w: %v", ErrProviderNotFound, err)
	case strings.Contains(msg, "status code: 429"):
		return fmt.Errorf("%w: %v", ErrProviderRateLimited, err)
	}
	return err
}

func statusSentinel(status int) error {
	switch status {
	case 404:
		return ErrProviderNotFound
	case 429:
		return ErrProviderRateLimited
	}
	return nil
}
