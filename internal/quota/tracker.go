// Package quota guards the chat endpoint: authenticated callers get a fixed
// rate window, guests get a lifetime allowance recorded in a durable ledger.
package quota

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/marquee/marquee/backend/internal/identity"
	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/pkg/logger"
)

const (
	PolicyUser  = "user"
	PolicyGuest = "guest"

	TypeQuotaExceeded      = "quota_exceeded"
	TypeGuestQuotaExceeded = "guest_quota_exceeded"
)

// Limits is the quota policy in force for one decision.
type Limits struct {
	Window    time.Duration
	MaxLogged int
	MaxGuest  int
}

// Policy supplies the current limits. Admin settings can change them at runtime.
type Policy interface {
	Limits(ctx context.Context) Limits
}

// StaticPolicy always returns the same limits.
type StaticPolicy Limits

func (p StaticPolicy) Limits(context.Context) Limits { return Limits(p) }

// UserRejectBody is sent when an authenticated caller exhausts the window.
type UserRejectBody struct {
	Error      string `json:"error"`
	Type       string `json:"type"`
	IsGuest    bool   `json:"isGuest"`
	Used       int    `json:"used"`
	Max        int    `json:"max"`
	RetryAfter int    `json:"retryAfter"`
	ResetsIn   int    `json:"resetsIn"`
}

// GuestRejectBody is sent when a guest has used the lifetime allowance.
type GuestRejectBody struct {
	Error     string `json:"error"`
	Type      string `json:"type"`
	IsGuest   bool   `json:"isGuest"`
	TotalUsed int    `json:"totalUsed"`
	MaxTotal  int    `json:"maxTotal"`
}

type Outcome struct {
	Allowed    bool
	Policy     string
	Identity   string
	Usage      models.UsageStats
	Status     int
	RetryAfter int
	Body       any
}

type Config struct {
	Retention time.Duration
	Clock     func() time.Time
}

type Tracker struct {
	windows WindowStore
	ledger  Ledger
	policy  Policy
	cfg     Config
	log     zerolog.Logger
}

func NewTracker(windows WindowStore, ledger Ledger, policy Policy, cfg Config) *Tracker {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Tracker{
		windows: windows,
		ledger:  ledger,
		policy:  policy,
		cfg:     cfg,
		log:     logger.Component("quota"),
	}
}

func (t *Tracker) Ledger() Ledger { return t.ledger }

func (t *Tracker) Policy() Policy { return t.policy }

// Admit counts one chat request for the caller and decides whether it may run.
// Storage errors on the rate window fail open; ledger persistence errors are
// logged and the in-memory decision stands.
func (t *Tracker) Admit(ctx context.Context, rc identity.RequestContext) Outcome {
	key := identity.Derive(rc)
	limits := t.policy.Limits(ctx)
	now := t.cfg.Clock()

	if rc.Authenticated() {
		return t.admitUser(ctx, key, limits, now)
	}
	return t.admitGuest(ctx, key, rc, limits, now)
}

func (t *Tracker) admitUser(ctx context.Context, key string, limits Limits, now time.Time) Outcome {
	w, allowed, err := t.windows.Take(ctx, key, limits.Window, limits.MaxLogged, now)
	if err != nil {
		t.log.Warn().Err(err).Str("identity", key).Msg("Rate window unavailable, admitting request")
		return Outcome{
			Allowed:  true,
			Policy:   PolicyUser,
			Identity: key,
			Usage:    models.UsageStats{Max: limits.MaxLogged},
		}
	}

	left := w.SecondsLeft(now)
	if !allowed {
		retryAfter := max(left, 1)
		return Outcome{
			Policy:     PolicyUser,
			Identity:   key,
			Status:     http.StatusTooManyRequests,
			RetryAfter: retryAfter,
			Body: UserRejectBody{
				Error: fmt.Sprintf(
					"You have reached the limit of %d requests per minute. Please wait %d seconds before trying again.",
					limits.MaxLogged, retryAfter,
				),
				Type:       TypeQuotaExceeded,
				IsGuest:    false,
				Used:       w.Count,
				Max:        limits.MaxLogged,
				RetryAfter: retryAfter,
				ResetsIn:   retryAfter,
			},
		}
	}

	return Outcome{
		Allowed:  true,
		Policy:   PolicyUser,
		Identity: key,
		Usage: models.UsageStats{
			Used:     w.Count,
			Max:      limits.MaxLogged,
			ResetsIn: left,
		},
	}
}

func (t *Tracker) admitGuest(ctx context.Context, key string, rc identity.RequestContext, limits Limits, now time.Time) Outcome {
	t.ledger.Prune(now, t.cfg.Retention)

	rec, admitted, err := t.ledger.Admit(key, limits.MaxGuest, now, guestMeta(rc))
	if err != nil {
		t.log.Error().Err(err).Str("identity", key).Msg("Guest ledger not persisted")
	}

	if !admitted {
		return Outcome{
			Policy:   PolicyGuest,
			Identity: key,
			Status:   http.StatusTooManyRequests,
			Body: GuestRejectBody{
				Error: fmt.Sprintf(
					"You have reached the limit of %d requests for guest users. Please login or register to continue using the AI chat.",
					limits.MaxGuest,
				),
				Type:      TypeGuestQuotaExceeded,
				IsGuest:   true,
				TotalUsed: rec.Count,
				MaxTotal:  limits.MaxGuest,
			},
		}
	}

	// Guests share the rate window bookkeeping but are only ever capped by the ledger.
	if _, _, err := t.windows.Take(ctx, key, limits.Window, 0, now); err != nil {
		t.log.Debug().Err(err).Str("identity", key).Msg("Failed to track guest rate window")
	}

	return Outcome{
		Allowed:  true,
		Policy:   PolicyGuest,
		Identity: key,
		Usage: models.UsageStats{
			IsGuest:   true,
			TotalUsed: rec.Count,
			MaxTotal:  limits.MaxGuest,
		},
	}
}

// Usage reports the caller's standing without counting a request.
func (t *Tracker) Usage(ctx context.Context, rc identity.RequestContext) (models.UsageStats, error) {
	key := identity.Derive(rc)
	limits := t.policy.Limits(ctx)
	now := t.cfg.Clock()

	if !rc.Authenticated() {
		rec, _ := t.ledger.Get(key)
		return models.UsageStats{IsGuest: true, TotalUsed: rec.Count, MaxTotal: limits.MaxGuest}, nil
	}

	w, ok, err := t.windows.Peek(ctx, key, now)
	if err != nil {
		return models.UsageStats{}, fmt.Errorf("failed to read rate window: %w", err)
	}
	if !ok {
		return models.UsageStats{Max: limits.MaxLogged, ResetsIn: int(limits.Window / time.Second)}, nil
	}
	return models.UsageStats{Used: w.Count, Max: limits.MaxLogged, ResetsIn: w.SecondsLeft(now)}, nil
}

func guestMeta(rc identity.RequestContext) Meta {
	return Meta{
		Fingerprint: orDefault(rc.UserAgent, "unknown"),
		Headers: map[string]string{
			"x-forwarded-for": orDefault(rc.ForwardedFor, "none"),
			"x-real-ip":       orDefault(rc.RealIP, "none"),
			"user-agent":      orDefault(rc.UserAgent, "none"),
		},
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
