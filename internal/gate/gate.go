// Package gate decides, per request, whether maintenance mode lets the caller
// through. It owns the automatic end-of-maintenance transition and fails open
// when the maintenance store cannot answer in time.
package gate

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/marquee/marquee/backend/internal/identity"
	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/pkg/logger"
)

// ErrLookupTimeout is reported when the maintenance store does not answer
// within Config.LookupTimeout.
var ErrLookupTimeout = errors.New("maintenance lookup timed out")

// Store is the slice of the maintenance repository the gate needs.
type Store interface {
	// FindActive returns the enabled record, or nil when maintenance is off.
	FindActive(ctx context.Context) (*models.MaintenanceState, error)
	Expirer
}

// Expirer ends expired records. AutoDisable must be idempotent and report
// whether this call performed the transition.
type Expirer interface {
	AutoDisable(ctx context.Context, id string, endedAt time.Time) (bool, error)
}

// Expire auto-disables m at now. Only the caller that applies the transition
// logs it, so the gate and the background sweeper never report it twice.
func Expire(ctx context.Context, store Expirer, m *models.MaintenanceState, now time.Time, log zerolog.Logger) (bool, error) {
	applied, err := store.AutoDisable(ctx, m.ID, now)
	if err != nil {
		return false, err
	}
	if applied {
		log.Info().
			Str("maintenance_id", m.ID).
			Time("expired_at", m.ExpiresAt()).
			Msg("Maintenance expired and was disabled automatically")
	}
	return applied, nil
}

// VisitRecorder is optional; when set the gate counts blocked visits.
type VisitRecorder interface {
	RecordVisit(ctx context.Context, maintenanceID string, rc identity.RequestContext) error
}

type Action int

const (
	Proceed Action = iota
	Redirect
	Reject
)

// Outcome labels, also used as metric label values.
const (
	OutcomeBypass   = "bypass"
	OutcomeInactive = "inactive"
	OutcomeExpired  = "expired"
	OutcomeAllowed  = "allowed"
	OutcomeFailOpen = "fail_open"
	OutcomeRedirect = "redirect"
	OutcomeReject   = "reject"
)

// RejectBody is the JSON sent to API callers while maintenance is active.
type RejectBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

type Decision struct {
	Action      Action
	Outcome     string
	Location    string
	Status      int
	Body        *RejectBody
	Maintenance *models.MaintenanceState
	// Now is the gate clock reading the decision was made at.
	Now time.Time
}

// RetryAfter is the time left in the maintenance window at the decision,
// capped at limit. It is never below one second.
func (d Decision) RetryAfter(limit time.Duration) time.Duration {
	retry := limit
	if d.Maintenance != nil {
		if left := d.Maintenance.Remaining(d.Now); left > 0 && left < retry {
			retry = left
		}
	}
	return max(retry, time.Second)
}

type Config struct {
	LookupTimeout   time.Duration
	AdminPathPrefix string
	NoticePath      string
	AllowedPaths    []string
	AllowedPrefixes []string
	Clock           func() time.Time
}

// DefaultAllowedPaths are reachable by everyone during maintenance.
var DefaultAllowedPaths = []string{
	"/maintenance",
	"/login",
	"/auth/login",
	"/auth/ping",
	"/api/v1/auth/login",
	"/api/v1/auth/ping",
	"/api/v1/auth/maintenance/status",
}

// DefaultAllowedPrefixes cover workspace setup and static assets.
var DefaultAllowedPrefixes = []string{
	"/setup-workspace",
	"/public/",
	"/assets/",
	"/api/v1/setup",
}

type Gate struct {
	store    Store
	visits   VisitRecorder
	cfg      Config
	allowed  map[string]struct{}
	prefixes []string
	log      zerolog.Logger
}

func New(store Store, cfg Config) *Gate {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}
	if cfg.NoticePath == "" {
		cfg.NoticePath = "/maintenance"
	}
	if cfg.AllowedPaths == nil {
		cfg.AllowedPaths = DefaultAllowedPaths
	}
	if cfg.AllowedPrefixes == nil {
		cfg.AllowedPrefixes = DefaultAllowedPrefixes
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedPaths)+1)
	for _, p := range cfg.AllowedPaths {
		allowed[p] = struct{}{}
	}
	allowed[cfg.NoticePath] = struct{}{}

	return &Gate{
		store:    store,
		cfg:      cfg,
		allowed:  allowed,
		prefixes: cfg.AllowedPrefixes,
		log:      logger.Component("gate"),
	}
}

// WithVisitRecorder enables blocked-visit accounting.
func (g *Gate) WithVisitRecorder(v VisitRecorder) *Gate {
	g.visits = v
	return g
}

// Check evaluates one request. It never returns an error: every failure to
// consult the store resolves to Proceed.
func (g *Gate) Check(ctx context.Context, rc identity.RequestContext) Decision {
	if g.bypasses(rc) {
		return Decision{Action: Proceed, Outcome: OutcomeBypass}
	}

	m, err := g.lookup(ctx)
	if err != nil {
		g.log.Warn().Err(err).Str("path", rc.Path).Msg("Maintenance lookup failed, letting request through")
		return Decision{Action: Proceed, Outcome: OutcomeFailOpen}
	}
	if m == nil || !m.Enabled {
		return Decision{Action: Proceed, Outcome: OutcomeInactive}
	}

	now := g.cfg.Clock()
	if m.IsExpired(now) {
		g.expire(ctx, m, now)
		return Decision{Action: Proceed, Outcome: OutcomeExpired, Maintenance: m, Now: now}
	}

	if g.isAllowed(rc.Path) {
		return Decision{Action: Proceed, Outcome: OutcomeAllowed, Maintenance: m, Now: now}
	}

	g.recordVisit(m.ID, rc)

	if rc.WantsJSON() {
		return Decision{
			Action:  Reject,
			Outcome: OutcomeReject,
			Status:  http.StatusServiceUnavailable,
			Body: &RejectBody{
				Status:  "maintenance",
				Message: m.Message,
				Reason:  m.Reason,
			},
			Maintenance: m,
			Now:         now,
		}
	}
	return Decision{
		Action:      Redirect,
		Outcome:     OutcomeRedirect,
		Location:    g.cfg.NoticePath,
		Status:      http.StatusFound,
		Maintenance: m,
		Now:         now,
	}
}

func (g *Gate) bypasses(rc identity.RequestContext) bool {
	if rc.Principal.IsAdmin() {
		return true
	}
	prefix := g.cfg.AdminPathPrefix
	return prefix != "" && (rc.Path == prefix || strings.HasPrefix(rc.Path, strings.TrimSuffix(prefix, "/")+"/"))
}

func (g *Gate) isAllowed(path string) bool {
	if _, ok := g.allowed[path]; ok {
		return true
	}
	for _, p := range g.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

type lookupResult struct {
	m   *models.MaintenanceState
	err error
}

// lookup races the store query against the configured timeout. The query
// goroutine is left to finish on its own; its result is discarded.
func (g *Gate) lookup(ctx context.Context) (*models.MaintenanceState, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()

	ch := make(chan lookupResult, 1)
	go func() {
		m, err := g.store.FindActive(ctx)
		ch <- lookupResult{m: m, err: err}
	}()

	select {
	case r := <-ch:
		return r.m, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrLookupTimeout
		}
		return nil, ctx.Err()
	}
}

func (g *Gate) expire(ctx context.Context, m *models.MaintenanceState, now time.Time) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()

	if _, err := Expire(ctx, g.store, m, now, g.log); err != nil {
		g.log.Error().Err(err).Str("maintenance_id", m.ID).Msg("Failed to auto-disable expired maintenance")
	}
}

func (g *Gate) recordVisit(maintenanceID string, rc identity.RequestContext) {
	if g.visits == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.LookupTimeout)
		defer cancel()
		if err := g.visits.RecordVisit(ctx, maintenanceID, rc); err != nil {
			g.log.Debug().Err(err).Str("maintenance_id", maintenanceID).Msg("Failed to record maintenance visit")
		}
	}()
}
