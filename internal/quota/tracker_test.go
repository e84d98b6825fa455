package quota

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marquee/marquee/backend/internal/identity"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var defaultLimits = StaticPolicy{Window: 60 * time.Second, MaxLogged: 8, MaxGuest: 5}

func guestRequest() identity.RequestContext {
	return identity.RequestContext{
		ForwardedFor: "203.0.113.7, 10.0.0.1",
		UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		Path:         "/api/v1/chat",
	}
}

func userRequest(id string) identity.RequestContext {
	rc := guestRequest()
	rc.Principal = &identity.Principal{ID: id, Username: "critic"}
	return rc
}

func newTestTracker(t *testing.T, ledgerPath string, clock *manualClock) (*Tracker, *FileLedger) {
	t.Helper()
	l, err := OpenFileLedger(ledgerPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return NewTracker(NewMemoryWindowStore(time.Minute), l, defaultLimits, Config{Clock: clock.Now}), l
}

func TestTracker_GuestLifetimeCap(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr, _ := newTestTracker(t, filepath.Join(t.TempDir(), "guest-requests.json"), clock)

	for i := 1; i <= 5; i++ {
		out := tr.Admit(context.Background(), guestRequest())
		require.True(t, out.Allowed, "request %d", i)
		assert.True(t, out.Usage.IsGuest)
		assert.Equal(t, i, out.Usage.TotalUsed)
		assert.Equal(t, 5, out.Usage.MaxTotal)
		clock.Advance(2 * time.Hour)
	}

	out := tr.Admit(context.Background(), guestRequest())
	require.False(t, out.Allowed)
	assert.Equal(t, http.StatusTooManyRequests, out.Status)
	body, ok := out.Body.(GuestRejectBody)
	require.True(t, ok)
	assert.Equal(t, TypeGuestQuotaExceeded, body.Type)
	assert.True(t, body.IsGuest)
	assert.Equal(t, 5, body.TotalUsed)
	assert.Equal(t, 5, body.MaxTotal)
}

func TestTracker_GuestCountSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guest-requests.json")
	clock := &manualClock{now: time.Now()}

	first, firstLedger := newTestTracker(t, path, clock)
	for i := 0; i < 3; i++ {
		require.True(t, first.Admit(context.Background(), guestRequest()).Allowed)
	}
	require.NoError(t, firstLedger.Close())

	second, _ := newTestTracker(t, path, clock)
	for i := 4; i <= 5; i++ {
		out := second.Admit(context.Background(), guestRequest())
		require.True(t, out.Allowed)
		assert.Equal(t, i, out.Usage.TotalUsed)
	}
	assert.False(t, second.Admit(context.Background(), guestRequest()).Allowed)
}

func TestTracker_GuestIdentityDependsOnUserAgent(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	tr, _ := newTestTracker(t, filepath.Join(t.TempDir(), "guest-requests.json"), clock)

	for i := 0; i < 5; i++ {
		require.True(t, tr.Admit(context.Background(), guestRequest()).Allowed)
	}

	other := guestRequest()
	other.UserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"
	out := tr.Admit(context.Background(), other)
	assert.True(t, out.Allowed)
	assert.Equal(t, 1, out.Usage.TotalUsed)
}

func TestTracker_AuthenticatedWindow(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr, _ := newTestTracker(t, filepath.Join(t.TempDir(), "guest-requests.json"), clock)

	for i := 1; i <= 8; i++ {
		out := tr.Admit(context.Background(), userRequest("42"))
		require.True(t, out.Allowed, "request %d", i)
		assert.False(t, out.Usage.IsGuest)
		assert.Equal(t, i, out.Usage.Used)
		assert.Equal(t, 8, out.Usage.Max)
		clock.Advance(3 * time.Second)
	}

	out := tr.Admit(context.Background(), userRequest("42"))
	require.False(t, out.Allowed)
	assert.Equal(t, http.StatusTooManyRequests, out.Status)
	assert.Greater(t, out.RetryAfter, 0)
	assert.LessOrEqual(t, out.RetryAfter, 60)

	body, ok := out.Body.(UserRejectBody)
	require.True(t, ok)
	assert.Equal(t, TypeQuotaExceeded, body.Type)
	assert.Equal(t, 8, body.Used)
	assert.Equal(t, 36, body.RetryAfter)
	assert.Equal(t, body.RetryAfter, body.ResetsIn)

	clock.Advance(61 * time.Second)
	out = tr.Admit(context.Background(), userRequest("42"))
	require.True(t, out.Allowed)
	assert.Equal(t, 1, out.Usage.Used)
}

func TestTracker_LoginStartsFreshBucket(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	tr, _ := newTestTracker(t, filepath.Join(t.TempDir(), "guest-requests.json"), clock)

	for i := 0; i < 5; i++ {
		require.True(t, tr.Admit(context.Background(), guestRequest()).Allowed)
	}
	require.False(t, tr.Admit(context.Background(), guestRequest()).Allowed)

	out := tr.Admit(context.Background(), userRequest("7"))
	assert.True(t, out.Allowed)
	assert.Equal(t, "user:7", out.Identity)
}

type failingWindows struct{}

var errStoreOffline = errors.New("store offline")

func (failingWindows) Take(context.Context, string, time.Duration, int, time.Time) (Window, bool, error) {
	return Window{}, false, errStoreOffline
}

func (failingWindows) Peek(context.Context, string, time.Time) (Window, bool, error) {
	return Window{}, false, errStoreOffline
}

func (failingWindows) Reset(context.Context, string) error { return errStoreOffline }

func (failingWindows) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, errStoreOffline
}

func TestTracker_WindowStoreFailureAdmits(t *testing.T) {
	l, err := OpenFileLedger(filepath.Join(t.TempDir(), "guest-requests.json"))
	require.NoError(t, err)
	defer l.Close()

	tr := NewTracker(failingWindows{}, l, defaultLimits, Config{})
	out := tr.Admit(context.Background(), userRequest("1"))
	assert.True(t, out.Allowed)
}

func TestTracker_UsageDoesNotCount(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr, _ := newTestTracker(t, filepath.Join(t.TempDir(), "guest-requests.json"), clock)

	u, err := tr.Usage(context.Background(), userRequest("9"))
	require.NoError(t, err)
	assert.Equal(t, 0, u.Used)
	assert.Equal(t, 60, u.ResetsIn)

	tr.Admit(context.Background(), userRequest("9"))
	tr.Admit(context.Background(), guestRequest())

	u, err = tr.Usage(context.Background(), userRequest("9"))
	require.NoError(t, err)
	assert.Equal(t, 1, u.Used)

	g, err := tr.Usage(context.Background(), guestRequest())
	require.NoError(t, err)
	assert.True(t, g.IsGuest)
	assert.Equal(t, 1, g.TotalUsed)

	g, err = tr.Usage(context.Background(), guestRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, g.TotalUsed)
}

func TestTracker_GuestAdmitPrunesStaleIdentities(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr, l := newTestTracker(t, filepath.Join(t.TempDir(), "guest-requests.json"), clock)

	stale := guestRequest()
	require.True(t, tr.Admit(context.Background(), stale).Allowed)
	staleKey := identity.Derive(stale)
	require.Contains(t, l.Snapshot(), staleKey)

	clock.Advance(31 * 24 * time.Hour)

	fresh := guestRequest()
	fresh.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)"
	out := tr.Admit(context.Background(), fresh)
	require.True(t, out.Allowed)
	assert.Equal(t, 1, out.Usage.TotalUsed)

	snapshot := l.Snapshot()
	assert.NotContains(t, snapshot, staleKey)
	assert.Contains(t, snapshot, identity.Derive(fresh))
	assert.Len(t, snapshot, 1)

	// The pruned identity starts over with a full allowance.
	again := tr.Admit(context.Background(), stale)
	require.True(t, again.Allowed)
	assert.Equal(t, 1, again.Usage.TotalUsed)
}
