// Package identity turns raw request metadata into the caller identity keys
// used by the maintenance gate and the chat quota tracker.
package identity

import (
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/marquee/marquee/backend/internal/models"
)

const unknownUserAgent = "unknown"

// Principal is the authenticated caller, when there is one.
type Principal struct {
	ID       string
	Username string
	Role     models.Role
}

func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == models.RoleAdmin
}

// RequestContext is assembled once per request at the HTTP boundary. Every
// field is a plain copy so the value can outlive the framework's buffers.
type RequestContext struct {
	Principal      *Principal
	ForwardedFor   string
	RealIP         string
	RemoteAddr     string
	UserAgent      string
	Accept         string
	XRequestedWith string
	Method         string
	Path           string
	Referrer       string
}

func (rc RequestContext) Authenticated() bool {
	return rc.Principal != nil && rc.Principal.ID != ""
}

// WantsJSON reports whether the caller negotiated a machine-readable response.
func (rc RequestContext) WantsJSON() bool {
	if strings.EqualFold(rc.XRequestedWith, "XMLHttpRequest") {
		return true
	}
	return strings.Contains(strings.ToLower(rc.Accept), "json")
}

// Derive returns the quota identity key: "user:<id>" for authenticated
// callers, "guest:<ip>:<device>:<hash6>" otherwise. It is pure.
func Derive(rc RequestContext) string {
	if rc.Authenticated() {
		return "user:" + rc.Principal.ID
	}
	ua := userAgentOrUnknown(rc.UserAgent)
	return "guest:" + ClientIP(rc) + ":" + DeviceClass(ua) + ":" + ShortHash(ua)
}

// HistoryKey scopes chat history. Guests are keyed by address and the full
// user-agent hash so two devices behind one NAT never share a transcript.
func HistoryKey(rc RequestContext) string {
	if rc.Authenticated() {
		return "chat:user:" + rc.Principal.ID
	}
	ua := userAgentOrUnknown(rc.UserAgent)
	return "chat:guest:" + ClientIP(rc) + ":" + strconv.FormatInt(int64(UAHash(ua)), 10)
}

// ClientIP picks the left-most forwarded address, then X-Real-IP, then the
// socket address. IPv4-mapped IPv6 notation is unwrapped.
func ClientIP(rc RequestContext) string {
	ip := ""
	if rc.ForwardedFor != "" {
		ip = strings.TrimSpace(strings.Split(rc.ForwardedFor, ",")[0])
	}
	if ip == "" {
		ip = strings.TrimSpace(rc.RealIP)
	}
	if ip == "" {
		ip = strings.TrimSpace(rc.RemoteAddr)
	}
	if ip == "" {
		return "0.0.0.0"
	}
	if i := strings.Index(strings.ToLower(ip), "::ffff:"); i >= 0 {
		ip = ip[i+len("::ffff:"):]
	}
	return ip
}

// AuditIP is ClientIP with the IPv6 loopback spelled as IPv4, for stored audit rows.
func AuditIP(rc RequestContext) string {
	ip := ClientIP(rc)
	if ip == "::1" {
		return "127.0.0.1"
	}
	return ip
}

// DeviceClass maps a user agent onto a coarse device bucket. Order matters:
// Android phones often also mention Linux, Windows Phone mentions Android.
func DeviceClass(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "android"):
		return "android"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"), strings.Contains(lower, "ipod"):
		return "ios"
	case strings.Contains(lower, "windows phone"):
		return "windows_phone"
	case strings.Contains(lower, "windows nt"):
		return "windows"
	case strings.Contains(lower, "macintosh"):
		return "mac"
	case strings.Contains(lower, "linux"):
		return "linux"
	default:
		return "unknown"
	}
}

// UAHash is the 31-multiplier string hash over UTF-16 code units with 32-bit
// wraparound. Keys already persisted in the guest ledger depend on it, so the
// arithmetic must not change.
func UAHash(s string) int32 {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(u)
	}
	return h
}

// ShortHash is the last six decimal digits of |UAHash(s)|.
func ShortHash(s string) string {
	v := int64(UAHash(s))
	if v < 0 {
		v = -v
	}
	digits := strconv.FormatInt(v, 10)
	if len(digits) > 6 {
		digits = digits[len(digits)-6:]
	}
	return digits
}

func userAgentOrUnknown(ua string) string {
	if ua == "" {
		return unknownUserAgent
	}
	return ua
}
