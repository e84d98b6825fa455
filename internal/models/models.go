package models

import "time"

type Role string

const (
	RoleAdmin     Role = "Admin"
	RoleModerator Role = "Moderator"
	RoleUser      Role = "User"
)

// ParseRole maps free-form input onto a known role. Unknown values are rejected.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleAdmin, RoleModerator, RoleUser:
		return Role(s), true
	}
	switch s {
	case "admin":
		return RoleAdmin, true
	case "moderator":
		return RoleModerator, true
	case "user":
		return RoleUser, true
	}
	return "", false
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

type AppSetting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AdminStats struct {
	TotalUsers          int `json:"total_users"`
	Admins              int `json:"admins"`
	Moderators          int `json:"moderators"`
	MaintenanceRecords  int `json:"maintenance_records"`
	AutoDisabledRecords int `json:"auto_disabled_records"`
	GuestIdentities     int `json:"guest_identities"`
	ExhaustedGuests     int `json:"exhausted_guests"`
}

// UsageStats is attached to admitted chat requests and echoed back to the caller.
type UsageStats struct {
	IsGuest   bool `json:"isGuest"`
	Used      int  `json:"used,omitempty"`
	Max       int  `json:"max,omitempty"`
	ResetsIn  int  `json:"resetsIn,omitempty"`
	TotalUsed int  `json:"totalUsed,omitempty"`
	MaxTotal  int  `json:"maxTotal,omitempty"`
}

// GuestQuotaRecord is one entry of the guest ledger document. Timestamps are
// epoch milliseconds so existing ledger files stay readable.
type GuestQuotaRecord struct {
	Count       int               `json:"count"`
	FirstSeen   int64             `json:"firstSeen"`
	LastSeen    int64             `json:"lastSeen"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type ChatEntry struct {
	ID          string    `json:"id"`
	UserMessage string    `json:"userMessage"`
	AIResponse  string    `json:"aiResponse"`
	Timestamp   time.Time `json:"timestamp"`
}
