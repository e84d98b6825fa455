package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/marquee/marquee/backend/internal/config"
	"github.com/marquee/marquee/backend/internal/identity"
	"github.com/marquee/marquee/backend/internal/models"
	"github.com/marquee/marquee/backend/internal/repository"
	"github.com/marquee/marquee/backend/pkg/logger"
	"github.com/marquee/marquee/backend/pkg/sanitize"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrMaintenanceActive  = errors.New("system is under maintenance")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidUsername    = errors.New("username must be 3-32 characters of letters, digits, dot, dash or underscore")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrSetupCompleted     = errors.New("setup has already been completed")
)

const (
	minPasswordLength = 8
	maxPasswordLength = 72 // bcrypt ignores anything longer
)

// unknownRole is what login attempt rows record for usernames that do not exist.
const unknownRole = "Unknown"

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Principal converts verified claims into the identity used by the gate and tracker.
func (c *Claims) Principal() *identity.Principal {
	return &identity.Principal{ID: c.UserID, Username: c.Username, Role: models.Role(c.Role)}
}

type AuthService struct {
	userRepo    *repository.UserRepository
	config      *config.Config
	settings    SettingsProvider
	maintenance *MaintenanceService
	dummyHash   []byte
}

func NewAuthService(userRepo *repository.UserRepository, cfg *config.Config) *AuthService {
	cost := cfg.Auth.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	// Compared against when the username is unknown so both paths cost the same.
	dummy, _ := bcrypt.GenerateFromPassword([]byte("marquee-placeholder-password"), cost)
	return &AuthService{
		userRepo:  userRepo,
		config:    cfg,
		dummyHash: dummy,
	}
}

func (s *AuthService) SetSettingsProvider(sp SettingsProvider) {
	s.settings = sp
}

func (s *AuthService) SetMaintenanceService(m *MaintenanceService) {
	s.maintenance = m
}

func (s *AuthService) bcryptCost() int {
	cost := s.config.Auth.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return bcrypt.DefaultCost
	}
	return cost
}

func canonicalizeUsername(username string) string {
	return strings.TrimSpace(username)
}

func validUsername(username string) bool {
	if len(username) < 3 || len(username) > 32 {
		return false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return ErrWeakPassword
	}
	return nil
}

// CreateUser stores a new account with a bcrypt password hash.
func (s *AuthService) CreateUser(username, email, password string, role models.Role) (*models.User, error) {
	username = canonicalizeUsername(username)
	if !validUsername(username) {
		return nil, ErrInvalidUsername
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	if _, ok := models.ParseRole(string(role)); !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	if _, err := s.userRepo.GetByUsername(username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost())
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        sanitize.SingleLine(strings.ToLower(email), 254),
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.userRepo.Create(user); err != nil {
		return nil, err
	}
	return user, nil
}

// Register creates a regular user account. It is refused while maintenance is active.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (*models.User, string, error) {
	if active := s.activeMaintenance(ctx); active != nil {
		return nil, "", ErrMaintenanceActive
	}

	user, err := s.CreateUser(username, email, password, models.RoleUser)
	if err != nil {
		return nil, "", err
	}
	token, err := s.GenerateToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login verifies credentials. While maintenance is active every attempt is
// audited, and only administrators get through.
func (s *AuthService) Login(ctx context.Context, username, password string, rc identity.RequestContext) (*models.User, string, error) {
	username = canonicalizeUsername(username)

	user, err := s.userRepo.GetByUsername(username)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, "", err
	}
	if err != nil {
		user = nil
	}

	if active := s.activeMaintenance(ctx); active != nil {
		credentialsOK := user != nil && s.passwordMatches(user, password)
		s.recordMaintenanceLogin(ctx, active, username, user, rc, credentialsOK && user.IsAdmin())

		if !user.IsAdmin() {
			logger.Audit("login_blocked_maintenance", userIDOf(user), map[string]string{
				"username":       sanitize.SingleLine(username, 64),
				"maintenance_id": active.ID,
				"ip":             identity.AuditIP(rc),
			})
			return nil, "", ErrMaintenanceActive
		}
		if !credentialsOK {
			return nil, "", ErrInvalidCredentials
		}
	} else if user == nil || !s.passwordMatches(user, password) {
		if user == nil {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		}
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.GenerateToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *AuthService) passwordMatches(user *models.User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

func (s *AuthService) activeMaintenance(ctx context.Context) *models.MaintenanceState {
	if s.maintenance == nil {
		return nil
	}
	active, err := s.maintenance.Active(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Maintenance lookup failed during authentication, continuing")
		return nil
	}
	return active
}

func (s *AuthService) recordMaintenanceLogin(
	ctx context.Context,
	active *models.MaintenanceState,
	username string,
	user *models.User,
	rc identity.RequestContext,
	success bool,
) {
	attempt := &models.MaintenanceLoginAttempt{
		MaintenanceID: active.ID,
		Username:      sanitize.SingleLine(username, 64),
		Role:          unknownRole,
		IP:            identity.AuditIP(rc),
		UserAgent:     sanitize.SingleLine(rc.UserAgent, 512),
		Success:       success,
	}
	if user != nil {
		attempt.UserID = user.ID
		attempt.Role = string(user.Role)
	}
	if err := s.maintenance.RecordLoginAttempt(ctx, attempt); err != nil {
		logger.Error().Err(err).Str("maintenance_id", active.ID).Msg("Failed to record maintenance login attempt")
	}
}

func userIDOf(u *models.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

// ResetPassword replaces a user's password hash.
func (s *AuthService) ResetPassword(username, password string) error {
	if err := validatePassword(password); err != nil {
		return err
	}
	user, err := s.userRepo.GetByUsername(canonicalizeUsername(username))
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost())
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.userRepo.UpdatePassword(user.ID, string(hash))
}

// CompleteSetup creates the first administrator. It can only run once.
func (s *AuthService) CompleteSetup(username, email, password string) (*models.User, string, error) {
	if s.settings != nil && s.settings.IsSetupCompleted() {
		return nil, "", ErrSetupCompleted
	}
	admins, err := s.userRepo.CountByRole(models.RoleAdmin)
	if err != nil {
		return nil, "", err
	}
	if admins > 0 {
		return nil, "", ErrSetupCompleted
	}

	user, err := s.CreateUser(username, email, password, models.RoleAdmin)
	if err != nil {
		return nil, "", err
	}
	if s.settings != nil {
		if err := s.settings.MarkSetupCompleted(); err != nil {
			return nil, "", err
		}
	}
	token, err := s.GenerateToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

func (s *AuthService) IsSetupCompleted() bool {
	return s.settings != nil && s.settings.IsSetupCompleted()
}

func (s *AuthService) GenerateToken(user *models.User) (string, error) {
	ttl := s.config.Auth.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now()
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.Auth.JWTSecret))
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify the signing algorithm is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %v, expected HS256", token.Method.Alg())
		}
		return []byte(s.config.Auth.JWTSecret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

func (s *AuthService) GetUserByID(userID string) (*models.User, error) {
	return s.userRepo.GetByID(userID)
}
