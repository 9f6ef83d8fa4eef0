package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
	"github.com/clinicflow/clinicflow/internal/platform/auth"
	"github.com/clinicflow/clinicflow/internal/platform/metrics"
)

const (
	msgMissingRegistration = "Please provide username, email, and password"
	msgMissingLogin        = "Please provide email and password"
	msgBadCredentials      = "Invalid email or password"
	msgRefreshRequired     = "Refresh token required"
	msgInvalidRefresh      = "Invalid refresh token"
	msgPatientNotFound     = "Patient not found"
)

// Session is returned by register and login.
type Session struct {
	User         *User  `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// TokenPair is returned by refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Service manages accounts and credentials. It also serves as the account
// directory the scheduling engine resolves providers and profiles through.
type Service struct {
	users      UserRepository
	tokens     *auth.TokenIssuer
	cache      ProviderCache
	logger     zerolog.Logger
	metrics    *metrics.SchedulingMetrics
	bcryptCost int
}

type Option func(*Service)

// WithProviderCache caches the public provider list.
func WithProviderCache(c ProviderCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithMetrics(m *metrics.SchedulingMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBcryptCost overrides bcrypt.DefaultCost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

func NewService(users UserRepository, tokens *auth.TokenIssuer, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		users:      users,
		tokens:     tokens,
		logger:     logger.With().Str("component", "identity").Logger(),
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func callerOf(u *User) auth.Caller {
	return auth.Caller{UserID: u.ID, Email: u.Email, Role: u.Role}
}

// issue mints a fresh pair for u. The refresh token is only ever stored as a
// SHA-256 digest.
func (s *Service) issue(u *User) (TokenPair, string, error) {
	access, _, err := s.tokens.IssueAccess(callerOf(u))
	if err != nil {
		return TokenPair{}, "", err
	}
	refresh, _, err := s.tokens.IssueRefresh(callerOf(u))
	if err != nil {
		return TokenPair{}, "", err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, digest(refresh), nil
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Session, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if username == "" || email == "" || req.Password == "" {
		return nil, apperr.Validation(msgMissingRegistration)
	}
	if !strings.Contains(email, "@") {
		return nil, apperr.Validation("invalid email address")
	}
	role := req.Role
	if role == "" {
		role = auth.RolePatient
	}
	if role != auth.RolePatient && role != auth.RoleProvider {
		return nil, apperr.Validation("role must be %s or %s", auth.RolePatient, auth.RoleProvider)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, apperr.Validation("password must be at most 72 bytes")
	}
	if err != nil {
		return nil, err
	}

	u := &User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}

	pair, refreshHash, err := s.issue(u)
	if err != nil {
		return nil, err
	}
	if err := s.users.SetRefreshTokenHash(ctx, u.ID, &refreshHash); err != nil {
		return nil, err
	}
	u.RefreshTokenHash = &refreshHash

	if role == auth.RoleProvider {
		s.invalidateProviders(ctx)
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("role", role).Msg("user registered")
	return &Session{User: u, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, apperr.Validation(msgMissingLogin)
	}
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Unauthorized(msgBadCredentials)
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, apperr.Unauthorized(msgBadCredentials)
	}

	pair, refreshHash, err := s.issue(u)
	if err != nil {
		return nil, err
	}
	if err := s.users.SetRefreshTokenHash(ctx, u.ID, &refreshHash); err != nil {
		return nil, err
	}
	u.RefreshTokenHash = &refreshHash
	return &Session{User: u, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// single use: it must match the stored digest, which is swapped for the new
// one atomically.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, apperr.Unauthorized(msgRefreshRequired)
	}
	caller, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil, apperr.Forbidden(msgInvalidRefresh)
	}
	u, err := s.users.GetByID(ctx, caller.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Forbidden(msgInvalidRefresh)
	}
	if err != nil {
		return nil, err
	}

	pair, nextHash, err := s.issue(u)
	if err != nil {
		return nil, err
	}
	swapped, err := s.users.SwapRefreshTokenHash(ctx, u.ID, digest(refreshToken), &nextHash)
	if err != nil {
		return nil, err
	}
	if !swapped {
		s.logger.Warn().Str("user_id", u.ID.String()).Msg("stale refresh token presented")
		return nil, apperr.Forbidden(msgInvalidRefresh)
	}
	return &pair, nil
}

// Logout drops the stored refresh token so it can no longer be exchanged.
func (s *Service) Logout(ctx context.Context, caller auth.Caller) error {
	err := s.users.SetRefreshTokenHash(ctx, caller.UserID, nil)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

// ListPatients lets a provider browse patient accounts.
func (s *Service) ListPatients(ctx context.Context, caller auth.Caller) ([]PublicProfile, error) {
	if err := auth.Authorize(caller, auth.RoleProvider); err != nil {
		return nil, err
	}
	users, err := s.users.ListByRole(ctx, auth.RolePatient)
	if err != nil {
		return nil, err
	}
	return profiles(users), nil
}

// GetPatient returns one patient account to a provider. Ids naming a
// non-patient account are reported as not found.
func (s *Service) GetPatient(ctx context.Context, caller auth.Caller, id uuid.UUID) (*PublicProfile, error) {
	if err := auth.Authorize(caller, auth.RoleProvider); err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.NotFound(msgPatientNotFound)
	}
	if err != nil {
		return nil, err
	}
	if u.Role != auth.RolePatient {
		return nil, apperr.NotFound(msgPatientNotFound)
	}
	p := u.Public()
	return &p, nil
}

func profiles(users []*User) []PublicProfile {
	out := make([]PublicProfile, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out
}

// -- Directory --

func (s *Service) LookupProvider(ctx context.Context, id uuid.UUID) (*PublicProfile, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Role != auth.RoleProvider {
		return nil, apperr.NotFound("provider not found")
	}
	p := u.Public()
	return &p, nil
}

func (s *Service) Profiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]PublicProfile, error) {
	users, err := s.users.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]PublicProfile, len(users))
	for _, u := range users {
		out[u.ID] = u.Public()
	}
	return out, nil
}

// ListProviders serves from the cache when one is configured. Cache
// failures are logged and fall through to the store.
func (s *Service) ListProviders(ctx context.Context) ([]PublicProfile, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("provider cache read failed")
		}
		if ok {
			s.metrics.ObserveCache(true)
			return cached, nil
		}
		s.metrics.ObserveCache(false)
	}

	users, err := s.users.ListByRole(ctx, auth.RoleProvider)
	if err != nil {
		return nil, err
	}
	providers := profiles(users)

	if s.cache != nil {
		if err := s.cache.Set(ctx, providers); err != nil {
			s.logger.Warn().Err(err).Msg("provider cache write failed")
		}
	}
	return providers, nil
}

func (s *Service) invalidateProviders(ctx context.Context) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("provider cache invalidation failed")
	}
}
