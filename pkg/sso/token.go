package sso

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/session"
	"github.com/reelapps/authsync/pkg/storage"
)

const (
	recordKeyPrefix = "sso:"
	usedKeyPrefix   = "sso:used:"
)

// Exchanger trades a token for the session it stands for.
type Exchanger interface {
	Exchange(ctx context.Context, token, host string) (*session.Record, error)
}

// Claims are the signed fields of an SSO token. The session itself never
// travels in the token; it is parked under sso:<jti> on the holder.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and redeems single-use SSO tokens on the holder.
type TokenService struct {
	key    []byte
	issuer string
	ttl    time.Duration
	kv     storage.KeyValueStore
	logger *observability.Logger
	now    func() time.Time
}

// TokenServiceOption configures a TokenService.
type TokenServiceOption func(*TokenService)

func WithTokenLogger(l *observability.Logger) TokenServiceOption {
	return func(s *TokenService) { s.logger = l }
}

// NewTokenService creates a token service that parks records in kv.
func NewTokenService(cfg Config, kv storage.KeyValueStore, opts ...TokenServiceOption) *TokenService {
	cfg = cfg.WithDefaults()
	s := &TokenService{
		key:    cfg.SigningKey,
		issuer: cfg.HolderHost,
		ttl:    cfg.TokenTTL,
		kv:     kv,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "sso_tokens")
	return s
}

// Mint parks rec and returns a token valid for host only.
func (s *TokenService) Mint(ctx context.Context, rec session.Record, host string) (string, error) {
	now := s.now()
	jti := uuid.NewString()
	claims := Claims{
		Email: rec.Principal.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   rec.Principal.ID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{host},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	data, err := session.Encode(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.kv.Set(ctx, recordKeyPrefix+jti, data, s.ttl); err != nil {
		return "", fmt.Errorf("failed to park session: %w", err)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Exchange verifies token for host and returns the parked session. A
// token redeems at most once.
func (s *TokenService) Exchange(ctx context.Context, token, host string) (*session.Record, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(host),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}

	first, err := s.kv.SetNX(ctx, usedKeyPrefix+claims.ID, []byte("1"), s.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to mark token used: %w", err)
	}
	if !first {
		return nil, ErrTokenUsed
	}

	key := recordKeyPrefix + claims.ID
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: session no longer parked", ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load parked session: %w", err)
	}
	// The used-jti marker already blocks a second redemption.
	if err := s.kv.Delete(ctx, key); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("jti", claims.ID).Warn("Failed to delete parked SSO session")
	}

	rec, err := session.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if rec.Principal.ID != claims.Subject {
		return nil, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	return rec, nil
}

var _ Exchanger = (*TokenService)(nil)
