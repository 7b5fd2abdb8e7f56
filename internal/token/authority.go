// Package token signs and verifies session credentials.
//
// Credentials are HS256 JWTs. Each room signs with its own key derived from
// the master secret, so a credential minted for one room never verifies in
// another.
package token

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/domain"
	"hearth/pkg/requestcontext"
)

const (
	defaultIssuer = "hearth"
	keyInfoPrefix = "hearth room signing key:"
	keySize       = 32
)

// Claims is the signed payload. Subject is the profile id, or
// domain.PendingSubject for a provisional credential.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// Issued is a freshly signed credential.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

type Authority struct {
	master         []byte
	issuer         string
	defaultRoom    string
	ttl            time.Duration
	provisionalTTL time.Duration

	mu   sync.RWMutex
	keys map[string][]byte
}

type Option func(*Authority)

func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		a.ttl = ttl
	}
}

func WithProvisionalTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		a.provisionalTTL = ttl
	}
}

// WithDefaultRoom names the room used when the context carries none.
func WithDefaultRoom(room string) Option {
	return func(a *Authority) {
		a.defaultRoom = room
	}
}

func WithIssuer(issuer string) Option {
	return func(a *Authority) {
		a.issuer = issuer
	}
}

func NewAuthority(secret string, opts ...Option) (*Authority, error) {
	if len(secret) < keySize {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", keySize)
	}
	a := &Authority{
		master:         []byte(secret),
		issuer:         defaultIssuer,
		defaultRoom:    "household",
		ttl:            30 * 24 * time.Hour,
		provisionalTTL: 15 * time.Minute,
		keys:           make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Authority) roomOf(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if room := requestcontext.Room(ctx); room != "" {
		return room
	}
	return a.defaultRoom
}

func (a *Authority) key(room string) ([]byte, error) {
	a.mu.RLock()
	k, ok := a.keys[room]
	a.mu.RUnlock()
	if ok {
		return k, nil
	}

	k = make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, a.master, nil, []byte(keyInfoPrefix+room)), k); err != nil {
		return nil, fmt.Errorf("derive room key: %w", err)
	}
	a.mu.Lock()
	a.keys[room] = k
	a.mu.Unlock()
	return k, nil
}

// Sign issues a credential for p. Provisional principals get the short TTL.
func (a *Authority) Sign(ctx context.Context, p domain.Principal) (Issued, error) {
	if p.SubjectID == "" {
		p.SubjectID = domain.PendingSubject
	}
	room := a.roomOf(ctx, p.Room)
	key, err := a.key(room)
	if err != nil {
		return Issued{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign token")
	}

	now := requestcontext.Now(ctx)
	ttl := a.ttl
	if p.IsProvisional() {
		ttl = a.provisionalTTL
	}
	expiresAt := now.Add(ttl)

	claims := Claims{
		Name: p.DisplayName,
		Role: p.Role.String(),
		Room: room,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.SubjectID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return Issued{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign token")
	}
	return Issued{Token: signed, ExpiresAt: expiresAt.Truncate(time.Second)}, nil
}

// Recognizes reports whether a credential claims to be one this gateway
// signed: an HS256 JWT carrying our issuer. The signature is not checked.
func (a *Authority) Recognizes(tokenString string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return false
	}
	if parsed.Method != jwt.SigningMethodHS256 {
		return false
	}
	issuer, err := parsed.Claims.GetIssuer()
	return err == nil && issuer == a.issuer
}

// Parse validates signature, issuer, expiry and room binding and returns the
// principal the credential asserts.
func (a *Authority) Parse(ctx context.Context, tokenString string) (domain.Principal, error) {
	room := a.roomOf(ctx, "")
	key, err := a.key(room)
	if err != nil {
		return domain.Principal{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify token")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return requestcontext.Now(ctx) }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return domain.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return domain.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	if claims.Room != room {
		return domain.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "token issued for another room")
	}
	role, err := domain.ParseRole(claims.Role)
	if err != nil || claims.Subject == "" {
		return domain.Principal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}

	var issuedAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	return domain.Principal{
		SubjectID:   claims.Subject,
		DisplayName: claims.Name,
		Role:        role,
		Room:        claims.Room,
		IssuedAt:    issuedAt,
	}, nil
}
