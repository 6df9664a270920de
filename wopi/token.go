package wopi

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
)

// Permission is the access level a token grants on a document.
type Permission string

const (
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

func ParsePermission(v string) (Permission, error) {
	switch Permission(v) {
	case PermissionView, PermissionEdit:
		return Permission(v), nil
	}

	return "", fmt.Errorf("unknown permission %q", v)
}

func (p Permission) CanWrite() bool {
	return p == PermissionEdit
}

// tokenKindFile discriminates document access tokens from other tokens
// signed with the same key. A general auth token must never pass as a
// file access token, or the file scoping would be meaningless.
const tokenKindFile = "wopi-file"

// AccessClaims is the payload of a document access token. A token is
// valid for exactly one document at one permission level.
type AccessClaims struct {
	jwt.RegisteredClaims

	Kind       string     `json:"kind"`
	File       string     `json:"file"`
	Permission Permission `json:"perm"`
	Name       string     `json:"sub_name"`
}

// TokenService issues and validates document access tokens. Tokens are
// self-contained, validity is determined by signature and expiry alone,
// there is no revocation mechanism.
type TokenService struct {
	key    *ecdsa.PrivateKey
	issuer string
	ttl    time.Duration

	cache *ttlcache.Cache[string, AccessClaims]
}

const DefaultTokenTTL = time.Hour

func NewTokenService(
	key *ecdsa.PrivateKey, issuer string, ttl time.Duration,
) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	return &TokenService{
		key:    key,
		issuer: issuer,
		ttl:    ttl,
		cache:  ttlcache.New[string, AccessClaims](),
	}
}

// PublicKey returns the verification key for the tokens the service
// issues.
func (ts *TokenService) PublicKey() *ecdsa.PublicKey {
	return &ts.key.PublicKey
}

// Issue creates a signed access token binding the (document, user,
// permission) triple for the configured TTL.
func (ts *TokenService) Issue(
	fileID string, userID string, userName string, permission Permission,
) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(ts.ttl)

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    ts.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Kind:       tokenKindFile,
		File:       fileID,
		Permission: permission,
		Name:       userName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES384, claims)

	ss, err := token.SignedString(ts.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return ss, expires, nil
}

// Validate checks signature, expiry and token kind. All failure modes
// are equivalent to the caller, so the error carries no detail about
// which check failed.
func (ts *TokenService) Validate(token string) (*AccessClaims, error) {
	item := ts.cache.Get(token)
	if item != nil && !item.IsExpired() {
		value := item.Value()

		return &value, nil
	}

	var claims AccessClaims

	_, err := jwt.ParseWithClaims(token, &claims,
		func(_ *jwt.Token) (interface{}, error) {
			return &ts.key.PublicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodES384.Alg()}),
		jwt.WithIssuer(ts.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	// Guaranteed by WithExpirationRequired, but the cache TTL below
	// dereferences it so check anyway.
	if claims.ExpiresAt == nil {
		return nil, errors.New("token has no expiry")
	}

	if claims.Kind != tokenKindFile {
		return nil, errors.New("not a file access token")
	}

	if claims.File == "" {
		return nil, errors.New("token has no file claim")
	}

	ts.cache.Set(token, claims, time.Until(claims.ExpiresAt.Time))

	return &claims, nil
}
