// Package auth validates the bearer tokens that may accompany a websocket
// upgrade and maps them to relay user identifiers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("token not in header under key 'token'")
	ErrInvalidToken = errors.New("token cannot be decoded")
)

// HeaderName is the request header carrying the token. Browsers cannot set
// headers on websocket upgrades, so the query parameter of the same name is
// accepted as well.
const HeaderName = "token"

// Validator turns a raw token into a user identifier.
type Validator interface {
	Validate(ctx context.Context, raw string) (userID string, err error)
}

// Claims mirrors the session token minted by the account service.
type Claims struct {
	UserUUID string           `json:"user_uuid"`
	Minted   *jwt.NumericDate `json:"minted,omitempty"`
	Expiry   *jwt.NumericDate `json:"exp,omitempty"`
}

// JWTValidator verifies HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{
		secret: secret,
		leeway: jwt.DefaultLeeway,
		now:    time.Now,
	}
}

func (v *JWTValidator) Validate(_ context.Context, raw string) (string, error) {
	if raw == "" {
		return "", ErrMissingToken
	}

	token, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims Claims
	if err := token.Claims(v.secret, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Expiry == nil {
		return "", fmt.Errorf("%w: no expiry", ErrInvalidToken)
	}
	registered := jwt.Claims{Expiry: claims.Expiry, IssuedAt: claims.Minted}
	if err := registered.ValidateWithLeeway(jwt.Expected{Time: v.now()}, v.leeway); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := uuid.Parse(claims.UserUUID)
	if err != nil {
		return "", fmt.Errorf("%w: user_uuid: %v", ErrInvalidToken, err)
	}
	return id.String(), nil
}

// Issue mints a token for userID valid for lifetime.
func (v *JWTValidator) Issue(userID string, lifetime time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: v.secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	minted := v.now()
	claims := Claims{
		UserUUID: userID,
		Minted:   jwt.NewNumericDate(minted),
		Expiry:   jwt.NewNumericDate(minted.Add(lifetime)),
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// FromRequest extracts the raw token from the header or query string.
func FromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(HeaderName)); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get(HeaderName))
}
