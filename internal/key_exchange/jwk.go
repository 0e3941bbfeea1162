// Package key_exchange inspects the public key material clients exchange
// through Connection announcements. The relay never derives or holds keys;
// it only fingerprints what it forwards so operators can correlate logs.
package key_exchange

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"chat_relay/internal/protocol"

	"github.com/go-jose/go-jose/v4"
)

var supportedCurves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

// ParsePublicKey converts the announced JWK into an ECDSA public key.
// go-jose rejects points that are not on the named curve.
func ParsePublicKey(key protocol.PublicKey) (*jose.JSONWebKey, error) {
	if key.Kty != "EC" {
		return nil, fmt.Errorf("unsupported key type %q", key.Kty)
	}
	if _, ok := supportedCurves[key.Crv]; !ok {
		return nil, fmt.Errorf("unsupported curve %q", key.Crv)
	}

	raw, err := json.Marshal(map[string]string{
		"kty": key.Kty,
		"crv": key.Crv,
		"x":   key.X,
		"y":   key.Y,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode jwk: %w", err)
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("failed to parse jwk: %w", err)
	}
	if !jwk.IsPublic() {
		return nil, fmt.Errorf("jwk is not a public key")
	}
	if _, ok := jwk.Key.(*ecdsa.PublicKey); !ok {
		return nil, fmt.Errorf("unexpected key type: %T", jwk.Key)
	}
	return &jwk, nil
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of the key,
// base64url encoded without padding.
func Thumbprint(key protocol.PublicKey) (string, error) {
	jwk, err := ParsePublicKey(key)
	if err != nil {
		return "", err
	}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
