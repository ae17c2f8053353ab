package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/merchkit/loyalty/pkg/loyalty"
)

const identityContextKey = "loyalty_identity"

// Identity is the verified caller: which shop's storefront, which customer.
type Identity struct {
	Shop       string
	CustomerID string
}

// SessionVerifier checks storefront session tokens. Verification returns a
// typed result; callers inspect the error instead of aborting mid-flight.
type SessionVerifier struct {
	signingKey []byte
	issuer     string
	cookieName string
}

// NewSessionVerifier wires a SessionVerifier.
func NewSessionVerifier(signingKey []byte, issuer string, cookieName string) *SessionVerifier {
	return &SessionVerifier{
		signingKey: signingKey,
		issuer:     issuer,
		cookieName: cookieName,
	}
}

type sessionClaims struct {
	Shop       string `json:"dest"`
	CustomerID string `json:"sub"`
	jwt.RegisteredClaims
}

// Verify extracts and validates the session token from the request, returning
// the caller identity or an error wrapping ErrAuthFailure.
func (verifier *SessionVerifier) Verify(request *http.Request) (Identity, error) {
	token, err := verifier.extractToken(request)
	if err != nil {
		return Identity{}, err
	}
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return verifier.signingKey, nil
	}, jwt.WithIssuer(verifier.issuer))
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", loyalty.ErrAuthFailure, err)
	}
	shop := normalizeShopClaim(claims.Shop)
	if shop == "" || strings.TrimSpace(claims.CustomerID) == "" {
		return Identity{}, fmt.Errorf("%w: token missing shop or customer claims", loyalty.ErrAuthFailure)
	}
	return Identity{Shop: shop, CustomerID: claims.CustomerID}, nil
}

func (verifier *SessionVerifier) extractToken(request *http.Request) (string, error) {
	if header := request.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer "), nil
	}
	if verifier.cookieName != "" {
		if cookie, err := request.Cookie(verifier.cookieName); err == nil && cookie.Value != "" {
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("%w: no session token", loyalty.ErrAuthFailure)
}

// normalizeShopClaim reduces a dest-style claim (https://shop.myshopify.com)
// to the bare shop domain.
func normalizeShopClaim(raw string) string {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	return strings.TrimSuffix(trimmed, "/")
}
