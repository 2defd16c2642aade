package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const identityContextKey contextKey = "identity"

const defaultKID = "default"

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrMissingIdentity = errors.New("token carries no identity claim")
)

// identityClaims are tried in order; the first non-empty one names the caller.
var identityClaims = []string{"email", "username", "cognito:username"}

// Identity is the authenticated caller. Roles never come from the token.
type Identity struct {
	Email   string
	Subject string
}

type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

// ParseHMACKeyset builds a keyset from a single secret, a "kid:secret,..."
// list, or both. The single secret is registered under "default".
func ParseHMACKeyset(secret, spec, activeKID string) (HMACKeyset, error) {
	keys := make(map[string][]byte)
	if s := strings.TrimSpace(secret); s != "" {
		keys[defaultKID] = []byte(s)
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, sec, ok := strings.Cut(part, ":")
		kid, sec = strings.TrimSpace(kid), strings.TrimSpace(sec)
		if !ok || kid == "" || sec == "" {
			return HMACKeyset{}, fmt.Errorf("malformed jwt keyset entry %q", part)
		}
		keys[kid] = []byte(sec)
	}
	if len(keys) == 0 {
		return HMACKeyset{}, fmt.Errorf("jwt keyset is empty")
	}
	active := strings.TrimSpace(activeKID)
	if active == "" {
		active = defaultKID
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}

// KIDs lists the key ids, sorted.
func (k HMACKeyset) KIDs() []string {
	out := make([]string, 0, len(k.Keys))
	for kid := range k.Keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

type JWTVerifier struct {
	keys HMACKeyset
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{keys: HMACKeyset{ActiveKID: defaultKID, Keys: map[string][]byte{defaultKID: []byte(secret)}}}
}

func NewJWTVerifierWithKeyset(keys HMACKeyset) *JWTVerifier {
	return &JWTVerifier{keys: keys}
}

func (v *JWTVerifier) key(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, errors.New("unexpected signing method")
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		kid = v.keys.ActiveKID
	}
	secret, ok := v.keys.Keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return secret, nil
}

// ParseIdentity verifies an HS256 token and extracts the lower-cased caller
// identity from the email, username or cognito:username claim.
func (v *JWTVerifier) ParseIdentity(tokenString string) (Identity, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, v.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return Identity{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	for _, name := range identityClaims {
		if s, _ := claims[name].(string); strings.TrimSpace(s) != "" {
			return Identity{Email: strings.ToLower(strings.TrimSpace(s)), Subject: sub}, nil
		}
	}
	return Identity{}, ErrMissingIdentity
}

// JWTSigner mints tokens for local development and tests; production tokens
// come from the upstream identity provider.
type JWTSigner struct {
	keys HMACKeyset
}

func NewJWTSigner(secret string) *JWTSigner {
	return &JWTSigner{keys: HMACKeyset{ActiveKID: defaultKID, Keys: map[string][]byte{defaultKID: []byte(secret)}}}
}

func NewJWTSignerWithKeyset(keys HMACKeyset) *JWTSigner {
	return &JWTSigner{keys: keys}
}

// SignIdentity returns a token naming email, valid from now for ttl, and its
// expiry.
func (s *JWTSigner) SignIdentity(email string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	secret, ok := s.keys.Keys[s.keys.ActiveKID]
	if !ok {
		return "", time.Time{}, fmt.Errorf("active kid %q not found in keyset", s.keys.ActiveKID)
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", time.Time{}, ErrMissingIdentity
	}
	exp := now.Add(ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   email,
		"email": email,
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   exp.Unix(),
	})
	tok.Header["kid"] = s.keys.ActiveKID
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityContextKey).(Identity)
	return v, ok
}

func bearerToken(h string) (string, bool) {
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "Unauthorized"})
}

// HTTPJWTMiddleware requires a valid bearer token on every path except
// skipPaths and stores the caller identity on the request context.
func HTTPJWTMiddleware(verifier *JWTVerifier, next http.Handler, skipPaths ...string) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		tok, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			unauthorized(w)
			return
		}
		id, err := verifier.ParseIdentity(tok)
		if err != nil {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
