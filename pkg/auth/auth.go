package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	Subject   string
	TenantID  string
	ActorType string
	Roles     []string
}

type contextKey string

const principalContextKey contextKey = "modelgate.principal"

type MiddlewareConfig struct {
	Issuer   string
	Audience string
}

type MiddlewareOption func(*MiddlewareConfig)

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Issuer = strings.TrimSpace(issuer)
	}
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Audience = strings.TrimSpace(audience)
	}
}

// Middleware verifies bearer tokens and stores the principal on the request
// context. Mode "off" admits every request with an anonymous principal.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{}
	for _, opt := range options {
		opt(&cfg)
	}
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "anonymous", Roles: []string{"anonymous"}})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			claims, err := VerifyHS256Token(token, secret, time.Now().UTC(), cfg.Issuer, cfg.Audience)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject:   claims.Sub,
				TenantID:  claims.Tenant,
				ActorType: claims.ActorType,
				Roles:     claims.Roles,
			})))
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

type TokenClaims struct {
	Sub       string
	Tenant    string
	ActorType string
	Roles     []string
	Iss       string
	Aud       string
	Exp       int64
	Nbf       int64
	Iat       int64
}

// VerifyHS256Token parses and verifies a compact JWT signed with HS256.
func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return TokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return TokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return TokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return TokenClaims{}, err
	}
	if !strings.EqualFold(header.Alg, "HS256") {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(mac.Sum(nil), sig) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	var body struct {
		Sub       string   `json:"sub"`
		Tenant    string   `json:"tenant"`
		ActorType string   `json:"actor_type"`
		Roles     []string `json:"roles"`
		Iss       string   `json:"iss"`
		Aud       string   `json:"aud"`
		Exp       int64    `json:"exp"`
		Nbf       int64    `json:"nbf"`
		Iat       int64    `json:"iat"`
	}
	if err := json.Unmarshal(payloadRaw, &body); err != nil {
		return TokenClaims{}, err
	}
	claims := TokenClaims{
		Sub:       body.Sub,
		Tenant:    body.Tenant,
		ActorType: body.ActorType,
		Roles:     body.Roles,
		Iss:       body.Iss,
		Aud:       body.Aud,
		Exp:       body.Exp,
		Nbf:       body.Nbf,
		Iat:       body.Iat,
	}
	if claims.Sub == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	if claims.Exp != 0 && now.Unix() >= claims.Exp {
		return TokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return TokenClaims{}, errors.New("token not active")
	}
	if issuer != "" && claims.Iss != issuer {
		return TokenClaims{}, errors.New("issuer mismatch")
	}
	if audience != "" && claims.Aud != audience {
		return TokenClaims{}, errors.New("audience mismatch")
	}
	return claims, nil
}

// SignHS256Token mints a compact JWT. Used by tests and local tooling.
func SignHS256Token(claims TokenClaims, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	headerRaw, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload := map[string]any{"sub": claims.Sub}
	if claims.Tenant != "" {
		payload["tenant"] = claims.Tenant
	}
	if claims.ActorType != "" {
		payload["actor_type"] = claims.ActorType
	}
	if len(claims.Roles) > 0 {
		payload["roles"] = claims.Roles
	}
	if claims.Iss != "" {
		payload["iss"] = claims.Iss
	}
	if claims.Aud != "" {
		payload["aud"] = claims.Aud
	}
	if claims.Exp != 0 {
		payload["exp"] = claims.Exp
	}
	if claims.Nbf != 0 {
		payload["nbf"] = claims.Nbf
	}
	if claims.Iat != 0 {
		payload["iat"] = claims.Iat
	}
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerRaw) + "." + base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
