package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"callbank/internal/store"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	Logger                 *log.Logger
}

// Principal sources, in the order the middleware tries them.
const (
	sourceJWT    = "jwt"
	sourceAPIKey = "api_key"
	sourceLegacy = "legacy_header"
)

type Principal struct {
	ActorID string
	Pages   []string
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Pages []string `json:"pages,omitempty"`
}

// authenticator resolves request credentials to a Principal. Exactly one
// credential is consumed per request: a Bearer token wins over X-Api-Key,
// which wins over the legacy X-Actor-Id header.
type authenticator struct {
	cfg AuthConfig
	st  store.Store
}

func (a authenticator) authenticate(req *http.Request) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		p, err := a.fromJWT(token)
		if err != nil {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		return p, nil
	}

	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		p, err := a.fromAPIKey(req.Context(), key)
		if err != nil {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		return p, nil
	}

	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && a.cfg.AllowLegacyActorHeader {
		a.cfg.logger().Printf("WARNING: trusting unauthenticated X-Actor-Id header for actor %s; supply a bearer token or API key instead", actor)
		return Principal{ActorID: actor, Source: sourceLegacy}, nil
	}

	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func (a authenticator) fromJWT(token string) (Principal, error) {
	if strings.TrimSpace(a.cfg.JWTSecret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Pages: claims.Pages, Source: sourceJWT}, nil
}

func (a authenticator) fromAPIKey(ctx context.Context, key string) (Principal, error) {
	apiKey, err := a.st.GetAPIKeyByHash(ctx, store.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{ActorID: apiKey.ActorID, Source: sourceAPIKey}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, st store.Store) func(http.Handler) http.Handler {
	auth := authenticator{cfg: cfg, st: st}
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Health stays reachable without credentials; everything
			// else under the base path requires a principal.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			principal, statusErr := auth.authenticate(req)
			if statusErr != nil {
				respondStatusError(w, statusErr)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
