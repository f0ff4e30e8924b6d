package security

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Scopes granted to authenticated callers
const (
	ScopeReadDeployments   = "deployments:read"
	ScopeManageDeployments = "deployments:write"
	ScopeReportCooldown    = "cooldown:write"
)

const tokenIssuer = "llm-router-cooldown"

type contextKey string

const principalKey contextKey = "principal"

// Principal describes an authenticated caller
type Principal struct {
	Subject  string   `json:"subject"`
	Scopes   []string `json:"scopes"`
	AuthType string   `json:"auth_type"`
}

// HasScope reports whether the principal was granted scope
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Claims are the JWT claims accepted by the ingress
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Config holds authentication configuration
type Config struct {
	APIKeys   []string      `yaml:"api_keys"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
}

// Enabled reports whether any credential is configured
func (c *Config) Enabled() bool {
	return len(c.APIKeys) > 0 || c.JWTSecret != ""
}

// Authenticator validates API keys and JWTs presented to the HTTP ingress
type Authenticator struct {
	config *Config
	logger *logrus.Logger
}

// NewAuthenticator creates a new authenticator. config is copied and not
// modified.
func NewAuthenticator(config *Config, logger *logrus.Logger) *Authenticator {
	cfg := Config{}
	if config != nil {
		cfg = *config
		cfg.APIKeys = append([]string(nil), config.APIKeys...)
	}
	if cfg.JWTExpiry == 0 {
		cfg.JWTExpiry = time.Hour
	}
	return &Authenticator{config: &cfg, logger: logger}
}

// Authenticate accepts either a configured API key or a signed JWT
func (a *Authenticator) Authenticate(token string) (*Principal, error) {
	if principal, err := a.ValidateAPIKey(token); err == nil {
		return principal, nil
	}

	if a.config.JWTSecret == "" {
		return nil, errors.New("invalid API key")
	}

	claims, err := a.ValidateJWT(token)
	if err != nil {
		return nil, err
	}
	return &Principal{Subject: claims.Subject, Scopes: claims.Scopes, AuthType: "jwt"}, nil
}

// ValidateAPIKey checks key against the configured keys in constant time.
// API keys carry every scope.
func (a *Authenticator) ValidateAPIKey(key string) (*Principal, error) {
	if key == "" {
		return nil, errors.New("API key is required")
	}

	for _, valid := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return &Principal{
				Subject:  "key_" + maskAPIKey(key),
				Scopes:   []string{ScopeReadDeployments, ScopeManageDeployments, ScopeReportCooldown},
				AuthType: "api_key",
			}, nil
		}
	}
	return nil, errors.New("invalid API key")
}

// GenerateJWT issues a token for subject with the given scopes
func (a *Authenticator) GenerateJWT(subject string, scopes []string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("JWT secret is not configured")
	}

	now := time.Now()
	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT parses and verifies an HS256 token
func (a *Authenticator) ValidateJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid JWT token")
	}
	return claims, nil
}

// Require returns middleware that rejects callers lacking scope. When no
// credentials are configured every request passes.
func (a *Authenticator) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}

			principal, err := a.Authenticate(token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"error":       err.Error(),
					"path":        r.URL.Path,
					"method":      r.Method,
					"remote_addr": r.RemoteAddr,
				}).Warn("Authentication failed")
				writeError(w, http.StatusUnauthorized, "Invalid authentication token")
				return
			}

			if !principal.HasScope(scope) {
				writeError(w, http.StatusForbidden, "Missing scope "+scope)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFrom returns the principal stored by Require
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalKey).(*Principal)
	return principal, ok
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"code":    status,
		},
		"timestamp": time.Now().Unix(),
	})
}
