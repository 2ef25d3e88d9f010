package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"feedoracle/crypto"
	"feedoracle/observability/logging"
)

// Scopes granted to oracled callers.
const (
	ScopeRead    = "oracle:read"
	ScopeWrite   = "oracle:write"
	ScopeRespond = "oracle:respond"
	ScopeAdmin   = "oracle:admin"
)

// CallerHeader names the caller when authentication is disabled (local
// development only).
const CallerHeader = "X-Feed-Caller"

type AuthConfig struct {
	Enabled        bool
	HMACSecret     string
	Issuer         string
	Audience       string
	ScopeClaim     string
	OptionalPaths  []string
	AllowAnonymous bool
	ClockSkew      time.Duration
}

type contextKey string

const (
	ContextKeyCaller contextKey = "oracled.caller"
	ContextKeyScopes contextKey = "oracled.scopes"
)

var errCallerClaim = errors.New("subject is not an address")

// Authenticator validates HMAC-signed bearer tokens. The token subject is the
// address every ledger call of the request is made from.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	if cfg.Enabled {
		logger.Info("auth: bearer tokens required",
			"issuer", cfg.Issuer,
			"audience", cfg.Audience,
			logging.MaskField("hmacSecret", cfg.HMACSecret))
	}
	return &Authenticator{cfg: cfg, logger: logger, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				ctx := r.Context()
				if raw := strings.TrimSpace(r.Header.Get(CallerHeader)); raw != "" {
					caller, err := crypto.ParseAddress(raw)
					if err != nil {
						http.Error(w, "invalid caller", http.StatusBadRequest)
						return
					}
					ctx = context.WithValue(ctx, ContextKeyCaller, caller)
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" && a.isOptional(r.URL.Path) && a.cfg.AllowAnonymous {
				next.ServeHTTP(w, r)
				return
			}
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.Warn("auth: token validation failed", "error", err, logging.MaskField("token", tokenString))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
				a.logger.Warn("auth: claim validation failed", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			caller, err := subject(claims)
			if err != nil {
				a.logger.Warn("auth: caller claim rejected", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			scopes := extractScopes(claims, a.cfg.ScopeClaim)
			if len(requiredScopes) > 0 && !hasScopes(scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyCaller, caller)
			ctx = context.WithValue(ctx, ContextKeyScopes, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Caller returns the authenticated caller of the request.
func Caller(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(ContextKeyCaller).(common.Address)
	return caller, ok
}

// IssueToken mints a token accepted by an Authenticator configured with cfg.
func IssueToken(cfg AuthConfig, caller common.Address, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if len(secret) == 0 {
		return "", errors.New("auth secret not configured")
	}
	claimName := cfg.ScopeClaim
	if claimName == "" {
		claimName = "scope"
	}
	claims := jwt.MapClaims{
		"sub":     strings.ToLower(caller.Hex()),
		"iat":     now.Unix(),
		claimName: strings.Join(scopes, " "),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims["aud"] = cfg.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (a *Authenticator) isOptional(path string) bool {
	for _, prefix := range a.cfg.OptionalPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func subject(claims jwt.MapClaims) (common.Address, error) {
	sub, err := claims.GetSubject()
	if err != nil {
		return common.Address{}, err
	}
	addr, err := crypto.ParseAddress(sub)
	if err != nil {
		return common.Address{}, errCallerClaim
	}
	return addr, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// hasScopes reports whether scopes covers every required scope. The admin
// scope covers all others.
func hasScopes(scopes []string, required []string) bool {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	if _, ok := set[ScopeAdmin]; ok {
		return true
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
