package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/bakehouse/internal/config"
	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/model"
)

// NewAuthenticator returns the middleware that establishes the request's
// Session. In dev mode every request runs as the configured dev user. In jwt
// mode an HS256 bearer token signed with secret is required.
func NewAuthenticator(cfg config.IdentityConfig, secret string, theme model.Theme) (func(http.Handler) http.Handler, error) {
	switch cfg.Mode {
	case config.IdentityModeDev, "":
		return DevAuthenticator(cfg.DevUser, theme), nil
	case config.IdentityModeJWT:
		if secret == "" {
			return nil, fmt.Errorf("identity: jwt mode requires %s", cfg.SecretEnv)
		}
		return JWTAuthenticator(cfg, []byte(secret), theme), nil
	default:
		return nil, fmt.Errorf("identity: unknown mode %q", cfg.Mode)
	}
}

// DevAuthenticator attaches a fixed session for user to every request.
func DevAuthenticator(user config.DevUserConfig, theme model.Theme) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := &model.Session{
				UserID:        user.ID,
				Name:          user.Name,
				Email:         user.Email,
				Roles:         append([]string(nil), user.Roles...),
				Theme:         theme,
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
			}
			next.ServeHTTP(w, r.WithContext(model.WithSession(r.Context(), s)))
		})
	}
}

// JWTAuthenticator returns middleware that verifies HS256 tokens from the
// Authorization header and builds the Session from their claims.
func JWTAuthenticator(cfg config.IdentityConfig, secret []byte, theme model.Theme) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, keyFunc)
			if err != nil || !token.Valid {
				observability.LoggerFrom(r.Context(), zap.NewNop()).Debug("token rejected", zap.Error(err))
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			s := &model.Session{
				UserID:        claimString(claims, "sub"),
				Name:          claimString(claims, "name"),
				Email:         claimString(claims, "email"),
				Roles:         claimStringSlice(claims, "roles"),
				Theme:         theme,
				Claims:        map[string]any(claims),
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
			}
			if err := s.Validate(); err != nil {
				WriteError(w, model.NewUnauthorizedError("Token does not identify a user"))
				return
			}
			next.ServeHTTP(w, r.WithContext(model.WithSession(r.Context(), s)))
		})
	}
}

func classifyJWTError(err error) string {
	switch {
	case err == nil:
		return "Invalid token"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unverifiable token"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing required claims"
	default:
		return "Invalid token"
	}
}

func claimString(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return v
}

func claimStringSlice(claims map[string]any, key string) []string {
	switch raw := claims[key].(type) {
	case []any:
		result := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case string:
		return strings.Fields(raw)
	default:
		return nil
	}
}
