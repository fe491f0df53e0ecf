package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	RolePatient   = "patient"
	RoleAmbulance = "ambulance"
	RoleHospital  = "hospital"
	RoleAdmin     = "admin"
)

// Claims are the bearer token claims. Crew and staff tokens carry the fleet
// record they act for.
type Claims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles"`
	AmbulanceID string   `json:"ambulance_id,omitempty"`
	HospitalID  string   `json:"hospital_id,omitempty"`
}

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	Subject     string
	Roles       []string
	AmbulanceID string
	HospitalID  string
}

func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey switches validation to HS256; development and tests only.
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		keyFunc = NewKeySource(cfg.JWKSURL, cfg.Issuer).KeyFunc
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			setIdentity(c, &Identity{
				Subject:     claims.Subject,
				Roles:       claims.Roles,
				AmbulanceID: claims.AmbulanceID,
				HospitalID:  claims.HospitalID,
			})
			return next(c)
		}
	}
}

// bearerToken reads the Authorization header. Websocket clients cannot set
// headers from a browser, so the access_token query parameter is accepted on
// upgrade requests.
func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get("Authorization")
	if header == "" {
		if tok := c.QueryParam("access_token"); tok != "" && isUpgrade(c.Request()) {
			return tok, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// DevAuthMiddleware trusts X-Dev-Role and X-Dev-User so that the mobile
// clients can be exercised locally without an identity provider. Without
// headers the caller is an admin.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			id := &Identity{Subject: "dev-user", Roles: []string{RoleAdmin}}
			if role := h.Get("X-Dev-Role"); role != "" {
				id.Roles = strings.Split(role, ",")
			}
			if user := h.Get("X-Dev-User"); user != "" {
				id.Subject = user
			}
			id.AmbulanceID = h.Get("X-Dev-Ambulance")
			id.HospitalID = h.Get("X-Dev-Hospital")
			setIdentity(c, id)
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, id *Identity) {
	ctx := WithIdentity(c.Request().Context(), id)
	c.SetRequest(c.Request().WithContext(ctx))
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

func UserIDFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.Subject
	}
	return ""
}

func RolesFromContext(ctx context.Context) []string {
	if id := IdentityFromContext(ctx); id != nil {
		return id.Roles
	}
	return nil
}
