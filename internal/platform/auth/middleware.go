package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Claims struct {
	jwt.RegisteredClaims
	ClinicID string   `json:"clinic_id"`
	Name     string   `json:"name"`
	Roles    []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// JWTMiddleware validates a bearer token and puts the resulting Actor on the
// request context. The clinic claim is exposed to the clinic middleware via
// the echo context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"HS256"}),
			}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			actorID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject claim")
			}

			c.Set("jwt_clinic_id", claims.ClinicID)

			actor := &Actor{ID: actorID, Name: claims.Name, Roles: claims.Roles}
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))

			return next(c)
		}
	}
}

// devActorID is the fixed identity DevAuthMiddleware hands out, so local
// runs get stable clinician ownership across requests.
var devActorID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// DevAuthMiddleware injects a fixed admin actor when no Authorization header
// is present. Development only.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") == "" {
				c.Set("jwt_clinic_id", "default")
				actor := &Actor{ID: devActorID, Name: "dev", Roles: []string{"admin"}}
				c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))
			}
			return next(c)
		}
	}
}

// RequireRole returns middleware that rejects requests whose actor holds
// none of the given roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := ActorFromContext(c.Request().Context())
			if actor == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrNoActor.Error())
			}
			for _, required := range roles {
				if actor.HasRole(required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
