package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Aidin1998/denver/pkg/errors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	ctxParty = "party"
	ctxRole  = "role"
)

// Claims are the bearer token claims the API relies on. Party is the ledger
// party the caller acts as.
type Claims struct {
	Party string `json:"party"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// authMiddleware verifies an HS256 bearer token and stores the caller's
// party and role on the context.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			s.abort(c, errors.NewUnauthorizedError("Authorization header required", c.Request.URL.Path))
			return
		}
		raw, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || raw == "" {
			s.abort(c, errors.NewUnauthorizedError("Invalid authorization format", c.Request.URL.Path))
			return
		}

		claims, err := s.parseToken(raw)
		if err != nil {
			s.logger.Debug("rejected bearer token", zap.Error(err))
			s.abort(c, errors.NewUnauthorizedError("invalid token", c.Request.URL.Path))
			return
		}

		c.Set(ctxParty, claims.Party)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// adminMiddleware must run after authMiddleware.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.isAdmin(c) {
			s.abort(c, errors.NewForbiddenError("admin role required", c.Request.URL.Path))
			return
		}
		c.Next()
	}
}

func (s *Server) parseToken(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Party == "" {
		return nil, fmt.Errorf("token carries no party")
	}
	return claims, nil
}

func (s *Server) isAdmin(c *gin.Context) bool {
	return c.GetString(ctxRole) == s.adminRole
}

func (s *Server) abort(c *gin.Context, p *errors.ProblemDetails) {
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(p.Status, p)
}

// writeError renders err as an RFC 7807 document.
func (s *Server) writeError(c *gin.Context, err error) {
	p := errors.ToProblemDetails(err, c.Request.URL.Path)
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	s.abort(c, p)
}
