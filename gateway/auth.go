package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/deliverify/pkg/apperr"
	"github.com/example/deliverify/pkg/models"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"google.golang.org/grpc/codes"
)

const principalKey = "principal"

var errInvalidToken = errors.New("invalid token")

// Tokens are issued by the account service and signed with the shared
// HS256 secret. The subject is carried in "_id".
type claims struct {
	UserID string   `json:"_id"`
	Roles  []string `json:"roles"`
	jwt.StandardClaims
}

func (g *Gateway) parseToken(raw string) (*models.Principal, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(raw, c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(g.config.Auth.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !token.Valid || c.UserID == "" {
		return nil, errInvalidToken
	}
	return &models.Principal{ID: c.UserID, Roles: c.Roles}, nil
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// authMiddleware rejects requests without a valid bearer token and stores
// the principal on the context.
func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			g.abort(c, apperr.Unauthenticated("Unauthorized"))
			return
		}
		p, err := g.parseToken(raw)
		if err != nil {
			g.abort(c, apperr.Wrap(codes.Unauthenticated, "Unauthorized", err))
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func principal(c *gin.Context) *models.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*models.Principal)
	return p
}
