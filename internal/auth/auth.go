package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Actor is the authenticated identity behind an approve/reject/cancel call
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Claims are the JWT claims carried by actor tokens
type Claims struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and verifies actor tokens. Role assignment itself is owned
// by the access-control service; here a token's role claim is taken as given.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// NewService creates an auth service
func NewService(secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{secret: []byte(secret), ttl: ttl}
}

// GenerateToken issues an HS256 token for actor
func (s *Service) GenerateToken(actor Actor) (string, error) {
	claims := &Claims{
		ActorID: actor.ID,
		Role:    actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyToken parses and validates a token, returning the actor it names
func (s *Service) VerifyToken(tokenString string) (Actor, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Actor{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ActorID == "" {
		return Actor{}, ErrInvalidToken
	}

	return Actor{ID: claims.ActorID, Role: claims.Role}, nil
}

const actorContextKey = "actor"

// Middleware authenticates requests and stores the Actor in the gin context
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		actor, err := s.VerifyToken(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(actorContextKey, actor)
		c.Next()
	}
}

// ActorFrom extracts the authenticated actor from the gin context
func ActorFrom(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(actorContextKey)
	if !ok {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}
