package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"socialchat/chat"
	"socialchat/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ContextUserID is the gin context key holding the authenticated user id.
const ContextUserID = "userId"

type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens issued by the auth service. REST
// requests and websocket joins share one Verifier.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses tokenString and returns the user id it was issued for. All
// failures wrap chat.ErrUnauthenticated.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: no token provided", chat.ErrUnauthenticated)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", chat.ErrUnauthenticated, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: token is not valid", chat.ErrUnauthenticated)
	}
	if !models.ValidParticipantID(claims.UserID) {
		return "", fmt.Errorf("%w: token has no usable userId", chat.ErrUnauthenticated)
	}
	return claims.UserID, nil
}

// Sign issues a token for userID. Production tokens come from the auth
// service; this is used by tools and tests.
func (v *Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("format should be: Bearer <token>")
	}
	return parts[1], nil
}

func JWTAuthMiddleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		// CORS preflight
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		var tokenString string
		if header := c.GetHeader("Authorization"); header != "" {
			t, err := BearerToken(header)
			if err != nil {
				abortUnauthenticated(c, "Invalid authorization header")
				return
			}
			tokenString = t
		} else {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			abortUnauthenticated(c, "Authentication required")
			return
		}

		userID, err := v.Verify(tokenString)
		if err != nil {
			_ = c.Error(err)
			abortUnauthenticated(c, "Invalid token")
			return
		}

		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// UserID returns the id set by JWTAuthMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

func abortUnauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"code":  chat.Code(chat.ErrUnauthenticated),
	})
}
