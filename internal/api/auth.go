package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"tradedesk/pkg/db"
)

const (
	userContextKey = "UserID"
	tokenIssuer    = "tradedesk"
)

var errNoSubject = errors.New("token carries no user")

// deskClaims binds a desk session to one user.
type deskClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

func normalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

func checkPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func generateToken(userID, secret string, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims := deskClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// parseToken returns the user a signed desk token belongs to.
func parseToken(raw, secret string) (string, error) {
	claims := &deskClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	if claims.UserID == "" || claims.UserID != claims.Subject {
		return "", errNoSubject
	}
	return claims.UserID, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// AuthMiddleware rejects requests without a valid desk token and stores the
// caller's user ID on the context.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortAuth(c, "MISSING_TOKEN", "missing Authorization header")
			return
		}
		token, ok := bearerToken(header)
		if !ok {
			abortAuth(c, "INVALID_AUTH_HEADER", "invalid Authorization header")
			return
		}
		userID, err := parseToken(token, secret)
		if err != nil {
			abortAuth(c, "INVALID_TOKEN", "invalid or expired token")
			return
		}
		c.Set(userContextKey, userID)
		c.Next()
	}
}

func abortAuth(c *gin.Context, code, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": code, "error": msg})
}

// CurrentUserID is empty outside AuthMiddleware.
func CurrentUserID(c *gin.Context) string {
	return c.GetString(userContextKey)
}

func (s *Server) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctx := c.Request.Context()
	email := normalizeEmail(req.Email)

	switch existing, err := s.DB.GetUserByEmail(ctx, email); {
	case err != nil:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	case existing != nil:
		respondError(c, http.StatusConflict, "EMAIL_ALREADY_REGISTERED", "email already registered")
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to hash password")
		return
	}
	now := time.Now().UTC()
	user := db.User{ID: uuid.NewString(), Email: email, PasswordHash: hash, CreatedAt: now, UpdatedAt: now}
	if err := s.DB.CreateUser(ctx, user); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	s.logger.Info().Str("user_id", user.ID).Msg("desk user registered")
	c.JSON(http.StatusCreated, gin.H{"user_id": user.ID, "email": user.Email})
}

func (s *Server) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	user, err := s.DB.GetUserByEmail(c.Request.Context(), normalizeEmail(req.Email))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	// Unknown email and wrong password answer the same way.
	if user == nil || checkPassword(user.PasswordHash, req.Password) != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	expiresAt := time.Now().Add(s.opts.TokenTTL).UTC()
	token, err := generateToken(user.ID, s.JWTSecret, expiresAt)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate token")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"user_id":    user.ID,
		"user_email": user.Email,
	})
}
