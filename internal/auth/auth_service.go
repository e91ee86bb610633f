package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/models"
	"github.com/broadbio/dataregistry/pkg/crypto"
	appErrors "github.com/broadbio/dataregistry/pkg/errors"
	"github.com/broadbio/dataregistry/pkg/logger"
)

// LoginResult is returned to a successfully authenticated client.
type LoginResult struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// AuthService verifies credentials and issues access tokens.
type AuthService struct {
	db  *gorm.DB
	jwt *JWTService
	log *zap.Logger
}

// NewAuthService constructs an AuthService.
func NewAuthService(db *gorm.DB, jwtService *JWTService) (*AuthService, error) {
	if db == nil {
		return nil, errors.New("auth service: db is required")
	}
	if jwtService == nil {
		return nil, errors.New("auth service: jwt service is required")
	}
	return &AuthService{
		db:  db,
		jwt: jwtService,
		log: logger.WithModule("auth"),
	}, nil
}

// Login validates the credentials and returns a signed access token. Unknown
// users and wrong passwords produce the same error.
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, appErrors.ErrInvalidCredentials
	}

	var user models.User
	err := s.db.WithContext(ctx).
		Where("username = ? OR email = ?", username, username).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth service: load user: %w", err)
	}

	if !user.IsActive {
		return nil, appErrors.ErrInvalidCredentials
	}
	if !crypto.VerifyPassword(user.Password, password) {
		return nil, appErrors.ErrInvalidCredentials
	}

	token, err := s.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:   user.ID,
		Username: user.Username,
	})
	if err != nil {
		return nil, fmt.Errorf("auth service: issue token: %w", err)
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&user).Update("last_login_at", now).Error; err != nil {
		s.log.Warn("record last login failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	user.LastLoginAt = &now
	user.Password = ""

	return &LoginResult{Token: token, User: &user}, nil
}
