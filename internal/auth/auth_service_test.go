package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/models"
	"github.com/broadbio/dataregistry/pkg/crypto"
	appErrors "github.com/broadbio/dataregistry/pkg/errors"
)

func openAuthTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Role{}, &models.Permission{}, &models.Group{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func newAuthService(t *testing.T, db *gorm.DB) *AuthService {
	t.Helper()
	jwtService, err := NewJWTService(JWTConfig{Secret: "test-secret", Issuer: "dataregistry"})
	require.NoError(t, err)
	svc, err := NewAuthService(db, jwtService)
	require.NoError(t, err)
	return svc
}

func seedCredentials(t *testing.T, db *gorm.DB, username, password string, active bool) *models.User {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	require.NoError(t, err)
	user := models.User{
		Username: username,
		Email:    username + "@example.org",
		Password: hash,
		IsActive: active,
	}
	require.NoError(t, db.Create(&user).Error)
	// The column default (`gorm:"default:true"`) overrides a zero-value
	// IsActive on insert, so force the requested value explicitly.
	require.NoError(t, db.Model(&user).Update("is_active", active).Error)
	return &user
}

func TestLoginIssuesToken(t *testing.T) {
	db := openAuthTestDB(t)
	svc := newAuthService(t, db)
	user := seedCredentials(t, db, "curator", "correct horse", true)

	result, err := svc.Login(context.Background(), "curator", "correct horse")
	require.NoError(t, err)
	require.NotEmpty(t, result.Token)
	require.Equal(t, user.ID, result.User.ID)
	require.Empty(t, result.User.Password)
	require.NotNil(t, result.User.LastLoginAt)

	claims, err := svc.jwt.ValidateAccessToken(result.Token)
	require.NoError(t, err)
	require.Equal(t, user.ID, claims.UserID)
}

func TestLoginByEmail(t *testing.T) {
	db := openAuthTestDB(t)
	svc := newAuthService(t, db)
	seedCredentials(t, db, "curator", "correct horse", true)

	_, err := svc.Login(context.Background(), "curator@example.org", "correct horse")
	require.NoError(t, err)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	db := openAuthTestDB(t)
	svc := newAuthService(t, db)
	seedCredentials(t, db, "curator", "correct horse", true)

	_, err := svc.Login(context.Background(), "curator", "wrong")
	require.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	db := openAuthTestDB(t)
	svc := newAuthService(t, db)

	_, err := svc.Login(context.Background(), "nobody", "whatever")
	require.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
}

func TestLoginRejectsInactiveUser(t *testing.T) {
	db := openAuthTestDB(t)
	svc := newAuthService(t, db)
	seedCredentials(t, db, "curator", "correct horse", false)

	_, err := svc.Login(context.Background(), "curator", "correct horse")
	require.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
}
