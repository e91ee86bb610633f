package permissions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/models"
)

func openCheckerTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Group{},
		&models.Role{},
		&models.Permission{},
	))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

func seedReviewer(t *testing.T, db *gorm.DB, groups ...models.Group) models.User {
	t.Helper()

	perms := []models.Permission{
		{BaseModel: models.BaseModel{ID: ApproveUpload}},
		{BaseModel: models.BaseModel{ID: ViewDataset}},
	}
	for i := range perms {
		require.NoError(t, db.Create(&perms[i]).Error)
	}

	role := models.Role{
		BaseModel:   models.BaseModel{ID: "reviewer"},
		Name:        "Reviewer",
		Permissions: perms,
	}
	require.NoError(t, db.Create(&role).Error)

	user := models.User{
		Username: "reviewer1",
		Email:    "reviewer1@example.org",
		Password: "x",
		IsActive: true,
		Roles:    []models.Role{role},
		Groups:   groups,
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func TestAuthorizeAllowsWithPermissionAndGroup(t *testing.T) {
	db := openCheckerTestDB(t)
	group := models.Group{Name: "HERMES"}
	require.NoError(t, db.Create(&group).Error)

	user := seedReviewer(t, db, group)

	checker, err := NewChecker(db)
	require.NoError(t, err)

	allowed, err := checker.Authorize(context.Background(), user.ID, ApproveUpload, group.ID)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAuthorizeDeniesWhenGroupsDoNotIntersect(t *testing.T) {
	db := openCheckerTestDB(t)
	mine := models.Group{Name: "HERMES"}
	other := models.Group{Name: "SGC"}
	require.NoError(t, db.Create(&mine).Error)
	require.NoError(t, db.Create(&other).Error)

	// user holds approveUpload but only belongs to "mine"
	user := seedReviewer(t, db, mine)

	checker, err := NewChecker(db)
	require.NoError(t, err)

	allowed, err := checker.Authorize(context.Background(), user.ID, ApproveUpload, other.ID)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestAuthorizeDeniesWithoutPermission(t *testing.T) {
	db := openCheckerTestDB(t)
	group := models.Group{Name: "HERMES"}
	require.NoError(t, db.Create(&group).Error)

	user := seedReviewer(t, db, group)

	checker, err := NewChecker(db)
	require.NoError(t, err)

	allowed, err := checker.Authorize(context.Background(), user.ID, RunAnalysis, group.ID)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestAuthorizeFailsClosed(t *testing.T) {
	db := openCheckerTestDB(t)
	group := models.Group{Name: "HERMES"}
	require.NoError(t, db.Create(&group).Error)
	user := seedReviewer(t, db, group)

	checker, err := NewChecker(db)
	require.NoError(t, err)

	// unknown permission id
	allowed, err := checker.Authorize(context.Background(), user.ID, "no.such.permission", group.ID)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnknownPermission)
	require.False(t, allowed)

	// unknown principal
	allowed, err = checker.Authorize(context.Background(), "00000000-0000-0000-0000-000000000000", ApproveUpload, group.ID)
	require.Error(t, err)
	require.False(t, allowed)
}

func TestAuthorizeGroupAgnosticPermission(t *testing.T) {
	db := openCheckerTestDB(t)

	perm := models.Permission{BaseModel: models.BaseModel{ID: ManageUsers}}
	require.NoError(t, db.Create(&perm).Error)
	role := models.Role{
		BaseModel:   models.BaseModel{ID: "admin"},
		Name:        "Administrator",
		Permissions: []models.Permission{perm},
	}
	require.NoError(t, db.Create(&role).Error)
	user := models.User{
		Username: "admin1",
		Email:    "admin1@example.org",
		Password: "x",
		IsActive: true,
		Roles:    []models.Role{role},
	}
	require.NoError(t, db.Create(&user).Error)

	checker, err := NewChecker(db)
	require.NoError(t, err)

	allowed, err := checker.Authorize(context.Background(), user.ID, ManageUsers, "")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAuthorizeDeniesInactiveUser(t *testing.T) {
	db := openCheckerTestDB(t)
	group := models.Group{Name: "HERMES"}
	require.NoError(t, db.Create(&group).Error)

	user := seedReviewer(t, db, group)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("is_active", false).Error)

	checker, err := NewChecker(db)
	require.NoError(t, err)

	allowed, err := checker.Authorize(context.Background(), user.ID, ApproveUpload, group.ID)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestUserPermissionsUnion(t *testing.T) {
	db := openCheckerTestDB(t)
	group := models.Group{Name: "HERMES"}
	require.NoError(t, db.Create(&group).Error)
	user := seedReviewer(t, db, group)

	checker, err := NewChecker(db)
	require.NoError(t, err)

	ids, err := checker.UserPermissions(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, []string{ApproveUpload, ViewDataset}, ids)
}
