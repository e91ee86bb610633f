package permissions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/models"
)

// Checker evaluates user permissions against the registry.
//
// The decision function is pure: it mutates nothing and fails closed on any
// lookup error. Auditing denials is the caller's responsibility.
type Checker struct {
	db *gorm.DB
}

// NewChecker constructs a permission checker backed by the provided database.
func NewChecker(db *gorm.DB) (*Checker, error) {
	if db == nil {
		return nil, errors.New("permission checker: db is required")
	}
	return &Checker{db: db}, nil
}

// Authorize determines whether the user holds the permission, scoped to the
// resource's owning group. An empty groupID is only acceptable for
// group-agnostic permissions.
func (c *Checker) Authorize(ctx context.Context, userID, permissionID, groupID string) (bool, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, errors.New("permission checker: user id is required")
	}
	permissionID = strings.TrimSpace(permissionID)
	if permissionID == "" {
		return false, errors.New("permission checker: permission id is required")
	}

	def, ok := Get(permissionID)
	if !ok {
		return false, fmt.Errorf("%w %q", ErrUnknownPermission, permissionID)
	}

	var user models.User
	if err := c.db.WithContext(ctx).
		Preload("Roles.Permissions").
		Preload("Groups").
		First(&user, "id = ?", userID).Error; err != nil {
		return false, fmt.Errorf("permission checker: load user: %w", err)
	}

	if !user.IsActive {
		return false, nil
	}

	if _, granted := collectUserPermissions(&user)[permissionID]; !granted {
		return false, nil
	}

	if !def.GroupScoped {
		return true, nil
	}

	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return false, nil
	}
	for _, group := range user.Groups {
		if group.ID == groupID {
			return true, nil
		}
	}
	return false, nil
}

// UserPermissions returns the distinct permission IDs granted to the user
// across all roles, without group scoping applied.
func (c *Checker) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("permission checker: user id is required")
	}

	var user models.User
	if err := c.db.WithContext(ctx).
		Preload("Roles.Permissions").
		First(&user, "id = ?", userID).Error; err != nil {
		return nil, fmt.Errorf("permission checker: load user: %w", err)
	}

	granted := collectUserPermissions(&user)
	ids := make([]string, 0, len(granted))
	for id := range granted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func collectUserPermissions(user *models.User) map[string]struct{} {
	granted := make(map[string]struct{})
	for _, role := range user.Roles {
		for _, perm := range role.Permissions {
			granted[perm.ID] = struct{}{}
		}
	}
	return granted
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
