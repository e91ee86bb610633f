package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/internal/models"
	"github.com/broadbio/dataregistry/internal/permissions"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Group{},
		&models.Role{},
		&models.Permission{},
		&models.Dataset{},
		&models.Job{},
		&models.AuditLog{},
	)
}

// SeedData populates the permission catalogue and the bootstrap roles.
//
// Role/permission pairs are attached strictly by permission ID; the seed never
// writes a user ID into role_permissions.
func SeedData(db *gorm.DB) error {
	for id, def := range permissions.GetAll() {
		perm := models.Permission{
			BaseModel:   models.BaseModel{ID: id},
			Description: def.Description,
		}
		if err := db.Where(models.Permission{BaseModel: models.BaseModel{ID: id}}).
			Attrs(perm).FirstOrCreate(&models.Permission{}).Error; err != nil {
			return fmt.Errorf("seed permission %s: %w", id, err)
		}
	}

	roleGrants := map[string][]string{
		"admin":    permissions.AllIDs(),
		"reviewer": {permissions.ViewDataset, permissions.ApproveUpload, permissions.RunAnalysis},
		"uploader": {permissions.ViewDataset, permissions.CreateDataset, permissions.EditDataset},
	}

	roleMeta := map[string]models.Role{
		"admin":    {Name: "Administrator", Description: "Full registry access", IsSystem: true},
		"reviewer": {Name: "Reviewer", Description: "Review and approve quality-controlled uploads", IsSystem: true},
		"uploader": {Name: "Uploader", Description: "Submit summary-statistics files", IsSystem: true},
	}

	for id, grants := range roleGrants {
		meta := roleMeta[id]
		meta.BaseModel = models.BaseModel{ID: id}

		var role models.Role
		if err := db.Where(models.Role{BaseModel: models.BaseModel{ID: id}}).
			Attrs(meta).FirstOrCreate(&role).Error; err != nil {
			return fmt.Errorf("seed role %s: %w", id, err)
		}

		perms := make([]models.Permission, 0, len(grants))
		for _, pid := range grants {
			perms = append(perms, models.Permission{BaseModel: models.BaseModel{ID: pid}})
		}
		if err := db.Model(&role).Association("Permissions").Replace(perms); err != nil {
			return fmt.Errorf("attach permissions to role %s: %w", id, err)
		}
	}

	return nil
}
