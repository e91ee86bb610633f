package models

// Group is the scoping boundary for datasets, typically a research consortium.
// A dataset belongs to exactly one group; users belong to any number of groups.
type Group struct {
	BaseModel

	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Description string `json:"description"`

	Users    []User    `gorm:"many2many:user_groups;" json:"users,omitempty"`
	Datasets []Dataset `gorm:"foreignKey:GroupID" json:"datasets,omitempty"`
}
