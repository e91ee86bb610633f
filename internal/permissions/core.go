package permissions

// Permission IDs referenced throughout the registry. The seed data in
// internal/database attaches these to the bootstrap roles.
const (
	ViewDataset   = "viewDataset"
	CreateDataset = "createDataset"
	EditDataset   = "editDataset"
	DeleteDataset = "deleteDataset"
	ApproveUpload = "approveUpload"
	RunAnalysis   = "runAnalysis"
	ManageUsers   = "manageUsers"
)

func init() {
	perms := []*Permission{
		{
			ID:          ViewDataset,
			Description: "View datasets belonging to the user's groups",
			GroupScoped: true,
		},
		{
			ID:          CreateDataset,
			Description: "Admit new summary-statistics uploads",
			GroupScoped: true,
		},
		{
			ID:          EditDataset,
			Description: "Update dataset display and scientific metadata",
			GroupScoped: true,
		},
		{
			ID:          DeleteDataset,
			Description: "Retire datasets",
			GroupScoped: true,
		},
		{
			ID:          ApproveUpload,
			Description: "Approve or reject datasets that passed quality control",
			GroupScoped: true,
		},
		{
			ID:          RunAnalysis,
			Description: "Run downstream aggregation stages against approved datasets",
			GroupScoped: true,
		},
		{
			ID:          ManageUsers,
			Description: "Manage user accounts, role assignments and group memberships",
		},
	}

	for _, perm := range perms {
		if err := Register(perm); err != nil {
			panic(err)
		}
	}
}
