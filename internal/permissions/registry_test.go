package permissions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCorePermissionsRegistered(t *testing.T) {
	for _, id := range []string{ViewDataset, CreateDataset, EditDataset, DeleteDataset, ApproveUpload, RunAnalysis, ManageUsers} {
		def, ok := Get(id)
		require.Truef(t, ok, "permission %s not registered", id)
		require.Equal(t, id, def.ID)
	}
}

func TestDatasetPermissionsAreGroupScoped(t *testing.T) {
	for _, id := range []string{ViewDataset, CreateDataset, ApproveUpload, RunAnalysis} {
		def, _ := Get(id)
		require.Truef(t, def.GroupScoped, "permission %s should be group scoped", id)
	}

	def, _ := Get(ManageUsers)
	require.False(t, def.GroupScoped)
}

func TestRegisterRejectsDuplicatesAndEmptyIDs(t *testing.T) {
	require.Error(t, Register(&Permission{ID: ApproveUpload}))
	require.Error(t, Register(&Permission{ID: "  "}))
	require.Error(t, Register(nil))
}

func TestAllIDsSorted(t *testing.T) {
	ids := AllIDs()
	require.NotEmpty(t, ids)
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i])
	}
}
