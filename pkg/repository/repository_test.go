package repository

import (
	"testing"

	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestSetTenantFilterIsAtomicReplace(t *testing.T) {
	v := &View{filter: make(map[types.TenantId]struct{})}

	v.SetTenantFilter([]types.TenantId{"t1", "t2"})
	got := v.snapshotFilter()
	require.ElementsMatch(t, []types.TenantId{"t1", "t2"}, got)

	v.SetTenantFilter([]types.TenantId{"t3"})
	got = v.snapshotFilter()
	require.ElementsMatch(t, []types.TenantId{"t3"}, got)
}

func TestSnapshotFilterEmptyByDefault(t *testing.T) {
	v := &View{filter: make(map[types.TenantId]struct{})}
	require.Empty(t, v.snapshotFilter())
}

func TestTenantIDStrings(t *testing.T) {
	ids := []types.TenantId{"a", "b", "c"}
	require.Equal(t, []string{"a", "b", "c"}, tenantIDStrings(ids))
}
