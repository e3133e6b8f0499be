//go:build xtcdebug

package diag

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestContext_TracksFixesAndLatches(t *testing.T) {
	c := New(zap.NewNop())
	c.Fixed(7)
	c.Latched(7, "SHARED")
	fixes, latches := c.Counts()
	require.Equal(t, 1, fixes)
	require.Equal(t, 1, latches)
	require.Error(t, c.CheckClean("close"))

	c.Unlatched(7)
	c.Unfixed(7)
	require.NoError(t, c.CheckClean("close"))
}
