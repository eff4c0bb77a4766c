package flags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsPermissive(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, f.EmergencyRollback())
	assert.Empty(t, f.All())
}

func TestSetPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags", "feature_flags.json")

	f, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, f.Set(ElicitationEnabled, Flag{Status: "active", RolloutPercentage: 25}))

	reopened, err := Load(path)
	require.NoError(t, err)
	flag, ok := reopened.Get(ElicitationEnabled)
	require.True(t, ok)
	assert.Equal(t, "active", flag.Status)
	assert.Equal(t, 25.0, flag.RolloutPercentage)
	assert.False(t, flag.UpdatedAt.IsZero())
}

func TestEmergencyRollbackBit(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "flags.json"))
	require.NoError(t, err)

	require.NoError(t, f.Set(ABTest, Flag{Status: "active", EmergencyRollback: true}))
	assert.False(t, f.EmergencyRollback(), "only elicitation flags trigger rollback")

	require.NoError(t, f.Set(SecurityEnhanced, Flag{Status: "active", EmergencyRollback: true}))
	assert.True(t, f.EmergencyRollback())

	require.NoError(t, f.Set(SecurityEnhanced, Flag{Status: "active"}))
	assert.False(t, f.EmergencyRollback())
}

func TestReloadPicksUpExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	f, err := Load(path)
	require.NoError(t, err)

	// An external controller rewrites the file out from under us.
	external := `{"elicitation_enabled": {"status": "paused", "emergency_rollback": true}}`
	require.NoError(t, os.WriteFile(path, []byte(external), 0o600))

	require.NoError(t, f.Reload())
	assert.True(t, f.EmergencyRollback())
	flag, ok := f.Get(ElicitationEnabled)
	require.True(t, ok)
	assert.Equal(t, "paused", flag.Status)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
