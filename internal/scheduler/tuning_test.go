package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadTuningMissingFileYieldsDefaults(t *testing.T) {
	tuning, err := LoadTuning(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultTuning(), tuning)
}

func TestLoadTuningOverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("merge_auto_threshold: 0.97\n"), 0o644))

	tuning, err := LoadTuning(path)
	require.NoError(t, err)
	require.Equal(t, 0.97, tuning.MergeAutoThreshold)
	require.Equal(t, DefaultTuning().ProfileDirtyTrigger, tuning.ProfileDirtyTrigger)
}
