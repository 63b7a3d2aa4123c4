package runner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/starmap/record"
	"github.com/c360studio/starmap/registry"
)

func modulesAt(paths ...string) []registry.Module {
	mods := make([]registry.Module, 0, len(paths))
	for _, p := range paths {
		mods = append(mods, registry.Module{Path: p})
	}
	return mods
}

func TestBuildCanaryStratified(t *testing.T) {
	var paths []string
	for i := 0; i < 10; i++ {
		paths = append(paths, fmt.Sprintf("svc/mod-%02d", i))
	}
	for i := 0; i < 4; i++ {
		paths = append(paths, fmt.Sprintf("lib/util-%d", i))
	}

	canary, err := BuildCanary(modulesAt(paths...), 25, nil)
	require.NoError(t, err)

	perStratum := make(map[string]int)
	for _, p := range canary {
		perStratum[record.TopLevelStratum(p)]++
	}
	// Each stratum contributes ceil(25%) of its members.
	assert.Equal(t, 3, perStratum["svc"])
	assert.Equal(t, 1, perStratum["lib"])
}

func TestBuildCanaryDeterministic(t *testing.T) {
	mods := modulesAt("svc/c", "svc/a", "lib/z", "svc/b", "lib/a")

	first, err := BuildCanary(mods, 50, nil)
	require.NoError(t, err)
	second, err := BuildCanary(mods, 50, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// Selection within a stratum follows sorted order.
	assert.Contains(t, first, "svc/a")
	assert.Contains(t, first, "lib/a")
}

func TestBuildCanaryMinimumPerStratum(t *testing.T) {
	canary, err := BuildCanary(modulesAt("svc/a", "svc/b", "lib/a"), 10, nil)
	require.NoError(t, err)
	// 10% of two or one rounds up: every non-empty stratum is represented.
	assert.Equal(t, []string{"lib/a", "svc/a"}, canary)
}

func TestBuildCanaryForceInclude(t *testing.T) {
	mods := modulesAt("svc/a", "svc/b", "ops/deploy")

	canary, err := BuildCanary(mods, 0, []string{"ops/**"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ops/deploy"}, canary)
}

func TestBuildCanaryZeroPercent(t *testing.T) {
	canary, err := BuildCanary(modulesAt("svc/a", "svc/b"), 0, nil)
	require.NoError(t, err)
	assert.Empty(t, canary)
}

func TestBuildCanaryInvalidPercent(t *testing.T) {
	_, err := BuildCanary(modulesAt("svc/a"), 101, nil)
	assert.Error(t, err)

	_, err = BuildCanary(modulesAt("svc/a"), -1, nil)
	assert.Error(t, err)
}
