package runner

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/starmap/record"
	"github.com/c360studio/starmap/registry"
)

// BuildCanary draws a stratified sample: a fixed percentage from each
// top-level directory stratum, plus every module matching a force-include
// exception. Selection within a stratum is deterministic (sorted order) so
// repeated builds over the same tree sample the same modules.
func BuildCanary(modules []registry.Module, samplePercent int, forceInclude []string) ([]string, error) {
	if samplePercent < 0 || samplePercent > 100 {
		return nil, fmt.Errorf("sample percent must be in [0,100], got %d", samplePercent)
	}

	strata := make(map[string][]string)
	for _, mod := range modules {
		stratum := record.TopLevelStratum(mod.Path)
		strata[stratum] = append(strata[stratum], mod.Path)
	}

	selected := make(map[string]bool)
	for _, paths := range strata {
		sort.Strings(paths)
		// Round up so every non-empty stratum contributes at least one
		// module when the percentage is non-zero.
		n := (len(paths)*samplePercent + 99) / 100
		if samplePercent > 0 && n == 0 {
			n = 1
		}
		for _, path := range paths[:n] {
			selected[path] = true
		}
	}

	for _, mod := range modules {
		for _, glob := range forceInclude {
			if ok, err := doublestar.Match(glob, mod.Path); err == nil && ok {
				selected[mod.Path] = true
			}
		}
	}

	canary := make([]string, 0, len(selected))
	for path := range selected {
		canary = append(canary, path)
	}
	sort.Strings(canary)
	return canary, nil
}
