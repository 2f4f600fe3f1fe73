// Package config implements the hierarchical configuration resolver: ordered
// fallback key paths computed from a context, layered over a cache and a
// persistent store.
package config

import (
	"regexp"
	"strings"

	"github.com/loomlabs/loom/core"
)

// GlobalPartition is the terminal fallback partition.
const GlobalPartition = "global"

// fallbackDimensions is the fixed priority order used to build fallback
// paths. actorId is a recognized context dimension but never participates in
// fallback generation.
var fallbackDimensions = []string{
	core.DimClientID,
	core.DimTenantID,
	core.DimUserID,
	core.DimEnvironment,
	core.DimRegion,
}

var keyPathPattern = regexp.MustCompile(`^[A-Za-z0-9_/-]+$`)

// ValidateKeyPath rejects empty paths, leading/trailing or consecutive
// slashes, and characters outside [A-Za-z0-9_/-].
func ValidateKeyPath(path string) error {
	if path == "" {
		return core.NewPlatformError("config.ValidateKeyPath", "config", core.ErrInvalidKeyPath)
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return &core.PlatformError{
			Op:   "config.ValidateKeyPath",
			Kind: "config",
			ID:   path,
			Err:  core.ErrInvalidKeyPath,
		}
	}
	if !keyPathPattern.MatchString(path) {
		return &core.PlatformError{
			Op:   "config.ValidateKeyPath",
			Kind: "config",
			ID:   path,
			Err:  core.ErrInvalidKeyPath,
		}
	}
	return nil
}

// FallbackPaths computes the ordered fallback paths for key under ctx.
//
// Present dimensions are taken in the fixed priority order clientId,
// tenantId, userId, environment, region. Every non-empty subset contributes
// one path (values joined with "/" followed by the key), ordered by
// decreasing cardinality and, within equal cardinality, by the priority
// order. The bare key and then "global/<key>" terminate the list.
func FallbackPaths(key string, ctx core.ConfigContext) []string {
	var values []string
	for _, dim := range fallbackDimensions {
		if v, ok := ctx[dim]; ok && v != "" {
			values = append(values, v)
		}
	}

	// Upper bound: 2^n - 1 subsets plus the two terminal entries.
	paths := make([]string, 0, (1<<len(values))+1)
	for size := len(values); size >= 1; size-- {
		combine(values, size, nil, func(subset []string) {
			paths = append(paths, strings.Join(subset, "/")+"/"+key)
		})
	}
	paths = append(paths, key)
	paths = append(paths, GlobalPartition+"/"+key)
	return paths
}

// combine visits every size-k combination of values, preserving order.
func combine(values []string, k int, prefix []string, visit func([]string)) {
	if k == 0 {
		visit(prefix)
		return
	}
	for i := 0; i+k <= len(values); i++ {
		combine(values[i+1:], k-1, append(prefix, values[i]), visit)
	}
}

// Partition returns the persistence partition for a key path: the second
// segment (the tenant) when one exists, otherwise the reserved global
// partition. Paths under the global prefix stay in the global partition.
func Partition(path string) string {
	segments := strings.Split(path, "/")
	if len(segments) < 2 || segments[0] == GlobalPartition {
		return GlobalPartition
	}
	return segments[1]
}
