package multistage

import (
	"maps"
	"slices"
	"strings"

	"github.com/leapstack-labs/leapcube/pkg/core"
)

// shift maps time dimension paths to the interval their rows are moved by
// before bucketing and filtering.
type shift map[string]core.Interval

func (s shift) key() string {
	if len(s) == 0 {
		return ""
	}
	parts := make([]string, 0, len(s))
	for _, path := range slices.Sorted(maps.Keys(s)) {
		parts = append(parts, path+"+"+s[path].Normalize().String())
	}
	return strings.Join(parts, ";")
}

// add returns a copy of s with iv added to the shift of path.
func (s shift) add(path string, iv core.Interval) shift {
	out := make(shift, len(s)+1)
	maps.Copy(out, s)
	out[path] = slices.Concat(out[path], iv)
	return out
}
