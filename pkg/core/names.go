package core

import (
	"strings"
	"unicode"
)

// SnakeCase lower-cases a camelCase or PascalCase identifier and separates
// words with underscores: "createdAt" -> "created_at", "ADEX_view" -> "adex_view".
func SnakeCase(s string) string {
	runes := []rune(s)
	var sb strings.Builder
	sb.Grow(len(s) + 4)
	for i, r := range runes {
		if r == '-' || r == ' ' {
			sb.WriteByte('_')
			continue
		}
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				sb.WriteByte('_')
			}
		}
		sb.WriteRune(unicode.ToLower(r))
	}
	return sb.String()
}

// MemberAlias is the output column alias of cube.member.
func MemberAlias(cube, member string) string {
	return SnakeCase(cube) + "__" + SnakeCase(member)
}

// TimeAlias is the output column alias of a time dimension at granularity.
func TimeAlias(cube, member, granularity string) string {
	return MemberAlias(cube, member) + "_" + SnakeCase(granularity)
}

// SplitPath splits a dotted member path.
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}
