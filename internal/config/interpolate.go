package config

import (
	"fmt"
	"os"
	"strings"
)

// Interpolate expands ${VAR} and ${VAR:-default} references found in
// string scalars of a YAML document's raw text (spec.md §6). ${VAR} is
// required and errors if unset; ${VAR:-default} falls back to default
// when VAR is unset or empty. Interpolation is purely textual and runs
// before YAML parsing, but line-by-line so it only ever touches a
// mapping value (or a bare scalar/list-item line) — never a mapping
// key and never text following an unquoted '#' comment marker, both of
// which are not string scalars and must pass through unchanged.
func Interpolate(doc string) (string, error) {
	lines := strings.Split(doc, "\n")
	for i, line := range lines {
		active, comment := splitComment(line)
		prefix, value := splitMappingKey(active)

		expanded, err := interpolateScalar(value)
		if err != nil {
			return "", err
		}
		lines[i] = prefix + expanded + comment
	}
	return strings.Join(lines, "\n"), nil
}

// interpolateScalar expands every ${...} reference in s.
func interpolateScalar(s string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		start := strings.Index(s[i:], "${")
		if start == -1 {
			out.WriteString(s[i:])
			break
		}
		start += i
		out.WriteString(s[i:start])

		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			return "", fmt.Errorf("unterminated ${...} starting at %q", s[start:])
		}
		end += start

		expr := s[start+2 : end]
		value, err := resolveExpr(expr)
		if err != nil {
			return "", err
		}
		out.WriteString(value)

		i = end + 1
	}
	return out.String(), nil
}

// splitComment splits a line at an unquoted '#' that starts a YAML
// comment, leaving quoted '#' characters (part of a string scalar)
// alone.
func splitComment(line string) (active, comment string) {
	inSingle, inDouble := false, false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case c == '#' && !inSingle && !inDouble:
			if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
				return line[:i], line[i:]
			}
		}
	}
	return line, ""
}

// splitMappingKey splits a "key: value" line at the first unquoted
// top-level colon, so interpolation below only ever sees the value
// half. Lines with no such colon (list items, flow continuations,
// block-scalar content) are treated as entirely eligible value text.
func splitMappingKey(active string) (prefix, value string) {
	inSingle, inDouble := false, false
	for i := 0; i < len(active); i++ {
		switch c := active[i]; {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case c == ':' && !inSingle && !inDouble:
			if i+1 == len(active) || active[i+1] == ' ' || active[i+1] == '\t' {
				return active[:i+1], active[i+1:]
			}
		}
	}
	return "", active
}

func resolveExpr(expr string) (string, error) {
	if idx := strings.Index(expr, ":-"); idx != -1 {
		name := expr[:idx]
		def := expr[idx+2:]
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v, nil
		}
		return def, nil
	}

	v, ok := os.LookupEnv(expr)
	if !ok {
		return "", fmt.Errorf("required environment variable %q is not set", expr)
	}
	return v, nil
}
