package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

// Interpolate renders {{ path }} references in tmpl against data. Paths use
// Lookup semantics. Strings are inserted verbatim, other values as JSON.
// A reference to a missing path is a VALIDATION_ERROR listing the available keys.
func Interpolate(tmpl string, data map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	var out strings.Builder
	out.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "{{")
		if idx == -1 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed {{ reference in template")
		}
		end += start

		path := strings.TrimSpace(tmpl[start:end])
		if path == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty {{ }} reference in template")
		}
		if strings.Contains(path, "{{") {
			return "", schema.NewError(schema.ErrCodeValidation, "nested {{ reference in template")
		}

		val, ok := Lookup(data, path)
		if !ok {
			available := SortedKeys(data)
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"template reference %q not found; available: [%s]", path, strings.Join(available, ", ")).
				WithDetails(map[string]any{"path": path, "available": available})
		}
		out.WriteString(render(val))
		i = end + 2
	}
	return out.String(), nil
}

// References lists the paths referenced by tmpl, in order of appearance.
func References(tmpl string) []string {
	var refs []string
	for {
		idx := strings.Index(tmpl, "{{")
		if idx == -1 {
			return refs
		}
		rest := tmpl[idx+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return refs
		}
		if p := strings.TrimSpace(rest[:end]); p != "" {
			refs = append(refs, p)
		}
		tmpl = rest[end+2:]
	}
}

func render(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
