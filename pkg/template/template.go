// Package template substitutes context values into action configuration
// strings. Substitution is a pure function, never a code-evaluation step:
// a placeholder is a dotted path into the execution context and nothing
// else.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/acadio/automation/pkg/conditions"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// Substitute replaces every {{dotted.path}} placeholder in the input with
// the corresponding context value. Unresolved placeholders render as the
// empty string rather than failing.
func Substitute(input string, context map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		path := strings.TrimSpace(strings.Trim(match, "{}"))

		value, found := conditions.Resolve(context, path)
		if !found || value == nil {
			return ""
		}

		return stringify(value)
	})
}

// SubstituteConfig renders every string value of an action configuration,
// descending into nested maps and slices. Non-string values pass through
// untouched.
func SubstituteConfig(config map[string]any, context map[string]any) map[string]any {
	if config == nil {
		return nil
	}

	rendered := make(map[string]any, len(config))
	for key, value := range config {
		rendered[key] = substituteValue(value, context)
	}

	return rendered
}

func substituteValue(value any, context map[string]any) any {
	switch v := value.(type) {
	case string:
		return Substitute(v, context)
	case map[string]any:
		return SubstituteConfig(v, context)
	case []any:
		rendered := make([]any, len(v))
		for i, item := range v {
			rendered[i] = substituteValue(item, context)
		}

		return rendered
	default:
		return value
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// Render whole JSON numbers without the trailing .0.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}

		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
