package relay

import (
	"fmt"
	"sort"
	"strings"
)

// ComposeInstruction appends the handshake's free-form context to the base
// system instruction, one "key: value" line per entry sorted by key.
func ComposeInstruction(base string, context map[string]any) string {
	base = strings.TrimSpace(base)
	if len(context) == 0 {
		return base
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return base
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(base)
	if base != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Interview context:")
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(contextValue(context[k]))
	}
	return b.String()
}

func contextValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, contextValue(item))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}
