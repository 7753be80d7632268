package credentials

import (
	"sort"
	"strings"
)

// redactedPlaceholder replaces any secret value found in captured output.
const redactedPlaceholder = "[REDACTED]"

// Redactor scrubs known secret values from text before it is persisted or
// streamed. Longer secrets are replaced first so a secret that contains
// another secret as a substring cannot leak a partial value.
type Redactor struct {
	secrets []string
}

// NewRedactor creates a redactor for the given secret values. Values
// shorter than 4 bytes are ignored, redacting those would mangle
// ordinary output.
func NewRedactor(secrets []string) *Redactor {
	kept := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if len(s) >= 4 {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return len(kept[i]) > len(kept[j]) })

	return &Redactor{secrets: kept}
}

// Redact returns line with every known secret value replaced.
func (r *Redactor) Redact(line string) string {
	for _, s := range r.secrets {
		if strings.Contains(line, s) {
			line = strings.ReplaceAll(line, s, redactedPlaceholder)
		}
	}
	return line
}
