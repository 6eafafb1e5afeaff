package projects

import (
	"regexp"
	"strings"
)

var (
	leadingFence  = regexp.MustCompile("^```[A-Za-z0-9_+-]*[ \t]*(\r?\n)?")
	trailingFence = regexp.MustCompile("(\r?\n)?```$")
)

// Sanitize strips markdown code fences and surrounding whitespace from model output.
// Applying it to its own result is a no-op.
func Sanitize(raw string) string {
	current := strings.TrimSpace(raw)
	for {
		next := strings.TrimSpace(trailingFence.ReplaceAllString(leadingFence.ReplaceAllString(current, ""), ""))
		if next == current {
			return current
		}
		current = next
	}
}
