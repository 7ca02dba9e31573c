package router

import (
	"strings"

	"github.com/dotsetgreg/companion/pkg/bus"
)

// Capability tags the router dispatches on.
const (
	CapChat   = "chat"
	CapCoding = "coding"
	CapPost   = "social-post"
)

var codingKeywords = []string{
	"write code", "fix the bug", "fix bug", "refactor", "implement",
	"add a test", "write a function", "patch", "debug", "stack trace",
	"compile", "pull request",
}

var postKeywords = []string{
	"post this", "post to", "publish", "tweet", "announce",
	"share this", "put this on",
}

// Classify maps a task to a capability tag. An explicit capability in the
// task metadata always wins; otherwise a keyword scan over the description
// decides, falling back to the configured default.
func Classify(task bus.Task, defaultCapability string) string {
	if c := strings.TrimSpace(task.Metadata["capability"]); c != "" {
		return c
	}

	desc := strings.ToLower(task.Description)
	for _, kw := range postKeywords {
		if strings.Contains(desc, kw) {
			return CapPost
		}
	}
	for _, kw := range codingKeywords {
		if strings.Contains(desc, kw) {
			return CapCoding
		}
	}
	if defaultCapability != "" {
		return defaultCapability
	}
	return CapChat
}
