package process

import (
	"strings"
	"time"
)

// Timeout tiers derived from prompt complexity.
const (
	timeoutDefault     = 1 * time.Minute
	timeoutBasic       = 2 * time.Minute
	timeoutMedium      = 3 * time.Minute
	timeoutComplex     = 5 * time.Minute
	timeoutVeryComplex = 10 * time.Minute
)

var complexKeywords = []string{"review", "analyze", "audit", "debug", "test", "document"}

var veryComplexKeywords = []string{"expert", "comprehensive", "thorough", "complete", "full"}

// CommandTimeout derives an execution timeout from the prompt. Longer and
// keyword-heavy prompts get more time; the very-complex tier overrides the
// complex one.
func CommandTimeout(prompt string) time.Duration {
	if prompt == "" {
		return timeoutDefault
	}

	lower := strings.ToLower(prompt)
	for _, kw := range veryComplexKeywords {
		if strings.Contains(lower, kw) {
			return timeoutVeryComplex
		}
	}

	timeout := timeoutBasic
	switch {
	case len(prompt) >= 250:
		timeout = timeoutComplex
	case len(prompt) >= 100:
		timeout = timeoutMedium
	}

	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			if timeoutComplex > timeout {
				timeout = timeoutComplex
			}
			break
		}
	}

	return timeout
}
