package update

import "strings"

// Git has no structured exit protocol for "did the pull change
// anything", so outcomes are inferred from substrings of its
// human-readable output. Fragile across git versions and locales; an
// accepted trade-off for a single, narrow deployment target. Tests pin
// literal inputs rather than live git output.

var errorTokens = []string{
	"error:",
	"fatal:",
	"could not",
	"failed to",
	"permission denied",
	"cannot",
}

var updateTokens = []string{
	"updating",
	"fast-forward",
	"files changed",
	"file changed",
	"insertions",
	"deletions",
}

// HasError reports whether command output contains a git error token.
func HasError(output string) bool {
	if output == "" {
		return false
	}
	lower := strings.ToLower(output)
	for _, token := range errorTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// HasUpdates reports whether pull output indicates the working tree
// changed. "Already up to date" always wins; otherwise known change
// tokens are checked, and as a last resort more than one substantial
// output line (ignoring "From"/"remote:" noise) counts as a change.
func HasUpdates(output string) bool {
	if output == "" {
		return false
	}
	lower := strings.ToLower(output)
	if strings.Contains(lower, "already up to date") || strings.Contains(lower, "already up-to-date") {
		return false
	}
	for _, token := range updateTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	if !strings.Contains(lower, "error") && !strings.Contains(lower, "fatal") {
		substantial := 0
		for _, line := range strings.Split(output, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "From") || strings.HasPrefix(line, "remote:") {
				continue
			}
			substantial++
		}
		if substantial > 1 {
			return true
		}
	}
	return false
}
