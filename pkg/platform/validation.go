package platform

import (
	"log/slog"
	"regexp"
	"slices"
	"strings"
)

// knownToolPrefixes identify tool-name-like tokens in the server
// instructions text.
var knownToolPrefixes = []string{
	"session_",
	"platform_",
}

// toolTokenPattern matches word-boundary tokens that look like tool names:
// lowercase words joined by underscores.
var toolTokenPattern = regexp.MustCompile(`\b([a-z][a-z0-9]*(?:_[a-z0-9]+)+)\b`)

// validateInstructions logs a warning for every tool-like token in the
// server instructions that does not name a registered tool. Stale names
// otherwise reach clients unnoticed after a rename.
func (p *Platform) validateInstructions() []string {
	instructions := p.config.Server.Instructions
	if instructions == "" {
		return nil
	}

	var unknown []string
	for _, token := range toolTokenPattern.FindAllString(instructions, -1) {
		if !hasKnownPrefix(token) || slices.Contains(p.toolNames, token) || slices.Contains(unknown, token) {
			continue
		}
		unknown = append(unknown, token)
		slog.Warn("instructions reference unrecognized tool",
			"token", token,
			"hint", "verify the tool name exists or remove the stale reference",
		)
	}
	return unknown
}

// hasKnownPrefix reports whether the token starts with a known tool prefix.
func hasKnownPrefix(token string) bool {
	for _, prefix := range knownToolPrefixes {
		if strings.HasPrefix(token, prefix) {
			return true
		}
	}
	return false
}
