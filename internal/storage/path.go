package storage

import (
	"regexp"
	"strings"
)

const promptPackExt = ".yaml"

var packNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// PromptPackName extracts the pack name from a <root>/<pack>.yaml key. ok is
// false for nested keys, other extensions and invalid names.
func PromptPackName(root, key string) (string, bool) {
	root = strings.Trim(root, "/")
	rel := strings.TrimPrefix(strings.TrimPrefix(key, "/"), root)
	rel = strings.TrimPrefix(rel, "/")
	if strings.Contains(rel, "/") || !strings.HasSuffix(rel, promptPackExt) {
		return "", false
	}
	name := strings.TrimSuffix(rel, promptPackExt)
	if !packNamePattern.MatchString(name) {
		return "", false
	}
	return name, true
}
