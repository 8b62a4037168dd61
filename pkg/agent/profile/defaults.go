package profile

import "strings"

// defaultTemplateName maps an empty profile name to the built-in default.
func defaultTemplateName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return defaultProfileName
	}

	return name
}
