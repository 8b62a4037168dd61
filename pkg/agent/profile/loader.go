// Package profile resolves the system prompt sent with every LLM request.
package profile

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultProfileName = "default"

//go:embed templates/*.md
var templatesFS embed.FS

// ResolveSystemProfile returns the prompt for name. A name ending in .md is
// read from disk; anything else selects an embedded template.
func ResolveSystemProfile(name string) (string, error) {
	if strings.HasSuffix(strings.TrimSpace(name), ".md") {
		return loadFile(strings.TrimSpace(name))
	}

	templateName := defaultTemplateName(name)
	content, err := templatesFS.ReadFile(templatePath(templateName))
	if err != nil {
		return "", fmt.Errorf("load %s profile template: %w", templateName, err)
	}

	return nonEmpty(templateName, content)
}

func loadFile(path string) (string, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("load profile file: %w", err)
	}
	return nonEmpty(path, content)
}

func nonEmpty(name string, content []byte) (string, error) {
	profile := strings.TrimSpace(string(content))
	if profile == "" {
		return "", fmt.Errorf("profile template %q is empty", name)
	}
	return profile, nil
}

func templatePath(templateName string) string {
	return "templates/" + strings.TrimSpace(templateName) + ".md"
}
