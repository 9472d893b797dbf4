package templates

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Template names
const (
	SystemdService = "systemd-service"
)

//go:embed defaults/*.template
var defaults embed.FS

var placeholderPattern = regexp.MustCompile(`\{\{([A-Z_]+)\}\}`)

// TemplateData holds variables for template rendering.
type TemplateData map[string]string

// GetTemplatePaths returns the search paths for template overrides
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "deployhook", "templates", filename),
	}
}

// GetTemplate returns the raw template content by name.
// An override is loaded from the filesystem in the following order, falling
// back to the built-in template:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/deployhook/templates/<name>.template
func GetTemplate(name string) (string, error) {
	// Validate template name
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	content, err := defaults.ReadFile("defaults/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("built-in template missing: %s", name)
	}
	return string(content), nil
}

// Render renders a template with the given data.
// Uses {{PLACEHOLDER}} syntax for variable substitution. Placeholders
// without a value are an error so a unit file never ships half-filled.
//
// Example:
//
//	data := TemplateData{
//	    "USER": "deploy",
//	    "GROUP": "deploy",
//	}
//	rendered, err := Render(SystemdService, data)
func Render(templateName string, data TemplateData) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(tmplContent, func(m string) string {
		key := m[2 : len(m)-2]
		value, ok := data[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return value
	})

	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("template %s: missing values for %s", templateName, strings.Join(missing, ", "))
	}

	return rendered, nil
}

// ServiceData describes the systemd unit for a deployhook server.
type ServiceData struct {
	Binary     string
	User       string
	Group      string
	WorkingDir string
	RulesFile  string
	ReposDir   string
	LogFile    string
	EnvFile    string
}

// RenderSystemdService renders the systemd service template.
func RenderSystemdService(d ServiceData) (string, error) {
	return Render(SystemdService, TemplateData{
		"BINARY":      d.Binary,
		"USER":        d.User,
		"GROUP":       d.Group,
		"WORKING_DIR": d.WorkingDir,
		"RULES_FILE":  d.RulesFile,
		"REPOS_DIR":   d.ReposDir,
		"LOG_FILE":    d.LogFile,
		"ENV_FILE":    d.EnvFile,
	})
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{
		SystemdService,
	}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	validNames := map[string]bool{
		SystemdService: true,
	}
	return validNames[name]
}
